package remote

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Config configures photo uploads straight to an S3-compatible bucket.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible stores
	// (MinIO, Supabase storage S3 gateway). Path-style addressing is used
	// when set.
	Endpoint string
	// Prefix is prepended to every object key.
	Prefix string
	// PublicBaseURL is the URL objects are served from. Defaults to the
	// virtual-hosted AWS URL of the bucket.
	PublicBaseURL string
}

// S3API is the subset of the S3 client used by S3Uploader.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader uploads report photos to S3 and returns their public URLs.
type S3Uploader struct {
	client  S3API
	bucket  string
	prefix  string
	baseURL string
}

// NewS3Uploader loads the default AWS configuration and returns an uploader.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		if cfg.Endpoint != "" {
			baseURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		} else {
			baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
		}
	}

	return NewS3UploaderWithClient(client, cfg.Bucket, cfg.Prefix, baseURL), nil
}

// NewS3UploaderWithClient builds an uploader around an existing S3 client.
func NewS3UploaderWithClient(client S3API, bucket, prefix, publicBaseURL string) *S3Uploader {
	return &S3Uploader{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		baseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// objectKey derives the key for an image. Keyed images always map to the
// same object, so re-uploading after a failed create overwrites rather than
// duplicates.
func (u *S3Uploader) objectKey(img Image) string {
	id := img.Key
	if id == "" {
		id = uuid.NewString()
	}
	ext := path.Ext(img.Name)
	if ext == "" {
		ext = ".jpg"
	}
	key := strings.ReplaceAll(id, "/", "_") + strings.ToLower(ext)
	if u.prefix != "" {
		key = u.prefix + "/" + key
	}
	return key
}

// UploadImage puts the image into the bucket and returns its public URL.
func (u *S3Uploader) UploadImage(ctx context.Context, img Image) (string, error) {
	key := u.objectKey(img)
	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(img.Data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", transportErr("upload image", ctx.Err())
		}
		return "", &NetworkError{Op: "upload image", Err: fmt.Errorf("failed to upload to S3: %w", err)}
	}

	return u.baseURL + "/" + key, nil
}
