// Package remote provides the client for the issue-reporting backend: issue
// creation, image upload, current user lookup and reachability checks.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTimeout bounds every request made by the client.
	DefaultTimeout = 30 * time.Second

	issuesPath  = "/v1/issues"
	imagesPath  = "/v1/storage/issue-images"
	userPath    = "/v1/auth/user"
	healthPath  = "/health"
	maxBodyDump = 512
)

// IssuePayload is the body of an issue creation request.
type IssuePayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Severity    string   `json:"severity,omitempty"`
	Address     string   `json:"address,omitempty"`
	Latitude    float64  `json:"location_lat"`
	Longitude   float64  `json:"location_lng"`
	UserID      string   `json:"user_id"`
	ImageURLs   []string `json:"image_urls"`

	// IdempotencyKey is sent as a header so a retried create after a lost
	// response returns the original issue instead of a duplicate.
	IdempotencyKey string `json:"-"`
}

// CreatedIssue is the response of a successful issue creation.
type CreatedIssue struct {
	ID string `json:"id"`
}

// User is the authenticated user behind the client's token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Image is a photo to upload. Key, when set, identifies the upload so that
// repeating it does not store a second copy.
type Image struct {
	Key         string
	Name        string
	ContentType string
	Data        []byte
}

// Client is an HTTP client for the backend API.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the API at baseURL authenticating with token.
// An empty token makes anonymous requests.
func New(baseURL, token string) *Client {
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// SetTimeout changes the per-request timeout. It is safe to call while
// requests are in flight; those keep the timeout they started with.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpClient = &http.Client{Timeout: d, Transport: c.httpClient.Transport}
}

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.client().Timeout
}

func (c *Client) client() *http.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.httpClient
}

// SetToken replaces the bearer token, for example after login.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and decodes a 2xx JSON response into out (when non-nil).
// Non-2xx responses become ValidationError or APIError.
func (c *Client) do(op string, req *http.Request, out interface{}) error {
	resp, err := c.client().Do(req)
	if err != nil {
		return transportErr(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyDump))
		msg := errorMessage(body)
		if validationStatus(resp.StatusCode) {
			return &ValidationError{Op: op, StatusCode: resp.StatusCode, Message: msg}
		}
		return &APIError{Op: op, StatusCode: resp.StatusCode, Status: resp.Status, Body: msg}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

// errorMessage extracts {"message": ...} or {"error": ...} from an error
// body, falling back to the raw text.
func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// CreateIssue submits an issue record.
func (c *Client) CreateIssue(ctx context.Context, payload IssuePayload) (*CreatedIssue, error) {
	if payload.ImageURLs == nil {
		payload.ImageURLs = []string{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, issuesPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if payload.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", payload.IdempotencyKey)
	}

	var created CreatedIssue
	if err := c.do("create issue", req, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, fmt.Errorf("create issue: response carried no issue id")
	}
	return &created, nil
}

// UploadImage uploads a photo as multipart form data and returns its public URL.
func (c *Client) UploadImage(ctx context.Context, img Image) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, img.Name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return "", fmt.Errorf("failed to write image data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, imagesPath, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if img.Key != "" {
		req.Header.Set("Idempotency-Key", img.Key)
	}

	var uploaded struct {
		URL string `json:"url"`
	}
	if err := c.do("upload image", req, &uploaded); err != nil {
		return "", err
	}
	if uploaded.URL == "" {
		return "", fmt.Errorf("upload image: response carried no url")
	}
	return uploaded.URL, nil
}

// GetCurrentUser returns the user behind the token, or nil when the client
// is anonymous or the token is no longer accepted.
func (c *Client) GetCurrentUser(ctx context.Context) (*User, error) {
	if c.currentToken() == "" {
		return nil, nil
	}

	req, err := c.newRequest(ctx, http.MethodGet, userPath, nil)
	if err != nil {
		return nil, err
	}

	var user User
	err = c.do("get current user", req, &user)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return nil, nil
		}
		return nil, err
	}
	if user.ID == "" {
		return nil, nil
	}
	return &user, nil
}

// Ping checks that the API is reachable and returns the round-trip time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	req, err := c.newRequest(ctx, http.MethodGet, healthPath, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := c.do("ping", req, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// PingURL checks that rawURL itself answers with a 2xx status and returns
// the round-trip time. No token is sent.
func (c *Client) PingURL(ctx context.Context, rawURL string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	if err := c.do("ping "+rawURL, req, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
