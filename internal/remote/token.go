package remote

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo is what can be read from an access token without contacting the
// backend.
type TokenInfo struct {
	UserID    string
	Email     string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// Expired reports whether the token's exp claim is in the past.
func (ti TokenInfo) Expired(now time.Time) bool {
	return !ti.ExpiresAt.IsZero() && now.After(ti.ExpiresAt)
}

// ParseToken reads the subject and expiry of a JWT access token.
// The signature is NOT verified: the backend verifies it on every request;
// this is only used to attribute reports while offline.
func ParseToken(token string) (*TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("failed to read token subject: %w", err)
	}
	if sub == "" {
		return nil, fmt.Errorf("access token has no subject")
	}

	info := &TokenInfo{UserID: sub}
	if email, ok := claims["email"].(string); ok {
		info.Email = email
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("failed to read token expiry: %w", err)
	}
	if exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}
