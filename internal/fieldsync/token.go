package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields the bearer credential for API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a token configured once, e.g. from the environment.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	token := strings.TrimSpace(string(t))
	if token == "" {
		return "", errors.New("fieldsync: no token configured")
	}
	return token, nil
}

// TokenInfo is what the agent can tell about its own credential.
type TokenInfo struct {
	Subject   string    `json:"subject"`
	Name      string    `json:"name,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token is past its expiry at now.
func (i TokenInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

type agentClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// InspectToken decodes the claims of raw without verifying the signature.
// Only the server verifies; the agent reads who is logged in.
func InspectToken(raw string) (TokenInfo, error) {
	claims := &agentClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("fieldsync: parse token: %w", err)
	}
	info := TokenInfo{Subject: claims.Subject, Name: claims.Name}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}
