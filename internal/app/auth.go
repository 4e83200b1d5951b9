package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/routebook/routebook/internal/platform/httpx"
	"github.com/routebook/routebook/internal/shared"
)

// OperatorClaims are the claims carried by operator bearer tokens.
type OperatorClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 operator token. Used by seeding and tests;
// production tokens come from the identity service.
func IssueToken(secret []byte, subject, name string, ttl time.Duration, now time.Time) (string, error) {
	claims := OperatorClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// BearerAuth verifies the Authorization header and stores the operator in
// the request context.
func BearerAuth(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				httpx.RespondError(w, fmt.Errorf("%w: bearer token required", httpx.ErrUnauthorized))
				return
			}
			claims := &OperatorClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				if logger != nil && !errors.Is(err, jwt.ErrTokenExpired) {
					logger.Warn("rejected bearer token", slog.String("path", r.URL.Path), slog.Any("error", err))
				}
				httpx.RespondError(w, fmt.Errorf("%w: invalid token", httpx.ErrUnauthorized))
				return
			}
			if claims.Subject == "" {
				httpx.RespondError(w, fmt.Errorf("%w: token has no subject", httpx.ErrUnauthorized))
				return
			}
			ctx := shared.ContextWithActor(r.Context(), shared.Actor{ID: claims.Subject, Name: claims.Name})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
