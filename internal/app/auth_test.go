package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/routebook/routebook/internal/shared"
)

var testSecret = []byte("0123456789abcdef-test")

func echoActor() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := shared.ActorFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(actor.ID + "|" + actor.Name))
	})
}

func authRequest(t *testing.T, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/attendance", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	BearerAuth(testSecret, nil)(echoActor()).ServeHTTP(rr, req)
	return rr
}

func TestBearerAuthAcceptsValidToken(t *testing.T) {
	token, err := IssueToken(testSecret, "operator-7", "Ravi", time.Hour, time.Now())
	require.NoError(t, err)

	rr := authRequest(t, "Bearer "+token)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "operator-7|Ravi", rr.Body.String())
}

func TestBearerAuthRejects(t *testing.T) {
	expired, err := IssueToken(testSecret, "operator-7", "", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	foreign, err := IssueToken([]byte("another-secret-entirely"), "operator-7", "", time.Hour, time.Now())
	require.NoError(t, err)
	noSubject, err := IssueToken(testSecret, "", "", time.Hour, time.Now())
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "operator-7"}).SignedString(testSecret)
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "operator-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"missing":    "",
		"basic":      "Basic b3A6cHc=",
		"empty":      "Bearer ",
		"expired":    "Bearer " + expired,
		"foreign":    "Bearer " + foreign,
		"no subject": "Bearer " + noSubject,
		"no expiry":  "Bearer " + noExpiry,
		"alg none":   "Bearer " + unsigned,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			rr := authRequest(t, header)
			require.Equal(t, http.StatusUnauthorized, rr.Code)
			require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
		})
	}
}
