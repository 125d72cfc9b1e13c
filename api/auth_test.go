package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, a *Authenticator, ttl time.Duration) string {
	t.Helper()
	token, err := a.Sign(Claims{
		Role: "manager",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	require.NoError(t, err)
	return token
}

func TestAuthenticator_Middleware(t *testing.T) {
	// GIVEN: A router guarded by an authenticator
	// WHEN: Calling /api with and without credentials
	// THEN: Only valid tokens get through; health and webhooks stay open

	auth := NewAuthenticator("test-signing-key", "rent-ledger")
	s := newTestServer(t, RouterConfig{Auth: auth})

	call := func(mutate func(*http.Request)) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/invoices", nil)
		mutate(req)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec
	}

	rec := call(func(*http.Request) {})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorBody(t, rec).Code)

	rec = call(func(r *http.Request) { r.Header.Set("Authorization", "Bearer not-a-jwt") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := signToken(t, auth, -time.Minute)
	rec = call(func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	foreign := signToken(t, NewAuthenticator("test-signing-key", "someone-else"), time.Hour)
	rec = call(func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+foreign) })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	valid := signToken(t, auth, time.Hour)
	rec = call(func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) })
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(func(r *http.Request) { r.AddCookie(&http.Cookie{Name: AuthCookie, Value: valid}) })
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, s.postWebhook(t, "link-unknown", 100, webhookSecret).Code)
}

func TestAuthenticator_Validate(t *testing.T) {
	auth := NewAuthenticator("test-signing-key", "")

	claims, err := auth.Validate(signToken(t, auth, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "manager", claims.Role)
	assert.Equal(t, "ops@example.com", claims.Subject)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: "manager"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.Validate(none)
	assert.ErrorIs(t, err, errInvalidToken)
}
