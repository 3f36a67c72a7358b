package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func hmacToken(t *testing.T, secret, sub string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthorizeHMAC(t *testing.T) {
	a := NewJWTAuthorizer(NewStaticKey(testSecret))
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		id, err := a.Authorize(ctx, hmacToken(t, testSecret, "u1", time.Now().Add(time.Hour)), "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", id.UserID)
	})

	t.Run("no claimed user", func(t *testing.T) {
		id, err := a.Authorize(ctx, hmacToken(t, testSecret, "u1", time.Now().Add(time.Hour)), "")
		require.NoError(t, err)
		assert.Equal(t, "u1", id.UserID)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := a.Authorize(ctx, "  ", "u1")
		require.ErrorIs(t, err, ErrMissingToken)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := a.Authorize(ctx, "not-a-jwt", "u1")
		require.ErrorIs(t, err, ErrMalformedToken)
	})

	t.Run("expired token is refused before signature check", func(t *testing.T) {
		token := hmacToken(t, "some-other-secret", "u1", time.Now().Add(-time.Second))
		_, err := a.Authorize(ctx, token, "u1")
		require.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := hmacToken(t, "some-other-secret", "u1", time.Now().Add(time.Hour))
		_, err := a.Authorize(ctx, token, "u1")
		require.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("subject mismatch", func(t *testing.T) {
		_, err := a.Authorize(ctx, hmacToken(t, testSecret, "u1", time.Now().Add(time.Hour)), "u2")
		require.ErrorIs(t, err, ErrUserMismatch)
	})

	t.Run("missing exp", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"})
		signed, err := token.SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = a.Authorize(ctx, signed, "u1")
		require.ErrorIs(t, err, ErrMalformedToken)
	})
}

func TestAuthorizeRolesClaim(t *testing.T) {
	a := NewJWTAuthorizer(NewStaticKey(testSecret))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "agent-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"agent"},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	id, err := a.Authorize(context.Background(), signed, "agent-7")
	require.NoError(t, err)
	assert.True(t, id.HasRole("agent"))
	assert.False(t, id.HasRole("admin"))
}

func TestAuthorizeIssuerAndAudience(t *testing.T) {
	a := NewJWTAuthorizer(NewStaticKey(testSecret), WithIssuer("https://idp.test"), WithAudience("support"))

	sign := func(iss, aud string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    iss,
			Audience:  jwt.ClaimStrings{aud},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		signed, err := token.SignedString([]byte(testSecret))
		require.NoError(t, err)
		return signed
	}

	_, err := a.Authorize(context.Background(), sign("https://idp.test", "support"), "u1")
	require.NoError(t, err)

	_, err = a.Authorize(context.Background(), sign("https://evil.test", "support"), "u1")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = a.Authorize(context.Background(), sign("https://idp.test", "other"), "u1")
	require.ErrorIs(t, err, ErrUnauthorized)
}

type jwksServer struct {
	mu      sync.Mutex
	keys    jose.JSONWebKeySet
	fetches atomic.Int32
	failing atomic.Bool
	server  *httptest.Server
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		if s.failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.keys)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *jwksServer) publish(kid string, key *rsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys.Keys = append(s.keys.Keys, jose.JSONWebKey{
		Key:       &key.PublicKey,
		KeyID:     kid,
		Algorithm: "RS256",
		Use:       "sig",
	})
}

func rsaToken(t *testing.T, key *rsa.PrivateKey, kid, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestKeySetFetchesOnceAndCaches(t *testing.T) {
	srv := newJWKSServer(t)
	key := newRSAKey(t)
	srv.publish("k1", key)

	keys := NewKeySet(srv.server.URL, time.Hour, zerolog.Nop())
	a := NewJWTAuthorizer(keys)

	for i := 0; i < 3; i++ {
		id, err := a.Authorize(context.Background(), rsaToken(t, key, "k1", "u1"), "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", id.UserID)
	}
	keys.Wait()
	assert.Equal(t, int32(1), srv.fetches.Load())
}

func TestKeySetUnknownKidRefreshesInBackground(t *testing.T) {
	srv := newJWKSServer(t)
	oldKey := newRSAKey(t)
	srv.publish("k1", oldKey)

	keys := NewKeySet(srv.server.URL, time.Hour, zerolog.Nop())
	a := NewJWTAuthorizer(keys)

	_, err := a.Authorize(context.Background(), rsaToken(t, oldKey, "k1", "u1"), "u1")
	require.NoError(t, err)

	newKey := newRSAKey(t)
	srv.publish("k2", newKey)

	// The first token signed by the rotated key misses the cache and
	// schedules a refresh.
	_, err = a.Authorize(context.Background(), rsaToken(t, newKey, "k2", "u1"), "u1")
	require.ErrorIs(t, err, ErrUnauthorized)

	keys.Wait()
	assert.Equal(t, int32(2), srv.fetches.Load())

	_, err = a.Authorize(context.Background(), rsaToken(t, newKey, "k2", "u1"), "u1")
	require.NoError(t, err)
}

func TestKeySetStaleCacheKeepsServing(t *testing.T) {
	srv := newJWKSServer(t)
	key := newRSAKey(t)
	srv.publish("k1", key)

	now := time.Now()
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	keys := NewKeySet(srv.server.URL, time.Minute, zerolog.Nop())
	keys.now = clock
	a := NewJWTAuthorizer(keys)

	_, err := a.Authorize(context.Background(), rsaToken(t, key, "k1", "u1"), "u1")
	require.NoError(t, err)

	clockMu.Lock()
	now = now.Add(2 * time.Minute)
	clockMu.Unlock()

	srv.failing.Store(true)

	_, err = a.Authorize(context.Background(), rsaToken(t, key, "k1", "u1"), "u1")
	require.NoError(t, err)

	keys.Wait()
	assert.Equal(t, int32(2), srv.fetches.Load())
}

func TestKeySetInitialFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewJWTAuthorizer(NewKeySet(srv.URL, time.Hour, zerolog.Nop()))
	_, err := a.Authorize(context.Background(), rsaToken(t, newRSAKey(t), "k1", "u1"), "u1")
	require.ErrorIs(t, err, ErrUnauthorized)
}
