package agency

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyStrategy(t *testing.T) {
	cfg := Config{AuthMethod: AuthAPIKey, Auth: AuthConfig{APIKey: "secret-123"}}
	strategy, err := NewAuthStrategy(cfg, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/events", nil)
	require.NoError(t, strategy.Apply(context.Background(), req))
	assert.Equal(t, "secret-123", req.Header.Get("X-Api-Key"))
}

func TestAPIKeyStrategyCustomHeader(t *testing.T) {
	cfg := Config{AuthMethod: AuthAPIKey, Auth: AuthConfig{APIKey: "secret-123", Header: "X-Agency-Token"}}
	strategy, err := NewAuthStrategy(cfg, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/events", nil)
	require.NoError(t, strategy.Apply(context.Background(), req))
	assert.Equal(t, "secret-123", req.Header.Get("X-Agency-Token"))
}

func TestOAuthStrategyFetchesAndCachesToken(t *testing.T) {
	var tokenCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Equal(t, "csecret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "toll.read", r.PostForm.Get("scope"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	cfg := Config{
		AuthMethod: AuthOAuth2,
		Auth: AuthConfig{
			TokenURL:     server.URL,
			ClientID:     "cid",
			ClientSecret: "csecret",
			Scope:        "toll.read",
		},
	}
	strategy, err := NewAuthStrategy(cfg, server.Client())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/events", nil)
		require.NoError(t, strategy.Apply(context.Background(), req))
		assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
	}
	assert.Equal(t, int32(1), tokenCalls.Load(), "token must be cached across requests")
}

func TestOAuthStrategyRefreshesExpiredToken(t *testing.T) {
	var tokenCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": map[int32]string{1: "tok-1", 2: "tok-2"}[n],
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	cfg := Config{
		AuthMethod: AuthOAuth2,
		Auth:       AuthConfig{TokenURL: server.URL, ClientID: "cid", ClientSecret: "cs"},
	}
	raw, err := NewAuthStrategy(cfg, server.Client())
	require.NoError(t, err)
	strategy := raw.(*oauthStrategy)

	current := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	strategy.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.com/events", nil)
	require.NoError(t, strategy.Apply(context.Background(), req))
	assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))

	// Advance past the token's lifetime; the next request must refresh.
	mu.Lock()
	current = current.Add(2 * time.Hour)
	mu.Unlock()

	req = httptest.NewRequest(http.MethodGet, "http://example.com/events", nil)
	require.NoError(t, strategy.Apply(context.Background(), req))
	assert.Equal(t, "Bearer tok-2", req.Header.Get("Authorization"))
	assert.Equal(t, int32(2), tokenCalls.Load())
}

func TestOAuthStrategySingleFlightUnderConcurrency(t *testing.T) {
	var tokenCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	}))
	defer server.Close()

	cfg := Config{
		AuthMethod: AuthOAuth2,
		Auth:       AuthConfig{TokenURL: server.URL, ClientID: "cid", ClientSecret: "cs"},
	}
	strategy, err := NewAuthStrategy(cfg, server.Client())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "http://example.com/events", nil)
			assert.NoError(t, strategy.Apply(context.Background(), req))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), tokenCalls.Load(), "concurrent refreshes must collapse to one token call")
}

func TestOAuthStrategyTokenEndpointFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid client", http.StatusUnauthorized)
	}))
	defer server.Close()

	cfg := Config{
		AuthMethod: AuthOAuth2,
		Auth:       AuthConfig{TokenURL: server.URL, ClientID: "cid", ClientSecret: "wrong"},
	}
	strategy, err := NewAuthStrategy(cfg, server.Client())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/events", nil)
	err = strategy.Apply(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestCredentialsStrategyLoginAndJWTExpiry(t *testing.T) {
	exp := time.Now().Add(45 * time.Minute)
	token := signedTestJWT(t, exp)

	var loginCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loginCalls.Add(1)
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "syncbot", body.Username)
		assert.Equal(t, "hunter2", body.Password)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	}))
	defer server.Close()

	cfg := Config{
		AuthMethod: AuthCredentials,
		Auth:       AuthConfig{LoginURL: server.URL, Username: "syncbot", Password: "hunter2"},
	}
	raw, err := NewAuthStrategy(cfg, server.Client())
	require.NoError(t, err)
	strategy := raw.(*credentialsStrategy)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/events", nil)
	require.NoError(t, strategy.Apply(context.Background(), req))
	assert.Equal(t, "Bearer "+token, req.Header.Get("Authorization"))
	assert.Equal(t, int32(1), loginCalls.Load())

	// Session expiry comes from the JWT exp claim.
	assert.WithinDuration(t, exp, strategy.expiry, time.Second)

	// A second request reuses the cached session.
	req = httptest.NewRequest(http.MethodGet, "http://example.com/events", nil)
	require.NoError(t, strategy.Apply(context.Background(), req))
	assert.Equal(t, int32(1), loginCalls.Load())
}

func TestCredentialsStrategyOpaqueTokenFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "opaque-session-id"})
	}))
	defer server.Close()

	cfg := Config{
		AuthMethod: AuthCredentials,
		Auth:       AuthConfig{LoginURL: server.URL, Username: "u", Password: "p"},
	}
	raw, err := NewAuthStrategy(cfg, server.Client())
	require.NoError(t, err)
	strategy := raw.(*credentialsStrategy)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/events", nil)
	require.NoError(t, strategy.Apply(context.Background(), req))

	// Opaque tokens get the one-hour fallback expiry.
	assert.WithinDuration(t, time.Now().Add(time.Hour), strategy.expiry, 5*time.Second)
}

func TestNewAuthStrategyUnknownMethod(t *testing.T) {
	_, err := NewAuthStrategy(Config{AuthMethod: "kerberos"}, nil)
	require.Error(t, err)
}

func signedTestJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "syncbot",
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}
