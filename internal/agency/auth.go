package agency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// AuthStrategy attaches agency credentials to an outbound request. All three
// schemes present the same contract to the connector.
type AuthStrategy interface {
	Apply(ctx context.Context, req *http.Request) error
}

// NewAuthStrategy builds the strategy for the configured auth method.
func NewAuthStrategy(cfg Config, client *http.Client) (AuthStrategy, error) {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout()}
	}
	switch cfg.AuthMethod {
	case AuthAPIKey:
		header := cfg.Auth.Header
		if header == "" {
			header = "X-Api-Key"
		}
		return &apiKeyStrategy{header: header, key: cfg.Auth.APIKey}, nil
	case AuthOAuth2:
		return &oauthStrategy{
			tokenURL:     cfg.Auth.TokenURL,
			clientID:     cfg.Auth.ClientID,
			clientSecret: cfg.Auth.ClientSecret,
			scope:        cfg.Auth.Scope,
			client:       client,
			now:          time.Now,
		}, nil
	case AuthCredentials:
		return &credentialsStrategy{
			loginURL: cfg.Auth.LoginURL,
			username: cfg.Auth.Username,
			password: cfg.Auth.Password,
			client:   client,
			now:      time.Now,
		}, nil
	default:
		return nil, fmt.Errorf("unknown auth method %q", cfg.AuthMethod)
	}
}

// apiKeyStrategy attaches a static header.
type apiKeyStrategy struct {
	header string
	key    string
}

func (s *apiKeyStrategy) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set(s.header, s.key)
	return nil
}

// expiryLeeway refreshes tokens slightly early so a token never expires
// mid-request.
const expiryLeeway = 30 * time.Second

// oauthStrategy holds a client-credentials access token and refreshes it
// transparently when expired. Concurrent refreshes are collapsed with
// singleflight so only one token call happens per expiry; other callers wait
// on the in-flight refresh.
type oauthStrategy struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	client       *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time

	group singleflight.Group
	now   func() time.Time
}

func (s *oauthStrategy) Apply(ctx context.Context, req *http.Request) error {
	token, err := s.currentToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (s *oauthStrategy) currentToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.now().Add(expiryLeeway).Before(s.expiry) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	value, err, _ := s.group.Do("token", func() (any, error) {
		// Re-check under the flight: a concurrent caller may have already
		// refreshed while this one queued.
		s.mu.Lock()
		if s.token != "" && s.now().Add(expiryLeeway).Before(s.expiry) {
			token := s.token
			s.mu.Unlock()
			return token, nil
		}
		s.mu.Unlock()

		token, expiry, err := s.fetchToken(ctx)
		if err != nil {
			return "", err
		}

		s.mu.Lock()
		s.token = token
		s.expiry = expiry
		s.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (s *oauthStrategy) fetchToken(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.clientID)
	form.Set("client_secret", s.clientSecret)
	if s.scope != "" {
		form.Set("scope", s.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: token request: %v", ErrAuth, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("%w: token endpoint returned %d: %s", ErrAuth, resp.StatusCode, bodySnippet(body))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: parse token response: %v", ErrAuth, err)
	}
	if parsed.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("%w: token response missing access_token", ErrAuth)
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return parsed.AccessToken, s.now().Add(time.Duration(expiresIn) * time.Second), nil
}

// credentialsStrategy performs a login exchange and caches the resulting
// session token with its own expiry. Session tokens are JWTs; expiry comes
// from the exp claim (unverified parse — the agency signed it, we only need
// the timestamp), with a one-hour fallback for opaque tokens.
type credentialsStrategy struct {
	loginURL string
	username string
	password string
	client   *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time

	group singleflight.Group
	now   func() time.Time
}

func (s *credentialsStrategy) Apply(ctx context.Context, req *http.Request) error {
	token, err := s.currentToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (s *credentialsStrategy) currentToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.now().Add(expiryLeeway).Before(s.expiry) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	value, err, _ := s.group.Do("session", func() (any, error) {
		s.mu.Lock()
		if s.token != "" && s.now().Add(expiryLeeway).Before(s.expiry) {
			token := s.token
			s.mu.Unlock()
			return token, nil
		}
		s.mu.Unlock()

		token, expiry, err := s.login(ctx)
		if err != nil {
			return "", err
		}

		s.mu.Lock()
		s.token = token
		s.expiry = expiry
		s.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (s *credentialsStrategy) login(ctx context.Context) (string, time.Time, error) {
	payload, err := json.Marshal(map[string]string{
		"username": s.username,
		"password": s.password,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.loginURL, bytes.NewReader(payload))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: login request: %v", ErrAuth, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read login response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("%w: login returned %d: %s", ErrAuth, resp.StatusCode, bodySnippet(body))
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("%w: parse login response: %v", ErrAuth, err)
	}
	if parsed.Token == "" {
		return "", time.Time{}, fmt.Errorf("%w: login response missing token", ErrAuth)
	}

	return parsed.Token, s.sessionExpiry(parsed.Token), nil
}

func (s *credentialsStrategy) sessionExpiry(token string) time.Time {
	fallback := s.now().Add(time.Hour)

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return fallback
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.IsZero() {
		return fallback
	}
	return claims.ExpiresAt.Time
}
