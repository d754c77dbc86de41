package agency

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tollworks/tollsync/internal/domain/toll"
)

// AuthMethod enumerates the supported agency authentication schemes.
type AuthMethod string

const (
	AuthAPIKey      AuthMethod = "api_key"
	AuthOAuth2      AuthMethod = "oauth2"
	AuthCredentials AuthMethod = "credentials"
)

// Config is the static per-agency connector configuration, loaded once at
// startup and immutable afterwards. One instance per agency.
type Config struct {
	ID           string     `yaml:"id" validate:"required"`
	Name         string     `yaml:"name"`
	BaseURL      string     `yaml:"base_url" validate:"required,url"`
	Protocol     string     `yaml:"protocol" validate:"required,oneof=agency_feed_v1 plate_pay_v1"`
	Source       string     `yaml:"source" validate:"required,oneof=agency_feed plate_pay manual"`
	Enabled      bool       `yaml:"enabled"`
	AuthMethod   AuthMethod `yaml:"auth_method" validate:"required,oneof=api_key oauth2 credentials"`
	Auth         AuthConfig `yaml:"auth"`
	Capabilities []string   `yaml:"capabilities" validate:"dive,oneof=read write topup evidence"`

	DefaultCurrency string `yaml:"default_currency"`

	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Matching       MatchingConfig       `yaml:"matching"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds" validate:"gte=0"`
	TimeoutSeconds      int `yaml:"timeout_seconds" validate:"gte=0"`
	MaxRetries          int `yaml:"max_retries" validate:"gte=0"`
}

// AuthConfig carries the fields for whichever AuthMethod is selected.
type AuthConfig struct {
	// api_key
	APIKey string `yaml:"api_key"`
	Header string `yaml:"header"`
	// oauth2 client credentials
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
	// credentials login exchange
	LoginURL string `yaml:"login_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type RateLimitConfig struct {
	RequestsPerWindow int `yaml:"requests_per_window" validate:"gt=0"`
	WindowSeconds     int `yaml:"window_seconds" validate:"gt=0"`
}

type CircuitBreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold" validate:"gt=0"`
	CooldownSeconds    int `yaml:"cooldown_seconds" validate:"gt=0"`
	MaxCooldownSeconds int `yaml:"max_cooldown_seconds" validate:"gte=0"`
}

type MatchingConfig struct {
	WindowSeconds   int      `yaml:"window_seconds" validate:"gte=0"`
	TrustPrecedence []string `yaml:"trust_precedence" validate:"dive,oneof=agency_feed plate_pay manual"`
}

// DefaultConfig returns a Config with sensible defaults applied.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Source:          string(toll.SourceAgencyFeed),
		Protocol:        "agency_feed_v1",
		DefaultCurrency: "USD",
		Capabilities:    []string{"read"},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 60,
			WindowSeconds:     60,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:   5,
			CooldownSeconds:    30,
			MaxCooldownSeconds: 600,
		},
		// Matching carries no defaults: a zero value inherits the
		// process-wide configuration.
		PollIntervalSeconds: 60,
		TimeoutSeconds:      30,
		MaxRetries:          3,
	}
}

// PollInterval returns the worker polling cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Timeout bounds each network call to the agency.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SourceChannel maps the configured source string to the domain type.
func (c Config) SourceChannel() toll.Source {
	return toll.Source(c.Source)
}

// MatchingWindow returns the agency's cross-source matching window, or zero
// when the agency does not override the process default.
func (c Config) MatchingWindow() time.Duration {
	return time.Duration(c.Matching.WindowSeconds) * time.Second
}

// EffectiveMatching applies the agency's matching overrides on top of the
// process-wide defaults. Agencies that set nothing reconcile with base
// unchanged.
func (c Config) EffectiveMatching(base toll.MatchingConfig) toll.MatchingConfig {
	if c.Matching.WindowSeconds > 0 {
		base.Window = c.MatchingWindow()
	}
	if len(c.Matching.TrustPrecedence) > 0 {
		precedence := make(toll.TrustPrecedence, 0, len(c.Matching.TrustPrecedence))
		for _, s := range c.Matching.TrustPrecedence {
			precedence = append(precedence, toll.Source(s))
		}
		base.Precedence = precedence
	}
	return base
}

// validate runs struct-tag validation plus the cross-field checks the tags
// cannot express (auth fields required by the selected method).
func (c Config) validate(v *validator.Validate) error {
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(parts, "; "))
		}
		return err
	}

	switch c.AuthMethod {
	case AuthAPIKey:
		if strings.TrimSpace(c.Auth.APIKey) == "" {
			return fmt.Errorf("auth.api_key: required for auth_method api_key")
		}
	case AuthOAuth2:
		if c.Auth.TokenURL == "" || c.Auth.ClientID == "" || c.Auth.ClientSecret == "" {
			return fmt.Errorf("auth.token_url, auth.client_id, auth.client_secret: required for auth_method oauth2")
		}
	case AuthCredentials:
		if c.Auth.LoginURL == "" || c.Auth.Username == "" || c.Auth.Password == "" {
			return fmt.Errorf("auth.login_url, auth.username, auth.password: required for auth_method credentials")
		}
	}
	return nil
}

// LoadConfigs reads all *.yaml files from dir (skipping files starting with
// "_"), applies defaults, validates each config, and returns the slice. Any
// invalid file fails the whole load with the file path and field errors; a
// non-existent directory returns an empty slice with no error.
func LoadConfigs(dir string) ([]Config, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return []Config{}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading agency config dir %s: %w", dir, err)
	}

	v := validator.New()

	var configs []Config
	var validationErrors []string
	seen := map[string]string{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "_") {
			continue
		}
		if ext := filepath.Ext(name); ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		// Secrets live in the environment; config files reference them as
		// ${VAR}.
		data = []byte(os.ExpandEnv(string(data)))

		cfg := DefaultConfig()
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: %v", path, err))
			continue
		}

		if err := cfg.validate(v); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: %v", path, err))
			continue
		}

		if prev, dup := seen[cfg.ID]; dup {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: duplicate agency id %q (also in %s)", path, cfg.ID, prev))
			continue
		}
		seen[cfg.ID] = path

		configs = append(configs, cfg)
	}

	if len(validationErrors) > 0 {
		return nil, errors.New(strings.Join(validationErrors, "; "))
	}
	return configs, nil
}
