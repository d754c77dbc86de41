package agency

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tollworks/tollsync/internal/domain/toll"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

const validAPIKeyConfig = `
id: metro-express
base_url: https://api.metro.example.com/v1
protocol: agency_feed_v1
source: agency_feed
enabled: true
auth_method: api_key
auth:
  api_key: secret-123
`

func TestLoadConfigsValid(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "metro.yaml", validAPIKeyConfig)

	configs, err := LoadConfigs(dir)
	if err != nil {
		t.Fatalf("LoadConfigs: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("len = %d, want 1", len(configs))
	}

	cfg := configs[0]
	if cfg.ID != "metro-express" {
		t.Errorf("ID = %q", cfg.ID)
	}
	// Defaults applied where the file is silent.
	if cfg.DefaultCurrency != "USD" {
		t.Errorf("DefaultCurrency = %q, want USD", cfg.DefaultCurrency)
	}
	if cfg.RateLimit.RequestsPerWindow != 60 || cfg.RateLimit.WindowSeconds != 60 {
		t.Errorf("RateLimit = %+v, want defaults", cfg.RateLimit)
	}
	if cfg.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.PollInterval() != time.Minute {
		t.Errorf("PollInterval = %s, want 1m", cfg.PollInterval())
	}
	if cfg.MatchingWindow() != 0 {
		t.Errorf("MatchingWindow = %s, want 0 (inherit process default)", cfg.MatchingWindow())
	}
}

func TestEffectiveMatching(t *testing.T) {
	base := toll.MatchingConfig{
		Window:     5 * time.Minute,
		Precedence: toll.DefaultTrustPrecedence(),
	}

	t.Run("no overrides inherit base", func(t *testing.T) {
		got := DefaultConfig().EffectiveMatching(base)
		if got.Window != 5*time.Minute {
			t.Errorf("Window = %s, want base 5m", got.Window)
		}
		if len(got.Precedence) != len(base.Precedence) {
			t.Errorf("Precedence = %v, want base order", got.Precedence)
		}
	})

	t.Run("window override wins", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Matching.WindowSeconds = 600
		got := cfg.EffectiveMatching(base)
		if got.Window != 10*time.Minute {
			t.Errorf("Window = %s, want 10m", got.Window)
		}
		if len(got.Precedence) != len(base.Precedence) {
			t.Errorf("Precedence = %v, unset override must keep base", got.Precedence)
		}
	})

	t.Run("precedence override wins", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Matching.TrustPrecedence = []string{"plate_pay", "agency_feed", "manual"}
		got := cfg.EffectiveMatching(base)
		if got.Window != 5*time.Minute {
			t.Errorf("Window = %s, unset override must keep base", got.Window)
		}
		if got.Precedence[0] != toll.SourcePlatePay {
			t.Errorf("Precedence[0] = %q, want plate_pay", got.Precedence[0])
		}
	})
}

func TestLoadConfigsMatchingOverride(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "metro.yaml", validAPIKeyConfig+`
matching:
  window_seconds: 120
`)

	configs, err := LoadConfigs(dir)
	if err != nil {
		t.Fatalf("LoadConfigs: %v", err)
	}
	if got := configs[0].MatchingWindow(); got != 2*time.Minute {
		t.Errorf("MatchingWindow = %s, want 2m", got)
	}
}

func TestLoadConfigsEnvExpansion(t *testing.T) {
	t.Setenv("TEST_METRO_KEY", "from-env")

	dir := t.TempDir()
	writeConfig(t, dir, "metro.yaml", strings.Replace(validAPIKeyConfig,
		"api_key: secret-123", "api_key: ${TEST_METRO_KEY}", 1))

	configs, err := LoadConfigs(dir)
	if err != nil {
		t.Fatalf("LoadConfigs: %v", err)
	}
	if configs[0].Auth.APIKey != "from-env" {
		t.Errorf("APIKey = %q, want env value", configs[0].Auth.APIKey)
	}
}

func TestLoadConfigsAuthCrossValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "api_key without key",
			content: `
id: a1
base_url: https://api.example.com
protocol: agency_feed_v1
source: agency_feed
auth_method: api_key
`,
			wantErr: "auth.api_key",
		},
		{
			name: "oauth2 missing client secret",
			content: `
id: a1
base_url: https://api.example.com
protocol: agency_feed_v1
source: agency_feed
auth_method: oauth2
auth:
  token_url: https://auth.example.com/token
  client_id: cid
`,
			wantErr: "client_secret",
		},
		{
			name: "credentials missing password",
			content: `
id: a1
base_url: https://api.example.com
protocol: agency_feed_v1
source: agency_feed
auth_method: credentials
auth:
  login_url: https://api.example.com/login
  username: sync
`,
			wantErr: "password",
		},
		{
			name: "unknown protocol",
			content: `
id: a1
base_url: https://api.example.com
protocol: fax_v1
source: agency_feed
auth_method: api_key
auth:
  api_key: k
`,
			wantErr: "Protocol",
		},
		{
			name: "invalid capability",
			content: `
id: a1
base_url: https://api.example.com
protocol: agency_feed_v1
source: agency_feed
auth_method: api_key
auth:
  api_key: k
capabilities: [read, teleport]
`,
			wantErr: "Capabilities",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, "a1.yaml", tt.content)

			_, err := LoadConfigs(dir)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", validAPIKeyConfig)
	writeConfig(t, dir, "b.yaml", validAPIKeyConfig)

	_, err := LoadConfigs(dir)
	if err == nil || !strings.Contains(err.Error(), "duplicate agency id") {
		t.Fatalf("err = %v, want duplicate id error", err)
	}
}

func TestLoadConfigsSkipsUnderscoreFiles(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "_template.yaml", "not even valid yaml: [")
	writeConfig(t, dir, "notes.txt", "ignored")
	writeConfig(t, dir, "metro.yaml", validAPIKeyConfig)

	configs, err := LoadConfigs(dir)
	if err != nil {
		t.Fatalf("LoadConfigs: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("len = %d, want 1", len(configs))
	}
}

func TestLoadConfigsMissingDir(t *testing.T) {
	configs, err := LoadConfigs(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("LoadConfigs: %v", err)
	}
	if len(configs) != 0 {
		t.Fatalf("len = %d, want 0", len(configs))
	}
}
