package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rent-ledger/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, "8080", cfg.App.Port)
	assert.True(t, cfg.App.Demo)
	assert.Equal(t, "./data/rent.db", cfg.Database.Path)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, int64(1<<20), cfg.HTTP.MaxBodySize)
	assert.Equal(t, []string{"*"}, cfg.HTTP.CORSAllowOrigins)
	assert.Equal(t, time.Hour, cfg.Scheduler.OverdueInterval)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.StripeEnabled())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	// GIVEN: A config file and an environment override
	// WHEN: Loading
	// THEN: The environment wins over the file, the file over defaults

	path := writeConfig(t, `
[app]
port = "9090"

[database]
path = ":memory:"

[scheduler]
overdue_interval = "15m"

[stripe]
secret_key = "sk_test_abc"
success_url = "https://rent.test/paid"
cancel_url = "https://rent.test/cancelled"
`)
	t.Setenv("RENTLEDGER_APP_PORT", "7070")
	t.Setenv("RENTLEDGER_STRIPE_WEBHOOK_SECRET", "whsec_env")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.App.Port)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.OverdueInterval)
	assert.True(t, cfg.StripeEnabled())
	assert.Equal(t, "whsec_env", cfg.Stripe.WebhookSecret)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "unknown env", env: map[string]string{"RENTLEDGER_APP_ENV": "staging"}},
		{name: "bad port", env: map[string]string{"RENTLEDGER_APP_PORT": "http"}},
		{name: "negative interval", env: map[string]string{"RENTLEDGER_SCHEDULER_OVERDUE_INTERVAL": "-1m"}},
		{name: "stripe without urls", env: map[string]string{"RENTLEDGER_STRIPE_SECRET_KEY": "sk_test_abc"}},
		{name: "production short jwt secret", body: `
[app]
env = "production"
demo = false

[http]
cors_allow_origins = ["https://rent.example.com"]

[jwt]
secret = "short"
`},
		{name: "production with demo", body: `
[app]
env = "production"

[http]
cors_allow_origins = ["https://rent.example.com"]

[jwt]
secret = "0123456789abcdef0123456789abcdef"
`},
		{name: "production wildcard cors", body: `
[app]
env = "production"
demo = false

[jwt]
secret = "0123456789abcdef0123456789abcdef"
`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := ""
			if tc.body != "" {
				path = writeConfig(t, tc.body)
			}
			_, err := config.Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_Production(t *testing.T) {
	path := writeConfig(t, `
[app]
env = "production"
demo = false

[http]
cors_allow_origins = ["https://rent.example.com"]

[jwt]
secret = "0123456789abcdef0123456789abcdef"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"https://rent.example.com"}, cfg.HTTP.CORSAllowOrigins)
}
