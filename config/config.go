/*
Package config loads service configuration with viper.

PRIORITY (highest to lowest):
  1. Environment variables with RENTLEDGER_ prefix
     (e.g. RENTLEDGER_STRIPE_WEBHOOK_SECRET for stripe.webhook_secret)
  2. config.toml (explicit path, or searched in . and /etc/rent-ledger)
  3. Built-in defaults

EXAMPLE config.toml:
  [app]
  env = "production"
  port = "8080"

  [database]
  path = "/var/lib/rent-ledger/rent.db"

  [jwt]
  secret = "..."

  [stripe]
  secret_key = "sk_live_..."
  webhook_secret = "whsec_..."
  success_url = "https://pay.example.com/done"
  cancel_url = "https://pay.example.com/cancelled"
*/
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	HTTP      HTTPConfig
	JWT       JWTConfig
	Log       LogConfig
	Stripe    StripeConfig
	Checkout  CheckoutConfig
	Scheduler SchedulerConfig
}

type AppConfig struct {
	Name string
	Env  string // development, production
	Port string
	// Demo enables the /api/scenarios endpoints.
	Demo bool
}

type DatabaseConfig struct {
	// Path is the SQLite file; ":memory:" keeps everything in process.
	Path string
}

type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	MaxBodySize      int64
	CORSAllowOrigins []string
}

type JWTConfig struct {
	// Secret enables the bearer/cookie guard on /api when set.
	Secret string
	Issuer string
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

type CheckoutConfig struct {
	// BaseURL hosts the mock checkout page used when Stripe is not configured.
	BaseURL string
}

type SchedulerConfig struct {
	// OverdueInterval is how often invoices are swept to overdue; 0 disables.
	OverdueInterval time.Duration
}

// IsDevelopment reports whether error details may be shown to clients.
func (c *Config) IsDevelopment() bool { return c.App.Env == "development" }

// StripeEnabled reports whether hosted checkout sessions can be created.
func (c *Config) StripeEnabled() bool { return c.Stripe.SecretKey != "" }

// Load reads configuration. An empty path searches for config.toml; a
// missing file is not an error, an unreadable or invalid one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rent-ledger")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("RENTLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
			Demo: v.GetBool("app.demo"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			ShutdownTimeout:  v.GetDuration("http.shutdown_timeout"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			Issuer: v.GetString("jwt.issuer"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Stripe: StripeConfig{
			SecretKey:     v.GetString("stripe.secret_key"),
			WebhookSecret: v.GetString("stripe.webhook_secret"),
			SuccessURL:    v.GetString("stripe.success_url"),
			CancelURL:     v.GetString("stripe.cancel_url"),
		},
		Checkout: CheckoutConfig{
			BaseURL: v.GetString("checkout.base_url"),
		},
		Scheduler: SchedulerConfig{
			OverdueInterval: v.GetDuration("scheduler.overdue_interval"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "rent-ledger")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.demo", true)
	v.SetDefault("database.path", "./data/rent.db")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.max_body_size", 1<<20)
	v.SetDefault("http.cors_allow_origins", []string{"*"})
	v.SetDefault("jwt.issuer", "rent-ledger")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("checkout.base_url", "http://localhost:8080")
	v.SetDefault("scheduler.overdue_interval", time.Hour)
}

func (c *Config) validate() error {
	switch c.App.Env {
	case "development", "production", "test":
	default:
		return fmt.Errorf("app.env must be development, production or test, got %q", c.App.Env)
	}
	if port, err := strconv.Atoi(c.App.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("app.port must be a port number, got %q", c.App.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HTTP.MaxBodySize <= 0 {
		return fmt.Errorf("http.max_body_size must be positive")
	}
	if c.Scheduler.OverdueInterval < 0 {
		return fmt.Errorf("scheduler.overdue_interval must not be negative")
	}
	if c.StripeEnabled() && (c.Stripe.SuccessURL == "" || c.Stripe.CancelURL == "") {
		return fmt.Errorf("stripe.success_url and stripe.cancel_url are required with stripe.secret_key")
	}

	if c.App.Env == "production" {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		if c.StripeEnabled() && c.Stripe.WebhookSecret == "" {
			return fmt.Errorf("stripe.webhook_secret is required in production when stripe is enabled")
		}
		if c.App.Demo {
			return fmt.Errorf("app.demo must be false in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("http.cors_allow_origins cannot be '*' in production")
			}
		}
	}
	return nil
}
