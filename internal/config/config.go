package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultGoogleScopes is the scope set assumed when a user record predates scope tracking.
var DefaultGoogleScopes = []string{"https://www.googleapis.com/auth/calendar"}

type Config struct {
	ListenAddr  string `env:"APP_LISTEN_ADDR" envDefault:":8000"`
	BaseURL     string `env:"APP_BASE_URL" envDefault:"http://localhost:8000"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	LogLevel    string `env:"APP_LOG_LEVEL" envDefault:"info"`

	DB struct {
		DSN      string `env:"APP_DB_DSN"`
		Host     string `env:"APP_DB_HOST"`
		Name     string `env:"APP_DB_NAME"`
		User     string `env:"APP_DB_USER"`
		Password string `env:"APP_DB_PASSWORD"`
		Port     string `env:"APP_DB_PORT" envDefault:"5432"`
		SSLMode  string `env:"APP_DB_SSLMODE" envDefault:"disable"`
	}

	Redis struct {
		Addr     string `env:"APP_REDIS_ADDR" envDefault:"localhost:6379"`
		Password string `env:"APP_REDIS_PASSWORD"`
		DB       int    `env:"APP_REDIS_DB" envDefault:"0"`
	}

	JWT struct {
		Secret string        `env:"APP_JWT_SECRET"`
		TTL    time.Duration `env:"APP_JWT_TTL" envDefault:"720h"`
	}

	Google struct {
		ClientID     string        `env:"GOOGLE_CLIENT_ID"`
		ClientSecret string        `env:"GOOGLE_CLIENT_SECRET"`
		RedirectURL  string        `env:"GOOGLE_REDIRECT_URI" envDefault:"http://localhost:8000/api/google/callback"`
		Scopes       []string      `env:"GOOGLE_SCOPES" envSeparator:","`
		CalendarID   string        `env:"GOOGLE_CALENDAR_ID" envDefault:"primary"`
		CallTimeout  time.Duration `env:"GOOGLE_CALL_TIMEOUT" envDefault:"30s"`
		StateTTL     time.Duration `env:"OAUTH_STATE_TTL" envDefault:"10m"`
	}

	Sync struct {
		Window        time.Duration `env:"SYNC_WINDOW" envDefault:"1440h"`
		MaxConcurrent int64         `env:"SYNC_MAX_CONCURRENT" envDefault:"4"`
		RunTimeout    time.Duration `env:"SYNC_RUN_TIMEOUT" envDefault:"10m"`
	}

	Watch struct {
		RenewThreshold time.Duration `env:"WATCH_RENEW_THRESHOLD" envDefault:"24h"`
		RenewInterval  time.Duration `env:"WATCH_RENEW_INTERVAL" envDefault:"1h"`
		ChannelTTL     time.Duration `env:"WATCH_CHANNEL_TTL" envDefault:"0s"`
	}

	Retry struct {
		Initial  time.Duration `env:"RETRY_INITIAL" envDefault:"1s"`
		Max      time.Duration `env:"RETRY_MAX" envDefault:"30s"`
		Attempts int           `env:"RETRY_ATTEMPTS" envDefault:"5"`
	}

	FrontendRedirect  string   `env:"FRONTEND_REDIRECT" envDefault:"http://localhost:8081"`
	PrometheusEnabled bool     `env:"APP_PROMETHEUS_ENDPOINT_ENABLED" envDefault:"false"`
	TrustedProxies    []string `env:"APP_TRUSTED_PROXIES" envSeparator:","`
}

// Load reads the .env file if present and parses the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse builds a Config from the process environment without touching .env.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DB.DSN == "" {
		var missing []string
		if cfg.DB.Host == "" {
			missing = append(missing, "APP_DB_HOST")
		}
		if cfg.DB.Name == "" {
			missing = append(missing, "APP_DB_NAME")
		}
		if cfg.DB.User == "" {
			missing = append(missing, "APP_DB_USER")
		}
		if cfg.DB.Password == "" {
			missing = append(missing, "APP_DB_PASSWORD")
		}

		if len(missing) == 0 {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
				cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name, cfg.DB.SSLMode)
		}
	}

	cfg.Google.Scopes = trimList(cfg.Google.Scopes)
	if len(cfg.Google.Scopes) == 0 {
		cfg.Google.Scopes = append([]string(nil), DefaultGoogleScopes...)
	}
	cfg.TrustedProxies = trimList(cfg.TrustedProxies)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DB.DSN == "" {
		return errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if c.JWT.Secret == "" {
		return errors.New("APP_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return fmt.Errorf("APP_JWT_SECRET must be at least 32 characters long (got %d)", len(c.JWT.Secret))
	}
	if (c.Google.ClientID == "") != (c.Google.ClientSecret == "") {
		return errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1 (got %d)", c.Retry.Attempts)
	}
	if c.Retry.Initial <= 0 || c.Retry.Max < c.Retry.Initial {
		return errors.New("RETRY_INITIAL must be positive and not exceed RETRY_MAX")
	}
	if c.Sync.MaxConcurrent < 1 {
		return fmt.Errorf("SYNC_MAX_CONCURRENT must be at least 1 (got %d)", c.Sync.MaxConcurrent)
	}
	if c.Watch.RenewInterval <= 0 {
		return errors.New("WATCH_RENEW_INTERVAL must be positive")
	}
	return nil
}

// GoogleEnabled reports whether OAuth client credentials are configured.
func (c *Config) GoogleEnabled() bool {
	return c.Google.ClientID != "" && c.Google.ClientSecret != ""
}

func trimList(items []string) []string {
	var result []string
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
