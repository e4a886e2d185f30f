package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/oauthclientbridge/internal/bridge"
	"github.com/alexjbarnes/oauthclientbridge/internal/ratelimit"
	"github.com/alexjbarnes/oauthclientbridge/internal/state"
	"github.com/alexjbarnes/oauthclientbridge/internal/upstream"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the bridge.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080" validate:"required"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	// Storage backend. OAUTH_DATABASE is a file path for bolt and a DSN
	// for sqlite and postgres.
	DatabaseDriver  string        `env:"OAUTH_DATABASE_DRIVER" envDefault:"bolt" validate:"oneof=bolt sqlite postgres"`
	Database        string        `env:"OAUTH_DATABASE" envDefault:"oauth.db" validate:"required"`
	DatabaseTimeout time.Duration `env:"OAUTH_DATABASE_TIMEOUT" envDefault:"5s" validate:"gt=0"`

	// Upstream client registration
	ClientID         string   `env:"OAUTH_CLIENT_ID" validate:"required"`
	ClientSecret     string   `env:"OAUTH_CLIENT_SECRET" validate:"required"`
	Scopes           []string `env:"OAUTH_SCOPES" envSeparator:","`
	AuthorizationURI string   `env:"OAUTH_AUTHORIZATION_URI" validate:"required,url"`
	TokenURI         string   `env:"OAUTH_TOKEN_URI" validate:"required,url"`
	RefreshURI       string   `env:"OAUTH_REFRESH_URI" validate:"omitempty,url"`
	RedirectURI      string   `env:"OAUTH_REDIRECT_URI" envDefault:"http://localhost:8080/callback" validate:"required,url"`
	GrantType        string   `env:"OAUTH_GRANT_TYPE" envDefault:"refresh_token" validate:"required"`

	// Upstream fetch behaviour
	FetchTotalTimeout  time.Duration     `env:"OAUTH_FETCH_TOTAL_TIMEOUT" envDefault:"20s" validate:"gt=0"`
	FetchTimeout       time.Duration     `env:"OAUTH_FETCH_TIMEOUT" envDefault:"5s" validate:"gt=0"`
	FetchMinTimeout    time.Duration     `env:"OAUTH_FETCH_MIN_TIMEOUT" envDefault:"1s" validate:"gt=0"`
	FetchTotalRetries  int               `env:"OAUTH_FETCH_TOTAL_RETRIES" envDefault:"3" validate:"gte=0"`
	FetchRetryStatus   []int             `env:"OAUTH_FETCH_RETRY_STATUS_CODES" envDefault:"429,500,502,503,504" envSeparator:"," validate:"dive,gte=100,lte=599"`
	FetchUnavailable   []int             `env:"OAUTH_FETCH_UNAVAILABLE_STATUS_CODES" envDefault:"502,503,504" envSeparator:"," validate:"dive,gte=100,lte=599"`
	FetchBackoffFactor float64           `env:"OAUTH_FETCH_BACKOFF_FACTOR" envDefault:"0.1" validate:"gte=0"`
	FetchErrorTypes    map[string]string `env:"OAUTH_FETCH_ERROR_TYPES" envSeparator:"," envKeyValSeparator:":"`
	ErrorLogLevels     map[string]string `env:"OAUTH_ERROR_LOG_LEVELS" envSeparator:"," envKeyValSeparator:":" validate:"dive,oneof=debug info warn error DEBUG INFO WARN ERROR"`

	// Rate limiting
	RateLimitEnabled    bool          `env:"OAUTH_RATE_LIMIT_ENABLED" envDefault:"true"`
	BucketRefillRate    float64       `env:"OAUTH_BUCKET_REFILL_RATE" envDefault:"2" validate:"gt=0"`
	BucketCapacity      float64       `env:"OAUTH_BUCKET_CAPACITY" envDefault:"10" validate:"gt=0"`
	BucketMaxHits       float64       `env:"OAUTH_BUCKET_MAX_HITS" envDefault:"15" validate:"gtefield=BucketCapacity"`
	BucketCleanInterval time.Duration `env:"OAUTH_BUCKET_CLEAN_INTERVAL" envDefault:"10m" validate:"gte=0"`

	// Callback page. An empty path uses the built in template.
	CallbackTemplate      string `env:"OAUTH_CALLBACK_TEMPLATE"`
	CallbackTemplateWatch bool   `env:"OAUTH_CALLBACK_TEMPLATE_WATCH" envDefault:"false"`

	// Authorize nonce sessions
	SessionBackend    string        `env:"SESSION_BACKEND" envDefault:"memory" validate:"oneof=memory redis"`
	SessionRedisURL   string        `env:"SESSION_REDIS_URL" validate:"required_if=SessionBackend redis"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"10m" validate:"gt=0"`
	SessionCookieName string        `env:"SESSION_COOKIE_NAME" envDefault:"oauth_session" validate:"required"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// newValidator reports fields by their environment variable name.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("env"), ",")
		if name == "" {
			return f.Name
		}

		return name
	})

	return v
}

func (c *Config) validate() error {
	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}

		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}

		return errors.New(strings.Join(msgs, "; "))
	}

	if c.FetchMinTimeout > c.FetchTimeout {
		return fmt.Errorf("OAUTH_FETCH_MIN_TIMEOUT must not exceed OAUTH_FETCH_TIMEOUT")
	}

	if c.FetchTimeout > c.FetchTotalTimeout {
		return fmt.Errorf("OAUTH_FETCH_TIMEOUT must not exceed OAUTH_FETCH_TOTAL_TIMEOUT")
	}

	if c.DatabaseDriver == state.DriverPostgres &&
		!strings.Contains(c.Database, "://") && !strings.Contains(c.Database, "=") {
		return fmt.Errorf("OAUTH_DATABASE must be a postgres DSN when OAUTH_DATABASE_DRIVER is postgres")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SecureCookies reports whether the session cookie should be marked
// Secure, which is the case when the callback is served over TLS.
func (c *Config) SecureCookies() bool {
	return strings.HasPrefix(strings.ToLower(c.RedirectURI), "https://")
}

// Bridge returns the protocol flow settings.
func (c *Config) Bridge() bridge.Config {
	levels := make(map[string]slog.Level, len(c.ErrorLogLevels))
	for code, name := range c.ErrorLogLevels {
		var level slog.Level
		if err := level.UnmarshalText([]byte(name)); err != nil {
			level = slog.LevelError
		}

		levels[code] = level
	}

	return bridge.Config{
		ClientID:         c.ClientID,
		ClientSecret:     c.ClientSecret,
		AuthorizationURI: c.AuthorizationURI,
		TokenURI:         c.TokenURI,
		RefreshURI:       c.RefreshURI,
		RedirectURI:      c.RedirectURI,
		Scopes:           c.Scopes,
		RefreshGrantType: c.GrantType,
		ErrorLogLevels:   levels,
	}
}

// Fetch returns the upstream client settings.
func (c *Config) Fetch(userAgent string) upstream.Config {
	return upstream.Config{
		TotalTimeout:      c.FetchTotalTimeout,
		AttemptTimeout:    c.FetchTimeout,
		MinAttemptTimeout: c.FetchMinTimeout,
		Retries:           c.FetchTotalRetries,
		BackoffFactor:     time.Duration(c.FetchBackoffFactor * float64(time.Second)),
		RetryStatus:       c.FetchRetryStatus,
		UnavailableStatus: c.FetchUnavailable,
		UserAgent:         userAgent,
	}
}

// RateLimit returns the token bucket settings.
func (c *Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		Enabled:    c.RateLimitEnabled,
		RefillRate: c.BucketRefillRate,
		Capacity:   c.BucketCapacity,
		MaxHits:    c.BucketMaxHits,
	}
}

// Storage returns the backend selection. Metrics and logger are left
// for the caller to fill in.
func (c *Config) Storage() state.Options {
	return state.Options{
		Driver:  c.DatabaseDriver,
		DSN:     c.Database,
		Timeout: c.DatabaseTimeout,
	}
}
