package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"

	"github.com/florianilch/crest/internal/observability"
	"github.com/florianilch/crest/internal/rest"
	"github.com/florianilch/crest/internal/tokensource"
	"github.com/florianilch/crest/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// StorageType represents the backends supported for portal credentials.
type StorageType string

const (
	StorageTypePostgres StorageType = "postgres"
	StorageTypeRedis    StorageType = "redis"
	StorageTypeFile     StorageType = "file"
	StorageTypeKeyring  StorageType = "keyring"
	StorageTypeEnv      StorageType = "env"
	StorageTypeMemory   StorageType = "memory"
)

// AuthenticationMethod represents how REST calls are authorized.
type AuthenticationMethod string

const (
	// AuthenticationMethodOAuth attaches the stored access token and refreshes it on expiry.
	AuthenticationMethodOAuth AuthenticationMethod = "oauth"
	// AuthenticationMethodWebhook sends calls to an inbound webhook URL.
	AuthenticationMethodWebhook AuthenticationMethod = "webhook"
)

// Default configuration values
const (
	DefaultConfigLogFormat         = LogFormatText
	DefaultConfigTelemetryExporter = observability.ExporterNone
	DefaultConfigServerHost        = "127.0.0.1"
	DefaultConfigServerPort        = 4000
	DefaultConfigShutdownTimeout   = 5 * time.Second
	DefaultConfigStorageType       = StorageTypeFile
	DefaultConfigKeyringService    = "crest"
	DefaultConfigAuthMethod        = AuthenticationMethodOAuth
	DefaultConfigRESTTimeout       = rest.DefaultTimeout
	DefaultConfigRESTUserAgent     = rest.DefaultUserAgent
	DefaultConfigRateLimitDelay    = 300 * time.Millisecond
)

// TelemetryConfig selects the OpenTelemetry log exporter.
type TelemetryConfig struct {
	Exporter observability.Exporter `json:"exporter" validate:"oneof=none stdout otlphttp otlpgrpc"`
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// StorageConfig describes where portal credentials are kept.
type StorageConfig struct {
	Type StorageType `json:"type" validate:"required,oneof=postgres redis file keyring env memory"`

	// Backend-specific settings (only the one matching Type is used)
	DSN            string `json:"dsn,omitempty"`             // postgres connection string
	RedisURL       string `json:"redis_url,omitempty"`       // redis:// URL
	File           string `json:"file,omitempty"`            // path to the JSON document
	KeyringService string `json:"keyring_service,omitempty"` // keyring service name
	EnvKey         string `json:"env_key,omitempty"`         // environment variable holding the JSON document
}

// NewCredentialStore opens the configured backend.
func (s *StorageConfig) NewCredentialStore(ctx context.Context) (tokenstore.CredentialStore, error) {
	switch s.Type {
	case StorageTypePostgres:
		return tokenstore.OpenPostgresStore(ctx, s.DSN)
	case StorageTypeRedis:
		return tokenstore.OpenRedisStore(ctx, s.RedisURL)
	case StorageTypeFile:
		return tokenstore.NewFileStore(s.File)
	case StorageTypeKeyring:
		return tokenstore.NewKeyringStore(s.KeyringService)
	case StorageTypeEnv:
		return tokenstore.NewEnvStore(s.EnvKey)
	case StorageTypeMemory:
		return tokenstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", s.Type)
	}
}

// AuthConfig represents the application credentials used to refresh tokens.
type AuthConfig struct {
	Method AuthenticationMethod `json:"method" validate:"required,oneof=oauth webhook"`

	// OAuth application credentials
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	TokenURL     string `json:"token_url,omitempty" validate:"omitempty,url"` // overrides the Bitrix24 OAuth server

	// Inbound webhook, e.g. https://example.bitrix24.ru/rest/1/abcdef
	InboundHook string `json:"inbound_hook,omitempty" validate:"omitempty,url"`
}

// NewRefresher creates the token refresher for the oauth method. It returns
// nil for webhooks, which carry their own authorization.
func (a *AuthConfig) NewRefresher(store tokenstore.CredentialStore) (rest.TokenRefresher, error) {
	switch a.Method {
	case AuthenticationMethodOAuth:
		var opts []tokensource.ExchangerOption
		if a.TokenURL != "" {
			opts = append(opts, tokensource.WithEndpoint(oauth2.Endpoint{
				TokenURL:  a.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			}))
		}
		exchanger := tokensource.NewExchanger(a.ClientID, a.ClientSecret, opts...)
		return tokensource.NewRefresher(exchanger, store)
	case AuthenticationMethodWebhook:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported authentication method: %s", a.Method)
	}
}

// PortalConfig identifies the portal used by the CLI commands.
type PortalConfig struct {
	MemberID string `json:"member_id"`
}

// RateLimitConfig controls QUERY_LIMIT_EXCEEDED retries.
type RateLimitConfig struct {
	Delay time.Duration `json:"delay"`
	// MaxRetries of zero retries until the limit clears.
	MaxRetries int `json:"max_retries" validate:"gte=0"`
}

// RESTConfig holds REST client settings.
type RESTConfig struct {
	Timeout   time.Duration   `json:"timeout"`
	UserAgent string          `json:"user_agent"`
	RateLimit RateLimitConfig `json:"rate_limit"`
}

// Options converts the settings to rest.Client options.
func (r *RESTConfig) Options() []rest.Option {
	return []rest.Option{
		rest.WithTimeout(r.Timeout),
		rest.WithUserAgent(r.UserAgent),
		rest.WithRetryPolicy(rest.RetryPolicy{
			Delay:      r.RateLimit.Delay,
			MaxRetries: r.RateLimit.MaxRetries,
		}),
	}
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level      `json:"log_level"`
	LogFormat LogFormat       `json:"log_format" validate:"oneof=text json"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Server    ServerConfig    `json:"server"`
	Shutdown  ShutdownConfig  `json:"shutdown"`
	Storage   StorageConfig   `json:"storage"`
	Auth      AuthConfig      `json:"auth"`
	Portal    PortalConfig    `json:"portal"`
	REST      RESTConfig      `json:"rest"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = DefaultConfigTelemetryExporter
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Storage.Type == "" {
		c.Storage.Type = DefaultConfigStorageType
	}
	if c.Auth.Method == "" {
		c.Auth.Method = DefaultConfigAuthMethod
	}
	if c.REST.Timeout == 0 {
		c.REST.Timeout = DefaultConfigRESTTimeout
	}
	if c.REST.UserAgent == "" {
		c.REST.UserAgent = DefaultConfigRESTUserAgent
	}
	if c.REST.RateLimit.Delay == 0 {
		c.REST.RateLimit.Delay = DefaultConfigRateLimitDelay
	}

	// Dynamic defaults based on storage type
	switch c.Storage.Type {
	case StorageTypeFile:
		if c.Storage.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("storage.file required (auto-detect failed: %w)", err)
			}
			c.Storage.File = filepath.Join(configDir, "crest", "portals.json")
		}
	case StorageTypeKeyring:
		if c.Storage.KeyringService == "" {
			c.Storage.KeyringService = DefaultConfigKeyringService
		}
	case StorageTypePostgres, StorageTypeRedis, StorageTypeEnv:
		// connection settings must be explicitly configured (no sensible default)
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Auth.Method {
	case AuthenticationMethodOAuth:
		// Refreshed tokens must be written back (env is read-only)
		if c.Storage.Type == StorageTypeEnv {
			return errors.New("oauth authentication requires writable storage, env is read-only")
		}
		if c.Auth.ClientID == "" || c.Auth.ClientSecret == "" {
			return errors.New("auth.client_id and auth.client_secret required for oauth authentication")
		}
	case AuthenticationMethodWebhook:
		if c.Auth.InboundHook == "" {
			return errors.New("auth.inbound_hook required for webhook authentication")
		}
	}

	switch c.Storage.Type {
	case StorageTypePostgres:
		if c.Storage.DSN == "" {
			return errors.New("dsn required for postgres storage")
		}
	case StorageTypeRedis:
		if c.Storage.RedisURL == "" {
			return errors.New("redis_url required for redis storage")
		}
	case StorageTypeFile:
		if c.Storage.File == "" {
			return errors.New("file path required for file storage")
		}
	case StorageTypeEnv:
		if c.Storage.EnvKey == "" {
			return errors.New("env_key required for env storage")
		}
	case StorageTypeKeyring:
		if c.Storage.KeyringService == "" {
			return errors.New("keyring_service required for keyring storage")
		}
	}

	return nil
}
