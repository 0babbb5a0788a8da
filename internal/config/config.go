package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "GEONOTES"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "geonotes.db"
	defaultLogLevel     = "info"
	defaultLogFormat    = "json"
	defaultAuthIssuer   = "tauth"
	defaultCookieName   = "app_session"
	defaultSessionTTL   = 12 * time.Hour

	defaultMaxDescriptionRunes = 2000
	defaultMaxUserDataBytes    = 16384

	QuotaBackendSQLite      = "sqlite"
	QuotaBackendRedis       = "redis"
	defaultPrivateLimit     = 50
	defaultRedisQuotaPrefix = "geonotes:quota:"

	defaultCellSizeMeters          = 500.0
	defaultBreakerFailureThreshold = 5
	defaultBreakerTimeout          = 30 * time.Second

	defaultImportMaxItems          = 1000
	defaultImportWorkerConcurrency = 8
	defaultImportMaxInFlight       = 32
	defaultImportRetention         = 168 * time.Hour
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string
	LogFormat      string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthSessionTTL    time.Duration

	MaxDescriptionRunes int
	MaxUserDataBytes    int

	QuotaPrivateLimit   int64
	QuotaReleaseOnClose bool
	QuotaBackend        string
	QuotaReconcile      bool
	RedisAddress        string
	RedisPassword       string
	RedisDB             int
	RedisKeyPrefix      string

	SpatialCellSizeMeters float64

	StorageBreakerFailureThreshold uint32
	StorageBreakerTimeout          time.Duration

	ImportMaxItems          int
	ImportWorkerConcurrency int
	ImportMaxInFlight       int64
	ImportItemsPerSecond    float64
	ImportStorePath         string
	ImportRetention         time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)

	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.session_ttl", defaultSessionTTL)

	configViper.SetDefault("notes.max_description_runes", defaultMaxDescriptionRunes)
	configViper.SetDefault("notes.max_user_data_bytes", defaultMaxUserDataBytes)

	configViper.SetDefault("quota.private_limit", defaultPrivateLimit)
	configViper.SetDefault("quota.release_on_close", false)
	configViper.SetDefault("quota.backend", QuotaBackendSQLite)
	configViper.SetDefault("quota.reconcile_on_start", true)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.key_prefix", defaultRedisQuotaPrefix)

	configViper.SetDefault("spatial.cell_size_meters", defaultCellSizeMeters)

	configViper.SetDefault("storage.breaker_failure_threshold", defaultBreakerFailureThreshold)
	configViper.SetDefault("storage.breaker_timeout", defaultBreakerTimeout)

	configViper.SetDefault("imports.max_items", defaultImportMaxItems)
	configViper.SetDefault("imports.worker_concurrency", defaultImportWorkerConcurrency)
	configViper.SetDefault("imports.max_in_flight", defaultImportMaxInFlight)
	configViper.SetDefault("imports.items_per_second", 0.0)
	configViper.SetDefault("imports.store_path", "")
	configViper.SetDefault("imports.retention", defaultImportRetention)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		AuthSessionTTL:    configViper.GetDuration("auth.session_ttl"),

		MaxDescriptionRunes: configViper.GetInt("notes.max_description_runes"),
		MaxUserDataBytes:    configViper.GetInt("notes.max_user_data_bytes"),

		QuotaPrivateLimit:   configViper.GetInt64("quota.private_limit"),
		QuotaReleaseOnClose: configViper.GetBool("quota.release_on_close"),
		QuotaBackend:        strings.ToLower(strings.TrimSpace(configViper.GetString("quota.backend"))),
		QuotaReconcile:      configViper.GetBool("quota.reconcile_on_start"),
		RedisAddress:        configViper.GetString("redis.address"),
		RedisPassword:       configViper.GetString("redis.password"),
		RedisDB:             configViper.GetInt("redis.db"),
		RedisKeyPrefix:      configViper.GetString("redis.key_prefix"),

		SpatialCellSizeMeters: configViper.GetFloat64("spatial.cell_size_meters"),

		StorageBreakerFailureThreshold: configViper.GetUint32("storage.breaker_failure_threshold"),
		StorageBreakerTimeout:          configViper.GetDuration("storage.breaker_timeout"),

		ImportMaxItems:          configViper.GetInt("imports.max_items"),
		ImportWorkerConcurrency: configViper.GetInt("imports.worker_concurrency"),
		ImportMaxInFlight:       configViper.GetInt64("imports.max_in_flight"),
		ImportItemsPerSecond:    configViper.GetFloat64("imports.items_per_second"),
		ImportStorePath:         configViper.GetString("imports.store_path"),
		ImportRetention:         configViper.GetDuration("imports.retention"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.QuotaPrivateLimit < 0 {
		return fmt.Errorf("quota.private_limit must not be negative")
	}
	switch c.QuotaBackend {
	case QuotaBackendSQLite:
	case QuotaBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis quota backend")
		}
	default:
		return fmt.Errorf("quota.backend must be %q or %q, got %q", QuotaBackendSQLite, QuotaBackendRedis, c.QuotaBackend)
	}
	if c.MaxDescriptionRunes <= 0 {
		return fmt.Errorf("notes.max_description_runes must be positive")
	}
	if c.MaxUserDataBytes <= 0 {
		return fmt.Errorf("notes.max_user_data_bytes must be positive")
	}
	if c.SpatialCellSizeMeters <= 0 {
		return fmt.Errorf("spatial.cell_size_meters must be positive")
	}
	if c.ImportMaxItems <= 0 || c.ImportWorkerConcurrency <= 0 || c.ImportMaxInFlight <= 0 {
		return fmt.Errorf("imports.max_items, imports.worker_concurrency and imports.max_in_flight must be positive")
	}
	if c.ImportItemsPerSecond < 0 {
		return fmt.Errorf("imports.items_per_second must not be negative")
	}
	return nil
}
