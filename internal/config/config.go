package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "LOYALTY"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabasePath      = "loyalty.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultCookieName        = "loyalty_session"
	defaultTokenIssuer       = "loyalty-api"
	defaultTokenAudience     = "loyalty-clients"
	defaultTokenTTLMinutes   = 60
	defaultNamespace         = "default-app-id"
	defaultRedisChannel      = "loyalty:documents"
	defaultFederatedProvider = "google"
	defaultFederatedJWKSURL  = "https://www.googleapis.com/oauth2/v3/certs"

	// DriverSQLite stores documents in a local SQLite file.
	DriverSQLite = "sqlite"
	// DriverPostgres stores documents in PostgreSQL.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server and operator commands.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration
	CookieName    string

	FederatedProvider string
	FederatedAudience string
	FederatedJWKSURL  string
	FederatedIssuers  []string

	Namespace string

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisChannel  string
}

// FederatedEnabled reports whether external ID tokens are accepted.
func (c AppConfig) FederatedEnabled() bool {
	return strings.TrimSpace(c.FederatedAudience) != ""
}

// RedisEnabled reports whether the cross-process change feed is configured.
func (c AppConfig) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddress) != ""
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
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.federated.provider", defaultFederatedProvider)
	configViper.SetDefault("auth.federated.jwks_url", defaultFederatedJWKSURL)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("app.namespace", defaultNamespace)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.channel", defaultRedisChannel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenIssuer:       configViper.GetString("auth.issuer"),
		TokenAudience:     configViper.GetString("auth.audience"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		CookieName:        configViper.GetString("auth.cookie_name"),
		FederatedProvider: configViper.GetString("auth.federated.provider"),
		FederatedAudience: configViper.GetString("auth.federated.audience"),
		FederatedJWKSURL:  configViper.GetString("auth.federated.jwks_url"),
		FederatedIssuers:  configViper.GetStringSlice("auth.federated.issuers"),
		Namespace:         configViper.GetString("app.namespace"),
		RedisAddress:      configViper.GetString("redis.address"),
		RedisPassword:     configViper.GetString("redis.password"),
		RedisDB:           configViper.GetInt("redis.db"),
		RedisChannel:      configViper.GetString("redis.channel"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if strings.TrimSpace(c.Namespace) == "" || strings.Contains(c.Namespace, "/") {
		return fmt.Errorf("app.namespace must be a non-empty key segment")
	}
	if c.FederatedEnabled() && strings.TrimSpace(c.FederatedJWKSURL) == "" {
		return fmt.Errorf("auth.federated.jwks_url is required when auth.federated.audience is set")
	}
	if c.RedisEnabled() && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("redis.channel is required when redis.address is set")
	}
	return nil
}
