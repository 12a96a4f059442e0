package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "FOLIO"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabaseDSN     = "folio.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultAncestryDepth   = 3
	defaultArchiveQueue    = 64
	defaultArchiveWorkers  = 1
	defaultAuthIssuer      = "folio"
	defaultAuthAudience    = "folio-api"
	defaultTokenTTLMinutes = 60
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabaseDriver   string
	DatabaseDSN      string
	LogLevel         string
	LogFormat        string
	AncestryMaxDepth int
	ArchiveQueueSize int
	ArchiveWorkers   int
	AuthSigningKey   string
	AuthIssuer       string
	AuthAudience     string
	TokenTTLMinutes  int
}

// LoadDotEnv loads variables from the given .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("ancestry.max_depth", defaultAncestryDepth)
	configViper.SetDefault("archive.queue_size", defaultArchiveQueue)
	configViper.SetDefault("archive.workers", defaultArchiveWorkers)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		LogLevel:         configViper.GetString("log.level"),
		LogFormat:        configViper.GetString("log.format"),
		AncestryMaxDepth: configViper.GetInt("ancestry.max_depth"),
		ArchiveQueueSize: configViper.GetInt("archive.queue_size"),
		ArchiveWorkers:   configViper.GetInt("archive.workers"),
		AuthSigningKey:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:       configViper.GetString("auth.issuer"),
		AuthAudience:     configViper.GetString("auth.audience"),
		TokenTTLMinutes:  configViper.GetInt("auth.token_ttl_minutes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.AncestryMaxDepth <= 0 {
		return fmt.Errorf("ancestry.max_depth must be positive")
	}
	if c.ArchiveQueueSize <= 0 || c.ArchiveWorkers <= 0 {
		return fmt.Errorf("archive.queue_size and archive.workers must be positive")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	return nil
}
