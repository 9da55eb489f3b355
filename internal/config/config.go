package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "LEXISYNC"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = "sqlite"
	defaultDataDir          = "data"
	defaultMaxOpenConns     = 1
	defaultLogLevel         = "info"
	defaultLogEncoding      = "json"
	defaultCookieName       = "app_session"
	defaultIssuer           = "lexisync"
	defaultBatchCommitLimit = 500
	defaultBatchChangeLimit = 5000
	defaultStreamPageSize   = 250
)

// AppConfig captures runtime configuration for the API server and CLI.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver       string
	DatabaseDataDir      string
	DatabaseDSN          string
	DatabaseMaxOpenConns int

	LogLevel    string
	LogEncoding string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string

	BatchCommitLimit int
	BatchChangeLimit int
	StreamPageSize   int

	JaegerEndpoint string
	ReplicaID      uuid.UUID
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
	configViper.SetDefault("database.data_dir", defaultDataDir)
	configViper.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("sync.batch_commit_limit", defaultBatchCommitLimit)
	configViper.SetDefault("sync.batch_change_limit", defaultBatchChangeLimit)
	configViper.SetDefault("sync.stream_page_size", defaultStreamPageSize)
}

// LoadDotEnv reads KEY=value files into the process environment. Missing files are skipped;
// variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDataDir:      configViper.GetString("database.data_dir"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		DatabaseMaxOpenConns: configViper.GetInt("database.max_open_conns"),
		LogLevel:             configViper.GetString("log.level"),
		LogEncoding:          configViper.GetString("log.encoding"),
		AuthSigningSecret:    configViper.GetString("auth.signing_secret"),
		AuthIssuer:           configViper.GetString("auth.issuer"),
		AuthCookieName:       configViper.GetString("auth.cookie_name"),
		BatchCommitLimit:     configViper.GetInt("sync.batch_commit_limit"),
		BatchChangeLimit:     configViper.GetInt("sync.batch_change_limit"),
		StreamPageSize:       configViper.GetInt("sync.stream_page_size"),
		JaegerEndpoint:       configViper.GetString("tracing.jaeger_endpoint"),
	}

	if raw := strings.TrimSpace(configViper.GetString("replica.id")); raw != "" {
		replicaID, err := uuid.Parse(raw)
		if err != nil {
			return AppConfig{}, fmt.Errorf("replica.id is not a uuid: %w", err)
		}
		cfg.ReplicaID = replicaID
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ValidateServer checks the settings only the HTTP server needs.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabaseDataDir) == "" {
			return fmt.Errorf("database.data_dir is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.BatchCommitLimit <= 0 {
		return fmt.Errorf("sync.batch_commit_limit must be positive")
	}
	if c.BatchChangeLimit <= 0 {
		return fmt.Errorf("sync.batch_change_limit must be positive")
	}
	if c.StreamPageSize <= 0 {
		return fmt.Errorf("sync.stream_page_size must be positive")
	}
	return nil
}
