package postgres

import (
	"fmt"
	"net/url"

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ontask-engine/pkg/config"
)

// Config contains PostgreSQL-specific connection options.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"
}

// DefaultPort returns the default PostgreSQL port.
func DefaultPort() int {
	return 5432
}

// DefaultSSLMode returns the default SSL mode.
func DefaultSSLMode() string {
	return "require"
}

// FromParams creates a Config from dialect-neutral connection params.
// The "ssl_mode" option overrides the default SSL mode.
func FromParams(params datasource.ConnectionParams) (*Config, error) {
	cfg := &Config{
		Host:     params.Host,
		Port:     params.Port,
		User:     params.User,
		Password: params.Password,
		Database: params.Database,
		SSLMode:  DefaultSSLMode(),
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort()
	}
	if mode, ok := params.Options["ssl_mode"]; ok && mode != "" {
		cfg.SSLMode = mode
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}
	return cfg, nil
}

// buildConnectionString builds a PostgreSQL URL with proper escaping.
// All user-provided fields are URL-escaped so special characters in
// passwords (e.g., @, /, #, ?) do not break URL parsing.
func buildConnectionString(cfg *Config) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = DefaultSSLMode()
	}

	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		config.ResolveHostForDocker(cfg.Host),
		cfg.Port,
		url.QueryEscape(cfg.Database),
		sslMode,
	)
}
