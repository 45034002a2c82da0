package mssql

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ontask-engine/pkg/config"
)

// Config contains SQL Server-specific connection options.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string

	// Connection options
	Encrypt                bool
	TrustServerCertificate bool
	ConnectionTimeout      int
}

// DefaultPort returns the default SQL Server port.
func DefaultPort() int {
	return 1433
}

// DefaultConnectionTimeout returns the default connection timeout in seconds.
func DefaultConnectionTimeout() int {
	return 30
}

// FromParams creates a Config from dialect-neutral connection params.
// Recognised options: "encrypt", "trust_server_certificate", "connection_timeout".
func FromParams(params datasource.ConnectionParams) (*Config, error) {
	cfg := &Config{
		Host:              params.Host,
		Port:              params.Port,
		Database:          params.Database,
		Username:          params.User,
		Password:          params.Password,
		Encrypt:           true,
		ConnectionTimeout: DefaultConnectionTimeout(),
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort()
	}

	if encrypt, ok := params.Options["encrypt"]; ok {
		// Support "true", "false", "strict"
		cfg.Encrypt = encrypt == "true" || encrypt == "strict"
	}
	if trust, ok := params.Options["trust_server_certificate"]; ok {
		cfg.TrustServerCertificate = trust == "true"
	}
	if timeout, ok := params.Options["connection_timeout"]; ok {
		n, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid connection_timeout %q", timeout)
		}
		cfg.ConnectionTimeout = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("username is required for SQL authentication")
	}
	return nil
}

// connectionString builds a sqlserver:// URL for SQL authentication.
func (c *Config) connectionString() string {
	query := url.Values{}
	query.Add("database", c.Database)

	if c.Encrypt {
		query.Add("encrypt", "true")
	} else {
		query.Add("encrypt", "false")
	}
	if c.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}
	if c.ConnectionTimeout > 0 {
		query.Add("connection timeout", strconv.Itoa(c.ConnectionTimeout))
	}

	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?%s",
		url.QueryEscape(c.Username),
		url.QueryEscape(c.Password),
		config.ResolveHostForDocker(c.Host),
		c.Port,
		query.Encode(),
	)
}
