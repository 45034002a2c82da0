package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Storage and lease backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

// Config holds all configuration for ontask-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Lease    LeaseConfig    `yaml:"lease"`
	Redis    RedisConfig    `yaml:"redis"`
	Session  SessionConfig  `yaml:"session"`
	Upload   UploadConfig   `yaml:"upload"`
	Plugins  PluginsConfig  `yaml:"plugins"`
	S3       S3Config       `yaml:"s3"`
	MCP      MCPConfig      `yaml:"mcp"`

	// Connections are the SQL sources offered to step 1 of the upload.
	Connections []ConnectionConfig `yaml:"connections"`

	// CredentialsKey encrypts passwords typed into the SQL connection form
	// while they are kept in an upload draft. 32 bytes, base64 encoded.
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`

	// Audience, when set, must be present in every token's aud claim.
	Audience string `yaml:"audience" env:"AUTH_AUDIENCE" env-default:""`
}

// MCPConfig controls the read-only MCP endpoint.
type MCPConfig struct {
	Enabled bool `yaml:"enabled" env:"MCP_ENABLED" env-default:"true"`

	// Role, when set, must be among a token's roles to use the endpoint.
	Role string `yaml:"role" env:"MCP_ROLE" env-default:""`

	// MaxRows caps the rows read_table returns.
	MaxRows int `yaml:"max_rows" env:"MCP_MAX_ROWS" env-default:"500"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ontask"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ontask_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// StorageConfig selects where workflows and frames are kept.
type StorageConfig struct {
	// Backend is "postgres" or "memory".
	Backend        string `yaml:"backend" env:"STORAGE_BACKEND" env-default:"postgres"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`
}

// LeaseConfig selects where workflow leases are kept.
type LeaseConfig struct {
	// Backend is "postgres", "redis" or "memory".
	Backend string `yaml:"backend" env:"LEASE_BACKEND" env-default:"postgres"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
}

// SessionConfig controls the rolling editing session that owns leases.
type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl" env:"SESSION_TTL" env-default:"2h"`
	CookieSecret string        `yaml:"-" env:"SESSION_SECRET"` // Secret - not in YAML
	Secure       bool          `yaml:"secure" env:"SESSION_SECURE" env-default:"false"`
}

// UploadConfig bounds uploaded and fetched sources.
type UploadConfig struct {
	MaxSize                   int64         `yaml:"max_size" env:"UPLOAD_MAX_SIZE" env-default:"209715200"`
	AllowedMimeTypesStr       string        `yaml:"allowed_mime_types" env:"UPLOAD_ALLOWED_MIME_TYPES" env-default:"text/csv,application/csv,text/plain,application/vnd.ms-excel,application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"`
	AllowedImportMimeTypesStr string        `yaml:"allowed_import_mime_types" env:"UPLOAD_ALLOWED_IMPORT_MIME_TYPES" env-default:"application/gzip,application/x-gzip,application/octet-stream"`
	RemoteFetchTimeout        time.Duration `yaml:"remote_fetch_timeout" env:"UPLOAD_REMOTE_FETCH_TIMEOUT" env-default:"30s"`

	AllowedMimeTypes       []string `yaml:"-"`
	AllowedImportMimeTypes []string `yaml:"-"`
}

// PluginsConfig locates the Wasm transform plugins.
type PluginsConfig struct {
	Dir      string `yaml:"dir" env:"PLUGINS_DIR" env-default:"./plugins"`
	Manifest string `yaml:"manifest" env:"PLUGINS_MANIFEST" env-default:""`

	// MaxConcurrent bounds the plugin runs executing at once.
	MaxConcurrent int `yaml:"max_concurrent" env:"PLUGINS_MAX_CONCURRENT" env-default:"2"`
}

// S3Config holds defaults for the object-store source.
type S3Config struct {
	Region string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
}

// ConnectionConfig describes one SQL source. The password is read from the
// environment variable named by PasswordEnv; when that is empty the user is
// prompted for it in the upload form.
type ConnectionConfig struct {
	Name         string            `yaml:"name" json:"name"`
	Dialect      string            `yaml:"dialect" json:"dialect"`
	Host         string            `yaml:"host" json:"host"`
	Port         int               `yaml:"port" json:"port"`
	Database     string            `yaml:"database" json:"database"`
	User         string            `yaml:"user" json:"user"`
	PasswordEnv  string            `yaml:"password_env" json:"-"`
	Table        string            `yaml:"table" json:"table,omitempty"`
	AllowQueries bool              `yaml:"allow_queries" json:"allow_queries"`
	Options      map[string]string `yaml:"options" json:"-"`
}

// Password returns the configured password, or empty when it must be prompted.
func (c *ConnectionConfig) Password() string {
	if c.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.PasswordEnv)
}

// NeedsPassword reports whether the upload form must ask for a password.
func (c *ConnectionConfig) NeedsPassword() bool {
	return c.Dialect != "sqlite" && c.Password() == ""
}

// Connection returns the descriptor called name.
func (c *Config) Connection(name string) (*ConnectionConfig, bool) {
	for i := range c.Connections {
		if c.Connections[i].Name == name {
			return &c.Connections[i], true
		}
	}
	return nil, false
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.parseComplexFields(); err != nil {
		return nil, fmt.Errorf("failed to parse config fields: %w", err)
	}

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	if err := cfg.validateBackends(); err != nil {
		return nil, fmt.Errorf("invalid backend configuration: %w", err)
	}

	if err := cfg.validateConnections(); err != nil {
		return nil, fmt.Errorf("invalid connections: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// parseComplexFields handles fields that need post-processing after loading.
func (c *Config) parseComplexFields() error {
	c.Auth.JWKSEndpoints = parseJWKSEndpoints(c.Auth.JWKSEndpointsStr)
	c.Upload.AllowedMimeTypes = parseList(c.Upload.AllowedMimeTypesStr)
	c.Upload.AllowedImportMimeTypes = parseList(c.Upload.AllowedImportMimeTypesStr)
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	return nil
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

func (c *Config) validateBackends() error {
	switch c.Storage.Backend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Lease.Backend {
	case BackendPostgres:
		if c.Storage.Backend != BackendPostgres {
			return fmt.Errorf("lease backend postgres requires storage backend postgres")
		}
	case BackendRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("lease backend redis requires redis.host")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown lease backend %q", c.Lease.Backend)
	}
	return nil
}

var connectionDialects = map[string]bool{
	"postgres":  true,
	"sqlserver": true,
	"mysql":     true,
	"sqlite":    true,
}

func (c *Config) validateConnections() error {
	seen := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.Name == "" {
			return fmt.Errorf("connection without name")
		}
		if seen[conn.Name] {
			return fmt.Errorf("connection %q is defined twice", conn.Name)
		}
		seen[conn.Name] = true
		if !connectionDialects[conn.Dialect] {
			return fmt.Errorf("connection %q has unknown dialect %q", conn.Name, conn.Dialect)
		}
	}
	return nil
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	pairs := strings.Split(value, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			endpoints[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return endpoints
}

func parseList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection string in URL form, which
// golang-migrate and pgxpool both accept.
func (c *DatabaseConfig) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
