package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Storage backend names accepted in [storage] type.
const (
	StorageMaildir  = "maildir"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// StorageConfig selects and configures the mail storage backend.
type StorageConfig struct {
	Type      string `toml:"type"`       // "maildir", "sqlite" or "postgres"
	Path      string `toml:"path"`       // Maildir root directory, or SQLite database file
	UsersFile string `toml:"users_file"` // Password file for the maildir backend (user:hash[:mailbox])
	DSN       string `toml:"dsn"`        // PostgreSQL connection string
	MaxConns  int32  `toml:"max_conns"`  // PostgreSQL pool size (0 = pgx default)
	SpoolDir  string `toml:"spool_dir"`  // Directory for temporary DATA files (empty = OS temp dir)
}

// POP3ServerConfig holds POP3 server configuration.
type POP3ServerConfig struct {
	MaxConnections      int    `toml:"max_connections"`        // Maximum concurrent connections
	MaxConnectionsPerIP int    `toml:"max_connections_per_ip"` // Maximum connections per IP address
	CommandTimeout      string `toml:"command_timeout"`        // Maximum idle time before disconnection ("0" disables)
}

// GetCommandTimeout parses the command timeout duration for POP3
func (c *POP3ServerConfig) GetCommandTimeout() (time.Duration, error) {
	if c.CommandTimeout == "" {
		return 10 * time.Minute, nil // RFC 1939 autologout timer is at least 10 minutes
	}
	return parseDuration(c.CommandTimeout)
}

// SMTPServerConfig holds submission server configuration.
type SMTPServerConfig struct {
	MaxConnections      int    `toml:"max_connections"`
	MaxConnectionsPerIP int    `toml:"max_connections_per_ip"`
	CommandTimeout      string `toml:"command_timeout"`
	MaxMessageSize      int64  `toml:"max_message_size"` // Maximum DATA size in bytes (0 = unlimited)
}

// GetCommandTimeout parses the command timeout duration for SMTP
func (c *SMTPServerConfig) GetCommandTimeout() (time.Duration, error) {
	if c.CommandTimeout == "" {
		return 5 * time.Minute, nil
	}
	return parseDuration(c.CommandTimeout)
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Hostname string           `toml:"hostname"`
	Logging  LoggingConfig    `toml:"logging"`
	Storage  StorageConfig    `toml:"storage"`
	POP3     POP3ServerConfig `toml:"pop3"`
	SMTP     SMTPServerConfig `toml:"smtp"`
	Metrics  MetricsConfig    `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return Config{
		Hostname: hostname,
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Storage: StorageConfig{
			Type:      StorageMaildir,
			Path:      "/var/mail/dewey",
			UsersFile: "/etc/dewey/users",
		},
		POP3: POP3ServerConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 20,
			CommandTimeout:      "10m",
		},
		SMTP: SMTPServerConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 20,
			CommandTimeout:      "5m",
			MaxMessageSize:      25 * 1024 * 1024,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
			Path:    "/metrics",
		},
	}
}

// Validate checks the configuration for values the servers cannot run with.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("hostname cannot be empty")
	}
	switch c.Storage.Type {
	case StorageMaildir:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the maildir backend")
		}
		if c.Storage.UsersFile == "" {
			return fmt.Errorf("storage.users_file is required for the maildir backend")
		}
	case StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage type %q (expected maildir, sqlite or postgres)", c.Storage.Type)
	}
	if _, err := c.POP3.GetCommandTimeout(); err != nil {
		return fmt.Errorf("pop3.command_timeout: %w", err)
	}
	if _, err := c.SMTP.GetCommandTimeout(); err != nil {
		return fmt.Errorf("smtp.command_timeout: %w", err)
	}
	if c.SMTP.MaxMessageSize < 0 {
		return fmt.Errorf("smtp.max_message_size cannot be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Unknown keys are reported as warnings and otherwise ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// parseDuration accepts Go duration strings; "0" disables the timeout.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	return d, nil
}

func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please remove or comment out the duplicate entry.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
