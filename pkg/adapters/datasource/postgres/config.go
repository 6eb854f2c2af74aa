package postgres

import (
	"fmt"
	"net/url"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/config"
)

// Config contains PostgreSQL-specific connection options.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"

	// MaxConnections bounds the pool. Every running job holds one connection.
	MaxConnections int32
}

// DefaultPort returns the default PostgreSQL port.
func DefaultPort() int {
	return 5432
}

// DefaultSSLMode returns the default SSL mode.
func DefaultSSLMode() string {
	return "require"
}

// FromMap reads a Config from the datasource config map. Host, user and
// database are required.
func FromMap(config map[string]any) (*Config, error) {
	m := datasource.ConfigMap(config)
	cfg := &Config{
		Port:    DefaultPort(),
		SSLMode: DefaultSSLMode(),
	}

	var err error
	if cfg.Host, err = m.Require("host"); err != nil {
		return nil, err
	}
	if cfg.User, err = m.Require("user"); err != nil {
		return nil, err
	}
	if cfg.Database, err = m.Require("database"); err != nil {
		return nil, err
	}
	cfg.Password, _ = m.String("password")

	if port, ok := m.Int("port"); ok {
		cfg.Port = port
	}
	if mode, ok := m.String("ssl_mode"); ok {
		cfg.SSLMode = mode
	}
	if n, ok := m.Int("max_connections"); ok && n > 0 {
		cfg.MaxConnections = int32(n)
	}
	return cfg, nil
}

// buildConnectionString renders the pool URL. User, password and database
// are escaped so characters such as @ / # ? survive URL parsing.
func buildConnectionString(cfg *Config) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = DefaultSSLMode()
	}

	host := config.ResolveHostForDocker(cfg.Host)

	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		host,
		cfg.Port,
		url.QueryEscape(cfg.Database),
		sslMode,
	)
}
