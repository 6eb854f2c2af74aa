package mssql

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/config"
)

// Authentication methods.
const (
	AuthSQL              = "sql"
	AuthServicePrincipal = "service_principal"
)

// Config contains SQL Server-specific connection options.
type Config struct {
	Host     string
	Port     int
	Database string

	// AuthMethod determines which authentication to use: "sql" or
	// "service_principal".
	AuthMethod string

	// SQL Authentication fields
	Username string
	Password string

	// Service Principal (Azure AD) fields
	TenantID     string
	ClientID     string
	ClientSecret string

	// Connection options
	Encrypt                bool
	TrustServerCertificate bool
	ConnectionTimeout      int

	// MaxConnections bounds open connections. Every running job holds one.
	MaxConnections int
}

// DefaultPort returns the default SQL Server port.
func DefaultPort() int {
	return 1433
}

// DefaultConnectionTimeout returns the default connection timeout in seconds.
func DefaultConnectionTimeout() int {
	return 30
}

// FromMap reads a Config from the datasource config map. The auth method
// is service_principal when client_id is set and sql otherwise, unless
// auth_method names one.
func FromMap(config map[string]any) (*Config, error) {
	m := datasource.ConfigMap(config)
	cfg := &Config{
		Port:              DefaultPort(),
		Encrypt:           true,
		ConnectionTimeout: DefaultConnectionTimeout(),
	}

	cfg.Host, _ = m.String("host")
	cfg.Database, _ = m.String("database")
	if port, ok := m.Int("port"); ok {
		cfg.Port = port
	}
	if encrypt, ok := m.Bool("encrypt"); ok {
		cfg.Encrypt = encrypt
	}
	cfg.TrustServerCertificate, _ = m.Bool("trust_server_certificate")
	if timeout, ok := m.Int("connection_timeout"); ok {
		cfg.ConnectionTimeout = timeout
	}
	if n, ok := m.Int("max_connections"); ok && n > 0 {
		cfg.MaxConnections = n
	}

	cfg.AuthMethod = AuthSQL
	if method, ok := m.String("auth_method"); ok {
		cfg.AuthMethod = method
	} else if _, ok := m.String("client_id"); ok {
		cfg.AuthMethod = AuthServicePrincipal
	}
	cfg.Username, _ = m.String("username", "user")
	cfg.Password, _ = m.String("password")
	cfg.TenantID, _ = m.String("tenant_id")
	cfg.ClientID, _ = m.String("client_id")
	cfg.ClientSecret, _ = m.String("client_secret")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the connection target and the credentials of the auth
// method.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("host is required")
	case c.Database == "":
		return fmt.Errorf("database is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	var missing string
	switch c.AuthMethod {
	case AuthSQL:
		if c.Username == "" {
			missing = "username"
		}
	case AuthServicePrincipal:
		switch {
		case c.TenantID == "":
			missing = "tenant_id"
		case c.ClientID == "":
			missing = "client_id"
		case c.ClientSecret == "":
			missing = "client_secret"
		}
	default:
		return fmt.Errorf("invalid auth method: %s (must be %s or %s)", c.AuthMethod, AuthSQL, AuthServicePrincipal)
	}
	if missing != "" {
		return fmt.Errorf("%s is required for %s authentication", missing, c.AuthMethod)
	}
	return nil
}

// connectionString returns the driver name and DSN for the auth method.
// Service principals use the azuresql driver with fedauth.
func connectionString(cfg *Config) (driver, dsn string) {
	query := url.Values{}
	query.Add("database", cfg.Database)

	if cfg.Encrypt {
		query.Add("encrypt", "true")
	} else {
		query.Add("encrypt", "false")
	}
	if cfg.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}
	if cfg.ConnectionTimeout > 0 {
		query.Add("connection timeout", strconv.Itoa(cfg.ConnectionTimeout))
	}

	host := config.ResolveHostForDocker(cfg.Host)

	if cfg.AuthMethod == AuthServicePrincipal {
		query.Add("fedauth", "ActiveDirectoryServicePrincipal")
		query.Add("user id", cfg.ClientID)
		query.Add("password", cfg.ClientSecret)
		query.Add("tenant id", cfg.TenantID)
		return "azuresql", fmt.Sprintf("sqlserver://%s:%d?%s", host, cfg.Port, query.Encode())
	}

	return "sqlserver", fmt.Sprintf("sqlserver://%s:%s@%s:%d?%s",
		url.QueryEscape(cfg.Username),
		url.QueryEscape(cfg.Password),
		host,
		cfg.Port,
		query.Encode(),
	)
}
