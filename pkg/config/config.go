package config

import (
	"fmt"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ekaya-inc/ekaya-combine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
	"github.com/ekaya-inc/ekaya-combine/pkg/tracing"
)

// Config holds all configuration for ekaya-combine.
// Configuration can come from a YAML file or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	Version string `yaml:"-"` // Set at load time, not from config

	// Source A, Source B and Combined dataset identifiers
	Datasets DatasetsConfig `yaml:"datasets"`

	// Backend the statements run against
	Datasource DatasourceConfig `yaml:"datasource"`

	// Stage graph and scheduling
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Consent question in Source B. Empty fields take the EHR consent defaults.
	Consent models.ConsentRule `yaml:"consent"`

	// Where domain table field lists come from
	Schema SchemaConfig `yaml:"schema"`

	Log LogConfig `yaml:"log"`

	Metrics MetricsConfig `yaml:"metrics"`

	Tracing TracingConfig `yaml:"tracing"`
}

// DatasetsConfig names the three logical namespaces.
type DatasetsConfig struct {
	SourceA  string `yaml:"source_a" env:"COMBINE_SOURCE_A" env-default:"ehr"`
	SourceB  string `yaml:"source_b" env:"COMBINE_SOURCE_B" env-default:"rdr"`
	Combined string `yaml:"combined" env:"COMBINE_COMBINED" env-default:"combined"`
}

// Models returns the dataset addressing used by the pipeline.
func (d DatasetsConfig) Models() models.Datasets {
	return models.Datasets{SourceA: d.SourceA, SourceB: d.SourceB, Combined: d.Combined}
}

// DatasourceConfig holds the connection to the backend.
type DatasourceConfig struct {
	// Type is the adapter: postgres, sqlserver or memory.
	Type     string `yaml:"type" env:"DATASOURCE_TYPE" env-default:"postgres"`
	Host     string `yaml:"host" env:"DATASOURCE_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"DATASOURCE_PORT" env-default:"0"` // 0 uses the driver default
	User     string `yaml:"user" env:"DATASOURCE_USER" env-default:""`
	Password string `yaml:"-" env:"DATASOURCE_PASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"DATASOURCE_DATABASE" env-default:""`
	SSLMode  string `yaml:"ssl_mode" env:"DATASOURCE_SSL_MODE" env-default:"disable"`

	// TrustServerCertificate skips SQL Server certificate validation.
	TrustServerCertificate bool `yaml:"trust_server_certificate" env:"DATASOURCE_TRUST_SERVER_CERTIFICATE"`

	// MaxConnections bounds the connection pool. Stages hold one connection
	// each while their job runs.
	MaxConnections int32 `yaml:"max_connections" env:"DATASOURCE_MAX_CONNECTIONS" env-default:"8"`

	// Seed is a YAML fixture loaded into the memory datasource.
	Seed string `yaml:"seed" env:"DATASOURCE_SEED" env-default:""`
}

// AdapterConfig returns the map the datasource adapter factories read.
func (d DatasourceConfig) AdapterConfig() map[string]any {
	cfg := map[string]any{
		"host":                     d.Host,
		"user":                     d.User,
		"password":                 d.Password,
		"database":                 d.Database,
		"ssl_mode":                 d.SSLMode,
		"trust_server_certificate": d.TrustServerCertificate,
		"max_connections":          int(d.MaxConnections),
		"seed":                     d.Seed,
	}
	if d.Port > 0 {
		cfg["port"] = d.Port
	}
	return cfg
}

// PipelineConfig describes the table graph and scheduling.
type PipelineConfig struct {
	MaxParallelStages int `yaml:"max_parallel_stages" env:"COMBINE_MAX_PARALLEL_STAGES" env-default:"4"`

	// SkipMappingVerification disables the bijection check after each
	// mapping stage.
	SkipMappingVerification bool `yaml:"skip_mapping_verification" env:"COMBINE_SKIP_MAPPING_VERIFICATION"`

	Root   string `yaml:"root" env-default:"person"`
	Parent string `yaml:"parent" env-default:"visit_occurrence"`

	// Tables lists the domain tables. Empty means the OMOP clinical tables.
	Tables []models.DomainTable `yaml:"tables"`
}

// TableGraph builds the configured table graph.
func (p PipelineConfig) TableGraph() (*models.TableGraph, error) {
	if len(p.Tables) == 0 {
		return models.DefaultTableGraph(), nil
	}
	g, err := models.NewTableGraph(p.Root, p.Parent, p.Tables)
	if err != nil {
		return nil, apperrors.NewConfigurationError("", "invalid pipeline tables", err)
	}
	return g, nil
}

// Schema provider kinds.
const (
	SchemaProviderEmbedded = "embedded"
	SchemaProviderDir      = "dir"
	SchemaProviderDiscover = "discover"
)

// SchemaConfig selects where field lists come from.
type SchemaConfig struct {
	Provider string `yaml:"provider" env:"COMBINE_SCHEMA_PROVIDER" env-default:"embedded"`
	// Path is the directory of <table>.json files for the dir provider.
	Path string `yaml:"path" env:"COMBINE_SCHEMA_PATH" env-default:""`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// MetricsConfig configures the Pushgateway the run metrics are sent to.
type MetricsConfig struct {
	// PushgatewayURL disables pushing when empty.
	PushgatewayURL string `yaml:"pushgateway_url" env:"METRICS_PUSHGATEWAY_URL" env-default:""`
	Job            string `yaml:"job" env:"METRICS_JOB" env-default:"ekaya_combine"`
}

// TracingConfig selects where stage spans are exported.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter" env:"TRACING_EXPORTER" env-default:"none"` // none or stdout
	Output      string  `yaml:"output" env:"TRACING_OUTPUT" env-default:""`          // file; stderr when empty
	SampleRatio float64 `yaml:"sample_ratio" env:"TRACING_SAMPLE_RATIO" env-default:"1"`
}

// Options converts the section for tracing.Install.
func (t TracingConfig) Options() tracing.Config {
	return tracing.Config{Exporter: t.Exporter, Output: t.Output, SampleRatio: t.SampleRatio}
}

// Load reads configuration from the YAML file at path with environment
// variable overrides. An empty path reads the environment only.
// The version parameter is injected at build time and set on the returned Config.
func Load(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset consent fields from the EHR consent rule.
func (c *Config) applyDefaults() {
	def := models.DefaultConsentRule()
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&c.Consent.Table, def.Table)
	fill(&c.Consent.PersonColumn, def.PersonColumn)
	fill(&c.Consent.MarkerColumn, def.MarkerColumn)
	fill(&c.Consent.MarkerValue, def.MarkerValue)
	fill(&c.Consent.TimestampColumn, def.TimestampColumn)
	fill(&c.Consent.TieBreakColumn, def.TieBreakColumn)
	fill(&c.Consent.AnswerColumn, def.AnswerColumn)
	fill(&c.Consent.AffirmativeValue, def.AffirmativeValue)

	c.Datasource.Type = strings.ToLower(strings.TrimSpace(c.Datasource.Type))
	c.Schema.Provider = strings.ToLower(strings.TrimSpace(c.Schema.Provider))
	c.Tracing.Exporter = strings.ToLower(strings.TrimSpace(c.Tracing.Exporter))
}

// Validate checks every identifier against the whitelist, screens consent
// literals and rejects unknown adapter or provider kinds.
func (c *Config) Validate() error {
	ds := c.Datasets.Models()
	if err := ds.Validate(); err != nil {
		return apperrors.NewConfigurationError("", "invalid datasets", err)
	}
	if err := sql.ValidateIdentifiers(ds.SourceA, ds.SourceB, ds.Combined); err != nil {
		return apperrors.NewConfigurationError("", "invalid dataset name", err)
	}

	switch c.Datasource.Type {
	case "postgres", "sqlserver", "memory":
	default:
		return apperrors.NewConfigurationError("", fmt.Sprintf("unsupported datasource type %q", c.Datasource.Type), nil)
	}

	if c.Pipeline.MaxParallelStages < 0 {
		return apperrors.NewConfigurationError("", "max_parallel_stages must not be negative", nil)
	}
	graph, err := c.Pipeline.TableGraph()
	if err != nil {
		return err
	}
	for _, t := range graph.Tables {
		if err := sql.ValidateIdentifiers(t.Name, t.IDColumn, t.PersonColumn); err != nil {
			return apperrors.NewConfigurationError(t.Name, "invalid table", err)
		}
	}

	if err := c.validateConsent(); err != nil {
		return err
	}

	switch c.Schema.Provider {
	case SchemaProviderEmbedded, SchemaProviderDiscover:
	case SchemaProviderDir:
		if c.Schema.Path == "" {
			return apperrors.NewConfigurationError("", "schema path is required for the dir provider", nil)
		}
	default:
		return apperrors.NewConfigurationError("", fmt.Sprintf("unsupported schema provider %q", c.Schema.Provider), nil)
	}

	if err := c.Tracing.Options().Validate(); err != nil {
		return apperrors.NewConfigurationError("", "invalid tracing", err)
	}
	return nil
}

func (c *Config) validateConsent() error {
	rule := c.Consent
	if err := rule.Validate(); err != nil {
		return apperrors.NewConfigurationError(rule.Table, "invalid consent rule", err)
	}
	if err := sql.ValidateIdentifiers(rule.Table, rule.PersonColumn, rule.MarkerColumn,
		rule.TimestampColumn, rule.TieBreakColumn, rule.AnswerColumn); err != nil {
		return apperrors.NewConfigurationError(rule.Table, "invalid consent column", err)
	}
	if err := sql.CheckLiteral("marker_value", sql.String(rule.MarkerValue)); err != nil {
		return apperrors.NewConfigurationError(rule.Table, "unsafe consent marker value", err)
	}
	if err := sql.CheckLiteral("affirmative_value", sql.ParseValue(rule.AffirmativeValue)); err != nil {
		return apperrors.NewConfigurationError(rule.Table, "unsafe consent affirmative value", err)
	}
	return nil
}
