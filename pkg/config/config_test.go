package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ekaya-inc/ekaya-combine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-combine/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "log:\n  level: debug\n")

	cfg, err := Load(path, "test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Version != "test-version" {
		t.Errorf("expected Version=test-version, got %s", cfg.Version)
	}
	if got := cfg.Datasets.Models(); got != (models.Datasets{SourceA: "ehr", SourceB: "rdr", Combined: "combined"}) {
		t.Errorf("unexpected default datasets: %+v", got)
	}
	if cfg.Datasource.Type != "postgres" {
		t.Errorf("expected Datasource.Type=postgres, got %s", cfg.Datasource.Type)
	}
	if cfg.Pipeline.MaxParallelStages != 4 {
		t.Errorf("expected MaxParallelStages=4, got %d", cfg.Pipeline.MaxParallelStages)
	}
	if cfg.Pipeline.SkipMappingVerification {
		t.Error("expected mapping verification to be on by default")
	}
	if cfg.Consent != models.DefaultConsentRule() {
		t.Errorf("expected default consent rule, got %+v", cfg.Consent)
	}
	if cfg.Schema.Provider != SchemaProviderEmbedded {
		t.Errorf("expected embedded schema provider, got %s", cfg.Schema.Provider)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected Log.Level=debug (from yaml), got %s", cfg.Log.Level)
	}
	if cfg.Metrics.Job != "ekaya_combine" {
		t.Errorf("expected Metrics.Job=ekaya_combine, got %s", cfg.Metrics.Job)
	}
	if cfg.Tracing.Exporter != "none" || cfg.Tracing.SampleRatio != 1 {
		t.Errorf("expected tracing off with full sampling, got %+v", cfg.Tracing)
	}

	graph, err := cfg.Pipeline.TableGraph()
	if err != nil {
		t.Fatalf("TableGraph() failed: %v", err)
	}
	if graph.Root != "person" || graph.Parent != "visit_occurrence" || len(graph.Tables) != 8 {
		t.Errorf("expected the OMOP table graph, got root=%s parent=%s tables=%d", graph.Root, graph.Parent, len(graph.Tables))
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
datasets:
  source_a: ehr_2024
  source_b: rdr_2024
  combined: combined_2024
datasource:
  type: sqlserver
  host: db.example.com
  port: 1433
  user: combine
  database: cdr
pipeline:
  max_parallel_stages: 2
`)

	t.Setenv("COMBINE_COMBINED", "combined_override")
	t.Setenv("DATASOURCE_PASSWORD", "secret")
	t.Setenv("COMBINE_MAX_PARALLEL_STAGES", "6")

	cfg, err := Load(path, "dev")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Datasets.SourceA != "ehr_2024" {
		t.Errorf("expected SourceA=ehr_2024 (from yaml), got %s", cfg.Datasets.SourceA)
	}
	if cfg.Datasets.Combined != "combined_override" {
		t.Errorf("expected Combined=combined_override (from env), got %s", cfg.Datasets.Combined)
	}
	if cfg.Pipeline.MaxParallelStages != 6 {
		t.Errorf("expected MaxParallelStages=6 (from env), got %d", cfg.Pipeline.MaxParallelStages)
	}

	adapter := cfg.Datasource.AdapterConfig()
	if adapter["password"] != "secret" {
		t.Error("expected password from env in adapter config")
	}
	if adapter["port"] != 1433 {
		t.Errorf("expected port=1433, got %v", adapter["port"])
	}
	if adapter["host"] != "db.example.com" {
		t.Errorf("expected host=db.example.com, got %v", adapter["host"])
	}
}

func TestLoad_PasswordNotReadFromYAML(t *testing.T) {
	path := writeConfig(t, "datasource:\n  password: from-yaml\n")
	os.Unsetenv("DATASOURCE_PASSWORD")

	cfg, err := Load(path, "dev")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Datasource.Password != "" {
		t.Errorf("expected password to be ignored in yaml, got %q", cfg.Datasource.Password)
	}
}

func TestLoad_CustomTablesAndConsent(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  root: person
  parent: visit_occurrence
  tables:
    - name: person
    - name: visit_occurrence
    - name: note
      id_column: note_id
      references_parent: true
consent:
  marker_value: EHRConsentPII_ConsentPermission_V2
`)

	cfg, err := Load(path, "dev")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	graph, err := cfg.Pipeline.TableGraph()
	if err != nil {
		t.Fatalf("TableGraph() failed: %v", err)
	}
	note, ok := graph.Lookup("note")
	if !ok || !note.ReferencesParent || note.PersonColumn != "person_id" {
		t.Errorf("unexpected note table: %+v", note)
	}
	if cfg.Consent.MarkerValue != "EHRConsentPII_ConsentPermission_V2" {
		t.Errorf("expected marker from yaml, got %s", cfg.Consent.MarkerValue)
	}
	if cfg.Consent.AnswerColumn != models.DefaultConsentAnswerColumn {
		t.Errorf("expected default answer column, got %s", cfg.Consent.AnswerColumn)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "dev")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "failed to read") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("DATASOURCE_TYPE", "memory")
	t.Setenv("DATASOURCE_SEED", "testdata/seed.yaml")

	cfg, err := Load("", "dev")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Datasource.Type != "memory" || cfg.Datasource.Seed != "testdata/seed.yaml" {
		t.Errorf("unexpected datasource: %+v", cfg.Datasource)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "same dataset twice",
			yaml:    "datasets:\n  source_a: cdr\n  source_b: cdr\n",
			wantMsg: "invalid datasets",
		},
		{
			name:    "dataset name with quote",
			yaml:    "datasets:\n  combined: \"combined\\\"; DROP\"\n",
			wantMsg: "invalid dataset name",
		},
		{
			name:    "unknown datasource",
			yaml:    "datasource:\n  type: oracle\n",
			wantMsg: "unsupported datasource type",
		},
		{
			name:    "negative parallelism",
			yaml:    "pipeline:\n  max_parallel_stages: -1\n",
			wantMsg: "max_parallel_stages",
		},
		{
			name:    "root missing from tables",
			yaml:    "pipeline:\n  root: person\n  parent: visit_occurrence\n  tables:\n    - name: visit_occurrence\n",
			wantMsg: "invalid pipeline tables",
		},
		{
			name:    "bad consent column",
			yaml:    "consent:\n  answer_column: \"value; --\"\n",
			wantMsg: "invalid consent column",
		},
		{
			name:    "injected consent literal",
			yaml:    "consent:\n  marker_value: \"' OR '1'='1\"\n",
			wantMsg: "unsafe consent marker value",
		},
		{
			name:    "dir provider without path",
			yaml:    "schema:\n  provider: dir\n",
			wantMsg: "schema path is required",
		},
		{
			name:    "unknown provider",
			yaml:    "schema:\n  provider: bigquery\n",
			wantMsg: "unsupported schema provider",
		},
		{
			name:    "unknown tracing exporter",
			yaml:    "tracing:\n  exporter: zipkin\n",
			wantMsg: "invalid tracing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml), "dev")
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, apperrors.ErrConfiguration) {
				t.Errorf("expected a configuration error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected error containing %q, got %v", tt.wantMsg, err)
			}
		})
	}
}
