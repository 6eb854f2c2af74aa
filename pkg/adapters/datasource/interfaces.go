package datasource

import (
	"context"

	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// WriteDisposition tells an executor how to treat existing destination content.
type WriteDisposition string

const (
	// WriteTruncate replaces the destination table. Every pipeline stage
	// writes this way, which makes stages safe to rerun.
	WriteTruncate WriteDisposition = "WRITE_TRUNCATE"
	// WriteAppend adds rows, creating the table if missing.
	WriteAppend WriteDisposition = "WRITE_APPEND"
	// WriteEmpty fails when the destination already holds rows.
	WriteEmpty WriteDisposition = "WRITE_EMPTY"
)

// IsValid returns true if the disposition is a known value.
func (d WriteDisposition) IsValid() bool {
	return d == WriteTruncate || d == WriteAppend || d == WriteEmpty
}

// Destination is the table a job materializes its result into.
type Destination struct {
	Dataset string `json:"dataset" yaml:"dataset"`
	Table   string `json:"table" yaml:"table"`
}

func (d Destination) String() string {
	return d.Dataset + "." + d.Table
}

// JobExecutor runs bulk statements as asynchronous jobs. Submit starts a job
// and returns immediately; Wait blocks until the given jobs finish.
//
// Each implementation owns its connection and must be closed when done.
type JobExecutor interface {
	// Dialect is the SQL dialect statements must be rendered in.
	Dialect() sql.Dialect

	// Submit starts materializing stmt into dst.
	Submit(ctx context.Context, stmt *sql.Statement, dst Destination, disposition WriteDisposition) (JobHandle, error)

	// Wait blocks until every handle finished or ctx is done. It returns the
	// handles that did not complete successfully; a non-nil error means the
	// wait itself was interrupted.
	Wait(ctx context.Context, handles []JobHandle) ([]JobHandle, error)

	// JobError returns the failure of a handle Wait reported as incomplete.
	// Jobs are forgotten once their outcome is reported, so a job Wait saw
	// succeed is unknown afterwards.
	JobError(handle JobHandle) error

	// Query runs a read-only statement and returns its rows.
	Query(ctx context.Context, stmt *sql.Statement) (*QueryResult, error)

	// Close releases the connection.
	Close() error
}

// SchemaDiscoverer reads column definitions from the datasource catalog.
// Each implementation owns its connection and must be closed when done.
type SchemaDiscoverer interface {
	// DiscoverColumns returns columns of a table ordered by ordinal position.
	DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]ColumnMetadata, error)

	// Close releases the connection.
	Close() error
}

// QueryResult contains the rows of a read-only statement.
type QueryResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}
