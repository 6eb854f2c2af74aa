package memory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// Executor evaluates statement plans against a Store as asynchronous jobs.
type Executor struct {
	store   *Store
	tracker *datasource.JobTracker
	logger  *zap.Logger

	// BeforeJob, when set, runs before each job and can fail it.
	BeforeJob func(stmt *sql.Statement, dst datasource.Destination) error
}

// NewExecutor creates an executor over store.
func NewExecutor(store *Store, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:   store,
		tracker: datasource.NewJobTracker(logger),
		logger:  logger,
	}
}

// Store returns the executor's store.
func (e *Executor) Store() *Store {
	return e.store
}

// Dialect renders statements as PostgreSQL for logs and plans.
func (e *Executor) Dialect() sql.Dialect {
	return sql.PostgresDialect{}
}

func (e *Executor) Submit(ctx context.Context, stmt *sql.Statement, dst datasource.Destination, disposition datasource.WriteDisposition) (datasource.JobHandle, error) {
	if stmt == nil {
		return datasource.JobHandle{}, fmt.Errorf("submit: nil statement")
	}
	mode, err := modeFor(disposition)
	if err != nil {
		return datasource.JobHandle{}, err
	}

	return e.tracker.Start(ctx, dst, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.BeforeJob != nil {
			if err := e.BeforeJob(stmt, dst); err != nil {
				return err
			}
		}
		result, err := e.store.evaluate(stmt)
		if err != nil {
			return err
		}
		return e.store.write(dst.Dataset, dst.Table, result, mode)
	}), nil
}

func (e *Executor) Wait(ctx context.Context, handles []datasource.JobHandle) ([]datasource.JobHandle, error) {
	return e.tracker.Wait(ctx, handles)
}

func (e *Executor) JobError(handle datasource.JobHandle) error {
	return e.tracker.JobError(handle)
}

func (e *Executor) Query(ctx context.Context, stmt *sql.Statement) (*datasource.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := e.store.evaluate(stmt)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	result := &datasource.QueryResult{Columns: t.Columns, Rows: make([]map[string]any, len(t.Rows))}
	for i, r := range t.Rows {
		result.Rows[i] = map[string]any(r)
	}
	return result, nil
}

// DiscoverColumns lists a stored table's columns. Types are unknown in memory.
func (e *Executor) DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]datasource.ColumnMetadata, error) {
	t, ok := e.store.Get(schemaName, tableName)
	if !ok {
		return nil, fmt.Errorf("table %s.%s not found", schemaName, tableName)
	}
	cols := make([]datasource.ColumnMetadata, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = datasource.ColumnMetadata{ColumnName: c, DataType: "any", IsNullable: true, OrdinalPosition: i + 1}
	}
	return cols, nil
}

func (e *Executor) Close() error {
	return nil
}

func modeFor(d datasource.WriteDisposition) (writeMode, error) {
	switch d {
	case datasource.WriteTruncate:
		return writeTruncate, nil
	case datasource.WriteAppend:
		return writeAppend, nil
	case datasource.WriteEmpty:
		return writeEmpty, nil
	default:
		return 0, fmt.Errorf("unsupported write disposition %q", d)
	}
}

var (
	_ datasource.JobExecutor      = (*Executor)(nil)
	_ datasource.SchemaDiscoverer = (*Executor)(nil)
)
