package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/database"
	"github.com/ekaya-inc/ekaya-combine/pkg/logging"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// ErrDestinationNotEmpty is returned by WRITE_EMPTY jobs whose destination
// already holds rows.
var ErrDestinationNotEmpty = errors.New("destination table is not empty")

// Executor materializes statements into PostgreSQL tables. Each job runs on
// its own pooled connection inside a transaction.
type Executor struct {
	db      *database.DB
	tracker *datasource.JobTracker
	logger  *zap.Logger
}

// connect opens the pool for cfg, retrying transient failures.
func connect(ctx context.Context, cfg *Config, logger *zap.Logger) (*database.DB, error) {
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            buildConnectionString(cfg),
		MaxConnections: cfg.MaxConnections,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return db, nil
}

// NewExecutor connects to PostgreSQL and returns a job executor.
func NewExecutor(ctx context.Context, cfg *Config, logger *zap.Logger) (*Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewExecutorWithDB(db, logger), nil
}

// NewExecutorWithDB wraps an existing pool. Close closes the pool.
func NewExecutorWithDB(db *database.DB, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		db:      db,
		tracker: datasource.NewJobTracker(logger),
		logger:  logger,
	}
}

func (e *Executor) Dialect() sql.Dialect {
	return sql.PostgresDialect{}
}

func (e *Executor) Submit(ctx context.Context, stmt *sql.Statement, dst datasource.Destination, disposition datasource.WriteDisposition) (datasource.JobHandle, error) {
	if stmt == nil {
		return datasource.JobHandle{}, fmt.Errorf("submit: nil statement")
	}
	if !disposition.IsValid() {
		return datasource.JobHandle{}, fmt.Errorf("unsupported write disposition %q", disposition)
	}
	if err := sql.ValidateIdentifiers(dst.Dataset, dst.Table); err != nil {
		return datasource.JobHandle{}, fmt.Errorf("invalid destination %s: %w", dst, err)
	}
	text, err := sql.NormalizeStatement(stmt.Text)
	if err != nil {
		return datasource.JobHandle{}, fmt.Errorf("invalid statement: %w", err)
	}

	e.logger.Info("Submitting job",
		zap.String("destination", dst.String()),
		zap.String("disposition", string(disposition)),
		zap.String("statement", logging.SanitizeQuery(text)))
	e.logger.Debug("Job statement", zap.String("destination", dst.String()), zap.String("sql", text))

	return e.tracker.Start(ctx, dst, func(ctx context.Context) error {
		return e.materialize(ctx, text, dst, disposition)
	}), nil
}

// materialize writes the result of text into dst in one transaction, so a
// failed job leaves the previous table in place.
func (e *Executor) materialize(ctx context.Context, text string, dst datasource.Destination, disposition datasource.WriteDisposition) error {
	target := e.Dialect().QualifiedName(dst.Dataset, dst.Table)

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			e.logger.Warn("Failed to rollback job transaction",
				zap.String("destination", dst.String()),
				zap.Error(rbErr))
		}
	}()

	exists, err := tableExists(ctx, tx, dst)
	if err != nil {
		return err
	}

	switch disposition {
	case datasource.WriteTruncate:
		if exists {
			if _, err := tx.Exec(ctx, "DROP TABLE "+target); err != nil {
				return fmt.Errorf("drop %s: %w", dst, err)
			}
		}
		exists = false
	case datasource.WriteEmpty:
		if exists {
			var hasRows bool
			if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+target+")").Scan(&hasRows); err != nil {
				return fmt.Errorf("check %s: %w", dst, err)
			}
			if hasRows {
				return fmt.Errorf("%w: %s", ErrDestinationNotEmpty, dst)
			}
		}
	}

	var tag string
	if exists {
		ct, err := tx.Exec(ctx, "INSERT INTO "+target+" "+text)
		if err != nil {
			return fmt.Errorf("insert into %s: %w", dst, err)
		}
		tag = ct.String()
	} else {
		ct, err := tx.Exec(ctx, "CREATE TABLE "+target+" AS "+text)
		if err != nil {
			return fmt.Errorf("create %s: %w", dst, err)
		}
		tag = ct.String()
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", dst, err)
	}
	e.logger.Debug("Materialized table", zap.String("destination", dst.String()), zap.String("result", tag))
	return nil
}

func tableExists(ctx context.Context, tx pgx.Tx, dst datasource.Destination) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`
	var exists bool
	if err := tx.QueryRow(ctx, query, dst.Dataset, dst.Table).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s exists: %w", dst, err)
	}
	return exists, nil
}

func (e *Executor) Wait(ctx context.Context, handles []datasource.JobHandle) ([]datasource.JobHandle, error) {
	return e.tracker.Wait(ctx, handles)
}

func (e *Executor) JobError(handle datasource.JobHandle) error {
	return e.tracker.JobError(handle)
}

func (e *Executor) Query(ctx context.Context, stmt *sql.Statement) (*datasource.QueryResult, error) {
	if stmt == nil {
		return nil, fmt.Errorf("query: nil statement")
	}
	text, err := sql.NormalizeStatement(stmt.Text)
	if err != nil {
		return nil, fmt.Errorf("invalid statement: %w", err)
	}
	e.logger.Debug("Running query", zap.String("sql", text))

	rows, err := e.db.Query(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	result := &datasource.QueryResult{
		Columns: make([]string, len(fieldDescs)),
		Rows:    make([]map[string]any, 0),
	}
	for i, fd := range fieldDescs {
		result.Columns[i] = fd.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}
		row := make(map[string]any, len(values))
		for i, col := range result.Columns {
			row[col] = values[i]
		}
		result.Rows = append(result.Rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

func (e *Executor) Close() error {
	if e.db != nil {
		e.db.Close()
	}
	return nil
}

var _ datasource.JobExecutor = (*Executor)(nil)
