package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/microsoft/go-mssqldb"         // SQL Server driver
	_ "github.com/microsoft/go-mssqldb/azuread" // Azure AD support
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/logging"
	"github.com/ekaya-inc/ekaya-combine/pkg/retry"
	sqlgen "github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// ErrDestinationNotEmpty is returned by WRITE_EMPTY jobs whose destination
// already holds rows.
var ErrDestinationNotEmpty = errors.New("destination table is not empty")

// Executor materializes statements into SQL Server tables with SELECT INTO.
// Datasets are schemas of the configured database.
type Executor struct {
	db      *sql.DB
	dialect sqlgen.SQLServerDialect
	tracker *datasource.JobTracker
	logger  *zap.Logger
}

// open connects and pings, retrying transient failures.
func open(ctx context.Context, cfg *Config, logger *zap.Logger) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	driver, dsn := connectionString(cfg)

	attempt := 0
	return retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*sql.DB, error) {
		attempt++
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s connection: %w", cfg.AuthMethod, err)
		}
		if cfg.MaxConnections > 0 {
			db.SetMaxOpenConns(cfg.MaxConnections)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			logger.Warn("SQL Server ping failed",
				zap.Int("attempt", attempt),
				zap.String("error", logging.SanitizeError(err)))
			return nil, fmt.Errorf("connection test failed: %w", err)
		}
		return db, nil
	})
}

// NewExecutor connects to SQL Server and returns a job executor.
func NewExecutor(ctx context.Context, cfg *Config, logger *zap.Logger) (*Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Executor{
		db:      db,
		tracker: datasource.NewJobTracker(logger),
		logger:  logger,
	}, nil
}

func (e *Executor) Dialect() sqlgen.Dialect {
	return e.dialect
}

func (e *Executor) Submit(ctx context.Context, stmt *sqlgen.Statement, dst datasource.Destination, disposition datasource.WriteDisposition) (datasource.JobHandle, error) {
	if stmt == nil {
		return datasource.JobHandle{}, fmt.Errorf("submit: nil statement")
	}
	if !disposition.IsValid() {
		return datasource.JobHandle{}, fmt.Errorf("unsupported write disposition %q", disposition)
	}
	if err := sqlgen.ValidateIdentifiers(dst.Dataset, dst.Table); err != nil {
		return datasource.JobHandle{}, fmt.Errorf("invalid destination %s: %w", dst, err)
	}
	text, err := sqlgen.NormalizeStatement(stmt.Text)
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

// materialize writes the result of text into dst in one transaction.
func (e *Executor) materialize(ctx context.Context, text string, dst datasource.Destination, disposition datasource.WriteDisposition) error {
	target := e.dialect.QualifiedName(dst.Dataset, dst.Table)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			e.logger.Warn("Failed to rollback job transaction",
				zap.String("destination", dst.String()),
				zap.Error(rbErr))
		}
	}()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		"SELECT CASE WHEN OBJECT_ID(@name, N'U') IS NULL THEN 0 ELSE 1 END",
		sql.Named("name", target)).Scan(&exists); err != nil {
		return fmt.Errorf("check %s exists: %w", dst, err)
	}

	switch disposition {
	case datasource.WriteTruncate:
		if exists {
			if _, err := tx.ExecContext(ctx, "DROP TABLE "+target); err != nil {
				return fmt.Errorf("drop %s: %w", dst, err)
			}
		}
		exists = false
	case datasource.WriteEmpty:
		if exists {
			var hasRows bool
			if err := tx.QueryRowContext(ctx,
				"SELECT CASE WHEN EXISTS (SELECT 1 FROM "+target+") THEN 1 ELSE 0 END").Scan(&hasRows); err != nil {
				return fmt.Errorf("check %s: %w", dst, err)
			}
			if hasRows {
				return fmt.Errorf("%w: %s", ErrDestinationNotEmpty, dst)
			}
		}
	}

	var res sql.Result
	if exists {
		res, err = tx.ExecContext(ctx, "INSERT INTO "+target+" SELECT * FROM ("+text+") AS _src")
	} else {
		res, err = tx.ExecContext(ctx, "SELECT * INTO "+target+" FROM ("+text+") AS _src")
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", dst, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		e.logger.Debug("Materialized table", zap.String("destination", dst.String()), zap.Int64("rows", n))
	}
	return nil
}

func (e *Executor) Wait(ctx context.Context, handles []datasource.JobHandle) ([]datasource.JobHandle, error) {
	return e.tracker.Wait(ctx, handles)
}

func (e *Executor) JobError(handle datasource.JobHandle) error {
	return e.tracker.JobError(handle)
}

func (e *Executor) Query(ctx context.Context, stmt *sqlgen.Statement) (*datasource.QueryResult, error) {
	if stmt == nil {
		return nil, fmt.Errorf("query: nil statement")
	}
	text, err := sqlgen.NormalizeStatement(stmt.Text)
	if err != nil {
		return nil, fmt.Errorf("invalid statement: %w", err)
	}
	e.logger.Debug("Running query", zap.String("sql", text))

	rows, err := e.db.QueryContext(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columnNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}

	result := &datasource.QueryResult{Columns: columnNames, Rows: make([]map[string]any, 0)}
	for rows.Next() {
		values := make([]any, len(columnNames))
		valuePtrs := make([]any, len(columnNames))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(columnNames))
		for i, col := range columnNames {
			val := values[i]
			if b, ok := val.([]byte); ok && isStringType(columnTypes[i].DatabaseTypeName()) {
				val = string(b)
			}
			row[col] = val
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
		return e.db.Close()
	}
	return nil
}

var _ datasource.JobExecutor = (*Executor)(nil)
