package mssql

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
)

// SchemaDiscoverer reads column definitions from the SQL Server catalog.
type SchemaDiscoverer struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSchemaDiscoverer connects to SQL Server and returns a discoverer.
func NewSchemaDiscoverer(ctx context.Context, cfg *Config, logger *zap.Logger) (*SchemaDiscoverer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &SchemaDiscoverer{db: db, logger: logger}, nil
}

func (s *SchemaDiscoverer) DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]datasource.ColumnMetadata, error) {
	query := `
	SET NOCOUNT ON;
	SELECT
	    c.name AS column_name,
	    tp.name AS data_type,
	    CASE WHEN c.is_nullable = 1 THEN 1 ELSE 0 END AS is_nullable,
	    c.column_id AS ordinal_position,
	    CASE WHEN pk.column_id IS NOT NULL THEN 1 ELSE 0 END AS is_primary_key
	FROM sys.columns c
	INNER JOIN sys.types tp ON c.user_type_id = tp.user_type_id
	LEFT JOIN (
	    SELECT ic.object_id, ic.column_id
	    FROM sys.index_columns ic
	    INNER JOIN sys.indexes i ON ic.object_id = i.object_id AND ic.index_id = i.index_id
	    WHERE i.is_primary_key = 1
	) pk ON c.object_id = pk.object_id AND c.column_id = pk.column_id
	WHERE c.object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
	ORDER BY c.column_id
	`

	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("schema", schemaName),
		sql.Named("table", tableName),
	)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []datasource.ColumnMetadata
	for rows.Next() {
		var col datasource.ColumnMetadata
		var isNullable, isPrimary int

		if err := rows.Scan(&col.ColumnName, &col.DataType, &isNullable, &col.OrdinalPosition, &isPrimary); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}

		col.IsNullable = isNullable == 1
		col.IsPrimaryKey = isPrimary == 1
		col.DataType = fieldType(col.DataType)

		columns = append(columns, col)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column rows: %w", err)
	}

	s.logger.Debug("Discovered columns",
		zap.String("schema", schemaName),
		zap.String("table", tableName),
		zap.Int("columns", len(columns)))
	return columns, nil
}

// Close releases the connection pool.
func (s *SchemaDiscoverer) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ datasource.SchemaDiscoverer = (*SchemaDiscoverer)(nil)
