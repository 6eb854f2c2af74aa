package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/database"
)

// SchemaDiscoverer reads column definitions from the PostgreSQL catalog.
type SchemaDiscoverer struct {
	db     *database.DB
	logger *zap.Logger
}

// NewSchemaDiscoverer connects to PostgreSQL and returns a discoverer.
func NewSchemaDiscoverer(ctx context.Context, cfg *Config, logger *zap.Logger) (*SchemaDiscoverer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &SchemaDiscoverer{db: db, logger: logger}, nil
}

// Close releases the pool.
func (d *SchemaDiscoverer) Close() error {
	if d.db != nil {
		d.db.Close()
	}
	return nil
}

func (d *SchemaDiscoverer) DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]datasource.ColumnMetadata, error) {
	const query = `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES' as is_nullable,
			COALESCE(pk.is_pk, false) as is_primary_key,
			c.ordinal_position
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT a.attname as column_name, true as is_pk
			FROM pg_index ix
			JOIN pg_class t ON t.oid = ix.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE ix.indisprimary = true
			  AND n.nspname = $1
			  AND t.relname = $2
			  AND array_length(ix.indkey, 1) = 1  -- Single-column PKs only
		) pk ON c.column_name = pk.column_name
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`

	rows, err := d.db.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []datasource.ColumnMetadata
	for rows.Next() {
		var c datasource.ColumnMetadata
		if err := rows.Scan(&c.ColumnName, &c.DataType, &c.IsNullable, &c.IsPrimaryKey, &c.OrdinalPosition); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}

	d.logger.Debug("Discovered columns",
		zap.String("schema", schemaName),
		zap.String("table", tableName),
		zap.Int("columns", len(columns)))
	return columns, nil
}

var _ datasource.SchemaDiscoverer = (*SchemaDiscoverer)(nil)
