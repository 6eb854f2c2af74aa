package sql

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

// Dialect renders identifiers and ordering for one database engine.
// Datasets map to schemas in both supported engines.
type Dialect interface {
	Name() string
	QuoteIdentifier(name string) string
	QualifiedName(dataset, table string) string
	// OrderTerm renders an ORDER BY term where NULL sorts as the smallest value.
	OrderTerm(expr string, desc bool) string
}

// PostgresDialect quotes with pgx identifier sanitization.
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) QuoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (PostgresDialect) QualifiedName(dataset, table string) string {
	return pgx.Identifier{dataset, table}.Sanitize()
}

// PostgreSQL sorts NULL as the largest value by default.
func (PostgresDialect) OrderTerm(expr string, desc bool) string {
	if desc {
		return expr + " DESC NULLS LAST"
	}
	return expr + " ASC NULLS FIRST"
}

// SQLServerDialect quotes with brackets.
type SQLServerDialect struct{}

func (SQLServerDialect) Name() string { return "sqlserver" }

func (SQLServerDialect) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d SQLServerDialect) QualifiedName(dataset, table string) string {
	return d.QuoteIdentifier(dataset) + "." + d.QuoteIdentifier(table)
}

// SQL Server already sorts NULL first ascending.
func (SQLServerDialect) OrderTerm(expr string, desc bool) string {
	if desc {
		return expr + " DESC"
	}
	return expr + " ASC"
}

// DialectFor returns the dialect for a datasource type. Unknown types get
// the PostgreSQL rendering.
func DialectFor(dsType string) Dialect {
	switch dsType {
	case "sqlserver", "mssql", "azuresql":
		return SQLServerDialect{}
	default:
		return PostgresDialect{}
	}
}
