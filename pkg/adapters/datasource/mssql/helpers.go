package mssql

import "strings"

// fieldType maps a SQL Server type name to the field type vocabulary of the
// table schema files (integer, float, string, date, timestamp, ...), so
// discovered and embedded schemas compare equal.
func fieldType(sqlServerType string) string {
	switch strings.ToUpper(sqlServerType) {
	case "TINYINT", "SMALLINT", "INT", "BIGINT":
		return "integer"
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return "numeric"
	case "FLOAT", "REAL":
		return "float"
	case "CHAR", "NCHAR", "VARCHAR", "NVARCHAR", "TEXT", "NTEXT", "UNIQUEIDENTIFIER", "XML":
		return "string"
	case "DATE":
		return "date"
	case "TIME":
		return "time"
	case "DATETIME", "DATETIME2", "SMALLDATETIME", "DATETIMEOFFSET":
		return "timestamp"
	case "BIT":
		return "boolean"
	case "BINARY", "VARBINARY", "IMAGE":
		return "bytes"
	default:
		return strings.ToLower(sqlServerType)
	}
}

// isStringType reports whether the driver returns the type as []byte text.
func isStringType(sqlType string) bool {
	switch strings.ToUpper(sqlType) {
	case "CHAR", "NCHAR", "VARCHAR", "NVARCHAR", "TEXT", "NTEXT":
		return true
	default:
		return false
	}
}
