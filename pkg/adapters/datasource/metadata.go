package datasource

// ColumnMetadata represents a discovered database column.
type ColumnMetadata struct {
	ColumnName      string
	DataType        string
	IsNullable      bool
	IsPrimaryKey    bool
	OrdinalPosition int
}
