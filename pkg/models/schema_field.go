package models

// Field is one column of a table schema, in the shape of the CDM field
// definition files (name, type, mode, description).
type Field struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Mode        string `json:"mode,omitempty" yaml:"mode,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ColumnRole decides how the loader rewrites a column.
type ColumnRole string

const (
	ColumnRoleOwnID       ColumnRole = "own_id"
	ColumnRoleParentFK    ColumnRole = "parent_fk"
	ColumnRolePassthrough ColumnRole = "passthrough"
)

// FieldNames returns the names of fields in order.
func FieldNames(fields []Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// HasField reports whether a field with the given name exists.
func HasField(fields []Field, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}
