package sql

import "github.com/ekaya-inc/ekaya-combine/pkg/models"

// StatementKind names the relational operation a statement performs.
type StatementKind string

const (
	KindConsent StatementKind = "consent"
	KindCopy    StatementKind = "copy"
	KindMapping StatementKind = "mapping"
	KindLoad    StatementKind = "load"
	KindVerify  StatementKind = "verify_mapping"
)

// Statement is a generated query. Text is the rendered SQL for the builder's
// dialect; Plan carries the same operation in structured form for executors
// that do not speak SQL.
type Statement struct {
	Kind StatementKind
	Text string
	Plan any
}

// TableRef addresses a table inside a dataset.
type TableRef struct {
	Dataset string
	Table   string
}

// ConsentPlan selects the latest consent answer per person and keeps the
// affirmative ones.
type ConsentPlan struct {
	Source           TableRef
	PersonColumn     string
	MarkerColumn     string
	MarkerValue      Value
	TimestampColumn  string
	TieBreakColumn   string
	AnswerColumn     string
	AffirmativeValue Value
}

// CopyPlan copies a table verbatim.
type CopyPlan struct {
	Source TableRef
}

// MappingSource is one ranked contribution to a mapping.
type MappingSource struct {
	Source models.Source
	Ref    TableRef
	Rank   int
	// RequireConsent restricts rows to persons present in the consent table.
	RequireConsent bool
}

// MappingPlan numbers (source, local id) pairs densely from 1, ordered by
// source rank then local id.
type MappingPlan struct {
	Table        string
	IDColumn     string
	PersonColumn string
	Sources      []MappingSource
	Consent      TableRef
}

// LoadColumn is an output column and how its value is produced.
type LoadColumn struct {
	Name string
	Role models.ColumnRole
}

// LoadSource is one source partition of a load.
type LoadSource struct {
	Source models.Source
	Ref    TableRef
}

// LoadPlan rewrites a table's own id through its mapping (inner join) and the
// parent foreign key through the parent mapping (left join), unioning sources.
type LoadPlan struct {
	Table    string
	IDColumn string
	Columns  []LoadColumn
	Sources  []LoadSource
	Mapping  TableRef
	// ParentMapping is nil unless the table references the parent table.
	ParentMapping  *TableRef
	ParentIDColumn string
}

// VerifyPlan computes bijectivity counters over a mapping table.
type VerifyPlan struct {
	Mapping  TableRef
	IDColumn string
}

// Result columns of a verify statement.
const (
	VerifyRowCount       = "row_count"
	VerifyDistinctIDs    = "distinct_ids"
	VerifyMinID          = "min_id"
	VerifyMaxID          = "max_id"
	VerifyDuplicatePairs = "duplicate_pairs"
)
