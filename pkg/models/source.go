package models

import "fmt"

// Source tags the provenance of a record.
type Source string

const (
	SourceA Source = "a"
	SourceB Source = "b"
)

// SourceOrder is the fixed total order used when assigning global ids:
// every Source B record ranks before every Source A record.
var SourceOrder = []Source{SourceB, SourceA}

// IsValid reports whether s is one of the two known sources.
func (s Source) IsValid() bool {
	return s == SourceA || s == SourceB
}

// Rank returns the position of s in SourceOrder.
func (s Source) Rank() int {
	for i, v := range SourceOrder {
		if v == s {
			return i
		}
	}
	return len(SourceOrder)
}

// Datasets names the three logical namespaces the pipeline reads and writes.
// Identifiers are opaque to the core; on SQL backends they are schema names.
type Datasets struct {
	SourceA  string `json:"source_a" yaml:"source_a"`
	SourceB  string `json:"source_b" yaml:"source_b"`
	Combined string `json:"combined" yaml:"combined"`
}

// For returns the dataset identifier bound to a source.
func (d Datasets) For(s Source) string {
	switch s {
	case SourceA:
		return d.SourceA
	case SourceB:
		return d.SourceB
	default:
		return ""
	}
}

// Validate checks that all three datasets are set and distinct.
func (d Datasets) Validate() error {
	if d.SourceA == "" || d.SourceB == "" || d.Combined == "" {
		return fmt.Errorf("source_a, source_b and combined datasets are required")
	}
	if d.SourceA == d.SourceB || d.SourceA == d.Combined || d.SourceB == d.Combined {
		return fmt.Errorf("datasets must be distinct (source_a=%s source_b=%s combined=%s)", d.SourceA, d.SourceB, d.Combined)
	}
	return nil
}
