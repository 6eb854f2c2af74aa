// Package memory provides an in-process datasource that evaluates pipeline
// statement plans over tables held in memory. It backs dry runs, fixtures
// loaded from YAML, and tests.
package memory

import (
	"fmt"
	"sync"
)

// Row is one record keyed by column name.
type Row map[string]any

// Table is a named set of rows with an ordered column list.
type Table struct {
	Columns []string
	Rows    []Row
}

func (t *Table) clone() *Table {
	out := &Table{Columns: append([]string(nil), t.Columns...), Rows: make([]Row, len(t.Rows))}
	for i, r := range t.Rows {
		cp := make(Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out.Rows[i] = cp
	}
	return out
}

// Store holds tables addressed by dataset and table name.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{tables: make(map[string]*Table)}
}

func key(dataset, table string) string {
	return dataset + "." + table
}

// Put replaces a table. Values are normalized so integer widths and byte
// slices compare equal across sources.
func (s *Store) Put(dataset, table string, columns []string, rows []Row) {
	t := &Table{Columns: append([]string(nil), columns...), Rows: make([]Row, 0, len(rows))}
	for _, r := range rows {
		cp := make(Row, len(columns))
		for _, c := range columns {
			cp[c] = normalize(r[c])
		}
		t.Rows = append(t.Rows, cp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[key(dataset, table)] = t
}

// Get returns a copy of a table.
func (s *Store) Get(dataset, table string) (*Table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[key(dataset, table)]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// read returns the stored table without copying. Callers must not mutate it.
func (s *Store) read(dataset, table string) (*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[key(dataset, table)]
	if !ok {
		return nil, fmt.Errorf("table %s.%s not found", dataset, table)
	}
	return t, nil
}

// write stores a computed table honoring the write disposition semantics:
// replace, append (columns must match), or fail when non-empty.
func (s *Store) write(dataset, table string, result *Table, mode writeMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(dataset, table)
	existing, ok := s.tables[k]
	switch mode {
	case writeAppend:
		if ok {
			if !sameColumns(existing.Columns, result.Columns) {
				return fmt.Errorf("append to %s: column mismatch", k)
			}
			merged := &Table{Columns: existing.Columns, Rows: append(append([]Row(nil), existing.Rows...), result.Rows...)}
			s.tables[k] = merged
			return nil
		}
	case writeEmpty:
		if ok && len(existing.Rows) > 0 {
			return fmt.Errorf("destination %s is not empty", k)
		}
	}
	s.tables[k] = result
	return nil
}

type writeMode int

const (
	writeTruncate writeMode = iota
	writeAppend
	writeEmpty
)

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
