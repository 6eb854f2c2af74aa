package models

import "fmt"

const (
	// ConsentTable holds the person ids whose Source A records may be combined.
	ConsentTable = "_consent"
	// ConsentPersonColumn is the single column of the consent table.
	ConsentPersonColumn = "person_id"
	// MappingTablePrefix prefixes the per-table surrogate key mapping.
	MappingTablePrefix = "_mapping_"

	// Mapping table provenance columns.
	MappingSourceColumn  = "src_source"
	MappingDatasetColumn = "src_dataset_id"

	DefaultPersonColumn = "person_id"
)

// MappingTableFor returns the mapping table name for a domain table.
func MappingTableFor(table string) string {
	return MappingTablePrefix + table
}

// MappingSourceIDColumn returns the column holding the source-local id in a
// mapping table (e.g. src_visit_occurrence_id).
func MappingSourceIDColumn(idColumn string) string {
	return "src_" + idColumn
}

// DomainTable is one table of the fixed table graph.
type DomainTable struct {
	Name         string `yaml:"name"`
	IDColumn     string `yaml:"id_column"`
	PersonColumn string `yaml:"person_column"`
	// ReferencesParent requires the table's schema to hold the parent foreign
	// key. Tables whose schema holds it are rewritten either way.
	ReferencesParent bool `yaml:"references_parent"`
}

// withDefaults fills id and person columns by naming convention.
func (t DomainTable) withDefaults() DomainTable {
	if t.IDColumn == "" {
		t.IDColumn = t.Name + "_id"
	}
	if t.PersonColumn == "" {
		t.PersonColumn = DefaultPersonColumn
	}
	return t
}

// TableGraph is the ordered table list with its designated root and parent.
type TableGraph struct {
	Tables []DomainTable `yaml:"tables"`
	Root   string        `yaml:"root"`
	Parent string        `yaml:"parent"`
}

// NewTableGraph builds a graph, applying naming defaults to each table, and
// validates it.
func NewTableGraph(root, parent string, tables []DomainTable) (*TableGraph, error) {
	g := &TableGraph{Root: root, Parent: parent}
	for _, t := range tables {
		g.Tables = append(g.Tables, t.withDefaults())
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// DefaultTableGraph returns the OMOP clinical table graph: person is the root,
// visit_occurrence the parent referenced by the event tables.
func DefaultTableGraph() *TableGraph {
	g, err := NewTableGraph("person", "visit_occurrence", []DomainTable{
		{Name: "person"},
		{Name: "visit_occurrence"},
		{Name: "condition_occurrence", ReferencesParent: true},
		{Name: "procedure_occurrence", ReferencesParent: true},
		{Name: "drug_exposure", ReferencesParent: true},
		{Name: "device_exposure", ReferencesParent: true},
		{Name: "measurement", ReferencesParent: true},
		{Name: "observation", ReferencesParent: true},
	})
	if err != nil {
		panic(fmt.Sprintf("default table graph: %v", err))
	}
	return g
}

// Validate checks names are unique and root and parent are distinct members.
func (g *TableGraph) Validate() error {
	if len(g.Tables) == 0 {
		return fmt.Errorf("table graph is empty")
	}
	seen := make(map[string]bool, len(g.Tables))
	for _, t := range g.Tables {
		if t.Name == "" {
			return fmt.Errorf("table name is required")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %s", t.Name)
		}
		seen[t.Name] = true
	}
	if !seen[g.Root] {
		return fmt.Errorf("root table %q is not in the table list", g.Root)
	}
	if !seen[g.Parent] {
		return fmt.Errorf("parent table %q is not in the table list", g.Parent)
	}
	if g.Root == g.Parent {
		return fmt.Errorf("root and parent must be different tables")
	}
	for _, t := range g.Tables {
		if t.ReferencesParent && (t.Name == g.Root || t.Name == g.Parent) {
			return fmt.Errorf("table %s cannot reference the parent table", t.Name)
		}
	}
	return nil
}

// Lookup returns the named table.
func (g *TableGraph) Lookup(name string) (DomainTable, bool) {
	for _, t := range g.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return DomainTable{}, false
}

// RootTable returns the root table.
func (g *TableGraph) RootTable() DomainTable {
	t, _ := g.Lookup(g.Root)
	return t
}

// ParentTable returns the parent table.
func (g *TableGraph) ParentTable() DomainTable {
	t, _ := g.Lookup(g.Parent)
	return t
}

// NonRootTables returns every table except the root, in graph order.
func (g *TableGraph) NonRootTables() []DomainTable {
	out := make([]DomainTable, 0, len(g.Tables))
	for _, t := range g.Tables {
		if t.Name != g.Root {
			out = append(out, t)
		}
	}
	return out
}

// ParentFKColumn returns the column dependent tables use to reference the
// parent table.
func (g *TableGraph) ParentFKColumn() string {
	return g.ParentTable().IDColumn
}
