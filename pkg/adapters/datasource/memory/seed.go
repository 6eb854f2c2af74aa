package memory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFile is the YAML fixture format:
//
//	datasets:
//	  rdr:
//	    person:
//	      columns: [person_id, year_of_birth]
//	      rows:
//	        - [1, 1980]
type seedFile struct {
	Datasets map[string]map[string]seedTable `yaml:"datasets"`
}

type seedTable struct {
	Columns []string `yaml:"columns"`
	Rows    [][]any  `yaml:"rows"`
}

// LoadSeedFile reads a YAML fixture into the store.
func (s *Store) LoadSeedFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	return s.LoadSeed(data)
}

// LoadSeed reads YAML fixture data into the store, replacing named tables.
func (s *Store) LoadSeed(data []byte) error {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}
	for dataset, tables := range seed.Datasets {
		for name, t := range tables {
			if len(t.Columns) == 0 {
				return fmt.Errorf("seed table %s.%s has no columns", dataset, name)
			}
			rows := make([]Row, 0, len(t.Rows))
			for i, values := range t.Rows {
				if len(values) != len(t.Columns) {
					return fmt.Errorf("seed table %s.%s row %d has %d values, want %d",
						dataset, name, i, len(values), len(t.Columns))
				}
				row := make(Row, len(values))
				for j, v := range values {
					row[t.Columns[j]] = v
				}
				rows = append(rows, row)
			}
			s.Put(dataset, name, t.Columns, rows)
		}
	}
	return nil
}
