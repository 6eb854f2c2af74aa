package memory

import (
	"fmt"
	"sort"

	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// evaluate computes the result table of a statement plan.
func (s *Store) evaluate(stmt *sql.Statement) (*Table, error) {
	switch p := stmt.Plan.(type) {
	case sql.ConsentPlan:
		return s.evalConsent(p)
	case sql.CopyPlan:
		return s.evalCopy(p)
	case sql.MappingPlan:
		return s.evalMapping(p)
	case sql.LoadPlan:
		return s.evalLoad(p)
	case sql.VerifyPlan:
		return s.evalVerify(p)
	default:
		return nil, fmt.Errorf("unsupported plan %T for statement kind %s", stmt.Plan, stmt.Kind)
	}
}

func (s *Store) evalConsent(p sql.ConsentPlan) (*Table, error) {
	src, err := s.read(p.Source.Dataset, p.Source.Table)
	if err != nil {
		return nil, err
	}
	marker := normalize(p.MarkerValue.Native())
	affirmative := normalize(p.AffirmativeValue.Native())

	// Latest answer per person: timestamp descending, then tie-break ascending.
	latest := make(map[string]Row)
	var persons []any
	for _, r := range src.Rows {
		if !equal(r[p.MarkerColumn], marker) {
			continue
		}
		k, ok := joinKey("", r[p.PersonColumn])
		if !ok {
			continue
		}
		cur, seen := latest[k]
		if !seen {
			latest[k] = r
			persons = append(persons, r[p.PersonColumn])
			continue
		}
		if c := compare(r[p.TimestampColumn], cur[p.TimestampColumn]); c > 0 ||
			(c == 0 && compare(r[p.TieBreakColumn], cur[p.TieBreakColumn]) < 0) {
			latest[k] = r
		}
	}

	sort.Slice(persons, func(i, j int) bool { return compare(persons[i], persons[j]) < 0 })
	out := &Table{Columns: []string{models.ConsentPersonColumn}}
	for _, person := range persons {
		k, _ := joinKey("", person)
		if equal(latest[k][p.AnswerColumn], affirmative) {
			out.Rows = append(out.Rows, Row{models.ConsentPersonColumn: person})
		}
	}
	return out, nil
}

func (s *Store) evalCopy(p sql.CopyPlan) (*Table, error) {
	src, err := s.read(p.Source.Dataset, p.Source.Table)
	if err != nil {
		return nil, err
	}
	return src.clone(), nil
}

type candidate struct {
	rank    int
	source  models.Source
	dataset string
	localID any
}

func (s *Store) evalMapping(p sql.MappingPlan) (*Table, error) {
	var consented map[string]bool
	var candidates []candidate

	for _, src := range p.Sources {
		t, err := s.read(src.Ref.Dataset, src.Ref.Table)
		if err != nil {
			return nil, err
		}
		if src.RequireConsent && consented == nil {
			if consented, err = s.consentSet(p.Consent); err != nil {
				return nil, err
			}
		}
		for _, r := range t.Rows {
			if src.RequireConsent {
				k, ok := joinKey("", r[p.PersonColumn])
				if !ok || !consented[k] {
					continue
				}
			}
			candidates = append(candidates, candidate{
				rank:    src.Rank,
				source:  src.Source,
				dataset: src.Ref.Dataset,
				localID: r[p.IDColumn],
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		return compare(candidates[i].localID, candidates[j].localID) < 0
	})

	srcID := models.MappingSourceIDColumn(p.IDColumn)
	out := &Table{Columns: []string{p.IDColumn, models.MappingSourceColumn, models.MappingDatasetColumn, srcID}}
	for i, c := range candidates {
		out.Rows = append(out.Rows, Row{
			p.IDColumn:                  int64(i + 1),
			models.MappingSourceColumn:  string(c.source),
			models.MappingDatasetColumn: c.dataset,
			srcID:                       c.localID,
		})
	}
	return out, nil
}

func (s *Store) consentSet(ref sql.TableRef) (map[string]bool, error) {
	t, err := s.read(ref.Dataset, ref.Table)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(t.Rows))
	for _, r := range t.Rows {
		if k, ok := joinKey("", r[models.ConsentPersonColumn]); ok {
			set[k] = true
		}
	}
	return set, nil
}

// mappingIndex maps (source, local id) to the global ids assigned to it.
func (s *Store) mappingIndex(ref sql.TableRef, idColumn string) (map[string][]any, error) {
	t, err := s.read(ref.Dataset, ref.Table)
	if err != nil {
		return nil, err
	}
	srcID := models.MappingSourceIDColumn(idColumn)
	index := make(map[string][]any, len(t.Rows))
	for _, r := range t.Rows {
		source, _ := r[models.MappingSourceColumn].(string)
		if k, ok := joinKey(source, r[srcID]); ok {
			index[k] = append(index[k], r[idColumn])
		}
	}
	return index, nil
}

func (s *Store) evalLoad(p sql.LoadPlan) (*Table, error) {
	own, err := s.mappingIndex(p.Mapping, p.IDColumn)
	if err != nil {
		return nil, err
	}
	var parent map[string][]any
	if p.ParentMapping != nil {
		if parent, err = s.mappingIndex(*p.ParentMapping, p.ParentIDColumn); err != nil {
			return nil, err
		}
	}

	out := &Table{Columns: make([]string, len(p.Columns))}
	for i, c := range p.Columns {
		out.Columns[i] = c.Name
	}

	for _, src := range p.Sources {
		t, err := s.read(src.Ref.Dataset, src.Ref.Table)
		if err != nil {
			return nil, err
		}
		source := string(src.Source)
		for _, r := range t.Rows {
			// Inner join on the table's own mapping.
			k, ok := joinKey(source, r[p.IDColumn])
			if !ok {
				continue
			}
			for _, globalID := range own[k] {
				// Left join on the parent mapping.
				parentIDs := []any{nil}
				if parent != nil {
					if pk, ok := joinKey(source, r[p.ParentIDColumn]); ok && len(parent[pk]) > 0 {
						parentIDs = parent[pk]
					}
				}
				for _, parentID := range parentIDs {
					out.Rows = append(out.Rows, loadRow(p.Columns, r, globalID, parentID))
				}
			}
		}
	}
	return out, nil
}

func loadRow(columns []sql.LoadColumn, r Row, globalID, parentID any) Row {
	row := make(Row, len(columns))
	for _, c := range columns {
		switch c.Role {
		case models.ColumnRoleOwnID:
			row[c.Name] = globalID
		case models.ColumnRoleParentFK:
			row[c.Name] = parentID
		default:
			row[c.Name] = r[c.Name]
		}
	}
	return row
}

func (s *Store) evalVerify(p sql.VerifyPlan) (*Table, error) {
	t, err := s.read(p.Mapping.Dataset, p.Mapping.Table)
	if err != nil {
		return nil, err
	}
	srcID := models.MappingSourceIDColumn(p.IDColumn)

	ids := make(map[string]bool, len(t.Rows))
	pairs := make(map[string]int, len(t.Rows))
	var minID, maxID any = int64(0), int64(0)
	for _, r := range t.Rows {
		id := r[p.IDColumn]
		if k, ok := joinKey("", id); ok {
			if len(ids) == 0 || compare(id, minID) < 0 {
				minID = id
			}
			if compare(id, maxID) > 0 {
				maxID = id
			}
			ids[k] = true
		}
		source, _ := r[models.MappingSourceColumn].(string)
		if k, ok := joinKey(source, r[srcID]); ok {
			pairs[k]++
		}
	}
	duplicates := int64(0)
	for _, n := range pairs {
		if n > 1 {
			duplicates++
		}
	}

	return &Table{
		Columns: []string{sql.VerifyRowCount, sql.VerifyDistinctIDs, sql.VerifyMinID, sql.VerifyMaxID, sql.VerifyDuplicatePairs},
		Rows: []Row{{
			sql.VerifyRowCount:       int64(len(t.Rows)),
			sql.VerifyDistinctIDs:    int64(len(ids)),
			sql.VerifyMinID:          minID,
			sql.VerifyMaxID:          maxID,
			sql.VerifyDuplicatePairs: duplicates,
		}},
	}, nil
}
