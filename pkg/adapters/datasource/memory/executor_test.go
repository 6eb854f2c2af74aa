package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

var ds = models.Datasets{SourceA: "ehr", SourceB: "rdr", Combined: "combined"}

func run(t *testing.T, e *Executor, stmt *sql.Statement, dst datasource.Destination) {
	t.Helper()
	ctx := context.Background()
	h, err := e.Submit(ctx, stmt, dst, datasource.WriteTruncate)
	require.NoError(t, err)
	incomplete, err := e.Wait(ctx, []datasource.JobHandle{h})
	require.NoError(t, err)
	if len(incomplete) > 0 {
		require.NoError(t, e.JobError(h))
	}
}

func at(day int) time.Time {
	return time.Date(2020, 1, day, 0, 0, 0, 0, time.UTC)
}

func TestConsent_LatestAffirmativeAnswer(t *testing.T) {
	store := NewStore()
	cols := []string{"observation_id", "person_id", "observation_source_value", "observation_datetime", "value_source_concept_id"}
	store.Put("rdr", "observation", cols, []Row{
		// person 1: yes then no -> excluded
		{"observation_id": 1, "person_id": 1, "observation_source_value": "EHRConsentPII_ConsentPermission", "observation_datetime": at(1), "value_source_concept_id": 1586100},
		{"observation_id": 2, "person_id": 1, "observation_source_value": "EHRConsentPII_ConsentPermission", "observation_datetime": at(2), "value_source_concept_id": 1586101},
		// person 2: no then yes -> included
		{"observation_id": 3, "person_id": 2, "observation_source_value": "EHRConsentPII_ConsentPermission", "observation_datetime": at(1), "value_source_concept_id": 1586101},
		{"observation_id": 4, "person_id": 2, "observation_source_value": "EHRConsentPII_ConsentPermission", "observation_datetime": at(3), "value_source_concept_id": 1586100},
		// person 3: same timestamp, tie broken by smallest answer (1586100)
		{"observation_id": 5, "person_id": 3, "observation_source_value": "EHRConsentPII_ConsentPermission", "observation_datetime": at(5), "value_source_concept_id": 1586101},
		{"observation_id": 6, "person_id": 3, "observation_source_value": "EHRConsentPII_ConsentPermission", "observation_datetime": at(5), "value_source_concept_id": 1586100},
		// person 4: affirmative answer to another question only
		{"observation_id": 7, "person_id": 4, "observation_source_value": "OtherQuestion", "observation_datetime": at(9), "value_source_concept_id": 1586100},
	})

	e := NewExecutor(store, zap.NewNop())
	stmt, err := sql.NewBuilder(e.Dialect()).Consent(ds, models.DefaultConsentRule())
	require.NoError(t, err)
	run(t, e, stmt, datasource.Destination{Dataset: "combined", Table: models.ConsentTable})

	consent, ok := store.Get("combined", models.ConsentTable)
	require.True(t, ok)
	assert.Equal(t, []string{"person_id"}, consent.Columns)
	assert.Equal(t, []Row{{"person_id": int64(2)}, {"person_id": int64(3)}}, consent.Rows)
}

func TestConsent_EmptyIsNotAnError(t *testing.T) {
	store := NewStore()
	store.Put("rdr", "observation", []string{"person_id", "observation_source_value", "observation_datetime", "value_source_concept_id"}, nil)

	e := NewExecutor(store, zap.NewNop())
	stmt, err := sql.NewBuilder(nil).Consent(ds, models.DefaultConsentRule())
	require.NoError(t, err)
	run(t, e, stmt, datasource.Destination{Dataset: "combined", Table: models.ConsentTable})

	consent, _ := store.Get("combined", models.ConsentTable)
	assert.Empty(t, consent.Rows)
}

func seedVisits(store *Store) {
	visitCols := []string{"visit_occurrence_id", "person_id"}
	store.Put("rdr", "visit_occurrence", visitCols, []Row{
		{"visit_occurrence_id": 2, "person_id": 10},
		{"visit_occurrence_id": 1, "person_id": 11},
	})
	store.Put("ehr", "visit_occurrence", visitCols, []Row{
		{"visit_occurrence_id": 9, "person_id": 10},
		{"visit_occurrence_id": 5, "person_id": 10},
		{"visit_occurrence_id": 7, "person_id": 12}, // not consented
	})
	store.Put("combined", models.ConsentTable, []string{"person_id"}, []Row{{"person_id": 10}})
}

func TestMapping_DenseBBeforeA(t *testing.T) {
	store := NewStore()
	seedVisits(store)
	e := NewExecutor(store, zap.NewNop())

	visit := models.DefaultTableGraph().ParentTable()
	stmt, err := sql.NewBuilder(nil).Mapping(ds, visit)
	require.NoError(t, err)
	run(t, e, stmt, datasource.Destination{Dataset: "combined", Table: models.MappingTableFor(visit.Name)})

	mapping, ok := store.Get("combined", "_mapping_visit_occurrence")
	require.True(t, ok)
	assert.Equal(t, []string{"visit_occurrence_id", "src_source", "src_dataset_id", "src_visit_occurrence_id"}, mapping.Columns)
	assert.Equal(t, []Row{
		{"visit_occurrence_id": int64(1), "src_source": "b", "src_dataset_id": "rdr", "src_visit_occurrence_id": int64(1)},
		{"visit_occurrence_id": int64(2), "src_source": "b", "src_dataset_id": "rdr", "src_visit_occurrence_id": int64(2)},
		{"visit_occurrence_id": int64(3), "src_source": "a", "src_dataset_id": "ehr", "src_visit_occurrence_id": int64(5)},
		{"visit_occurrence_id": int64(4), "src_source": "a", "src_dataset_id": "ehr", "src_visit_occurrence_id": int64(9)},
	}, mapping.Rows)

	verify, err := sql.NewBuilder(nil).VerifyMapping(ds, visit)
	require.NoError(t, err)
	res, err := e.Query(context.Background(), verify)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, int64(4), res.Rows[0][sql.VerifyRowCount])
	assert.Equal(t, int64(4), res.Rows[0][sql.VerifyDistinctIDs])
	assert.Equal(t, int64(1), res.Rows[0][sql.VerifyMinID])
	assert.Equal(t, int64(4), res.Rows[0][sql.VerifyMaxID])
	assert.Equal(t, int64(0), res.Rows[0][sql.VerifyDuplicatePairs])
}

func TestLoad_RewritesOwnIDAndParentFK(t *testing.T) {
	store := NewStore()
	seedVisits(store)
	condCols := []string{"condition_occurrence_id", "person_id", "condition_concept_id", "visit_occurrence_id"}
	store.Put("rdr", "condition_occurrence", condCols, []Row{
		{"condition_occurrence_id": 100, "person_id": 11, "condition_concept_id": 201826, "visit_occurrence_id": 1},
	})
	store.Put("ehr", "condition_occurrence", condCols, []Row{
		{"condition_occurrence_id": 100, "person_id": 10, "condition_concept_id": 320128, "visit_occurrence_id": 5},
		{"condition_occurrence_id": 101, "person_id": 10, "condition_concept_id": 320128, "visit_occurrence_id": 99},
		{"condition_occurrence_id": 102, "person_id": 12, "condition_concept_id": 320128, "visit_occurrence_id": 7},
	})

	e := NewExecutor(store, zap.NewNop())
	b := sql.NewBuilder(nil)
	g := models.DefaultTableGraph()
	visit := g.ParentTable()
	cond, _ := g.Lookup("condition_occurrence")

	for _, table := range []models.DomainTable{visit, cond} {
		stmt, err := b.Mapping(ds, table)
		require.NoError(t, err)
		run(t, e, stmt, datasource.Destination{Dataset: "combined", Table: models.MappingTableFor(table.Name)})
	}

	fields := []models.Field{
		{Name: "condition_occurrence_id"}, {Name: "person_id"}, {Name: "condition_concept_id"}, {Name: "visit_occurrence_id"},
	}
	stmt, err := b.Load(ds, cond, &visit, fields)
	require.NoError(t, err)
	run(t, e, stmt, datasource.Destination{Dataset: "combined", Table: cond.Name})

	out, ok := store.Get("combined", "condition_occurrence")
	require.True(t, ok)
	assert.Equal(t, condCols, out.Columns)
	assert.Equal(t, []Row{
		{"condition_occurrence_id": int64(1), "person_id": int64(11), "condition_concept_id": int64(201826), "visit_occurrence_id": int64(1)},
		{"condition_occurrence_id": int64(2), "person_id": int64(10), "condition_concept_id": int64(320128), "visit_occurrence_id": int64(3)},
		// Dangling visit 99 keeps the row with a NULL foreign key.
		{"condition_occurrence_id": int64(3), "person_id": int64(10), "condition_concept_id": int64(320128), "visit_occurrence_id": nil},
	}, out.Rows)
}

func TestSubmit_Dispositions(t *testing.T) {
	store := NewStore()
	store.Put("rdr", "person", []string{"person_id"}, []Row{{"person_id": 1}})
	e := NewExecutor(store, zap.NewNop())
	ctx := context.Background()

	stmt, err := sql.NewBuilder(nil).RootCopy(ds, models.DomainTable{Name: "person"})
	require.NoError(t, err)
	dst := datasource.Destination{Dataset: "combined", Table: "person"}

	submit := func(d datasource.WriteDisposition) error {
		h, err := e.Submit(ctx, stmt, dst, d)
		require.NoError(t, err)
		failed, err := e.Wait(ctx, []datasource.JobHandle{h})
		require.NoError(t, err)
		if len(failed) > 0 {
			return e.JobError(h)
		}
		return nil
	}

	require.NoError(t, submit(datasource.WriteEmpty))
	require.NoError(t, submit(datasource.WriteAppend))
	out, _ := store.Get("combined", "person")
	assert.Len(t, out.Rows, 2)

	assert.ErrorContains(t, submit(datasource.WriteEmpty), "not empty")

	require.NoError(t, submit(datasource.WriteTruncate))
	out, _ = store.Get("combined", "person")
	assert.Len(t, out.Rows, 1)

	_, err = e.Submit(ctx, stmt, dst, datasource.WriteDisposition("WRITE_MERGE"))
	assert.Error(t, err)
}

func TestSubmit_MissingSourceFailsJob(t *testing.T) {
	e := NewExecutor(NewStore(), zap.NewNop())
	stmt, err := sql.NewBuilder(nil).RootCopy(ds, models.DomainTable{Name: "person"})
	require.NoError(t, err)

	h, err := e.Submit(context.Background(), stmt, datasource.Destination{Dataset: "combined", Table: "person"}, datasource.WriteTruncate)
	require.NoError(t, err)
	incomplete, err := e.Wait(context.Background(), []datasource.JobHandle{h})
	require.NoError(t, err)
	assert.Len(t, incomplete, 1)
	assert.ErrorContains(t, e.JobError(h), "table rdr.person not found")
}

func TestLoadSeed(t *testing.T) {
	store := NewStore()
	err := store.LoadSeed([]byte(`
datasets:
  rdr:
    person:
      columns: [person_id, year_of_birth]
      rows:
        - [1, 1980]
        - [2, null]
`))
	require.NoError(t, err)

	person, ok := store.Get("rdr", "person")
	require.True(t, ok)
	assert.Equal(t, []Row{
		{"person_id": int64(1), "year_of_birth": int64(1980)},
		{"person_id": int64(2), "year_of_birth": nil},
	}, person.Rows)

	e := NewExecutor(store, nil)
	cols, err := e.DiscoverColumns(context.Background(), "rdr", "person")
	require.NoError(t, err)
	assert.Equal(t, "year_of_birth", cols[1].ColumnName)
	assert.Equal(t, 2, cols[1].OrdinalPosition)

	assert.ErrorContains(t, store.LoadSeed([]byte(`
datasets:
  rdr:
    person:
      columns: [person_id]
      rows:
        - [1, 2]
`)), "has 2 values, want 1")
}

func TestCompare_NullIsSmallest(t *testing.T) {
	assert.Equal(t, -1, compare(nil, int64(0)))
	assert.Equal(t, 1, compare("a", nil))
	assert.Equal(t, 0, compare(int64(3), float64(3)))
	assert.Equal(t, -1, compare(int64(2), int64(10)))
	assert.Equal(t, -1, compare(at(1), at(2)))
	assert.False(t, equal(nil, nil))
	assert.True(t, equal(normalize(int32(7)), int64(7)))
}
