package services

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource/memory"
	"github.com/ekaya-inc/ekaya-combine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-combine/pkg/metrics"
	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// stubSchemas serves fixed field lists.
type stubSchemas map[string][]string

func (s stubSchemas) GetSchema(ctx context.Context, table string) ([]models.Field, error) {
	names, ok := s[table]
	if !ok {
		return nil, apperrors.NewConfigurationError(table, "no schema for table", apperrors.ErrNotFound)
	}
	fields := make([]models.Field, len(names))
	for i, n := range names {
		fields[i] = models.Field{Name: n, Type: "integer", Mode: "nullable"}
	}
	return fields, nil
}

var testSchemas = stubSchemas{
	"visit_occurrence":     {"visit_occurrence_id", "person_id", "visit_concept_id"},
	"condition_occurrence": {"condition_occurrence_id", "person_id", "visit_occurrence_id", "condition_concept_id"},
}

var testDatasets = models.Datasets{SourceA: "ehr", SourceB: "rdr", Combined: "combined"}

func testGraph(t *testing.T) *models.TableGraph {
	t.Helper()
	g, err := models.NewTableGraph("person", "visit_occurrence", []models.DomainTable{
		{Name: "person"},
		{Name: "visit_occurrence"},
		{Name: "condition_occurrence", ReferencesParent: true},
	})
	require.NoError(t, err)
	return g
}

// seedScenario loads both sources. Persons 10 and 20 answered the consent
// question; only 10's latest answer is affirmative.
func seedScenario(store *memory.Store) {
	consentCols := []string{"observation_id", "person_id", "observation_source_value", "observation_datetime", "value_source_concept_id"}
	store.Put("rdr", "observation", consentCols, []memory.Row{
		{"observation_id": 1, "person_id": 10, "observation_source_value": "EHRConsentPII_ConsentPermission", "observation_datetime": "2020-01-01", "value_source_concept_id": 1586101},
		{"observation_id": 2, "person_id": 10, "observation_source_value": "EHRConsentPII_ConsentPermission", "observation_datetime": "2021-06-01", "value_source_concept_id": 1586100},
		{"observation_id": 3, "person_id": 20, "observation_source_value": "EHRConsentPII_ConsentPermission", "observation_datetime": "2020-01-01", "value_source_concept_id": 1586100},
		{"observation_id": 4, "person_id": 20, "observation_source_value": "EHRConsentPII_ConsentPermission", "observation_datetime": "2022-03-01", "value_source_concept_id": 1586101},
		{"observation_id": 5, "person_id": 30, "observation_source_value": "TheBasics_Birthplace", "observation_datetime": "2022-03-01", "value_source_concept_id": 1586100},
	})

	personCols := []string{"person_id", "year_of_birth"}
	store.Put("rdr", "person", personCols, []memory.Row{
		{"person_id": 10, "year_of_birth": 1970},
		{"person_id": 20, "year_of_birth": 1980},
		{"person_id": 30, "year_of_birth": 1990},
	})
	store.Put("ehr", "person", personCols, []memory.Row{
		{"person_id": 10, "year_of_birth": 1971},
	})

	visitCols := []string{"visit_occurrence_id", "person_id", "visit_concept_id"}
	store.Put("rdr", "visit_occurrence", visitCols, []memory.Row{
		{"visit_occurrence_id": 2, "person_id": 30, "visit_concept_id": 9202},
		{"visit_occurrence_id": 1, "person_id": 30, "visit_concept_id": 9201},
	})
	store.Put("ehr", "visit_occurrence", visitCols, []memory.Row{
		{"visit_occurrence_id": 9, "person_id": 10, "visit_concept_id": 9203},
		{"visit_occurrence_id": 7, "person_id": 20, "visit_concept_id": 9201},
		{"visit_occurrence_id": 5, "person_id": 10, "visit_concept_id": 9201},
	})

	condCols := []string{"condition_occurrence_id", "person_id", "visit_occurrence_id", "condition_concept_id"}
	store.Put("rdr", "condition_occurrence", condCols, []memory.Row{
		{"condition_occurrence_id": 1, "person_id": 30, "visit_occurrence_id": 2, "condition_concept_id": 201826},
	})
	store.Put("ehr", "condition_occurrence", condCols, []memory.Row{
		{"condition_occurrence_id": 3, "person_id": 10, "visit_occurrence_id": 5, "condition_concept_id": 320128},
		{"condition_occurrence_id": 4, "person_id": 10, "visit_occurrence_id": 99, "condition_concept_id": 4329847},
		{"condition_occurrence_id": 6, "person_id": 20, "visit_occurrence_id": 7, "condition_concept_id": 320128},
	})
}

func newTestService(t *testing.T, exec datasource.JobExecutor, m *metrics.Metrics, maxParallel int) CombineService {
	t.Helper()
	svc, err := NewCombineService(CombineOptions{
		Datasets:       testDatasets,
		Graph:          testGraph(t),
		Consent:        models.DefaultConsentRule(),
		MaxParallel:    maxParallel,
		VerifyMappings: true,
	}, exec, testSchemas, m, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func rows(t *testing.T, store *memory.Store, dataset, table string) []memory.Row {
	t.Helper()
	tbl, ok := store.Get(dataset, table)
	require.True(t, ok, "table %s.%s should exist", dataset, table)
	return tbl.Rows
}

func TestCombineService_Stages(t *testing.T) {
	svc := newTestService(t, memory.NewExecutor(memory.NewStore(), zap.NewNop()), nil, 0)

	assert.Equal(t, []StageInfo{
		{Name: "consent"},
		{Name: "root_copy"},
		{Name: "mapping:visit_occurrence", DependsOn: []models.StageName{"consent"}},
		{Name: "mapping:condition_occurrence", DependsOn: []models.StageName{"consent"}},
		{Name: "load:visit_occurrence", DependsOn: []models.StageName{"mapping:visit_occurrence"}},
		{Name: "load:condition_occurrence", DependsOn: []models.StageName{"mapping:condition_occurrence", "mapping:visit_occurrence"}},
	}, svc.Stages())
}

func TestCombineService_Plan(t *testing.T) {
	svc := newTestService(t, memory.NewExecutor(memory.NewStore(), zap.NewNop()), nil, 0)

	plan, err := svc.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, plan, 6)

	assert.Equal(t, models.StageName("consent"), plan[0].Name)
	require.Len(t, plan[0].Statements, 1)
	assert.Equal(t, sql.KindConsent, plan[0].Statements[0].Kind)

	// Verified mappings carry the check query.
	require.Len(t, plan[2].Statements, 2)
	assert.Equal(t, sql.KindMapping, plan[2].Statements[0].Kind)
	assert.Equal(t, sql.KindVerify, plan[2].Statements[1].Kind)

	assert.Contains(t, plan[5].Statements[0].Text, `"combined"."_mapping_visit_occurrence"`)
}

func TestCombineService_Plan_MissingSchema(t *testing.T) {
	svc, err := NewCombineService(CombineOptions{
		Datasets: testDatasets,
		Graph:    testGraph(t),
		Consent:  models.DefaultConsentRule(),
	}, memory.NewExecutor(memory.NewStore(), zap.NewNop()), stubSchemas{}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.Plan(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))
	assert.ErrorContains(t, err, "load:visit_occurrence")
}

func TestCombineService_Run(t *testing.T) {
	store := memory.NewStore()
	seedScenario(store)
	m := metrics.New()
	svc := newTestService(t, memory.NewExecutor(store, zap.NewNop()), m, 2)

	run, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 6, run.CompletedStageCount())
	assert.Nil(t, run.ResumedFrom)
	for _, st := range run.Stages {
		assert.NotNil(t, st.DurationMs, "stage %s", st.Name)
	}

	t.Run("consent keeps latest affirmative answers", func(t *testing.T) {
		assert.Equal(t, []memory.Row{{"person_id": int64(10)}}, rows(t, store, "combined", models.ConsentTable))
	})

	t.Run("root table comes from source B only", func(t *testing.T) {
		assert.Equal(t, rows(t, store, "rdr", "person"), rows(t, store, "combined", "person"))
	})

	t.Run("mapping orders source B first then local id", func(t *testing.T) {
		assert.Equal(t, []memory.Row{
			{"visit_occurrence_id": int64(1), "src_source": "b", "src_dataset_id": "rdr", "src_visit_occurrence_id": int64(1)},
			{"visit_occurrence_id": int64(2), "src_source": "b", "src_dataset_id": "rdr", "src_visit_occurrence_id": int64(2)},
			{"visit_occurrence_id": int64(3), "src_source": "a", "src_dataset_id": "ehr", "src_visit_occurrence_id": int64(5)},
			{"visit_occurrence_id": int64(4), "src_source": "a", "src_dataset_id": "ehr", "src_visit_occurrence_id": int64(9)},
		}, rows(t, store, "combined", "_mapping_visit_occurrence"))
	})

	t.Run("loaded rows are rewritten", func(t *testing.T) {
		assert.ElementsMatch(t, []memory.Row{
			{"visit_occurrence_id": int64(1), "person_id": int64(30), "visit_concept_id": int64(9201)},
			{"visit_occurrence_id": int64(2), "person_id": int64(30), "visit_concept_id": int64(9202)},
			{"visit_occurrence_id": int64(3), "person_id": int64(10), "visit_concept_id": int64(9201)},
			{"visit_occurrence_id": int64(4), "person_id": int64(10), "visit_concept_id": int64(9203)},
		}, rows(t, store, "combined", "visit_occurrence"))

		assert.ElementsMatch(t, []memory.Row{
			{"condition_occurrence_id": int64(1), "person_id": int64(30), "visit_occurrence_id": int64(2), "condition_concept_id": int64(201826)},
			{"condition_occurrence_id": int64(2), "person_id": int64(10), "visit_occurrence_id": int64(3), "condition_concept_id": int64(320128)},
			{"condition_occurrence_id": int64(3), "person_id": int64(10), "visit_occurrence_id": nil, "condition_concept_id": int64(4329847)},
		}, rows(t, store, "combined", "condition_occurrence"))
	})

	t.Run("every mapped row is loaded once", func(t *testing.T) {
		for _, table := range []string{"visit_occurrence", "condition_occurrence"} {
			mapping := rows(t, store, "combined", models.MappingTableFor(table))
			loaded := rows(t, store, "combined", table)
			assert.Len(t, loaded, len(mapping), table)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		assert.Equal(t, 4.0, testutil.ToFloat64(m.MappingRows.WithLabelValues("visit_occurrence")))
		assert.Equal(t, 3.0, testutil.ToFloat64(m.MappingRows.WithLabelValues("condition_occurrence")))
	})
}

func TestCombineService_Run_ParentForeignKeyFollowsSchema(t *testing.T) {
	store := memory.NewStore()
	seedScenario(store)
	g, err := models.NewTableGraph("person", "visit_occurrence", []models.DomainTable{
		{Name: "person"},
		{Name: "visit_occurrence"},
		{Name: "condition_occurrence"},
	})
	require.NoError(t, err)

	svc, err := NewCombineService(CombineOptions{
		Datasets: testDatasets,
		Graph:    g,
		Consent:  models.DefaultConsentRule(),
	}, memory.NewExecutor(store, zap.NewNop()), testSchemas, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.Run(context.Background())
	require.NoError(t, err)

	visits := make(map[any]bool)
	for _, r := range rows(t, store, "combined", "condition_occurrence") {
		visits[r["visit_occurrence_id"]] = true
	}
	assert.Equal(t, map[any]bool{int64(2): true, int64(3): true, nil: true}, visits)
}

func TestCombineService_Run_Idempotent(t *testing.T) {
	store := memory.NewStore()
	seedScenario(store)
	svc := newTestService(t, memory.NewExecutor(store, zap.NewNop()), nil, 0)

	_, err := svc.Run(context.Background())
	require.NoError(t, err)
	tables := []string{models.ConsentTable, "person", "_mapping_visit_occurrence", "_mapping_condition_occurrence", "visit_occurrence", "condition_occurrence"}
	first := make(map[string][]memory.Row)
	for _, table := range tables {
		first[table] = rows(t, store, "combined", table)
	}

	_, err = svc.Run(context.Background())
	require.NoError(t, err)
	for _, table := range tables {
		assert.Equal(t, first[table], rows(t, store, "combined", table), table)
	}
}

func TestCombineService_Run_EmptySourceA(t *testing.T) {
	store := memory.NewStore()
	seedScenario(store)
	store.Put("ehr", "visit_occurrence", []string{"visit_occurrence_id", "person_id", "visit_concept_id"}, nil)
	store.Put("ehr", "condition_occurrence", []string{"condition_occurrence_id", "person_id", "visit_occurrence_id", "condition_concept_id"}, nil)
	svc := newTestService(t, memory.NewExecutor(store, zap.NewNop()), nil, 0)

	_, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows(t, store, "combined", "visit_occurrence"), 2)
	assert.Len(t, rows(t, store, "combined", "condition_occurrence"), 1)
}

func TestCombineService_Run_FailFastAndResume(t *testing.T) {
	store := memory.NewStore()
	seedScenario(store)
	exec := memory.NewExecutor(store, zap.NewNop())
	jobErr := errors.New("quota exceeded")
	exec.BeforeJob = func(stmt *sql.Statement, dst datasource.Destination) error {
		if dst.Table == "_mapping_visit_occurrence" {
			return jobErr
		}
		return nil
	}
	svc := newTestService(t, exec, nil, 1)

	run, err := svc.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrExecution))
	assert.ErrorIs(t, err, jobErr)
	assert.Equal(t, models.RunStatusFailed, run.Status)

	failed := run.FailedStage()
	require.NotNil(t, failed)
	assert.Equal(t, models.StageName("mapping:visit_occurrence"), failed.Name)
	require.NotNil(t, failed.Statement)
	assert.Contains(t, *failed.Statement, "ROW_NUMBER()")
	require.NotNil(t, failed.ErrorMessage)

	assert.Equal(t, models.StageStatusCompleted, run.Stage("consent").Status)
	assert.Equal(t, models.StageStatusCompleted, run.Stage("root_copy").Status)
	for _, name := range []models.StageName{"mapping:condition_occurrence", "load:visit_occurrence", "load:condition_occurrence"} {
		assert.Equal(t, models.StageStatusSkipped, run.Stage(name).Status, name)
	}
	_, loaded := store.Get("combined", "visit_occurrence")
	assert.False(t, loaded)

	exec.BeforeJob = func(stmt *sql.Statement, dst datasource.Destination) error {
		if dst.Table == models.ConsentTable {
			t.Error("consent should not rerun on resume")
		}
		return nil
	}
	resumed, err := svc.Resume(context.Background(), "mapping:visit_occurrence")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, resumed.Status)
	require.NotNil(t, resumed.ResumedFrom)
	assert.Equal(t, models.StageName("mapping:visit_occurrence"), *resumed.ResumedFrom)
	assert.Nil(t, resumed.Stage("consent"))
	assert.Len(t, resumed.Stages, 5)
	assert.Len(t, rows(t, store, "combined", "condition_occurrence"), 3)
}

func TestCombineService_Resume_UnknownStage(t *testing.T) {
	svc := newTestService(t, memory.NewExecutor(memory.NewStore(), zap.NewNop()), nil, 0)

	_, err := svc.Resume(context.Background(), "load:nope")
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))
}

func TestCombineService_Run_Cancelled(t *testing.T) {
	store := memory.NewStore()
	seedScenario(store)
	svc := newTestService(t, memory.NewExecutor(store, zap.NewNop()), nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := svc.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.RunStatusCancelled, run.Status)
	for _, st := range run.Stages {
		assert.True(t, st.Status.IsTerminal(), "stage %s left %s", st.Name, st.Status)
	}
}

func TestNewCombineService_Validation(t *testing.T) {
	exec := memory.NewExecutor(memory.NewStore(), zap.NewNop())

	_, err := NewCombineService(CombineOptions{Datasets: testDatasets, Consent: models.DefaultConsentRule()}, nil, testSchemas, nil, zap.NewNop())
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))

	_, err = NewCombineService(CombineOptions{Datasets: testDatasets}, exec, testSchemas, nil, zap.NewNop())
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))

	_, err = NewCombineService(CombineOptions{Datasets: models.Datasets{SourceA: "ehr"}, Consent: models.DefaultConsentRule()}, exec, testSchemas, nil, zap.NewNop())
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))

	svc, err := NewCombineService(CombineOptions{Datasets: testDatasets, Consent: models.DefaultConsentRule()}, exec, testSchemas, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, svc.Stages(), 2+2*7)
}
