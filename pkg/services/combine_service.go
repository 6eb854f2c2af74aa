package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-combine/pkg/metrics"
	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/schema"
	"github.com/ekaya-inc/ekaya-combine/pkg/services/dag"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// CombineService runs the combine pipeline: consent filter, root copy,
// surrogate key mapping and foreign key rewriting, as a DAG of stages.
type CombineService interface {
	// Stages returns every stage with its dependencies, in execution order.
	Stages() []StageInfo

	// Plan builds every stage's statements without executing them.
	Plan(ctx context.Context) ([]PlannedStage, error)

	// Run executes the whole pipeline. The returned run is never nil, even
	// when err is set.
	Run(ctx context.Context) (*models.CombineRun, error)

	// Resume executes every stage except those the given stage depends on,
	// which must have completed for it to have started in an earlier run.
	Resume(ctx context.Context, from models.StageName) (*models.CombineRun, error)
}

// CombineOptions is the explicit configuration of the pipeline.
type CombineOptions struct {
	Datasets models.Datasets
	Graph    *models.TableGraph
	Consent  models.ConsentRule

	// MaxParallel bounds concurrently running stages; <= 0 means unbounded.
	MaxParallel int

	// VerifyMappings checks each mapping is a bijection onto 1..N after it
	// is loaded.
	VerifyMappings bool
}

// StageInfo describes one stage of the pipeline.
type StageInfo struct {
	Name      models.StageName   `json:"name" yaml:"name"`
	DependsOn []models.StageName `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// PlannedStage is a stage with the statements it would run.
type PlannedStage struct {
	StageInfo  `yaml:",inline"`
	Statements []PlannedStatement `json:"statements" yaml:"statements"`
}

// PlannedStatement is one generated statement.
type PlannedStatement struct {
	Kind sql.StatementKind `json:"kind" yaml:"kind"`
	Text string            `json:"text" yaml:"text"`
}

type combineService struct {
	opts    CombineOptions
	ec      *dag.ExecutionContext
	graph   *dag.Graph
	metrics *metrics.Metrics
	logger  *zap.Logger
}

var _ CombineService = (*combineService)(nil)

// NewCombineService validates the options and builds the stage graph.
// m may be nil.
func NewCombineService(
	opts CombineOptions,
	executor datasource.JobExecutor,
	schemas schema.Provider,
	m *metrics.Metrics,
	logger *zap.Logger,
) (CombineService, error) {
	if opts.Graph == nil {
		opts.Graph = models.DefaultTableGraph()
	}
	if err := opts.Graph.Validate(); err != nil {
		return nil, apperrors.NewConfigurationError("", "invalid table graph", err)
	}
	if err := opts.Consent.Validate(); err != nil {
		return nil, apperrors.NewConfigurationError("", "invalid consent rule", err)
	}

	ec := &dag.ExecutionContext{
		Datasets: opts.Datasets,
		Graph:    opts.Graph,
		Consent:  opts.Consent,
		Executor: executor,
		Schemas:  schemas,
		Metrics:  m,
	}
	if executor != nil {
		ec.Builder = sql.NewBuilder(executor.Dialect())
	}
	if err := ec.Validate(); err != nil {
		return nil, apperrors.NewConfigurationError("", "invalid pipeline configuration", err)
	}

	logger = logger.Named("combine")
	graph, err := dag.NewGraph(logger, buildNodes(opts, logger)...)
	if err != nil {
		return nil, fmt.Errorf("build stage graph: %w", err)
	}

	return &combineService{
		opts:    opts,
		ec:      ec,
		graph:   graph,
		metrics: m,
		logger:  logger,
	}, nil
}

// buildNodes creates consent, root_copy, and a mapping and a load stage for
// every non-root table. Loads other than the parent's also wait for the
// parent mapping.
func buildNodes(opts CombineOptions, logger *zap.Logger) []dag.NodeExecutor {
	nodes := []dag.NodeExecutor{
		dag.NewConsentNode(logger),
		dag.NewRootCopyNode(logger),
	}
	tables := opts.Graph.NonRootTables()
	for _, t := range tables {
		nodes = append(nodes, dag.NewMappingNode(t, opts.VerifyMappings, logger))
	}
	parent := opts.Graph.ParentTable()
	for _, t := range tables {
		nodes = append(nodes, dag.NewLoadNode(t, parent, logger))
	}
	return nodes
}

func (s *combineService) Stages() []StageInfo {
	order := s.graph.Order()
	stages := make([]StageInfo, 0, len(order))
	for _, name := range order {
		n, _ := s.graph.Node(name)
		stages = append(stages, StageInfo{Name: name, DependsOn: n.DependsOn()})
	}
	return stages
}

func (s *combineService) Plan(ctx context.Context) ([]PlannedStage, error) {
	stages := s.Stages()
	planned := make([]PlannedStage, 0, len(stages))
	for _, info := range stages {
		n, _ := s.graph.Node(info.Name)
		stmts, err := n.Build(ctx, s.ec)
		if err != nil {
			return nil, fmt.Errorf("plan stage %s: %w", info.Name, err)
		}
		ps := PlannedStage{StageInfo: info}
		for _, stmt := range stmts {
			ps.Statements = append(ps.Statements, PlannedStatement{Kind: stmt.Kind, Text: stmt.Text})
		}
		planned = append(planned, ps)
	}
	return planned, nil
}

func (s *combineService) Run(ctx context.Context) (*models.CombineRun, error) {
	return s.run(ctx, nil, nil)
}

func (s *combineService) Resume(ctx context.Context, from models.StageName) (*models.CombineRun, error) {
	done, err := s.graph.Ancestors(from)
	if err != nil {
		return nil, apperrors.NewConfigurationError("", "cannot resume", err)
	}
	only := make(map[models.StageName]bool)
	for _, name := range s.graph.Order() {
		if !done[name] {
			only[name] = true
		}
	}
	return s.run(ctx, only, &from)
}

func (s *combineService) run(ctx context.Context, only map[models.StageName]bool, resumedFrom *models.StageName) (*models.CombineRun, error) {
	started := time.Now()
	run := &models.CombineRun{
		ID:          uuid.New(),
		Datasets:    s.opts.Datasets,
		Status:      models.RunStatusRunning,
		StartedAt:   &started,
		ResumedFrom: resumedFrom,
	}
	for _, info := range s.Stages() {
		if only != nil && !only[info.Name] {
			continue
		}
		run.Stages = append(run.Stages, models.StageRun{
			Name:      info.Name,
			DependsOn: info.DependsOn,
			Status:    models.StageStatusPending,
		})
	}

	fields := []zap.Field{
		zap.String("run_id", run.ID.String()),
		zap.String("source_a", s.opts.Datasets.SourceA),
		zap.String("source_b", s.opts.Datasets.SourceB),
		zap.String("combined", s.opts.Datasets.Combined),
		zap.Int("stages", len(run.Stages)),
	}
	if resumedFrom != nil {
		fields = append(fields, zap.String("resumed_from", string(*resumedFrom)))
	}
	s.logger.Info("Starting combine run", fields...)

	ec := *s.ec
	ec.RunID = run.ID
	err := s.graph.Run(ctx, &ec, dag.RunOptions{
		MaxParallel: s.opts.MaxParallel,
		Only:        only,
		Observer:    &runRecorder{run: run, metrics: s.metrics},
	})

	finished := time.Now()
	run.CompletedAt = &finished
	// Stages the scheduler never reached after a failure or cancellation.
	for i := range run.Stages {
		if !run.Stages[i].Status.IsTerminal() {
			run.Stages[i].Status = models.StageStatusSkipped
		}
	}
	switch {
	case err == nil:
		run.Status = models.RunStatusCompleted
	case errors.Is(err, context.Canceled):
		run.Status = models.RunStatusCancelled
	default:
		run.Status = models.RunStatusFailed
	}
	s.metrics.ObserveRun(run.Status, finished.Sub(started), finished)

	if err != nil {
		logFields := []zap.Field{
			zap.String("run_id", run.ID.String()),
			zap.String("status", string(run.Status)),
			zap.Error(err),
		}
		if failed := run.FailedStage(); failed != nil {
			logFields = append(logFields, zap.String("stage", string(failed.Name)))
			if failed.Statement != nil {
				logFields = append(logFields, zap.String("statement", *failed.Statement))
			}
		}
		s.logger.Error("Combine run failed", logFields...)
		return run, err
	}

	s.logger.Info("Combine run completed",
		zap.String("run_id", run.ID.String()),
		zap.Int("stages", run.CompletedStageCount()),
		zap.Duration("elapsed", finished.Sub(started)))
	return run, nil
}

// runRecorder turns scheduler callbacks into the run record and metrics.
type runRecorder struct {
	run     *models.CombineRun
	metrics *metrics.Metrics
}

func (r *runRecorder) StageStarted(name models.StageName, at time.Time) {
	st := r.run.Stage(name)
	if st == nil {
		return
	}
	st.Status = models.StageStatusRunning
	st.StartedAt = &at
}

func (r *runRecorder) StageFinished(name models.StageName, status models.StageStatus, elapsed time.Duration, err error) {
	r.metrics.ObserveStage(name, status, elapsed)

	st := r.run.Stage(name)
	if st == nil {
		return
	}
	st.Status = status
	if status == models.StageStatusSkipped {
		return
	}
	completed := time.Now()
	ms := int(elapsed.Milliseconds())
	st.CompletedAt = &completed
	st.DurationMs = &ms
	if err != nil {
		msg := err.Error()
		st.ErrorMessage = &msg
		if stmt := apperrors.StatementOf(err); stmt != "" {
			st.Statement = &stmt
		}
	}
}
