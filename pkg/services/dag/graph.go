package dag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-combine/pkg/models"
)

const tracerName = "github.com/ekaya-inc/ekaya-combine/pkg/services/dag"

// ErrUnknownStage is returned for stage names not present in the graph.
var ErrUnknownStage = errors.New("unknown stage")

// Graph is a validated, acyclic set of nodes.
type Graph struct {
	nodes      map[models.StageName]NodeExecutor
	order      []models.StageName // topological, ties broken by insertion order
	dependents map[models.StageName][]models.StageName
	logger     *zap.Logger
}

// NewGraph validates that node names are unique, every dependency exists and
// there is no cycle.
func NewGraph(logger *zap.Logger, nodes ...NodeExecutor) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[models.StageName]NodeExecutor, len(nodes)),
		dependents: make(map[models.StageName][]models.StageName, len(nodes)),
		logger:     logger.Named("dag"),
	}
	inserted := make([]models.StageName, 0, len(nodes))
	for _, n := range nodes {
		if _, dup := g.nodes[n.Name()]; dup {
			return nil, fmt.Errorf("duplicate stage %s", n.Name())
		}
		g.nodes[n.Name()] = n
		inserted = append(inserted, n.Name())
	}

	indegree := make(map[models.StageName]int, len(nodes))
	for _, name := range inserted {
		for _, dep := range g.nodes[name].DependsOn() {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("stage %s depends on %w %s", name, ErrUnknownStage, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], name)
			indegree[name]++
		}
	}

	// Kahn's algorithm, always taking the earliest inserted ready stage.
	position := make(map[models.StageName]int, len(inserted))
	for i, name := range inserted {
		position[name] = i
	}
	var ready []models.StageName
	for _, name := range inserted {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		name := ready[0]
		ready = ready[1:]
		g.order = append(g.order, name)
		for _, d := range g.dependents[name] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(g.order) != len(inserted) {
		return nil, fmt.Errorf("stage graph has a cycle")
	}
	return g, nil
}

// Order returns the stages in deterministic topological order.
func (g *Graph) Order() []models.StageName {
	return append([]models.StageName(nil), g.order...)
}

// Node returns a stage's node.
func (g *Graph) Node(name models.StageName) (NodeExecutor, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Ancestors returns every stage name depends on, directly or transitively.
func (g *Graph) Ancestors(name models.StageName) (map[models.StageName]bool, error) {
	if _, ok := g.nodes[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	out := make(map[models.StageName]bool)
	queue := []models.StageName{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.nodes[cur].DependsOn() {
			if !out[d] {
				out[d] = true
				queue = append(queue, d)
			}
		}
	}
	return out, nil
}

// StageObserver is notified as stages change state. Calls come from the
// scheduling goroutine only.
type StageObserver interface {
	StageStarted(name models.StageName, at time.Time)
	StageFinished(name models.StageName, status models.StageStatus, elapsed time.Duration, err error)
}

// RunOptions controls a graph run.
type RunOptions struct {
	// MaxParallel bounds concurrently running stages; <= 0 means unbounded.
	MaxParallel int
	// Only restricts the run to these stages. Dependencies outside the set
	// are treated as already complete.
	Only map[models.StageName]bool
	// Observer receives stage state changes; may be nil.
	Observer StageObserver
	// TracerProvider receives one span per stage; the global provider when nil.
	TracerProvider trace.TracerProvider
}

type stageResult struct {
	name    models.StageName
	err     error
	elapsed time.Duration
}

// Run executes the graph. Stages start as soon as their dependencies
// complete. The first failure stops scheduling: dependents never start,
// stages already running finish, and the first error is returned.
func (g *Graph) Run(ctx context.Context, ec *ExecutionContext, opts RunOptions) error {
	selected := func(name models.StageName) bool {
		return opts.Only == nil || opts.Only[name]
	}
	for name := range opts.Only {
		if _, ok := g.nodes[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStage, name)
		}
	}

	position := make(map[models.StageName]int, len(g.order))
	pending := make(map[models.StageName]int)
	var ready []models.StageName
	for i, name := range g.order {
		position[name] = i
		if !selected(name) {
			continue
		}
		for _, dep := range g.nodes[name].DependsOn() {
			if selected(dep) {
				pending[name]++
			}
		}
		if pending[name] == 0 {
			ready = append(ready, name)
		}
	}

	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(tracerName)
	eg, egCtx := errgroup.WithContext(ctx)
	results := make(chan stageResult, len(g.order))
	started := make(map[models.StageName]bool)
	running, completed, total := 0, 0, 0
	for _, name := range g.order {
		if selected(name) {
			total++
		}
	}
	var firstErr error

	for {
		for firstErr == nil && egCtx.Err() == nil && len(ready) > 0 &&
			(opts.MaxParallel <= 0 || running < opts.MaxParallel) {
			sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
			name := ready[0]
			ready = ready[1:]
			node := g.nodes[name]

			started[name] = true
			running++
			now := time.Now()
			if opts.Observer != nil {
				opts.Observer.StageStarted(name, now)
			}
			g.logger.Info("Starting stage", zap.String("stage", string(name)))

			eg.Go(func() error {
				spanCtx, span := tracer.Start(egCtx, "stage "+string(name),
					trace.WithAttributes(
						attribute.String("combine.stage", string(name)),
						attribute.String("combine.run_id", ec.RunID.String()),
					))
				err := node.Execute(spanCtx, ec)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				span.End()

				results <- stageResult{name: name, err: err, elapsed: time.Since(now)}
				return err
			})
		}

		if running == 0 {
			break
		}

		r := <-results
		running--
		if r.err != nil {
			g.logger.Error("Stage failed",
				zap.String("stage", string(r.name)),
				zap.Duration("elapsed", r.elapsed),
				zap.Error(r.err))
			if opts.Observer != nil {
				opts.Observer.StageFinished(r.name, models.StageStatusFailed, r.elapsed, r.err)
			}
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}

		completed++
		g.logger.Info("Stage completed",
			zap.String("stage", string(r.name)),
			zap.Duration("elapsed", r.elapsed))
		if opts.Observer != nil {
			opts.Observer.StageFinished(r.name, models.StageStatusCompleted, r.elapsed, nil)
		}
		for _, d := range g.dependents[r.name] {
			if !selected(d) {
				continue
			}
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	// All goroutines have reported; Wait only releases the group.
	_ = eg.Wait()

	for _, name := range g.order {
		if selected(name) && !started[name] {
			if opts.Observer != nil {
				opts.Observer.StageFinished(name, models.StageStatusSkipped, 0, nil)
			}
		}
	}

	if firstErr != nil {
		return firstErr
	}
	if completed == total {
		return nil
	}
	return ctx.Err()
}
