package dag

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-combine/pkg/logging"
	"github.com/ekaya-inc/ekaya-combine/pkg/metrics"
	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/schema"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// NodeExecutor defines the interface for DAG node execution.
// Each node materializes one table of the combined dataset.
type NodeExecutor interface {
	// Name returns the stage name (e.g., "mapping:visit_occurrence")
	Name() models.StageName

	// DependsOn returns the stages that must complete before this one starts.
	DependsOn() []models.StageName

	// Build returns the statements the node would run, without running them.
	Build(ctx context.Context, ec *ExecutionContext) ([]*sql.Statement, error)

	// Execute runs the node's work. Returns an error if the node fails.
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// ExecutionContext carries the explicit configuration every stage runs with.
// Nothing is read from ambient state.
type ExecutionContext struct {
	RunID    uuid.UUID
	Datasets models.Datasets
	Graph    *models.TableGraph
	Consent  models.ConsentRule
	Executor datasource.JobExecutor
	Schemas  schema.Provider
	Builder  *sql.Builder

	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Validate checks that every collaborator is set.
func (ec *ExecutionContext) Validate() error {
	switch {
	case ec.Graph == nil:
		return fmt.Errorf("execution context: table graph is required")
	case ec.Executor == nil:
		return fmt.Errorf("execution context: executor is required")
	case ec.Schemas == nil:
		return fmt.Errorf("execution context: schema provider is required")
	case ec.Builder == nil:
		return fmt.Errorf("execution context: builder is required")
	}
	return ec.Datasets.Validate()
}

// Destination returns a table of the combined dataset.
func (ec *ExecutionContext) Destination(table string) datasource.Destination {
	return datasource.Destination{Dataset: ec.Datasets.Combined, Table: table}
}

// BaseNode provides common functionality for all DAG nodes.
type BaseNode struct {
	nodeName  models.StageName
	dependsOn []models.StageName
	logger    *zap.Logger
}

// NewBaseNode creates a new base node with common dependencies.
func NewBaseNode(nodeName models.StageName, dependsOn []models.StageName, logger *zap.Logger) *BaseNode {
	return &BaseNode{
		nodeName:  nodeName,
		dependsOn: dependsOn,
		logger:    logger.Named(string(nodeName)),
	}
}

// Name returns the node name.
func (b *BaseNode) Name() models.StageName {
	return b.nodeName
}

// DependsOn returns the node's dependencies.
func (b *BaseNode) DependsOn() []models.StageName {
	return b.dependsOn
}

// Logger returns the node's logger.
func (b *BaseNode) Logger() *zap.Logger {
	return b.logger
}

// submitAndWait materializes stmt into dst, replacing it, and blocks until
// the job finishes. Any failure becomes an ExecutionError carrying the text.
func (b *BaseNode) submitAndWait(ctx context.Context, ec *ExecutionContext, stmt *sql.Statement, dst datasource.Destination) error {
	b.logger.Info("Submitting statement",
		zap.String("destination", dst.String()),
		zap.String("kind", string(stmt.Kind)),
		zap.String("query", logging.SanitizeQuery(stmt.Text)))
	b.logger.Debug("Statement text", zap.String("destination", dst.String()), zap.String("statement", stmt.Text))

	handle, err := ec.Executor.Submit(ctx, stmt, dst, datasource.WriteTruncate)
	if err != nil {
		return apperrors.NewExecutionError(string(b.nodeName), stmt.Text, fmt.Errorf("submit: %w", err))
	}

	incomplete, err := ec.Executor.Wait(ctx, []datasource.JobHandle{handle})
	if err != nil {
		return apperrors.NewExecutionError(string(b.nodeName), stmt.Text, fmt.Errorf("wait: %w", err))
	}
	if len(incomplete) > 0 {
		return apperrors.NewExecutionError(string(b.nodeName), stmt.Text, ec.Executor.JobError(incomplete[0]))
	}

	b.logger.Debug("Job completed",
		zap.String("destination", dst.String()),
		zap.String("job_id", handle.ID.String()))
	return nil
}
