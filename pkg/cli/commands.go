package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/logging"
	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

func (a *App) newRunCommand() *cobra.Command {
	var resumeFrom, format string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the combine pipeline",
		Long: `Run every stage of the combine pipeline against the configured datasource.

With --resume-from, stages the given stage depends on are assumed complete
from an earlier run and everything else is run again.`,
		Example: `  ekaya-combine run --config config.yaml
  ekaya-combine run --resume-from load:condition_occurrence --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := ParseFormat(format)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			p, err := a.newPipeline(ctx, false)
			if err != nil {
				return err
			}
			defer p.Close()

			var run *models.CombineRun
			if resumeFrom != "" {
				run, err = p.service.Resume(ctx, models.StageName(resumeFrom))
			} else {
				run, err = p.service.Run(ctx)
			}
			if run == nil {
				return err
			}

			a.pushMetrics(ctx, p, run)

			if werr := writeRun(cmd.OutOrStdout(), f, run); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&resumeFrom, "resume-from", "", "resume a failed run at this stage (see 'stages')")
	cmd.Flags().StringVarP(&format, "format", "o", "table", "output format: table, json, yaml")
	return cmd
}

// pushMetrics sends the run metrics to the configured Pushgateway. Failures
// are logged and never fail the run.
func (a *App) pushMetrics(ctx context.Context, p *pipeline, run *models.CombineRun) {
	url := a.cfg.Metrics.PushgatewayURL
	if url == "" || p.metrics == nil {
		return
	}
	if err := p.metrics.Push(ctx, url, a.cfg.Metrics.Job, run.ID.String()); err != nil {
		a.logger.Warn("Failed to push run metrics",
			zap.String("run_id", run.ID.String()),
			zap.String("error", logging.SanitizeError(err)))
	}
}

func (a *App) newPlanCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the statements every stage would run",
		Long: `Build every stage's statements in the configured datasource's dialect
without executing them. No connection is opened unless the schema provider
is "discover".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := ParseFormat(format)
			if err != nil {
				return err
			}
			p, err := a.newPipeline(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer p.Close()

			plan, err := p.service.Plan(cmd.Context())
			if err != nil {
				return err
			}
			return writePlan(cmd.OutOrStdout(), f, plan)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "text", "output format: text, json, yaml")
	return cmd
}

func (a *App) newStagesCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List the pipeline stages in execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := ParseFormat(format)
			if err != nil {
				return err
			}
			p, err := a.newPipeline(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer p.Close()

			return writeStages(cmd.OutOrStdout(), f, p.service.Stages())
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "table", "output format: table, json, yaml")
	return cmd
}

func (a *App) newAdaptersCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "adapters",
		Short: "List the registered datasource types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := ParseFormat(format)
			if err != nil {
				return err
			}
			return writeAdapters(cmd.OutOrStdout(), f, a.factory.ListTypes())
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "table", "output format: table, json, yaml")
	return cmd
}

// errPlanOnly is returned when a plan-only executor is asked to run work.
var errPlanOnly = errors.New("executor is plan-only")

// planOnlyExecutor renders statements for a dialect and refuses to run them.
type planOnlyExecutor struct {
	dialect sql.Dialect
}

func (e planOnlyExecutor) Dialect() sql.Dialect { return e.dialect }

func (e planOnlyExecutor) Submit(context.Context, *sql.Statement, datasource.Destination, datasource.WriteDisposition) (datasource.JobHandle, error) {
	return datasource.JobHandle{}, errPlanOnly
}

func (e planOnlyExecutor) Wait(_ context.Context, handles []datasource.JobHandle) ([]datasource.JobHandle, error) {
	return handles, nil
}

func (e planOnlyExecutor) JobError(h datasource.JobHandle) error {
	return fmt.Errorf("job %s: %w", h.ID, errPlanOnly)
}

func (e planOnlyExecutor) Query(context.Context, *sql.Statement) (*datasource.QueryResult, error) {
	return nil, errPlanOnly
}

func (e planOnlyExecutor) Close() error { return nil }

var _ datasource.JobExecutor = planOnlyExecutor{}
