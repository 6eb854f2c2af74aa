// Package cli wires configuration, adapters and the combine service into the
// ekaya-combine command line.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/config"
	"github.com/ekaya-inc/ekaya-combine/pkg/logging"
	"github.com/ekaya-inc/ekaya-combine/pkg/metrics"
	"github.com/ekaya-inc/ekaya-combine/pkg/schema"
	"github.com/ekaya-inc/ekaya-combine/pkg/services"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
	"github.com/ekaya-inc/ekaya-combine/pkg/tracing"

	// Adapters register themselves with the datasource registry.
	_ "github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource/memory"
	_ "github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource/postgres"
)

// App holds the state shared by every command.
type App struct {
	version    string
	configPath string
	logLevel   string

	cfg      *config.Config
	logger   *zap.Logger
	factory  datasource.AdapterFactory
	shutdown tracing.ShutdownFunc
}

// Execute runs the command line with args. This is the entry point called
// from main.go.
func Execute(ctx context.Context, version string, args []string) error {
	a := &App{version: version}
	root := a.createRootCommand()
	root.SetArgs(args)
	defer a.close()
	return root.ExecuteContext(ctx)
}

// close flushes spans and logs. It runs whether or not the command failed.
func (a *App) close() {
	if a.logger == nil {
		return
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			a.logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *App) createRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "ekaya-combine",
		Short:   "Combine EHR and participant datasets into one OMOP dataset",
		Version: a.version,
		Long: `ekaya-combine merges Source A (EHR) and Source B (RDR) into a combined
dataset. Source A records are kept only for persons whose latest consent
answer in Source B is affirmative. Every domain table gets dense surrogate
ids, Source B first, and foreign keys to the parent table are rewritten.`,
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (environment only when empty)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	root.SetVersionTemplate("ekaya-combine {{.Version}}\n")

	root.AddCommand(
		a.newRunCommand(),
		a.newPlanCommand(),
		a.newStagesCommand(),
		a.newAdaptersCommand(),
	)
	return root
}

// setup loads configuration, builds the logger and installs tracing before
// any command runs.
func (a *App) setup(*cobra.Command, []string) error {
	cfg, err := config.Load(a.configPath, a.version)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	shutdown, err := tracing.Install(cfg.Tracing.Options(), a.version)
	if err != nil {
		return fmt.Errorf("failed to install tracing: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	a.factory = datasource.NewAdapterFactory(logger.Named("datasource"))
	a.shutdown = shutdown
	return nil
}

// pipeline is a constructed combine service and the resources it holds.
type pipeline struct {
	service services.CombineService
	metrics *metrics.Metrics
	closers []func() error
}

func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		_ = p.closers[i]()
	}
}

// newPipeline builds the service. A dry pipeline never connects for
// execution; it renders statements in the configured dialect only.
func (a *App) newPipeline(ctx context.Context, dry bool) (*pipeline, error) {
	p := &pipeline{}

	var executor datasource.JobExecutor
	if dry {
		executor = planOnlyExecutor{dialect: sql.DialectFor(a.cfg.Datasource.Type)}
	} else {
		exec, err := a.factory.NewJobExecutor(ctx, a.cfg.Datasource.Type, a.cfg.Datasource.AdapterConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create %s executor: %s", a.cfg.Datasource.Type, logging.SanitizeError(err))
		}
		executor = exec
		p.closers = append(p.closers, exec.Close)
		p.metrics = metrics.New()
	}

	schemas, closeSchemas, err := a.newSchemaProvider(ctx, executor)
	if err != nil {
		p.Close()
		return nil, err
	}
	if closeSchemas != nil {
		p.closers = append(p.closers, closeSchemas)
	}

	graph, err := a.cfg.Pipeline.TableGraph()
	if err != nil {
		p.Close()
		return nil, err
	}

	svc, err := services.NewCombineService(services.CombineOptions{
		Datasets:       a.cfg.Datasets.Models(),
		Graph:          graph,
		Consent:        a.cfg.Consent,
		MaxParallel:    a.cfg.Pipeline.MaxParallelStages,
		VerifyMappings: !a.cfg.Pipeline.SkipMappingVerification,
	}, executor, schemas, p.metrics, a.logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.service = svc
	return p, nil
}

// newSchemaProvider returns the configured provider and, for catalog
// discovery, the closer of its connection.
func (a *App) newSchemaProvider(ctx context.Context, executor datasource.JobExecutor) (schema.Provider, func() error, error) {
	switch a.cfg.Schema.Provider {
	case config.SchemaProviderDir:
		p, err := schema.NewDirProvider(a.cfg.Schema.Path)
		if err != nil {
			return nil, nil, err
		}
		return schema.NewCachedProvider(p), nil, nil

	case config.SchemaProviderDiscover:
		// The memory executor is its own catalog.
		if d, ok := executor.(datasource.SchemaDiscoverer); ok {
			return schema.NewCachedProvider(schema.NewDiscoverProvider(d, a.cfg.Datasets.SourceB)), nil, nil
		}
		d, err := a.factory.NewSchemaDiscoverer(ctx, a.cfg.Datasource.Type, a.cfg.Datasource.AdapterConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create schema discoverer: %s", logging.SanitizeError(err))
		}
		return schema.NewCachedProvider(schema.NewDiscoverProvider(d, a.cfg.Datasets.SourceB)), d.Close, nil

	default:
		return schema.NewEmbeddedProvider(), nil, nil
	}
}
