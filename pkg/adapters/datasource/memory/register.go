package memory

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Type:        "memory",
			DisplayName: "In-memory",
			Description: "Evaluate the pipeline over YAML fixtures held in memory",
		},
		ExecutorFactory: func(ctx context.Context, config map[string]any, logger *zap.Logger) (datasource.JobExecutor, error) {
			return fromConfig(config, logger)
		},
		SchemaDiscovererFactory: func(ctx context.Context, config map[string]any, logger *zap.Logger) (datasource.SchemaDiscoverer, error) {
			return fromConfig(config, logger)
		},
	})
}

// fromConfig builds an executor, loading the optional "seed" YAML file.
func fromConfig(config map[string]any, logger *zap.Logger) (*Executor, error) {
	store := NewStore()
	if path, ok := config["seed"].(string); ok && path != "" {
		if err := store.LoadSeedFile(path); err != nil {
			return nil, err
		}
	}
	return NewExecutor(store, logger), nil
}
