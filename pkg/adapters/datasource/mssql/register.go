package mssql

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Type:        "sqlserver",
			DisplayName: "Microsoft SQL Server",
			Description: "Run the pipeline in SQL Server 2019+ or Azure SQL Database, datasets as schemas",
		},
		ExecutorFactory: func(ctx context.Context, config map[string]any, logger *zap.Logger) (datasource.JobExecutor, error) {
			cfg, err := FromMap(config)
			if err != nil {
				return nil, err
			}
			return NewExecutor(ctx, cfg, logger)
		},
		SchemaDiscovererFactory: func(ctx context.Context, config map[string]any, logger *zap.Logger) (datasource.SchemaDiscoverer, error) {
			cfg, err := FromMap(config)
			if err != nil {
				return nil, err
			}
			return NewSchemaDiscoverer(ctx, cfg, logger)
		},
	})
}
