package datasource

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// AdapterFactory creates adapters from the registry.
type AdapterFactory interface {
	// NewJobExecutor creates a job executor for the given datasource type.
	NewJobExecutor(ctx context.Context, dsType string, config map[string]any) (JobExecutor, error)

	// NewSchemaDiscoverer creates a schema discoverer for the given datasource type.
	NewSchemaDiscoverer(ctx context.Context, dsType string, config map[string]any) (SchemaDiscoverer, error)

	// ListTypes returns info for all registered adapter types.
	ListTypes() []AdapterInfo
}

type registryFactory struct {
	logger *zap.Logger
}

// NewAdapterFactory returns a factory that uses the global registry.
func NewAdapterFactory(logger *zap.Logger) AdapterFactory {
	return &registryFactory{
		logger: logger,
	}
}

func (f *registryFactory) NewJobExecutor(ctx context.Context, dsType string, config map[string]any) (JobExecutor, error) {
	factory := GetExecutorFactory(dsType)
	if factory == nil {
		return nil, fmt.Errorf("unsupported datasource type: %s (not compiled in)", dsType)
	}
	return factory(ctx, config, f.logger.Named(dsType))
}

func (f *registryFactory) NewSchemaDiscoverer(ctx context.Context, dsType string, config map[string]any) (SchemaDiscoverer, error) {
	factory := GetSchemaDiscovererFactory(dsType)
	if factory == nil {
		return nil, fmt.Errorf("schema discovery not supported for type: %s", dsType)
	}
	return factory(ctx, config, f.logger.Named(dsType))
}

func (f *registryFactory) ListTypes() []AdapterInfo {
	return RegisteredAdapters()
}

// Ensure registryFactory implements AdapterFactory at compile time.
var _ AdapterFactory = (*registryFactory)(nil)
