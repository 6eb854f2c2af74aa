package datasource

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// AdapterInfo describes a registered adapter.
type AdapterInfo struct {
	Type        string `json:"type"`         // "postgres", "sqlserver", "memory"
	DisplayName string `json:"display_name"` // "PostgreSQL", "Microsoft SQL Server"
	Description string `json:"description"`
}

// ExecutorFactory creates a job executor from datasource config.
type ExecutorFactory func(ctx context.Context, config map[string]any, logger *zap.Logger) (JobExecutor, error)

// SchemaDiscovererFactory creates a schema discoverer from datasource config.
type SchemaDiscovererFactory func(ctx context.Context, config map[string]any, logger *zap.Logger) (SchemaDiscoverer, error)

// AdapterRegistration contains info + factories for creating adapters.
type AdapterRegistration struct {
	Info                    AdapterInfo
	ExecutorFactory         ExecutorFactory
	SchemaDiscovererFactory SchemaDiscovererFactory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AdapterRegistration)
)

// Register is called by each adapter's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg AdapterRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredAdapters returns info for all registered adapters sorted by type.
func RegisteredAdapters() []AdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]AdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// GetExecutorFactory returns the executor factory for a datasource type.
// Returns nil if type is not registered.
func GetExecutorFactory(dsType string) ExecutorFactory {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[dsType]; ok {
		return reg.ExecutorFactory
	}
	return nil
}

// GetSchemaDiscovererFactory returns the schema discoverer factory for a datasource type.
// Returns nil if type is not registered or doesn't support schema discovery.
func GetSchemaDiscovererFactory(dsType string) SchemaDiscovererFactory {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[dsType]; ok {
		return reg.SchemaDiscovererFactory
	}
	return nil
}
