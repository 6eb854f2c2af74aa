package schema

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/models"
)

// DiscoverProvider reads table schemas from the datasource catalog of one
// dataset, normally Source B.
type DiscoverProvider struct {
	discoverer datasource.SchemaDiscoverer
	dataset    string
}

// NewDiscoverProvider returns a provider backed by catalog discovery.
func NewDiscoverProvider(discoverer datasource.SchemaDiscoverer, dataset string) *DiscoverProvider {
	return &DiscoverProvider{discoverer: discoverer, dataset: dataset}
}

func (p *DiscoverProvider) GetSchema(ctx context.Context, table string) ([]models.Field, error) {
	columns, err := p.discoverer.DiscoverColumns(ctx, p.dataset, table)
	if err != nil {
		return nil, fmt.Errorf("discover columns of %s.%s: %w", p.dataset, table, err)
	}
	if len(columns) == 0 {
		return nil, notFound(table)
	}

	fields := make([]models.Field, len(columns))
	for i, c := range columns {
		mode := "required"
		if c.IsNullable {
			mode = "nullable"
		}
		fields[i] = models.Field{Name: c.ColumnName, Type: c.DataType, Mode: mode}
	}
	if err := validateFields(table, fields); err != nil {
		return nil, err
	}
	return fields, nil
}
