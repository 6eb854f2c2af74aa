// Package schema resolves the ordered field list of each domain table. The
// loader uses it to decide, per column, whether the value is rewritten.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ekaya-inc/ekaya-combine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// Provider returns the schema of a domain table.
type Provider interface {
	GetSchema(ctx context.Context, table string) ([]models.Field, error)
}

// parseFields decodes a field definition file and validates it.
func parseFields(table string, data []byte) ([]models.Field, error) {
	var fields []models.Field
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, apperrors.NewConfigurationError(table, "malformed schema", err)
	}
	if err := validateFields(table, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func validateFields(table string, fields []models.Field) error {
	if len(fields) == 0 {
		return apperrors.NewConfigurationError(table, "schema has no fields", nil)
	}
	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		if err := sql.ValidateIdentifier(f.Name); err != nil {
			return apperrors.NewConfigurationError(table, fmt.Sprintf("field %d", i), err)
		}
		if seen[f.Name] {
			return apperrors.NewConfigurationError(table, fmt.Sprintf("duplicate field %s", f.Name), nil)
		}
		seen[f.Name] = true
	}
	return nil
}

func notFound(table string) error {
	return apperrors.NewConfigurationError(table, "no schema for table", apperrors.ErrNotFound)
}

// cachedProvider memoizes successful lookups of another provider.
type cachedProvider struct {
	inner Provider
	mu    sync.Mutex
	cache map[string][]models.Field
}

// NewCachedProvider wraps a provider so each table is resolved once.
func NewCachedProvider(inner Provider) Provider {
	return &cachedProvider{inner: inner, cache: make(map[string][]models.Field)}
}

func (p *cachedProvider) GetSchema(ctx context.Context, table string) ([]models.Field, error) {
	p.mu.Lock()
	fields, ok := p.cache[table]
	p.mu.Unlock()
	if ok {
		return fields, nil
	}

	fields, err := p.inner.GetSchema(ctx, table)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[table] = fields
	p.mu.Unlock()
	return fields, nil
}
