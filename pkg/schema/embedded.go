package schema

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/ekaya-inc/ekaya-combine/pkg/models"
)

//go:embed fields/*.json
var embeddedFields embed.FS

// EmbeddedProvider serves the OMOP field definitions compiled into the binary.
type EmbeddedProvider struct{}

// NewEmbeddedProvider returns the built-in provider.
func NewEmbeddedProvider() *EmbeddedProvider {
	return &EmbeddedProvider{}
}

func (EmbeddedProvider) GetSchema(ctx context.Context, table string) ([]models.Field, error) {
	data, err := embeddedFields.ReadFile(path.Join("fields", table+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(table)
		}
		return nil, err
	}
	return parseFields(table, data)
}

// Tables lists the tables with a built-in schema.
func (EmbeddedProvider) Tables() []string {
	entries, _ := embeddedFields.ReadDir("fields")
	tables := make([]string, 0, len(entries))
	for _, e := range entries {
		tables = append(tables, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(tables)
	return tables
}
