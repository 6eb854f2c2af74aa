package schema

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// DirProvider reads <dir>/<table>.json field definition files.
type DirProvider struct {
	dir string
}

// NewDirProvider returns a provider over a directory of field files.
func NewDirProvider(dir string) (*DirProvider, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema directory %s is not a directory", dir)
	}
	return &DirProvider{dir: dir}, nil
}

func (p *DirProvider) GetSchema(ctx context.Context, table string) ([]models.Field, error) {
	// Table names become file names; keep them inside the directory.
	if err := sql.ValidateIdentifier(table); err != nil {
		return nil, notFound(table)
	}
	data, err := os.ReadFile(filepath.Join(p.dir, table+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(table)
		}
		return nil, fmt.Errorf("read schema for %s: %w", table, err)
	}
	return parseFields(table, data)
}
