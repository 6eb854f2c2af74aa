package dag

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// LoadNode writes the combined rows of a non-root table, rewriting its own id
// through its mapping and its parent foreign key through the parent mapping.
type LoadNode struct {
	*BaseNode
	table  models.DomainTable
	parent *models.DomainTable
}

// NewLoadNode creates a load node. It depends on its own mapping and, unless
// the table is the parent table itself, on the parent mapping. Whether the
// parent foreign key is rewritten is decided by the table's schema.
func NewLoadNode(table, parent models.DomainTable, logger *zap.Logger) *LoadNode {
	deps := []models.StageName{models.MappingStage(table.Name)}
	var p *models.DomainTable
	if parent.Name != table.Name {
		deps = append(deps, models.MappingStage(parent.Name))
		p = &parent
	}
	return &LoadNode{
		BaseNode: NewBaseNode(models.LoadStage(table.Name), deps, logger),
		table:    table,
		parent:   p,
	}
}

// parentFor returns the parent table when the schema carries the parent
// foreign key column or the table is configured as referencing the parent.
func (n *LoadNode) parentFor(fields []models.Field) *models.DomainTable {
	if n.parent == nil {
		return nil
	}
	if n.table.ReferencesParent || models.HasField(fields, n.parent.IDColumn) {
		return n.parent
	}
	return nil
}

func (n *LoadNode) Build(ctx context.Context, ec *ExecutionContext) ([]*sql.Statement, error) {
	fields, err := ec.Schemas.GetSchema(ctx, n.table.Name)
	if err != nil {
		if !errors.Is(err, apperrors.ErrConfiguration) {
			err = apperrors.NewConfigurationError(n.table.Name, "resolve schema", err)
		}
		return nil, err
	}
	stmt, err := ec.Builder.Load(ec.Datasets, n.table, n.parentFor(fields), fields)
	if err != nil {
		return nil, err
	}
	return []*sql.Statement{stmt}, nil
}

// Execute overwrites the combined table.
func (n *LoadNode) Execute(ctx context.Context, ec *ExecutionContext) error {
	n.Logger().Info("Loading table", zap.String("table", n.table.Name))

	stmts, err := n.Build(ctx, ec)
	if err != nil {
		return err
	}
	return n.submitAndWait(ctx, ec, stmts[0], ec.Destination(n.table.Name))
}
