package dag

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// RootCopyNode copies the root table from Source B verbatim. Source A never
// contributes root records.
type RootCopyNode struct {
	*BaseNode
}

// NewRootCopyNode creates the root copy node. It has no dependencies.
func NewRootCopyNode(logger *zap.Logger) *RootCopyNode {
	return &RootCopyNode{BaseNode: NewBaseNode(models.StageRootCopy, nil, logger)}
}

func (n *RootCopyNode) Build(ctx context.Context, ec *ExecutionContext) ([]*sql.Statement, error) {
	stmt, err := ec.Builder.RootCopy(ec.Datasets, ec.Graph.RootTable())
	if err != nil {
		return nil, err
	}
	return []*sql.Statement{stmt}, nil
}

// Execute overwrites the combined root table.
func (n *RootCopyNode) Execute(ctx context.Context, ec *ExecutionContext) error {
	root := ec.Graph.RootTable()
	n.Logger().Info("Copying root table",
		zap.String("table", root.Name),
		zap.String("source", ec.Datasets.SourceB))

	stmts, err := n.Build(ctx, ec)
	if err != nil {
		return err
	}
	return n.submitAndWait(ctx, ec, stmts[0], ec.Destination(root.Name))
}
