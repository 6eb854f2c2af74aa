package dag

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// ConsentNode computes the set of Source B persons whose latest answer to the
// consent question is affirmative, into the combined consent table.
type ConsentNode struct {
	*BaseNode
}

// NewConsentNode creates the consent node. It has no dependencies.
func NewConsentNode(logger *zap.Logger) *ConsentNode {
	return &ConsentNode{BaseNode: NewBaseNode(models.StageConsent, nil, logger)}
}

func (n *ConsentNode) Build(ctx context.Context, ec *ExecutionContext) ([]*sql.Statement, error) {
	stmt, err := ec.Builder.Consent(ec.Datasets, ec.Consent)
	if err != nil {
		return nil, err
	}
	return []*sql.Statement{stmt}, nil
}

// Execute loads the consent table. An empty consent set is not an error.
func (n *ConsentNode) Execute(ctx context.Context, ec *ExecutionContext) error {
	n.Logger().Info("Loading consent set",
		zap.String("source", ec.Datasets.SourceB),
		zap.String("question", ec.Consent.MarkerValue))

	stmts, err := n.Build(ctx, ec)
	if err != nil {
		return err
	}
	return n.submitAndWait(ctx, ec, stmts[0], ec.Destination(models.ConsentTable))
}
