package dag

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/sql"
)

// MappingNode builds the surrogate key mapping of one table: every Source B
// row and every consented Source A row receives a dense global id.
type MappingNode struct {
	*BaseNode
	table  models.DomainTable
	verify bool
}

// NewMappingNode creates a mapping node. It depends on the consent stage.
// When verify is set the mapping is checked for bijectivity after loading.
func NewMappingNode(table models.DomainTable, verify bool, logger *zap.Logger) *MappingNode {
	return &MappingNode{
		BaseNode: NewBaseNode(models.MappingStage(table.Name), []models.StageName{models.StageConsent}, logger),
		table:    table,
		verify:   verify,
	}
}

func (n *MappingNode) Build(ctx context.Context, ec *ExecutionContext) ([]*sql.Statement, error) {
	stmt, err := ec.Builder.Mapping(ec.Datasets, n.table)
	if err != nil {
		return nil, err
	}
	stmts := []*sql.Statement{stmt}
	if n.verify {
		check, err := ec.Builder.VerifyMapping(ec.Datasets, n.table)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, check)
	}
	return stmts, nil
}

// Execute loads the mapping table. An empty candidate set yields an empty
// mapping, not an error.
func (n *MappingNode) Execute(ctx context.Context, ec *ExecutionContext) error {
	n.Logger().Info("Mapping table", zap.String("table", n.table.Name))

	stmts, err := n.Build(ctx, ec)
	if err != nil {
		return err
	}
	if err := n.submitAndWait(ctx, ec, stmts[0], ec.Destination(models.MappingTableFor(n.table.Name))); err != nil {
		return err
	}
	if !n.verify {
		return nil
	}

	rows, err := n.verifyMapping(ctx, ec, stmts[1])
	if err != nil {
		return err
	}
	ec.Metrics.SetMappingRows(n.table.Name, rows)
	n.Logger().Info("Mapping complete",
		zap.String("table", n.table.Name),
		zap.Int64("rows", rows))
	return nil
}

// verifyMapping checks the mapping is a bijection onto 1..N and returns N.
func (n *MappingNode) verifyMapping(ctx context.Context, ec *ExecutionContext, stmt *sql.Statement) (int64, error) {
	result, err := ec.Executor.Query(ctx, stmt)
	if err != nil {
		return 0, apperrors.NewExecutionError(string(n.Name()), stmt.Text, err)
	}
	stats, err := parseVerifyResult(result)
	if err != nil {
		return 0, apperrors.NewExecutionError(string(n.Name()), stmt.Text, err)
	}
	if err := stats.check(n.table.Name); err != nil {
		n.Logger().Error("Mapping is not a bijection",
			zap.String("table", n.table.Name),
			zap.Int64("rows", stats.rows),
			zap.Int64("distinct_ids", stats.distinctIDs),
			zap.Int64("max_id", stats.maxID),
			zap.Int64("duplicate_pairs", stats.duplicatePairs))
		return 0, err
	}
	return stats.rows, nil
}

type mappingStats struct {
	rows, distinctIDs, minID, maxID, duplicatePairs int64
}

func (s mappingStats) check(table string) error {
	switch {
	case s.duplicatePairs > 0:
		return apperrors.NewIntegrityError(table, "%d (source, local id) pairs mapped more than once", s.duplicatePairs)
	case s.distinctIDs != s.rows:
		return apperrors.NewIntegrityError(table, "%d rows but %d distinct global ids", s.rows, s.distinctIDs)
	case s.rows > 0 && (s.minID != 1 || s.maxID != s.rows):
		return apperrors.NewIntegrityError(table, "global ids span %d..%d, want 1..%d", s.minID, s.maxID, s.rows)
	}
	return nil
}

func parseVerifyResult(result *datasource.QueryResult) (mappingStats, error) {
	if result == nil || len(result.Rows) != 1 {
		return mappingStats{}, fmt.Errorf("verify mapping: expected one row")
	}
	row := result.Rows[0]
	var s mappingStats
	targets := []struct {
		column string
		dst    *int64
	}{
		{sql.VerifyRowCount, &s.rows},
		{sql.VerifyDistinctIDs, &s.distinctIDs},
		{sql.VerifyMinID, &s.minID},
		{sql.VerifyMaxID, &s.maxID},
		{sql.VerifyDuplicatePairs, &s.duplicatePairs},
	}
	for _, t := range targets {
		v, err := toInt64(row[t.column])
		if err != nil {
			return mappingStats{}, fmt.Errorf("verify mapping: column %s: %w", t.column, err)
		}
		*t.dst = v
	}
	return s, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
