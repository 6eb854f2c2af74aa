package sql

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-combine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-combine/pkg/models"
)

// Builder generates pipeline statements for one dialect.
type Builder struct {
	dialect Dialect
}

// NewBuilder creates a builder. A nil dialect renders PostgreSQL.
func NewBuilder(dialect Dialect) *Builder {
	if dialect == nil {
		dialect = PostgresDialect{}
	}
	return &Builder{dialect: dialect}
}

// Dialect returns the builder's dialect.
func (b *Builder) Dialect() Dialect {
	return b.dialect
}

// Consent builds the statement computing the consent set from Source B.
func (b *Builder) Consent(ds models.Datasets, rule models.ConsentRule) (*Statement, error) {
	if err := rule.Validate(); err != nil {
		return nil, apperrors.NewConfigurationError(rule.Table, "invalid consent rule", err)
	}
	plan := ConsentPlan{
		Source:           TableRef{Dataset: ds.SourceB, Table: rule.Table},
		PersonColumn:     rule.PersonColumn,
		MarkerColumn:     rule.MarkerColumn,
		MarkerValue:      String(rule.MarkerValue),
		TimestampColumn:  rule.TimestampColumn,
		TieBreakColumn:   rule.TieBreakColumn,
		AnswerColumn:     rule.AnswerColumn,
		AffirmativeValue: ParseValue(rule.AffirmativeValue),
	}
	if err := ValidateIdentifiers(plan.Source.Dataset, plan.Source.Table, plan.PersonColumn,
		plan.MarkerColumn, plan.TimestampColumn, plan.TieBreakColumn, plan.AnswerColumn); err != nil {
		return nil, apperrors.NewConfigurationError(rule.Table, "invalid consent rule", err)
	}
	if found := CheckAllLiterals(map[string]Value{
		"marker_value":      plan.MarkerValue,
		"affirmative_value": plan.AffirmativeValue,
	}); len(found) > 0 {
		return nil, apperrors.NewConfigurationError(rule.Table, "invalid consent rule",
			fmt.Errorf("%s: value looks like SQL injection (fingerprint %s)", found[0].Name, found[0].Fingerprint))
	}
	return &Statement{Kind: KindConsent, Text: b.renderConsent(plan), Plan: plan}, nil
}

// RootCopy builds the statement copying the root table from Source B.
func (b *Builder) RootCopy(ds models.Datasets, root models.DomainTable) (*Statement, error) {
	plan := CopyPlan{Source: TableRef{Dataset: ds.SourceB, Table: root.Name}}
	if err := ValidateIdentifiers(plan.Source.Dataset, plan.Source.Table); err != nil {
		return nil, apperrors.NewConfigurationError(root.Name, "invalid root table", err)
	}
	text := "SELECT * FROM " + b.dialect.QualifiedName(plan.Source.Dataset, plan.Source.Table)
	return &Statement{Kind: KindCopy, Text: text, Plan: plan}, nil
}

// Mapping builds the surrogate key mapping statement for a table. All Source
// B rows are candidates; Source A rows only when their person consented.
func (b *Builder) Mapping(ds models.Datasets, table models.DomainTable) (*Statement, error) {
	plan := MappingPlan{
		Table:        table.Name,
		IDColumn:     table.IDColumn,
		PersonColumn: table.PersonColumn,
		Consent:      TableRef{Dataset: ds.Combined, Table: models.ConsentTable},
	}
	for _, src := range models.SourceOrder {
		plan.Sources = append(plan.Sources, MappingSource{
			Source:         src,
			Ref:            TableRef{Dataset: ds.For(src), Table: table.Name},
			Rank:           src.Rank(),
			RequireConsent: src == models.SourceA,
		})
	}
	if err := b.validateMapping(plan); err != nil {
		return nil, apperrors.NewConfigurationError(table.Name, "invalid mapping", err)
	}
	return &Statement{Kind: KindMapping, Text: b.renderMapping(plan), Plan: plan}, nil
}

// Load builds the combined rows statement for a non-root table. parent is
// nil unless the table references the parent table. fields is the table's
// schema and fixes the output column order.
func (b *Builder) Load(ds models.Datasets, table models.DomainTable, parent *models.DomainTable, fields []models.Field) (*Statement, error) {
	if len(fields) == 0 {
		return nil, apperrors.NewConfigurationError(table.Name, "schema has no fields", nil)
	}
	if !models.HasField(fields, table.IDColumn) {
		return nil, apperrors.NewConfigurationError(table.Name,
			fmt.Sprintf("schema has no id column %s", table.IDColumn), nil)
	}
	if !models.HasField(fields, table.PersonColumn) {
		return nil, apperrors.NewConfigurationError(table.Name,
			fmt.Sprintf("schema has no person column %s", table.PersonColumn), nil)
	}

	plan := LoadPlan{
		Table:    table.Name,
		IDColumn: table.IDColumn,
		Mapping:  TableRef{Dataset: ds.Combined, Table: models.MappingTableFor(table.Name)},
	}
	fkColumn := ""
	if parent != nil {
		fkColumn = parent.IDColumn
		if !models.HasField(fields, fkColumn) {
			return nil, apperrors.NewConfigurationError(table.Name,
				fmt.Sprintf("schema has no parent foreign key column %s", fkColumn), nil)
		}
		plan.ParentMapping = &TableRef{Dataset: ds.Combined, Table: models.MappingTableFor(parent.Name)}
		plan.ParentIDColumn = parent.IDColumn
	}

	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f.Name] {
			return nil, apperrors.NewConfigurationError(table.Name, fmt.Sprintf("duplicate field %s", f.Name), nil)
		}
		seen[f.Name] = true

		role := models.ColumnRolePassthrough
		switch {
		case f.Name == table.IDColumn:
			role = models.ColumnRoleOwnID
		case fkColumn != "" && f.Name == fkColumn:
			role = models.ColumnRoleParentFK
		}
		plan.Columns = append(plan.Columns, LoadColumn{Name: f.Name, Role: role})
	}
	for _, src := range models.SourceOrder {
		plan.Sources = append(plan.Sources, LoadSource{
			Source: src,
			Ref:    TableRef{Dataset: ds.For(src), Table: table.Name},
		})
	}
	if err := b.validateLoad(plan); err != nil {
		return nil, apperrors.NewConfigurationError(table.Name, "invalid load", err)
	}
	return &Statement{Kind: KindLoad, Text: b.renderLoad(plan), Plan: plan}, nil
}

// VerifyMapping builds the bijectivity check over a table's mapping.
func (b *Builder) VerifyMapping(ds models.Datasets, table models.DomainTable) (*Statement, error) {
	plan := VerifyPlan{
		Mapping:  TableRef{Dataset: ds.Combined, Table: models.MappingTableFor(table.Name)},
		IDColumn: table.IDColumn,
	}
	if err := ValidateIdentifiers(plan.Mapping.Dataset, plan.Mapping.Table, plan.IDColumn); err != nil {
		return nil, apperrors.NewConfigurationError(table.Name, "invalid mapping", err)
	}
	return &Statement{Kind: KindVerify, Text: b.renderVerify(plan), Plan: plan}, nil
}

func (b *Builder) validateMapping(plan MappingPlan) error {
	names := []string{plan.Table, plan.IDColumn, plan.PersonColumn, plan.Consent.Dataset,
		models.MappingSourceIDColumn(plan.IDColumn)}
	for _, s := range plan.Sources {
		names = append(names, s.Ref.Dataset)
	}
	return ValidateIdentifiers(names...)
}

func (b *Builder) validateLoad(plan LoadPlan) error {
	names := []string{plan.Table, plan.IDColumn, plan.Mapping.Dataset, plan.Mapping.Table,
		models.MappingSourceIDColumn(plan.IDColumn)}
	if plan.ParentMapping != nil {
		names = append(names, plan.ParentMapping.Table, plan.ParentIDColumn)
	}
	for _, c := range plan.Columns {
		names = append(names, c.Name)
	}
	for _, s := range plan.Sources {
		names = append(names, s.Ref.Dataset)
	}
	return ValidateIdentifiers(names...)
}

// ============================================================================
// Rendering
// ============================================================================

func (b *Builder) col(alias, name string) string {
	return alias + "." + b.dialect.QuoteIdentifier(name)
}

func (b *Builder) table(ref TableRef) string {
	return b.dialect.QualifiedName(ref.Dataset, ref.Table)
}

func (b *Builder) renderConsent(p ConsentPlan) string {
	q := b.dialect.QuoteIdentifier
	person := q(models.ConsentPersonColumn)
	answer := q(p.AnswerColumn)

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT c.%s FROM (\n", person)
	fmt.Fprintf(&sb, "  SELECT %s AS %s, %s AS %s,\n", b.col("o", p.PersonColumn), person, b.col("o", p.AnswerColumn), answer)
	fmt.Fprintf(&sb, "    ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s, %s) AS rn\n",
		b.col("o", p.PersonColumn),
		b.dialect.OrderTerm(b.col("o", p.TimestampColumn), true),
		b.dialect.OrderTerm(b.col("o", p.TieBreakColumn), false))
	fmt.Fprintf(&sb, "  FROM %s AS o\n", b.table(p.Source))
	fmt.Fprintf(&sb, "  WHERE %s = %s\n", b.col("o", p.MarkerColumn), p.MarkerValue.Literal())
	sb.WriteString(") AS c\n")
	fmt.Fprintf(&sb, "WHERE c.rn = 1 AND c.%s = %s", answer, p.AffirmativeValue.Literal())
	return sb.String()
}

func (b *Builder) renderMapping(p MappingPlan) string {
	q := b.dialect.QuoteIdentifier
	srcID := q(models.MappingSourceIDColumn(p.IDColumn))
	srcSource := q(models.MappingSourceColumn)
	srcDataset := q(models.MappingDatasetColumn)

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT ROW_NUMBER() OVER (ORDER BY u.src_rank ASC, %s) AS %s,\n",
		b.dialect.OrderTerm("u."+srcID, false), q(p.IDColumn))
	fmt.Fprintf(&sb, "  u.%s, u.%s, u.%s\n", srcSource, srcDataset, srcID)
	sb.WriteString("FROM (\n")
	for i, s := range p.Sources {
		if i > 0 {
			sb.WriteString("  UNION ALL\n")
		}
		fmt.Fprintf(&sb, "  SELECT %d AS src_rank, %s AS %s, %s AS %s, %s AS %s\n",
			s.Rank,
			String(string(s.Source)).Literal(), srcSource,
			String(s.Ref.Dataset).Literal(), srcDataset,
			b.col("t", p.IDColumn), srcID)
		fmt.Fprintf(&sb, "  FROM %s AS t\n", b.table(s.Ref))
		if s.RequireConsent {
			fmt.Fprintf(&sb, "  WHERE EXISTS (SELECT 1 FROM %s AS c WHERE %s = %s)\n",
				b.table(p.Consent), b.col("c", models.ConsentPersonColumn), b.col("t", p.PersonColumn))
		}
	}
	sb.WriteString(") AS u")
	return sb.String()
}

func (b *Builder) renderLoad(p LoadPlan) string {
	q := b.dialect.QuoteIdentifier
	srcID := models.MappingSourceIDColumn(p.IDColumn)

	var sb strings.Builder
	for i, s := range p.Sources {
		if i > 0 {
			sb.WriteString("\nUNION ALL\n")
		}
		source := String(string(s.Source)).Literal()

		exprs := make([]string, len(p.Columns))
		for j, c := range p.Columns {
			switch c.Role {
			case models.ColumnRoleOwnID:
				exprs[j] = b.col("m", p.IDColumn) + " AS " + q(c.Name)
			case models.ColumnRoleParentFK:
				exprs[j] = b.col("p", p.ParentIDColumn) + " AS " + q(c.Name)
			default:
				exprs[j] = b.col("t", c.Name)
			}
		}
		fmt.Fprintf(&sb, "SELECT %s\n", strings.Join(exprs, ", "))
		fmt.Fprintf(&sb, "FROM %s AS t\n", b.table(s.Ref))
		fmt.Fprintf(&sb, "JOIN %s AS m ON %s = %s AND %s = %s",
			b.table(p.Mapping),
			b.col("m", models.MappingSourceColumn), source,
			b.col("m", srcID), b.col("t", p.IDColumn))
		if p.ParentMapping != nil {
			fmt.Fprintf(&sb, "\nLEFT JOIN %s AS p ON %s = %s AND %s = %s",
				b.table(*p.ParentMapping),
				b.col("p", models.MappingSourceColumn), source,
				b.col("p", models.MappingSourceIDColumn(p.ParentIDColumn)), b.col("t", p.ParentIDColumn))
		}
	}
	return sb.String()
}

func (b *Builder) renderVerify(p VerifyPlan) string {
	q := b.dialect.QuoteIdentifier
	id := q(p.IDColumn)
	srcID := q(models.MappingSourceIDColumn(p.IDColumn))
	srcSource := q(models.MappingSourceColumn)
	mapping := b.table(p.Mapping)

	var sb strings.Builder
	sb.WriteString("SELECT\n")
	fmt.Fprintf(&sb, "  (SELECT COUNT(*) FROM %s) AS %s,\n", mapping, VerifyRowCount)
	fmt.Fprintf(&sb, "  (SELECT COUNT(DISTINCT %s) FROM %s) AS %s,\n", id, mapping, VerifyDistinctIDs)
	fmt.Fprintf(&sb, "  (SELECT COALESCE(MIN(%s), 0) FROM %s) AS %s,\n", id, mapping, VerifyMinID)
	fmt.Fprintf(&sb, "  (SELECT COALESCE(MAX(%s), 0) FROM %s) AS %s,\n", id, mapping, VerifyMaxID)
	fmt.Fprintf(&sb, "  (SELECT COUNT(*) FROM (SELECT %s, %s FROM %s GROUP BY %s, %s HAVING COUNT(*) > 1) AS d) AS %s",
		srcSource, srcID, mapping, srcSource, srcID, VerifyDuplicatePairs)
	return sb.String()
}
