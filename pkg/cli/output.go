package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-combine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-combine/pkg/models"
	"github.com/ekaya-inc/ekaya-combine/pkg/services"
)

// Format is an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a --format value. "text" is accepted for table.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "table", "text":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid format %q: must be one of: table, json, yaml", s)
	}
}

// encode writes data as JSON or YAML. It reports false for table output,
// which every caller renders itself.
func encode(w io.Writer, format Format, data any) (bool, error) {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return true, err
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

func renderTable(w io.Writer, headers []string, rows [][]string) error {
	table := tablewriter.NewTable(w)
	h := make([]any, len(headers))
	for i, v := range headers {
		h[i] = v
	}
	table.Header(h...)
	for _, row := range rows {
		cells := make([]any, len(row))
		for i, v := range row {
			cells[i] = v
		}
		if err := table.Append(cells...); err != nil {
			return err
		}
	}
	return table.Render()
}

func joinStages(names []models.StageName) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}

func writeStages(w io.Writer, format Format, stages []services.StageInfo) error {
	if ok, err := encode(w, format, stages); ok {
		return err
	}
	rows := make([][]string, 0, len(stages))
	for i, s := range stages {
		rows = append(rows, []string{fmt.Sprint(i + 1), string(s.Name), joinStages(s.DependsOn)})
	}
	return renderTable(w, []string{"#", "Stage", "Depends On"}, rows)
}

// writePlan prints every statement. The table form is plain SQL with a
// comment header per statement so it can be piped into a client.
func writePlan(w io.Writer, format Format, plan []services.PlannedStage) error {
	if ok, err := encode(w, format, plan); ok {
		return err
	}
	for _, stage := range plan {
		for _, stmt := range stage.Statements {
			if _, err := fmt.Fprintf(w, "-- stage: %s (%s)\n%s;\n\n", stage.Name, stmt.Kind, stmt.Text); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeRun(w io.Writer, format Format, run *models.CombineRun) error {
	if ok, err := encode(w, format, run); ok {
		return err
	}
	rows := make([][]string, 0, len(run.Stages))
	for _, s := range run.Stages {
		duration := "-"
		if s.DurationMs != nil {
			duration = fmt.Sprintf("%dms", *s.DurationMs)
		}
		errMsg := ""
		if s.ErrorMessage != nil {
			errMsg = *s.ErrorMessage
		}
		rows = append(rows, []string{string(s.Name), string(s.Status), duration, errMsg})
	}
	if err := renderTable(w, []string{"Stage", "Status", "Duration", "Error"}, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "run %s %s: %d/%d stages completed\n",
		run.ID, run.Status, run.CompletedStageCount(), len(run.Stages))
	return err
}

func writeAdapters(w io.Writer, format Format, adapters []datasource.AdapterInfo) error {
	if ok, err := encode(w, format, adapters); ok {
		return err
	}
	rows := make([][]string, 0, len(adapters))
	for _, a := range adapters {
		rows = append(rows, []string{a.Type, a.DisplayName, a.Description})
	}
	return renderTable(w, []string{"Type", "Name", "Description"}, rows)
}
