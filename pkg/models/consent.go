package models

import "fmt"

// Defaults for the EHR consent question answered in the participant survey.
const (
	DefaultConsentTable           = "observation"
	DefaultConsentMarkerColumn    = "observation_source_value"
	DefaultConsentMarkerValue     = "EHRConsentPII_ConsentPermission"
	DefaultConsentTimestampColumn = "observation_datetime"
	DefaultConsentAnswerColumn    = "value_source_concept_id"
	// ConsentPermission_Yes
	DefaultConsentAffirmativeValue = "1586100"
)

// ConsentRule selects, per person, the latest answer to one consent question
// in Source B and accepts the person when that answer is affirmative.
type ConsentRule struct {
	Table            string `yaml:"table"`
	PersonColumn     string `yaml:"person_column"`
	MarkerColumn     string `yaml:"marker_column"`
	MarkerValue      string `yaml:"marker_value"`
	TimestampColumn  string `yaml:"timestamp_column"`
	TieBreakColumn   string `yaml:"tie_break_column"`
	AnswerColumn     string `yaml:"answer_column"`
	AffirmativeValue string `yaml:"affirmative_value"`
}

// DefaultConsentRule returns the EHR consent rule.
func DefaultConsentRule() ConsentRule {
	return ConsentRule{
		Table:            DefaultConsentTable,
		PersonColumn:     DefaultPersonColumn,
		MarkerColumn:     DefaultConsentMarkerColumn,
		MarkerValue:      DefaultConsentMarkerValue,
		TimestampColumn:  DefaultConsentTimestampColumn,
		TieBreakColumn:   DefaultConsentAnswerColumn,
		AnswerColumn:     DefaultConsentAnswerColumn,
		AffirmativeValue: DefaultConsentAffirmativeValue,
	}
}

// Validate checks that every column and value of the rule is set.
func (r ConsentRule) Validate() error {
	fields := []struct{ name, value string }{
		{"table", r.Table},
		{"person_column", r.PersonColumn},
		{"marker_column", r.MarkerColumn},
		{"marker_value", r.MarkerValue},
		{"timestamp_column", r.TimestampColumn},
		{"tie_break_column", r.TieBreakColumn},
		{"answer_column", r.AnswerColumn},
		{"affirmative_value", r.AffirmativeValue},
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("consent %s is required", f.name)
		}
	}
	return nil
}
