package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Run Status
// ============================================================================

// RunStatus represents the execution status of a combine run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status is terminal (completed, failed, or cancelled).
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// ============================================================================
// Stage Status
// ============================================================================

// StageStatus represents the execution status of a pipeline stage.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// IsTerminal returns true if the stage status is terminal.
func (s StageStatus) IsTerminal() bool {
	return s == StageStatusCompleted || s == StageStatusFailed || s == StageStatusSkipped
}

// ============================================================================
// Stage Names
// ============================================================================

// StageName identifies a node of the combine pipeline.
type StageName string

const (
	StageConsent  StageName = "consent"
	StageRootCopy StageName = "root_copy"

	mappingStagePrefix = "mapping:"
	loadStagePrefix    = "load:"
)

// MappingStage returns the stage that builds the mapping for a table.
func MappingStage(table string) StageName {
	return StageName(mappingStagePrefix + table)
}

// LoadStage returns the stage that loads the combined rows for a table.
func LoadStage(table string) StageName {
	return StageName(loadStagePrefix + table)
}

// Table returns the domain table a mapping or load stage works on, or "".
func (n StageName) Table() string {
	s := string(n)
	if t, ok := strings.CutPrefix(s, mappingStagePrefix); ok {
		return t
	}
	if t, ok := strings.CutPrefix(s, loadStagePrefix); ok {
		return t
	}
	return ""
}

// Kind returns the stage kind: consent, root_copy, mapping or load.
func (n StageName) Kind() string {
	s := string(n)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// ============================================================================
// Combine Run Model
// ============================================================================

// CombineRun is the outcome of one pipeline execution.
type CombineRun struct {
	ID       uuid.UUID `json:"id" yaml:"id"`
	Datasets Datasets  `json:"datasets" yaml:"datasets"`
	Status   RunStatus `json:"status" yaml:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`

	// ResumedFrom is set when only a stage and its descendants were run.
	ResumedFrom *StageName `json:"resumed_from,omitempty" yaml:"resumed_from,omitempty"`

	Stages []StageRun `json:"stages" yaml:"stages"`
}

// Stage returns the run record for a stage.
func (r *CombineRun) Stage(name StageName) *StageRun {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// CompletedStageCount returns the number of completed stages.
func (r *CombineRun) CompletedStageCount() int {
	count := 0
	for _, s := range r.Stages {
		if s.Status == StageStatusCompleted {
			count++
		}
	}
	return count
}

// FailedStage returns the first failed stage, or nil.
func (r *CombineRun) FailedStage() *StageRun {
	for i := range r.Stages {
		if r.Stages[i].Status == StageStatusFailed {
			return &r.Stages[i]
		}
	}
	return nil
}

// StageRun records the execution of one stage.
type StageRun struct {
	Name      StageName   `json:"name" yaml:"name"`
	DependsOn []StageName `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Status    StageStatus `json:"status" yaml:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	DurationMs  *int       `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`

	ErrorMessage *string `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	Statement    *string `json:"statement,omitempty" yaml:"statement,omitempty"`
}
