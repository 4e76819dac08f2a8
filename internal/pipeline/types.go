// Package pipeline implements the four-phase code transformation
// pipeline: parse a free-text proposal into a technical spec, transform
// the target source, validate with synthesized and pre-existing tests,
// and commit to a feature branch. Each phase's failure rolls back
// whatever the earlier phases already committed to disk or branch.
package pipeline

import (
	"fmt"
	"time"
)

// ChangeKind classifies what a proposal wants changed.
type ChangeKind string

const (
	KindParameterChange ChangeKind = "parameter_change"
	KindMethodAddition  ChangeKind = "method_addition"
	KindClassChange     ChangeKind = "class_change"
	KindConfigUpdate    ChangeKind = "config_update"
	KindImportUpdate    ChangeKind = "import_update"
	KindDocUpdate       ChangeKind = "doc_update"
)

// commitPrefix maps a change kind to its commit-message category.
func (k ChangeKind) commitPrefix() string {
	switch k {
	case KindParameterChange:
		return "tune"
	case KindMethodAddition:
		return "feat"
	case KindClassChange:
		return "refactor"
	case KindConfigUpdate:
		return "config"
	case KindImportUpdate:
		return "chore"
	case KindDocUpdate:
		return "docs"
	default:
		return "change"
	}
}

// Bounds constrain a numeric parameter value.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// TechnicalSpec is the structured decomposition of a free-text proposal.
// Produced by the parse phase, consumed by transform and commit, and kept
// only in the spec cache keyed by proposal-text hash.
type TechnicalSpec struct {
	Kind       ChangeKind `json:"kind"`
	FilePath   string     `json:"file_path"`
	Container  string     `json:"container,omitempty"` // class/struct/section holding the attribute
	Attribute  string     `json:"attribute,omitempty"`
	OldValue   string     `json:"old_value"`
	NewValue   string     `json:"new_value"`
	ValueType  string     `json:"value_type"` // int, float, bool, string
	Bounds     *Bounds    `json:"bounds,omitempty"`
	Confidence float64    `json:"confidence"`
}

// PhaseStatus tracks one phase through its run.
type PhaseStatus string

const (
	PhaseRunning    PhaseStatus = "running"
	PhaseSuccess    PhaseStatus = "success"
	PhaseFailed     PhaseStatus = "failed"
	PhaseRolledBack PhaseStatus = "rolled_back"
)

// Phase numbers, in execution order.
const (
	PhaseParse     = 1
	PhaseTransform = 2
	PhaseValidate  = 3
	PhaseCommit    = 4
)

func phaseName(phase int) string {
	switch phase {
	case PhaseParse:
		return "parse"
	case PhaseTransform:
		return "transform"
	case PhaseValidate:
		return "validate"
	case PhaseCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// PhaseResult records one phase's outcome; the ordered sequence of phase
// results is the audit trail for a pipeline run.
type PhaseResult struct {
	Phase    int            `json:"phase"`
	Name     string         `json:"name"`
	Status   PhaseStatus    `json:"status"`
	Duration time.Duration  `json:"duration"`
	Details  map[string]any `json:"details,omitempty"`
}

// Failure kinds, machine-readable.
const (
	FailInput      = "input"
	FailIO         = "io"
	FailValidation = "validation"
	FailSafety     = "safety"
)

// Failure is a structured, phase-tagged pipeline error.
type Failure struct {
	Phase   int            `json:"phase"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("phase %d (%s) %s failure: %s", f.Phase, phaseName(f.Phase), f.Kind, f.Message)
}

// Request is one pipeline invocation: a proposal expressed as free text.
type Request struct {
	ProposalID string
	Text       string
	TestTarget string // optional override for the phase-3 regression gate
	Branch     string // optional override for the feature branch name
}

// Result is the outcome of a full pipeline run.
type Result struct {
	ProposalID string         `json:"proposal_id"`
	Success    bool           `json:"success"`
	Verdict    string         `json:"verdict,omitempty"` // ready or needs_fix
	Branch     string         `json:"branch,omitempty"`
	Revision   string         `json:"revision,omitempty"`
	Spec       *TechnicalSpec `json:"spec,omitempty"`
	Phases     []PhaseResult  `json:"phases"`
	Failure    *Failure       `json:"failure,omitempty"`
}
