// Package types defines the shared data model for selfpatch: change
// proposals, their lifecycle states, and the metric snapshots used to
// judge whether an applied change actually helped.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ProposalStatus tracks a proposal through its lifecycle.
type ProposalStatus string

const (
	StatusPending  ProposalStatus = "PENDING"
	StatusApproved ProposalStatus = "APPROVED"
	StatusRejected ProposalStatus = "REJECTED"
	StatusApplied  ProposalStatus = "APPLIED"
)

// ProposalPriority is the proposer's urgency hint. It is independent of the
// scheduler's execution priority; the orchestrator maps between the two.
type ProposalPriority string

const (
	PriorityLow      ProposalPriority = "low"
	PriorityNormal   ProposalPriority = "normal"
	PriorityHigh     ProposalPriority = "high"
	PriorityCritical ProposalPriority = "critical"
)

// ChangeProposal is one unit of requested self-modification.
// Proposals are never deleted: status and score updates rewrite the
// proposal log wholesale, preserving every entry.
type ChangeProposal struct {
	ID        string           `json:"id"`
	Component string           `json:"component"`
	Parameter string           `json:"parameter"`
	FilePath  string           `json:"file_path,omitempty"`
	Symbol    string           `json:"symbol,omitempty"`
	Rationale string           `json:"rationale"`
	OldValue  string           `json:"old_value"`
	NewValue  string           `json:"new_value"`
	Priority  ProposalPriority `json:"priority"`
	Status    ProposalStatus   `json:"status"`

	// Baseline captured at proposal time; the verdict phase compares
	// current metrics against it after the proposal is applied.
	Baseline MetricsSnapshot `json:"baseline,omitempty"`

	Score     float64   `json:"score"`
	Applied   bool      `json:"applied"`
	CreatedAt time.Time `json:"created_at"`
}

// NewProposal creates a pending proposal with a fresh ID.
func NewProposal(component, parameter, oldValue, newValue, rationale string) ChangeProposal {
	return ChangeProposal{
		ID:        uuid.NewString(),
		Component: component,
		Parameter: parameter,
		OldValue:  oldValue,
		NewValue:  newValue,
		Rationale: rationale,
		Priority:  PriorityNormal,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// MetricsSnapshot is a point-in-time map of KPI name to value
// (win_rate, drawdown, profit_factor, ...).
type MetricsSnapshot map[string]float64

// Clone returns an independent copy of the snapshot.
func (m MetricsSnapshot) Clone() MetricsSnapshot {
	if m == nil {
		return nil
	}
	out := make(MetricsSnapshot, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Evaluation is the evaluator collaborator's judgement of one proposal.
type Evaluation struct {
	Score     float64 `json:"score"` // 0.0 .. 1.0
	Approved  bool    `json:"approved"`
	Reasoning string  `json:"reasoning"`
}
