// Package metrics defines the metrics-provider contract the orchestrator
// consumes and the verdict logic that compares current KPIs against the
// baseline captured when a proposal was applied.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"selfpatch/internal/types"
)

// Provider supplies current trading/system KPIs. Implemented externally;
// the core only consumes the contract.
type Provider interface {
	Current(ctx context.Context) (types.MetricsSnapshot, error)
}

// Verdict is the post-hoc judgement of an applied proposal.
type Verdict string

const (
	VerdictSuccess Verdict = "SUCCESS"
	VerdictFailure Verdict = "FAILURE"
	VerdictNeutral Verdict = "NEUTRAL"
)

// KPI names the verdict comparison understands.
const (
	KeyWinRate  = "win_rate"
	KeyDrawdown = "drawdown"
)

// Compare judges current metrics against a baseline: SUCCESS when the
// win rate improved or the drawdown decreased, FAILURE when either moved
// the wrong way, NEUTRAL when nothing measurable changed.
func Compare(baseline, current types.MetricsSnapshot) Verdict {
	if len(baseline) == 0 || len(current) == 0 {
		return VerdictNeutral
	}

	winBefore, hasWinBefore := baseline[KeyWinRate]
	winNow, hasWinNow := current[KeyWinRate]
	ddBefore, hasDDBefore := baseline[KeyDrawdown]
	ddNow, hasDDNow := current[KeyDrawdown]

	if hasWinBefore && hasWinNow && winNow > winBefore {
		return VerdictSuccess
	}
	if hasDDBefore && hasDDNow && ddNow < ddBefore {
		return VerdictSuccess
	}
	if (hasWinBefore && hasWinNow && winNow < winBefore) ||
		(hasDDBefore && hasDDNow && ddNow > ddBefore) {
		return VerdictFailure
	}
	return VerdictNeutral
}

// FileProvider reads a snapshot from a JSON file. Useful for operators
// and tests; production wires a live provider instead.
type FileProvider struct {
	Path string
}

// Current loads the snapshot from disk.
func (f FileProvider) Current(ctx context.Context) (types.MetricsSnapshot, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read metrics file: %w", err)
	}
	var snap types.MetricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse metrics file: %w", err)
	}
	return snap, nil
}

// StaticProvider returns a fixed snapshot. Test collaborator.
type StaticProvider struct {
	Snapshot types.MetricsSnapshot
	Err      error
}

// Current returns the configured snapshot.
func (s StaticProvider) Current(ctx context.Context) (types.MetricsSnapshot, error) {
	return s.Snapshot.Clone(), s.Err
}
