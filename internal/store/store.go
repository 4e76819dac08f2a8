// Package store provides the durable audit/state layer for selfpatch.
// The action log is the single source of truth: an append-only JSONL file
// whose write order reconstructs everything that happened. The state
// snapshot is advisory (best effort, last-write-wins); losing it degrades
// nothing that matters.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// File names under the storage root.
const (
	actionsFile   = "actions.log"
	stateFile     = "state.json"
	proposalsFile = "proposals.log"
)

// Well-known action types written by the core components.
const (
	ActionApplied          = "applied"
	ActionAtomicCommit     = "ATOMIC_COMMIT"
	ActionAtomicRollback   = "ATOMIC_ROLLBACK"
	ActionAtomicError      = "ATOMIC_ERROR"
	ActionCycleStart       = "cycle_start"
	ActionCycleComplete    = "cycle_complete"
	ActionCycleInterrupted = "cycle_interrupted"
	ActionTaskExecuted     = "task_executed"
	ActionTaskFailed       = "task_failed"
	ActionPipelineError    = "pipeline_error"
	ActionEvaluation       = "evaluation"
	ActionVerdict          = "market_verdict"
)

// ActionRecord is one immutable audit-log entry. Ordering is append order;
// records are durable across process restarts.
type ActionRecord struct {
	Timestamp  time.Time      `json:"ts"`
	Agent      string         `json:"agent"`
	ActionType string         `json:"action"`
	ProposalID string         `json:"proposal_id,omitempty"`
	Status     string         `json:"status"`
	Details    map[string]any `json:"details,omitempty"`
}

// Store binds the audit log, state snapshot and proposal log to one
// storage root. Safe for concurrent use; appends are serialized so no
// partial line is ever interleaved. Every read goes back to disk, so
// independent processes sharing the root observe each other's writes.
type Store struct {
	mu     sync.Mutex
	root   string
	logger *zap.Logger
}

// Open creates the storage root if needed and returns a Store bound to it.
func Open(root string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string { return s.root }

// Append durably appends one action record. I/O errors propagate: losing
// an audit entry is a correctness issue, not a degraded-service issue.
func (s *Store) Append(rec ActionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal action record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.root, actionsFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open action log: %w", err)
	}
	defer f.Close()

	// Single write per record; O_APPEND keeps concurrent processes from
	// interleaving partial lines.
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append action record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync action log: %w", err)
	}
	return nil
}

// ReadHistory returns the last limit records in write order. limit <= 0
// returns everything. Malformed lines are skipped, not fatal: one
// corrupted line must not lose the remainder of history.
func (s *Store) ReadHistory(limit int) ([]ActionRecord, error) {
	f, err := os.Open(filepath.Join(s.root, actionsFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open action log: %w", err)
	}
	defer f.Close()

	var records []ActionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ActionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping malformed action record", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("scan action log: %w", err)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}
