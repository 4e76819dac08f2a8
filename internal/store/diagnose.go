package store

import "time"

// Diagnosis summarizes recent audit history for operator triage.
type Diagnosis struct {
	Records     int            `json:"records"`
	ByAction    map[string]int `json:"by_action"`
	Failures    []ActionRecord `json:"failures,omitempty"`
	LastCommit  *ActionRecord  `json:"last_commit,omitempty"`
	LastFailure *ActionRecord  `json:"last_failure,omitempty"`
	OldestTS    time.Time      `json:"oldest_ts"`
	NewestTS    time.Time      `json:"newest_ts"`
}

// Diagnose inspects the last limit records and aggregates what an operator
// needs before deciding whether to trust the next automated cycle.
func (s *Store) Diagnose(limit int) (Diagnosis, error) {
	records, err := s.ReadHistory(limit)
	if err != nil {
		return Diagnosis{}, err
	}

	diag := Diagnosis{
		Records:  len(records),
		ByAction: make(map[string]int),
	}
	for i := range records {
		rec := records[i]
		diag.ByAction[rec.ActionType]++
		if diag.OldestTS.IsZero() || rec.Timestamp.Before(diag.OldestTS) {
			diag.OldestTS = rec.Timestamp
		}
		if rec.Timestamp.After(diag.NewestTS) {
			diag.NewestTS = rec.Timestamp
		}
		switch rec.ActionType {
		case ActionAtomicCommit:
			diag.LastCommit = &records[i]
		case ActionAtomicRollback, ActionAtomicError, ActionTaskFailed, ActionPipelineError:
			diag.Failures = append(diag.Failures, rec)
			diag.LastFailure = &records[i]
		}
	}

	// Keep the failure list short enough to read in a terminal.
	if len(diag.Failures) > 10 {
		diag.Failures = diag.Failures[len(diag.Failures)-10:]
	}
	return diag, nil
}
