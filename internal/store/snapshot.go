package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PutState writes one key into the state snapshot. The whole document is
// rewritten on every mutation (last-write-wins) via temp file + rename so
// a crash mid-write leaves either the old snapshot or the new one.
func (s *Store) PutState(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.readSnapshot()
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal state value %q: %w", key, err)
	}
	snapshot[key] = raw

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(s.root, stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// GetState reads one key from the snapshot into out. Returns false when
// the key is absent. A missing or corrupted snapshot file reads as empty,
// never as an error: state is advisory, the action log is authoritative.
func (s *Store) GetState(key string, out any) bool {
	s.mu.Lock()
	snapshot := s.readSnapshot()
	s.mu.Unlock()

	raw, ok := snapshot[key]
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.logger.Warn("state value undecodable, treating as absent")
		return false
	}
	return true
}

// readSnapshot loads the snapshot fresh from disk. Callers hold s.mu.
func (s *Store) readSnapshot() map[string]json.RawMessage {
	data, err := os.ReadFile(filepath.Join(s.root, stateFile))
	if err != nil {
		return map[string]json.RawMessage{}
	}
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(data, &snapshot); err != nil || snapshot == nil {
		// Corrupted snapshot is an empty snapshot, never fatal.
		return map[string]json.RawMessage{}
	}
	return snapshot
}
