// Package quarantine maintains the time-boxed blacklist of
// (parameter, value) pairs that already failed once. Proposal generation
// consults it so the system never re-proposes a value it just rolled back.
package quarantine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one quarantined (parameter, value) pair.
type Entry struct {
	Parameter string    `json:"parameter"`
	Value     string    `json:"value"`
	Reason    string    `json:"reason"`
	FirstSeen time.Time `json:"first_seen"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
}

// Expired reports whether the entry has lapsed at time now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Registry is the durable quarantine store. Entries live in a JSONL file
// that is rewritten wholesale after every compaction or release, never
// patched in place, so stale duplicate lines cannot accumulate.
type Registry struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
	now    func() time.Time
}

// Open returns a Registry backed by path, creating parent directories.
func Open(path string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create quarantine dir: %w", err)
	}
	return &Registry{path: path, logger: logger, now: time.Now}, nil
}

// SetClock overrides the registry clock. Tests use this to simulate expiry.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Quarantine blocks (parameter, value) for ttl. A repeat failure on an
// already-quarantined pair increments the attempt count and extends the
// expiry instead of duplicating the entry.
func (r *Registry) Quarantine(parameter, value, reason string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entries := r.load()
	for i := range entries {
		if entries[i].Parameter == parameter && entries[i].Value == value {
			entries[i].Attempts++
			entries[i].Reason = reason
			entries[i].ExpiresAt = now.Add(ttl)
			return r.write(entries)
		}
	}

	entries = append(entries, Entry{
		Parameter: parameter,
		Value:     value,
		Reason:    reason,
		FirstSeen: now,
		ExpiresAt: now.Add(ttl),
		Attempts:  1,
	})
	r.logger.Info("value quarantined",
		zap.String("parameter", parameter),
		zap.String("value", value),
		zap.Duration("ttl", ttl))
	return r.write(entries)
}

// IsQuarantined reports whether a live entry matches parameter and, when
// value is non-empty, that exact value. Expired entries are purged as a
// side effect of every query.
func (r *Registry) IsQuarantined(parameter, value string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, compacted := r.compact(r.load())
	if compacted {
		if err := r.write(entries); err != nil {
			return false, err
		}
	}

	for _, e := range entries {
		if e.Parameter != parameter {
			continue
		}
		if value == "" || e.Value == value {
			return true, nil
		}
	}
	return false, nil
}

// Release removes matching entries explicitly (operator override). Empty
// value releases every entry for the parameter.
func (r *Registry) Release(parameter, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.load()
	kept := entries[:0]
	removed := 0
	for _, e := range entries {
		if e.Parameter == parameter && (value == "" || e.Value == value) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return nil
	}
	r.logger.Info("quarantine released",
		zap.String("parameter", parameter),
		zap.Int("removed", removed))
	return r.write(kept)
}

// Entries returns the live entries after purging expired ones.
func (r *Registry) Entries() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, compacted := r.compact(r.load())
	if compacted {
		if err := r.write(entries); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// compact drops expired entries. Callers hold r.mu.
func (r *Registry) compact(entries []Entry) ([]Entry, bool) {
	now := r.now()
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		kept = append(kept, e)
	}
	return kept, len(kept) != len(entries)
}

// load reads the backing file, skipping malformed lines. Callers hold r.mu.
func (r *Registry) load() []Entry {
	f, err := os.Open(r.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			r.logger.Warn("skipping malformed quarantine line", zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// write rewrites the whole backing file. Callers hold r.mu.
func (r *Registry) write(entries []Entry) error {
	var buf bytes.Buffer
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal quarantine entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("rewrite quarantine file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace quarantine file: %w", err)
	}
	return nil
}
