package pipeline

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SpecCache memoizes parsed technical specs keyed by a hash of the
// proposal text, so re-running a proposal skips the language model.
// Entries written during a run are scoped to that run until the pipeline
// succeeds; a late-phase failure purges them.
type SpecCache struct {
	db *sql.DB
}

// OpenSpecCache opens (or creates) the cache database at path.
func OpenSpecCache(path string) (*SpecCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spec cache: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS spec_cache (
			hash       TEXT PRIMARY KEY,
			spec_json  TEXT NOT NULL,
			run_id     TEXT,
			created_at DATETIME NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create spec cache schema: %w", err)
	}
	return &SpecCache{db: db}, nil
}

// Close releases the database handle.
func (c *SpecCache) Close() error {
	return c.db.Close()
}

// HashText returns the cache key for a proposal text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached spec for hash, if any.
func (c *SpecCache) Get(hash string) (*TechnicalSpec, bool, error) {
	var raw string
	err := c.db.QueryRow(
		"SELECT spec_json FROM spec_cache WHERE hash = ?", hash).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query spec cache: %w", err)
	}
	var spec TechnicalSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		// Undecodable cache entry: treat as a miss, let the parser
		// recompute and overwrite it.
		return nil, false, nil
	}
	return &spec, true, nil
}

// Put stores a spec scoped to runID.
func (c *SpecCache) Put(hash string, spec *TechnicalSpec, runID string) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	_, err = c.db.Exec(`
		INSERT INTO spec_cache (hash, spec_json, run_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET spec_json = excluded.spec_json, run_id = excluded.run_id
	`, hash, string(raw), runID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store spec: %w", err)
	}
	return nil
}

// CommitRun promotes runID's entries to permanent.
func (c *SpecCache) CommitRun(runID string) error {
	_, err := c.db.Exec("UPDATE spec_cache SET run_id = NULL WHERE run_id = ?", runID)
	if err != nil {
		return fmt.Errorf("commit cache run: %w", err)
	}
	return nil
}

// PurgeRun deletes every entry still scoped to runID.
func (c *SpecCache) PurgeRun(runID string) error {
	_, err := c.db.Exec("DELETE FROM spec_cache WHERE run_id = ?", runID)
	if err != nil {
		return fmt.Errorf("purge cache run: %w", err)
	}
	return nil
}

// Len reports the number of cached specs.
func (c *SpecCache) Len() (int, error) {
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM spec_cache").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
