package patch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"selfpatch/internal/diff"
	"selfpatch/internal/store"
)

// backupSuffix marks the temporary copy taken before any mutation.
const backupSuffix = ".bak"

// TestResult is the outcome of running the update's associated tests.
type TestResult struct {
	Passed bool
	Output string
}

// TestRunner runs a test target. A run that exceeds its context deadline
// must come back as a failed result, not a hang.
type TestRunner interface {
	Run(ctx context.Context, target string) (TestResult, error)
}

// Update is one atomic modification request: a target file, a pre-built
// line patch, and the test command that gates the commit.
type Update struct {
	ProposalID string
	FilePath   string
	Patch      Patch
	TestTarget string
}

// Result reports how an Apply ended.
type Result struct {
	Success    bool
	RolledBack bool
	Message    string
	Stats      diff.Stats
}

// Applier executes atomic updates. A per-file mutex guarantees at most one
// mutation in flight against a given file.
type Applier struct {
	audit       *store.Store
	runner      TestRunner
	engine      *diff.Engine
	logger      *zap.Logger
	testTimeout time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewApplier creates an Applier. Every outcome is recorded in the audit
// store as ATOMIC_COMMIT, ATOMIC_ROLLBACK or ATOMIC_ERROR.
func NewApplier(audit *store.Store, runner TestRunner, testTimeout time.Duration, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if testTimeout <= 0 {
		testTimeout = 2 * time.Minute
	}
	return &Applier{
		audit:       audit,
		runner:      runner,
		engine:      diff.NewEngine(),
		logger:      logger,
		testTimeout: testTimeout,
		locks:       make(map[string]*sync.Mutex),
	}
}

// Apply runs the full protocol for one update.
//
// Steps: (1) backup, (2) patch and write, (3) test, (4) commit = delete
// backup, (5) rollback = restore backup on test failure or any error in
// steps 2-4. The backup is written before any mutation, so a crash at any
// point leaves either the old content, the new content plus a restorable
// backup, or the committed state.
func (a *Applier) Apply(ctx context.Context, u Update) Result {
	unlock := a.lockFile(u.FilePath)
	defer unlock()

	// Step 1: backup. Failure here aborts before any mutation.
	original, err := os.ReadFile(u.FilePath)
	if err != nil {
		return a.fail(u, fmt.Sprintf("backup: read target: %v", err))
	}
	backupPath := u.FilePath + backupSuffix
	if err := os.WriteFile(backupPath, original, 0o644); err != nil {
		return a.fail(u, fmt.Sprintf("backup: write copy: %v", err))
	}

	// Step 2: apply the patch and write the result.
	updated, err := u.Patch.Apply(string(original))
	if err != nil {
		return a.rollback(u, backupPath, original, fmt.Sprintf("diff: %v", err))
	}
	if err := os.WriteFile(u.FilePath, []byte(updated), 0o644); err != nil {
		return a.rollback(u, backupPath, original, fmt.Sprintf("write: %v", err))
	}

	// Step 3: test under a timeout; a timeout is a failure, not a hang.
	if u.TestTarget != "" && a.runner != nil {
		testCtx, cancel := context.WithTimeout(ctx, a.testTimeout)
		res, err := a.runner.Run(testCtx, u.TestTarget)
		cancel()
		if err != nil {
			return a.rollback(u, backupPath, original, fmt.Sprintf("test: %v", err))
		}
		if !res.Passed {
			return a.rollback(u, backupPath, original, "test: failed: "+truncate(res.Output, 500))
		}
	}

	// Step 4: commit. Deleting the backup makes the new content permanent.
	if err := os.Remove(backupPath); err != nil {
		return a.rollback(u, backupPath, original, fmt.Sprintf("commit: remove backup: %v", err))
	}

	stats := a.engine.Stats(string(original), updated)
	unified, _ := diff.Unified(u.FilePath, string(original), updated)
	a.record(store.ActionAtomicCommit, u, "success", map[string]any{
		"reason": "tests passed",
		"stats":  stats.String(),
		"diff":   truncate(unified, 4000),
	})
	a.logger.Info("atomic commit",
		zap.String("file", u.FilePath),
		zap.String("proposal", u.ProposalID),
		zap.String("stats", stats.String()))
	return Result{Success: true, Message: "committed", Stats: stats}
}

// rollback restores the pre-call content and removes the backup.
func (a *Applier) rollback(u Update, backupPath string, original []byte, reason string) Result {
	if err := os.WriteFile(u.FilePath, original, 0o644); err != nil {
		// Restore from the in-memory copy failed; the on-disk backup
		// still exists for the startup sweep to recover from.
		a.record(store.ActionAtomicError, u, "failed", map[string]any{
			"reason":  reason,
			"restore": err.Error(),
		})
		return Result{Message: fmt.Sprintf("rollback failed after %s: %v", reason, err)}
	}
	_ = os.Remove(backupPath)

	a.record(store.ActionAtomicRollback, u, "rolled_back", map[string]any{"reason": reason})
	a.logger.Warn("atomic rollback",
		zap.String("file", u.FilePath),
		zap.String("proposal", u.ProposalID),
		zap.String("reason", reason))
	return Result{RolledBack: true, Message: reason}
}

// fail reports a step-1 abort: nothing was mutated.
func (a *Applier) fail(u Update, reason string) Result {
	a.record(store.ActionAtomicError, u, "failed", map[string]any{"reason": reason})
	return Result{Message: reason}
}

func (a *Applier) record(action string, u Update, status string, details map[string]any) {
	if a.audit == nil {
		return
	}
	details["file"] = u.FilePath
	rec := store.ActionRecord{
		Agent:      "atomic_applier",
		ActionType: action,
		ProposalID: u.ProposalID,
		Status:     status,
		Details:    details,
	}
	if err := a.audit.Append(rec); err != nil {
		a.logger.Error("audit append failed", zap.Error(err))
	}
}

// lockFile serializes mutations per target path.
func (a *Applier) lockFile(path string) func() {
	a.locksMu.Lock()
	mu, ok := a.locks[path]
	if !ok {
		mu = &sync.Mutex{}
		a.locks[path] = mu
	}
	a.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
