package patch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"selfpatch/internal/store"
)

// stubRunner returns a canned test result or error.
type stubRunner struct {
	passed bool
	output string
	err    error
}

func (r stubRunner) Run(ctx context.Context, target string) (TestResult, error) {
	if r.err != nil {
		return TestResult{}, r.err
	}
	return TestResult{Passed: r.passed, Output: r.output}, nil
}

// hangingRunner blocks until the context deadline, then reports the
// timeout as an error.
type hangingRunner struct{}

func (hangingRunner) Run(ctx context.Context, target string) (TestResult, error) {
	<-ctx.Done()
	return TestResult{}, ctx.Err()
}

func writeTarget(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func newAudit(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return s
}

func lastRecord(t *testing.T, audit *store.Store) store.ActionRecord {
	t.Helper()
	records, err := audit.ReadHistory(1)
	if err != nil || len(records) == 0 {
		t.Fatalf("no audit records (err=%v)", err)
	}
	return records[0]
}

func TestApplyCommit(t *testing.T) {
	path := writeTarget(t, "a\nthreshold = 0.70\nc\n")
	audit := newAudit(t)
	a := NewApplier(audit, stubRunner{passed: true}, time.Minute, nil)

	res := a.Apply(context.Background(), Update{
		ProposalID: "p1",
		FilePath:   path,
		Patch:      Patch{Ops: []Op{{Kind: OpReplace, Line: 2, Content: "threshold = 0.65"}}},
		TestTarget: "./...",
	})
	if !res.Success {
		t.Fatalf("Apply failed: %s", res.Message)
	}
	if got := readFile(t, path); got != "a\nthreshold = 0.65\nc\n" {
		t.Errorf("file content = %q", got)
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Error("backup must be removed on commit")
	}
	if rec := lastRecord(t, audit); rec.ActionType != store.ActionAtomicCommit {
		t.Errorf("audit action = %s, want ATOMIC_COMMIT", rec.ActionType)
	}
}

func TestApplyRollbackOnTestFailure(t *testing.T) {
	original := "a\nthreshold = 0.70\nc\n"
	path := writeTarget(t, original)
	audit := newAudit(t)
	a := NewApplier(audit, stubRunner{passed: false, output: "assert failed"}, time.Minute, nil)

	res := a.Apply(context.Background(), Update{
		ProposalID: "p2",
		FilePath:   path,
		Patch:      Patch{Ops: []Op{{Kind: OpReplace, Line: 2, Content: "threshold = 0.65"}}},
		TestTarget: "./...",
	})
	if res.Success || !res.RolledBack {
		t.Fatalf("expected rollback, got %+v", res)
	}
	if got := readFile(t, path); got != original {
		t.Errorf("file must be byte-identical after rollback, got %q", got)
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Error("backup must be removed after rollback")
	}
	if rec := lastRecord(t, audit); rec.ActionType != store.ActionAtomicRollback {
		t.Errorf("audit action = %s, want ATOMIC_ROLLBACK", rec.ActionType)
	}
}

func TestApplyRollbackOnBadPatch(t *testing.T) {
	original := "only line\n"
	path := writeTarget(t, original)
	a := NewApplier(newAudit(t), stubRunner{passed: true}, time.Minute, nil)

	res := a.Apply(context.Background(), Update{
		FilePath: path,
		Patch:    Patch{Ops: []Op{{Kind: OpReplace, Line: 10, Content: "x"}}},
	})
	if res.Success {
		t.Fatal("out-of-range patch must not commit")
	}
	if got := readFile(t, path); got != original {
		t.Errorf("file changed despite failed patch: %q", got)
	}
}

func TestApplyTimeoutIsTestFailure(t *testing.T) {
	original := "a\nb\n"
	path := writeTarget(t, original)
	audit := newAudit(t)
	a := NewApplier(audit, hangingRunner{}, 50*time.Millisecond, nil)

	res := a.Apply(context.Background(), Update{
		ProposalID: "p3",
		FilePath:   path,
		Patch:      Patch{Ops: []Op{{Kind: OpReplace, Line: 1, Content: "A"}}},
		TestTarget: "./...",
	})
	if res.Success || !res.RolledBack {
		t.Fatalf("timeout must trigger rollback, got %+v", res)
	}
	if got := readFile(t, path); got != original {
		t.Errorf("file not restored after timeout: %q", got)
	}
}

func TestApplyRunnerError(t *testing.T) {
	original := "a\n"
	path := writeTarget(t, original)
	a := NewApplier(newAudit(t), stubRunner{err: errors.New("runner exploded")}, time.Minute, nil)

	res := a.Apply(context.Background(), Update{
		FilePath:   path,
		Patch:      Patch{Ops: []Op{{Kind: OpReplace, Line: 1, Content: "A"}}},
		TestTarget: "./...",
	})
	if res.Success {
		t.Fatal("runner error must not commit")
	}
	if got := readFile(t, path); got != original {
		t.Errorf("file not restored: %q", got)
	}
}

func TestApplyMissingTargetAbortsBeforeMutation(t *testing.T) {
	audit := newAudit(t)
	a := NewApplier(audit, stubRunner{passed: true}, time.Minute, nil)

	res := a.Apply(context.Background(), Update{
		FilePath: filepath.Join(t.TempDir(), "does-not-exist.json"),
		Patch:    Patch{Ops: []Op{{Kind: OpAdd, Line: 0, Content: "x"}}},
	})
	if res.Success || res.RolledBack {
		t.Fatalf("missing target must abort cleanly: %+v", res)
	}
	if rec := lastRecord(t, audit); rec.ActionType != store.ActionAtomicError {
		t.Errorf("audit action = %s, want ATOMIC_ERROR", rec.ActionType)
	}
}

func TestSweepBackupsRestoresAfterCrash(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.json")

	// Simulate a process killed between backup and commit: the target
	// holds half-applied content, the backup holds the pre-call content.
	if err := os.WriteFile(target, []byte("half applied\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target+".bak", []byte("original\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	restored, err := SweepBackups(dir, nil)
	if err != nil {
		t.Fatalf("SweepBackups: %v", err)
	}
	if len(restored) != 1 || restored[0] != target {
		t.Errorf("restored = %v", restored)
	}
	if got := readFile(t, target); got != "original\n" {
		t.Errorf("target = %q, want pre-call content", got)
	}
	if _, err := os.Stat(target + ".bak"); !os.IsNotExist(err) {
		t.Error("backup must be removed after sweep")
	}
}
