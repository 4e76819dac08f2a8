package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"selfpatch/internal/patch"
	"selfpatch/internal/store"
)

// fakeDriver records VCS calls without touching a repository.
type fakeDriver struct {
	branch          string
	existing        map[string]bool
	branchesCreated []string
	commits         []string
	deleted         []string
	commitErr       error
}

func (d *fakeDriver) Status(ctx context.Context) (string, error) { return "", nil }

func (d *fakeDriver) CurrentBranch(ctx context.Context) (string, error) {
	if d.branch == "" {
		return "main", nil
	}
	return d.branch, nil
}

func (d *fakeDriver) BranchExists(ctx context.Context, name string) (bool, error) {
	if d.existing[name] {
		return true, nil
	}
	for _, b := range d.branchesCreated {
		if b == name {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDriver) CreateOrCheckoutBranch(ctx context.Context, name string) error {
	d.branchesCreated = append(d.branchesCreated, name)
	d.branch = name
	return nil
}

func (d *fakeDriver) Commit(ctx context.Context, files []string, message string) (string, error) {
	if d.commitErr != nil {
		return "", d.commitErr
	}
	d.commits = append(d.commits, message)
	return "rev-abc123", nil
}

func (d *fakeDriver) DeleteBranch(ctx context.Context, name string) error {
	d.deleted = append(d.deleted, name)
	return nil
}

// fakeRunner reports a fixed pass/fail per target.
type fakeRunner struct {
	fail map[string]bool
}

func (r *fakeRunner) Run(ctx context.Context, target string) (patch.TestResult, error) {
	if r.fail[target] {
		return patch.TestResult{Passed: false, Output: "FAIL"}, nil
	}
	return patch.TestResult{Passed: true, Output: "ok"}, nil
}

// fakeMeter reports a fixed coverage percentage and records the package
// patterns it was asked to measure.
type fakeMeter struct {
	pct      float64
	err      error
	packages []string
	calls    int
}

func (m *fakeMeter) Coverage(ctx context.Context, moduleDir string, packages []string) (float64, error) {
	m.calls++
	m.packages = append(m.packages, packages...)
	return m.pct, m.err
}

func newTestPipeline(t *testing.T, dir string, driver *fakeDriver, meter CoverageSource) (*Pipeline, *store.Store) {
	t.Helper()
	audit, err := store.Open(dir+"/state", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	transformer, err := NewTransformer([]string{dir}, nil)
	if err != nil {
		t.Fatalf("NewTransformer: %v", err)
	}
	parser := NewParser(nil, nil, nil)
	validator := NewValidator(&fakeRunner{}, meter, dir, time.Minute, nil)
	committer := NewCommitter(driver, nil)
	return New(parser, transformer, validator, committer, nil, audit, nil), audit
}

func TestPipelineEndToEndSuccess(t *testing.T) {
	dir := t.TempDir()
	writeTarget(t, dir, "settings.json", `{"threshold": 0.70}`)
	driver := &fakeDriver{}
	p, _ := newTestPipeline(t, dir, driver, &fakeMeter{pct: 85})

	result, err := p.Run(context.Background(), &Request{
		ProposalID: "prop-12345678",
		Text:       "change attribute threshold in file settings.json 0.70 -> 0.65",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || result.Verdict != VerdictReady {
		t.Fatalf("result = %+v, want ready success", result)
	}
	if result.Branch != "selfpatch/prop-123" {
		t.Errorf("branch = %q", result.Branch)
	}
	if result.Revision != "rev-abc123" {
		t.Errorf("revision = %q", result.Revision)
	}
	if len(driver.commits) != 1 || !strings.Contains(driver.commits[0], "0.70 -> 0.65") {
		t.Errorf("commit message = %v", driver.commits)
	}
	if len(result.Phases) != 4 {
		t.Errorf("phases = %d, want 4", len(result.Phases))
	}

	// The backup must be gone after a successful run.
	if _, err := os.Stat(dir + "/settings.json" + transformBackupSuffix); !os.IsNotExist(err) {
		t.Error("backup survived success")
	}
}

func TestPipelineCoverageGate(t *testing.T) {
	// 79% is short of the floor; 80% exactly clears it.
	cases := []struct {
		pct     float64
		verdict string
		success bool
	}{
		{79, VerdictNeedsFix, false},
		{80, VerdictReady, true},
	}
	for _, tc := range cases {
		dir := t.TempDir()
		original := `{"threshold": 0.70}`
		writeTarget(t, dir, "settings.json", original)
		p, _ := newTestPipeline(t, dir, &fakeDriver{}, &fakeMeter{pct: tc.pct})

		result, _ := p.Run(context.Background(), &Request{
			ProposalID: "prop-1",
			Text:       "change attribute threshold in file settings.json 0.70 -> 0.65",
		})
		if result.Success != tc.success || result.Verdict != tc.verdict {
			t.Errorf("coverage %.0f%%: success=%v verdict=%q, want success=%v verdict=%q",
				tc.pct, result.Success, result.Verdict, tc.success, tc.verdict)
		}
		if !tc.success {
			content, _ := os.ReadFile(dir + "/settings.json")
			if string(content) != original {
				t.Errorf("coverage %.0f%%: file not rolled back", tc.pct)
			}
		}
	}
}

func TestPipelineProtectedBranchRefused(t *testing.T) {
	dir := t.TempDir()
	writeTarget(t, dir, "settings.json", `{"threshold": 0.70}`)
	driver := &fakeDriver{}
	p, audit := newTestPipeline(t, dir, driver, &fakeMeter{pct: 90})

	result, err := p.Run(context.Background(), &Request{
		ProposalID: "prop-1",
		Text:       "change attribute threshold in file settings.json 0.70 -> 0.65",
		Branch:     "main",
	})
	var f *Failure
	if !errors.As(err, &f) || f.Phase != PhaseCommit || f.Kind != FailSafety {
		t.Fatalf("expected commit-phase safety failure, got %v", err)
	}
	if result.Success {
		t.Error("protected-branch run reported success")
	}

	// No branch, no commit, and the file restored.
	if len(driver.branchesCreated) != 0 {
		t.Errorf("branches created: %v", driver.branchesCreated)
	}
	if len(driver.commits) != 0 {
		t.Errorf("commits made: %v", driver.commits)
	}
	content, _ := os.ReadFile(dir + "/settings.json")
	if string(content) != `{"threshold": 0.70}` {
		t.Errorf("file not rolled back: %s", content)
	}

	// The failure left an audit record.
	recs, err := audit.ReadHistory(0)
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	found := false
	for _, rec := range recs {
		if rec.ActionType == store.ActionPipelineError && rec.ProposalID == "prop-1" {
			found = true
		}
	}
	if !found {
		t.Error("no pipeline error record in audit log")
	}
}

func TestPipelineRegressionFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	original := `{"threshold": 0.70}`
	writeTarget(t, dir, "settings.json", original)

	audit, err := store.Open(dir+"/state", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	transformer, _ := NewTransformer([]string{dir}, nil)
	runner := &fakeRunner{fail: map[string]bool{"go test ./core": true}}
	validator := NewValidator(runner, &fakeMeter{pct: 90}, dir, time.Minute, nil)
	p := New(NewParser(nil, nil, nil), transformer, validator,
		NewCommitter(&fakeDriver{}, nil), nil, audit, nil)

	result, err := p.Run(context.Background(), &Request{
		ProposalID: "prop-1",
		Text:       "change attribute threshold in file settings.json 0.70 -> 0.65",
		TestTarget: "go test ./core",
	})
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if result.Verdict != VerdictNeedsFix {
		t.Errorf("verdict = %q, want needs_fix", result.Verdict)
	}

	content, _ := os.ReadFile(dir + "/settings.json")
	if string(content) != original {
		t.Errorf("file not rolled back: %s", content)
	}
	for _, pr := range result.Phases {
		if pr.Phase == PhaseTransform && pr.Status != PhaseRolledBack {
			t.Errorf("transform phase status = %q, want rolled_back", pr.Status)
		}
	}
}

func TestPipelineCommitFailureCleansBranch(t *testing.T) {
	dir := t.TempDir()
	writeTarget(t, dir, "settings.json", `{"threshold": 0.70}`)
	driver := &fakeDriver{commitErr: errors.New("index locked")}
	p, _ := newTestPipeline(t, dir, driver, &fakeMeter{pct: 90})

	_, err := p.Run(context.Background(), &Request{
		ProposalID: "prop-12345678",
		Text:       "change attribute threshold in file settings.json 0.70 -> 0.65",
	})
	if err == nil {
		t.Fatal("expected commit failure")
	}
	if len(driver.deleted) != 1 || driver.deleted[0] != "selfpatch/prop-123" {
		t.Errorf("speculative branch not deleted: %v", driver.deleted)
	}
	content, _ := os.ReadFile(dir + "/settings.json")
	if string(content) != `{"threshold": 0.70}` {
		t.Errorf("file not rolled back: %s", content)
	}
}

func TestPipelineCommitFailureKeepsPreexistingBranch(t *testing.T) {
	dir := t.TempDir()
	writeTarget(t, dir, "settings.json", `{"threshold": 0.70}`)
	// The operator's branch predates this run; a failed commit must
	// return to main without force-deleting it.
	driver := &fakeDriver{
		existing:  map[string]bool{"feature/ops": true},
		commitErr: errors.New("index locked"),
	}
	p, _ := newTestPipeline(t, dir, driver, &fakeMeter{pct: 90})

	_, err := p.Run(context.Background(), &Request{
		ProposalID: "prop-1",
		Text:       "change attribute threshold in file settings.json 0.70 -> 0.65",
		Branch:     "feature/ops",
	})
	if err == nil {
		t.Fatal("expected commit failure")
	}
	if len(driver.deleted) != 0 {
		t.Errorf("pre-existing branch deleted: %v", driver.deleted)
	}
	if driver.branch != "main" {
		t.Errorf("checked-out branch = %q, want main", driver.branch)
	}
}

func TestBranchName(t *testing.T) {
	if got := BranchName("abcdef1234567890", ""); got != "selfpatch/abcdef12" {
		t.Errorf("BranchName = %q", got)
	}
	if got := BranchName("id", "feature/custom"); got != "feature/custom" {
		t.Errorf("override ignored: %q", got)
	}
}
