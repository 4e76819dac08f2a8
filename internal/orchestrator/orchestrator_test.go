package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"selfpatch/internal/metrics"
	"selfpatch/internal/quarantine"
	"selfpatch/internal/store"
	"selfpatch/internal/types"
)

// fakeGenerator returns canned candidates and can fire a trigger while
// its phase is executing.
type fakeGenerator struct {
	candidates []types.ChangeProposal
	err        error
	during     func()
	calls      int
}

func (g *fakeGenerator) Generate(ctx context.Context, current types.MetricsSnapshot) ([]types.ChangeProposal, error) {
	g.calls++
	if g.during != nil {
		g.during()
	}
	return g.candidates, g.err
}

// fakeEvaluator scores every proposal the same.
type fakeEvaluator struct {
	score float64
	err   error
	mu    sync.Mutex
	seen  []string
}

func (e *fakeEvaluator) Evaluate(ctx context.Context, p types.ChangeProposal) (types.Evaluation, error) {
	e.mu.Lock()
	e.seen = append(e.seen, p.ID)
	e.mu.Unlock()
	if e.err != nil {
		return types.Evaluation{}, e.err
	}
	return types.Evaluation{Score: e.score, Approved: e.score >= 0.70}, nil
}

func (e *fakeEvaluator) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}

// fakeApplier records applications and reports a fixed outcome.
type fakeApplier struct {
	ok      bool
	message string
	mu      sync.Mutex
	applied []string
}

func (a *fakeApplier) Apply(ctx context.Context, p types.ChangeProposal) (bool, string) {
	a.mu.Lock()
	a.applied = append(a.applied, p.ID)
	a.mu.Unlock()
	return a.ok, a.message
}

func (a *fakeApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

type fixture struct {
	orch      *Orchestrator
	store     *store.Store
	registry  *quarantine.Registry
	generator *fakeGenerator
	evaluator *fakeEvaluator
	applier   *fakeApplier
}

func newFixture(t *testing.T, snapshot types.MetricsSnapshot) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "state"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	registry, err := quarantine.Open(filepath.Join(dir, "quarantine.jsonl"), nil)
	if err != nil {
		t.Fatalf("quarantine.Open: %v", err)
	}

	cfg := DefaultConfig()
	cfg.WorkRoot = dir
	cfg.DrainTimeout = 2 * time.Second

	f := &fixture{
		store:     st,
		registry:  registry,
		generator: &fakeGenerator{},
		evaluator: &fakeEvaluator{score: 0.9},
		applier:   &fakeApplier{ok: true, message: "applied"},
	}
	f.orch = New(cfg, st, registry, metrics.StaticProvider{Snapshot: snapshot},
		f.generator, f.evaluator, f.applier, nil, nil)
	return f
}

// fakeVCS answers status queries with canned repository state.
type fakeVCS struct {
	branch string
	status string
}

func (d *fakeVCS) Status(ctx context.Context) (string, error)        { return d.status, nil }
func (d *fakeVCS) CurrentBranch(ctx context.Context) (string, error) { return d.branch, nil }
func (d *fakeVCS) BranchExists(ctx context.Context, name string) (bool, error) {
	return name == d.branch, nil
}
func (d *fakeVCS) CreateOrCheckoutBranch(ctx context.Context, name string) error { return nil }
func (d *fakeVCS) Commit(ctx context.Context, files []string, message string) (string, error) {
	return "", nil
}
func (d *fakeVCS) DeleteBranch(ctx context.Context, name string) error { return nil }

func TestFullCycleApprovesAndApplies(t *testing.T) {
	f := newFixture(t, types.MetricsSnapshot{"win_rate": 0.55})
	p := types.NewProposal("engine", "threshold", "0.70", "0.65", "lower entry bar")
	f.generator.candidates = []types.ChangeProposal{p}

	if err := f.orch.RunCycle(context.Background(), CycleAuto); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	proposals, _ := f.store.Proposals()
	if len(proposals) != 1 {
		t.Fatalf("proposals = %d, want 1", len(proposals))
	}
	got := proposals[0]
	if got.Status != types.StatusApplied || !got.Applied {
		t.Errorf("proposal status = %s applied=%v, want APPLIED", got.Status, got.Applied)
	}
	if got.Score != 0.9 {
		t.Errorf("score = %v, want 0.9", got.Score)
	}
	if len(got.Baseline) == 0 {
		t.Error("baseline snapshot not captured at proposal time")
	}
	if f.applier.count() != 1 {
		t.Errorf("applier calls = %d, want 1", f.applier.count())
	}

	recs, _ := f.store.ReadHistory(0)
	byAction := map[string]int{}
	for _, r := range recs {
		byAction[r.ActionType]++
	}
	for _, want := range []string{store.ActionCycleStart, store.ActionEvaluation,
		store.ActionApplied, store.ActionCycleComplete} {
		if byAction[want] == 0 {
			t.Errorf("no %s record in audit log", want)
		}
	}
}

func TestLowScoreRejectedWithoutApply(t *testing.T) {
	f := newFixture(t, types.MetricsSnapshot{"win_rate": 0.55})
	f.evaluator.score = 0.5
	f.generator.candidates = []types.ChangeProposal{
		types.NewProposal("engine", "threshold", "0.70", "0.65", "hunch"),
	}

	if err := f.orch.RunCycle(context.Background(), CycleAuto); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	proposals, _ := f.store.Proposals()
	if proposals[0].Status != types.StatusRejected {
		t.Errorf("status = %s, want REJECTED", proposals[0].Status)
	}
	if f.applier.count() != 0 {
		t.Errorf("applier called %d times for a rejected proposal", f.applier.count())
	}
}

func TestEmergencyDuringGeneratePhase(t *testing.T) {
	f := newFixture(t, types.MetricsSnapshot{"win_rate": 0.55})
	f.generator.candidates = []types.ChangeProposal{
		types.NewProposal("engine", "threshold", "0.70", "0.65", "tune"),
	}
	// The emergency arrives while the generate phase is executing: the
	// phase must complete, the evaluate phase must never start.
	f.generator.during = func() { f.orch.Notifier().Emergency() }

	err := f.orch.RunCycle(context.Background(), CycleAuto)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("RunCycle error = %v, want interrupted", err)
	}

	proposals, _ := f.store.Proposals()
	if len(proposals) != 1 {
		t.Errorf("generate phase did not complete: %d proposals logged", len(proposals))
	}
	if f.evaluator.calls() != 0 {
		t.Errorf("evaluate phase ran %d times after emergency", f.evaluator.calls())
	}

	recs, _ := f.store.ReadHistory(0)
	found := false
	for _, r := range recs {
		if r.ActionType == store.ActionCycleInterrupted {
			if reason, _ := r.Details["reason"].(string); reason == ReasonEmergency {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("no %s-tagged interruption record", ReasonEmergency)
	}

	// The flag is cleared on exit; the next cycle runs normally.
	if st := f.orch.GetStatus(); st.Interrupted {
		t.Error("interrupt flag survived cycle exit")
	}
	if err := f.orch.RunCycle(context.Background(), CycleAuto); err != nil {
		t.Errorf("follow-up cycle: %v", err)
	}
}

func TestUserPriorityAppliesLastApproved(t *testing.T) {
	f := newFixture(t, types.MetricsSnapshot{"win_rate": 0.55})
	p := types.NewProposal("engine", "threshold", "0.70", "0.65", "operator request")
	p.Status = types.StatusApproved
	if err := f.store.AppendProposal(p); err != nil {
		t.Fatalf("AppendProposal: %v", err)
	}

	f.orch.Start()
	defer f.orch.Close()

	f.orch.Notifier().UserPriority()
	if !f.orch.queue.WaitForDrain(2 * time.Second) {
		t.Fatal("queue did not drain")
	}

	f.applier.mu.Lock()
	applied := append([]string(nil), f.applier.applied...)
	f.applier.mu.Unlock()
	if len(applied) != 1 || applied[0] != p.ID {
		t.Errorf("applied = %v, want [%s]", applied, p.ID)
	}

	proposals, _ := f.store.Proposals()
	if proposals[0].Status != types.StatusApplied {
		t.Errorf("status = %s, want APPLIED", proposals[0].Status)
	}
}

func TestQuarantinedCandidateSkipped(t *testing.T) {
	f := newFixture(t, types.MetricsSnapshot{"win_rate": 0.55})
	if err := f.registry.Quarantine("threshold", "0.65", "broke backtest", time.Hour); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	f.generator.candidates = []types.ChangeProposal{
		types.NewProposal("engine", "threshold", "0.70", "0.65", "retry"),
	}

	if err := f.orch.RunCycle(context.Background(), CycleAuto); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	proposals, _ := f.store.Proposals()
	if len(proposals) != 0 {
		t.Errorf("quarantined candidate was logged: %+v", proposals)
	}
}

func TestFailedApplyQuarantinesValue(t *testing.T) {
	f := newFixture(t, types.MetricsSnapshot{"win_rate": 0.55})
	f.applier.ok = false
	f.applier.message = "tests failed"
	f.generator.candidates = []types.ChangeProposal{
		types.NewProposal("engine", "threshold", "0.70", "0.65", "tune"),
	}

	if err := f.orch.RunCycle(context.Background(), CycleAuto); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	blocked, err := f.registry.IsQuarantined("threshold", "0.65")
	if err != nil {
		t.Fatalf("IsQuarantined: %v", err)
	}
	if !blocked {
		t.Error("failed value not quarantined")
	}
	proposals, _ := f.store.Proposals()
	if proposals[0].Applied {
		t.Error("failed proposal marked applied")
	}
}

func TestVerdictPromotesBaseline(t *testing.T) {
	f := newFixture(t, types.MetricsSnapshot{"win_rate": 0.60, "drawdown": 0.10})

	applied := types.NewProposal("engine", "threshold", "0.70", "0.65", "tune")
	applied.Status = types.StatusApplied
	applied.Applied = true
	applied.Baseline = types.MetricsSnapshot{"win_rate": 0.50, "drawdown": 0.10}
	if err := f.store.AppendProposal(applied); err != nil {
		t.Fatalf("AppendProposal: %v", err)
	}

	if err := f.orch.RunCycle(context.Background(), CycleAuto); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	var promoted types.MetricsSnapshot
	if !f.store.GetState(baselineKey, &promoted) {
		t.Fatal("baseline not promoted to state snapshot")
	}
	if promoted["win_rate"] != 0.60 {
		t.Errorf("promoted win_rate = %v, want 0.60", promoted["win_rate"])
	}

	recs, _ := f.store.ReadHistory(0)
	found := false
	for _, r := range recs {
		if r.ActionType == store.ActionVerdict && r.Status == string(metrics.VerdictSuccess) {
			found = true
		}
	}
	if !found {
		t.Error("no SUCCESS verdict record")
	}
}

func TestCycleRejectedWhileRunning(t *testing.T) {
	f := newFixture(t, types.MetricsSnapshot{"win_rate": 0.55})
	started := make(chan struct{})
	release := make(chan struct{})
	f.generator.during = func() {
		close(started)
		<-release
	}

	done := make(chan error, 1)
	go func() { done <- f.orch.RunCycle(context.Background(), CycleAuto) }()
	<-started

	if err := f.orch.RunCycle(context.Background(), CycleUser); !errors.Is(err, ErrCycleRunning) {
		t.Errorf("concurrent RunCycle error = %v, want ErrCycleRunning", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first cycle: %v", err)
	}
}

func TestGetStatusIdle(t *testing.T) {
	f := newFixture(t, nil)
	st := f.orch.GetStatus()
	if st.State != StateIdle || st.Interrupted {
		t.Errorf("status = %+v, want idle and uninterrupted", st)
	}
	if st.VCS != nil {
		t.Errorf("repository view reported without a driver: %+v", st.VCS)
	}
	if st.Components["vcs"] || !st.Components["store"] {
		t.Errorf("components = %v", st.Components)
	}
}

func TestGetStatusReportsProposalAndVCS(t *testing.T) {
	f := newFixture(t, types.MetricsSnapshot{"win_rate": 0.55})
	driver := &fakeVCS{branch: "selfpatch/abcdef12", status: " M settings.json\n"}
	orch := New(DefaultConfig(), f.store, f.registry,
		metrics.StaticProvider{Snapshot: types.MetricsSnapshot{"win_rate": 0.55}},
		f.generator, f.evaluator, f.applier, driver, nil)

	p := types.NewProposal("engine", "threshold", "0.70", "0.65", "tune")
	if err := f.store.AppendProposal(p); err != nil {
		t.Fatalf("AppendProposal: %v", err)
	}
	orch.ApplyProposal(context.Background(), p)

	st := orch.GetStatus()
	if st.CurrentProposal != "" {
		t.Errorf("current proposal = %q after apply returned", st.CurrentProposal)
	}
	if st.LastProposal != p.ID {
		t.Errorf("last proposal = %q, want %s", st.LastProposal, p.ID)
	}
	if st.VCS == nil {
		t.Fatal("no repository view with a driver wired")
	}
	if st.VCS.Branch != "selfpatch/abcdef12" || !st.VCS.Dirty {
		t.Errorf("vcs = %+v, want dirty selfpatch/abcdef12", st.VCS)
	}
	for _, name := range []string{"store", "quarantine", "metrics", "applier", "scheduler", "vcs"} {
		if !st.Components[name] {
			t.Errorf("component %s not ready", name)
		}
	}
}
