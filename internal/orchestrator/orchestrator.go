// Package orchestrator runs the self-modification cycle: judge the last
// applied change, collect metrics, generate and evaluate proposals, and
// apply the approved ones. A cycle can be interrupted at phase
// boundaries by the user-priority or emergency triggers, never in the
// middle of a file write.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"selfpatch/internal/metrics"
	"selfpatch/internal/patch"
	"selfpatch/internal/quarantine"
	"selfpatch/internal/sched"
	"selfpatch/internal/store"
	"selfpatch/internal/types"
	"selfpatch/internal/vcs"
)

// State of the orchestrator's run loop.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
)

// CycleType tags why a cycle ran.
type CycleType string

const (
	CycleAuto   CycleType = "AUTO"
	CycleUser   CycleType = "USER"
	CycleUrgent CycleType = "URGENT"
)

// baselineKey is the state-snapshot key holding the promoted metrics
// baseline.
const baselineKey = "baseline_metrics"

// ErrCycleRunning is returned when a cycle is requested while one runs.
var ErrCycleRunning = errors.New("a cycle is already running")

// ErrInterrupted aborts the remainder of a cycle at a checkpoint.
var ErrInterrupted = errors.New("cycle interrupted")

// ProposalGenerator derives candidate proposals from current metrics.
// Implemented externally (analysis process, language model, operator
// tooling); the orchestrator only consumes the contract.
type ProposalGenerator interface {
	Generate(ctx context.Context, current types.MetricsSnapshot) ([]types.ChangeProposal, error)
}

// Evaluator scores one proposal.
type Evaluator interface {
	Evaluate(ctx context.Context, p types.ChangeProposal) (types.Evaluation, error)
}

// Applier applies one approved proposal, typically the atomic update
// protocol or the transformation pipeline.
type Applier interface {
	Apply(ctx context.Context, p types.ChangeProposal) (ok bool, message string)
}

// Config tunes the orchestrator.
type Config struct {
	ApprovalThreshold float64       // minimum evaluation score for approval
	IdleInterval      time.Duration // delay between automatic cycles
	DrainTimeout      time.Duration // scheduler drain wait after an interrupt
	QuarantineTTL     time.Duration // how long a failed value stays blocked
	Workers           int           // scheduler workers
	WorkRoot          string        // root swept for leftover backups
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		ApprovalThreshold: 0.70,
		IdleInterval:      5 * time.Minute,
		DrainTimeout:      30 * time.Second,
		QuarantineTTL:     24 * time.Hour,
		Workers:           1,
		WorkRoot:          ".",
	}
}

// VCSStatus is the repository view embedded in Status.
type VCSStatus struct {
	Branch string `json:"branch"`
	Dirty  bool   `json:"dirty"`
}

// Status is the operator-facing view of the orchestrator: run state,
// component readiness, the proposal being worked on, and the repository.
type Status struct {
	State           State           `json:"state"`
	CycleType       CycleType       `json:"cycle_type,omitempty"`
	Interrupted     bool            `json:"interrupted"`
	Reason          string          `json:"reason,omitempty"`
	CurrentProposal string          `json:"current_proposal,omitempty"`
	LastProposal    string          `json:"last_proposal,omitempty"`
	Pending         int             `json:"pending_tasks"`
	Queue           sched.Stats     `json:"queue"`
	Components      map[string]bool `json:"components"`
	VCS             *VCSStatus      `json:"vcs,omitempty"`
}

// Orchestrator owns the cycle state machine and the execution scheduler.
type Orchestrator struct {
	cfg       Config
	store     *store.Store
	registry  *quarantine.Registry
	provider  metrics.Provider
	generator ProposalGenerator
	evaluator Evaluator
	applier   Applier
	driver    vcs.Driver
	logger    *zap.Logger

	queue     *sched.Scheduler
	notifier  *Notifier
	interrupt *interruptState
	running   atomic.Bool

	mu              sync.Mutex
	state           State
	cycleType       CycleType
	currentProposal string
	lastProposal    string
}

// New wires an Orchestrator and its internal scheduler. All collaborators
// are injected; none are process-wide globals. driver may be nil, which
// omits the repository view from GetStatus.
func New(cfg Config, st *store.Store, registry *quarantine.Registry, provider metrics.Provider,
	generator ProposalGenerator, evaluator Evaluator, applier Applier, driver vcs.Driver, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ApprovalThreshold <= 0 {
		cfg.ApprovalThreshold = 0.70
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		registry:  registry,
		provider:  provider,
		generator: generator,
		evaluator: evaluator,
		applier:   applier,
		driver:    driver,
		logger:    logger,
		interrupt: &interruptState{},
		state:     StateIdle,
	}
	o.queue = sched.New(cfg.Workers, o.executeTask, st, logger)
	o.notifier = newNotifier(o.interrupt, &o.running, o.queue)
	return o
}

// Notifier exposes the trigger endpoints for signal handlers.
func (o *Orchestrator) Notifier() *Notifier { return o.notifier }

// Start launches the scheduler workers.
func (o *Orchestrator) Start() { o.queue.Start() }

// Close stops the scheduler and waits for in-flight work.
func (o *Orchestrator) Close() { o.queue.Close() }

// GetStatus reports the current state for operator inspection.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	state, ct := o.state, o.cycleType
	current, last := o.currentProposal, o.lastProposal
	o.mu.Unlock()
	interrupted, reason := o.interrupt.get()
	return Status{
		State:           state,
		CycleType:       ct,
		Interrupted:     interrupted,
		Reason:          reason,
		CurrentProposal: current,
		LastProposal:    last,
		Pending:         o.queue.Pending(),
		Queue:           o.queue.Stats(),
		Components: map[string]bool{
			"store":      o.store != nil,
			"quarantine": o.registry != nil,
			"metrics":    o.provider != nil,
			"applier":    o.applier != nil,
			"scheduler":  o.queue != nil,
			"vcs":        o.driver != nil,
		},
		VCS: o.vcsStatus(),
	}
}

// vcsStatus queries the repository under a short deadline; a missing or
// failing driver omits the view rather than failing the status call.
func (o *Orchestrator) vcsStatus() *VCSStatus {
	if o.driver == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	branch, err := o.driver.CurrentBranch(ctx)
	if err != nil {
		o.logger.Warn("vcs status unavailable", zap.Error(err))
		return nil
	}
	status, err := o.driver.Status(ctx)
	if err != nil {
		o.logger.Warn("vcs status unavailable", zap.Error(err))
		return nil
	}
	return &VCSStatus{
		Branch: branch,
		Dirty:  strings.TrimSpace(status) != "",
	}
}

// DiagnoseRecentHistory summarizes the last limit audit records.
func (o *Orchestrator) DiagnoseRecentHistory(limit int) (store.Diagnosis, error) {
	return o.store.Diagnose(limit)
}

// ProcessPendingRequests enqueues every approved-but-unapplied proposal
// at user-normal priority and reports how many were queued.
func (o *Orchestrator) ProcessPendingRequests() (int, error) {
	proposals, err := o.store.Proposals()
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, p := range proposals {
		if p.Status != types.StatusApproved || p.Applied {
			continue
		}
		if err := o.queue.Enqueue(sched.Task{
			Priority:   sched.UserNormal,
			SubjectID:  p.ID,
			Origin:     sched.OriginUser,
			Source:     "pending_requests",
			EnqueuedAt: time.Now().UTC(),
		}); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// ApplyProposal applies one proposal directly, outside any cycle.
func (o *Orchestrator) ApplyProposal(ctx context.Context, p types.ChangeProposal) (bool, string) {
	return o.applyOne(ctx, p)
}

// RunCycle executes one full cycle of the given type. Only one cycle
// runs at a time.
func (o *Orchestrator) RunCycle(ctx context.Context, ct CycleType) error {
	o.mu.Lock()
	if o.state == StateRunning {
		o.mu.Unlock()
		return ErrCycleRunning
	}
	o.state = StateRunning
	o.cycleType = ct
	o.mu.Unlock()
	o.running.Store(true)

	o.appendRecord(store.ActionCycleStart, "", "started", map[string]any{"cycle_type": string(ct)})
	err := o.safeCycle(ctx)

	o.running.Store(false)
	o.mu.Lock()
	o.state = StateIdle
	o.cycleType = ""
	o.mu.Unlock()

	if err == nil {
		o.appendRecord(store.ActionCycleComplete, "", "ok", map[string]any{"cycle_type": string(ct)})
	}
	return err
}

// safeCycle is the scoped execution wrapper: it always clears the
// interrupt flag on exit, drains the scheduler when an interruption
// occurred, and on failure sweeps partial backups and records the
// abort before propagating.
func (o *Orchestrator) safeCycle(ctx context.Context) (err error) {
	defer func() {
		interrupted, reason := o.interrupt.get()
		o.interrupt.clear()

		if interrupted {
			o.appendRecord(store.ActionCycleInterrupted, "", "interrupted",
				map[string]any{"reason": reason})
			if !o.queue.WaitForDrain(o.cfg.DrainTimeout) {
				o.logger.Warn("scheduler drain timed out after interrupt")
			}
		}
		if err != nil && !errors.Is(err, ErrInterrupted) {
			restored, serr := patch.SweepBackups(o.cfg.WorkRoot, o.logger)
			if serr != nil {
				o.logger.Error("backup sweep failed", zap.Error(serr))
			}
			o.appendRecord(store.ActionCycleInterrupted, "", "failed", map[string]any{
				"error":    err.Error(),
				"restored": restored,
			})
		}
	}()
	return o.cycle(ctx)
}

// cycle runs phases 0-4, each preceded by an interrupt checkpoint.
func (o *Orchestrator) cycle(ctx context.Context) error {
	if err := o.checkpoint(); err != nil {
		return err
	}
	o.verdictPhase(ctx)

	if err := o.checkpoint(); err != nil {
		return err
	}
	current, err := o.provider.Current(ctx)
	if err != nil {
		return fmt.Errorf("collect metrics: %w", err)
	}

	if err := o.checkpoint(); err != nil {
		return err
	}
	if err := o.generatePhase(ctx, current); err != nil {
		return err
	}

	if err := o.checkpoint(); err != nil {
		return err
	}
	approved, err := o.evaluatePhase(ctx)
	if err != nil {
		return err
	}

	if err := o.checkpoint(); err != nil {
		return err
	}
	return o.applyPhase(ctx, approved)
}

// checkpoint aborts the cycle when an interrupt is pending.
func (o *Orchestrator) checkpoint() error {
	if requested, reason := o.interrupt.get(); requested {
		o.logger.Info("cycle interrupted at checkpoint", zap.String("reason", reason))
		return ErrInterrupted
	}
	return nil
}

// verdictPhase judges the last applied proposal against its baseline and
// promotes the current metrics on success. Verdict problems never abort
// the cycle: the judgement is advisory.
func (o *Orchestrator) verdictPhase(ctx context.Context) {
	last, ok := o.lastApplied()
	if !ok || len(last.Baseline) == 0 {
		return
	}
	current, err := o.provider.Current(ctx)
	if err != nil {
		o.logger.Warn("verdict skipped: metrics unavailable", zap.Error(err))
		return
	}

	verdict := metrics.Compare(last.Baseline, current)
	o.appendRecord(store.ActionVerdict, last.ID, string(verdict), map[string]any{
		"baseline": last.Baseline,
		"current":  current,
	})
	if verdict == metrics.VerdictSuccess {
		// The change demonstrably helped: its metrics become the bar
		// every later change is judged against.
		if err := o.store.PutState(baselineKey, current); err != nil {
			o.logger.Error("baseline promotion failed", zap.Error(err))
		} else {
			o.logger.Info("baseline promoted", zap.String("proposal", last.ID))
		}
	}
}

// generatePhase asks the generator for candidates, drops quarantined
// ones, and logs the rest as pending proposals.
func (o *Orchestrator) generatePhase(ctx context.Context, current types.MetricsSnapshot) error {
	candidates, err := o.generator.Generate(ctx, current)
	if err != nil {
		return fmt.Errorf("generate proposals: %w", err)
	}
	for _, p := range candidates {
		blocked, qerr := o.registry.IsQuarantined(p.Parameter, p.NewValue)
		if qerr != nil {
			o.logger.Warn("quarantine check failed", zap.Error(qerr))
		}
		if blocked {
			o.logger.Info("candidate blocked by quarantine",
				zap.String("parameter", p.Parameter),
				zap.String("value", p.NewValue))
			continue
		}
		if p.Status == "" {
			p.Status = types.StatusPending
		}
		if len(p.Baseline) == 0 {
			p.Baseline = current.Clone()
		}
		if err := o.store.AppendProposal(p); err != nil {
			return fmt.Errorf("log proposal: %w", err)
		}
	}
	return nil
}

// evaluatePhase scores every pending proposal and approves those at or
// above the threshold. An evaluator error rejects only that proposal.
func (o *Orchestrator) evaluatePhase(ctx context.Context) ([]types.ChangeProposal, error) {
	proposals, err := o.store.Proposals()
	if err != nil {
		return nil, err
	}

	var approved []types.ChangeProposal
	for _, p := range proposals {
		if p.Status != types.StatusPending {
			continue
		}
		eval, err := o.evaluator.Evaluate(ctx, p)
		if err != nil {
			o.logger.Warn("evaluation failed",
				zap.String("proposal", p.ID), zap.Error(err))
			continue
		}

		p.Score = eval.Score
		if eval.Score >= o.cfg.ApprovalThreshold {
			p.Status = types.StatusApproved
		} else {
			p.Status = types.StatusRejected
		}
		if err := o.store.UpdateProposal(p); err != nil {
			return approved, fmt.Errorf("update proposal %s: %w", p.ID, err)
		}
		o.appendRecord(store.ActionEvaluation, p.ID, string(p.Status), map[string]any{
			"score":     eval.Score,
			"threshold": o.cfg.ApprovalThreshold,
			"reasoning": eval.Reasoning,
		})
		if p.Status == types.StatusApproved {
			approved = append(approved, p)
		}
	}
	return approved, nil
}

// applyPhase applies each approved proposal, re-checking the interrupt
// flag between proposals. One failure never stops the rest.
func (o *Orchestrator) applyPhase(ctx context.Context, approved []types.ChangeProposal) error {
	for _, p := range approved {
		if err := o.checkpoint(); err != nil {
			return err
		}
		o.applyOne(ctx, p)
	}
	return nil
}

// applyOne runs the applier for one proposal and settles the aftermath:
// mark applied on success, quarantine the failed value otherwise.
func (o *Orchestrator) applyOne(ctx context.Context, p types.ChangeProposal) (bool, string) {
	o.mu.Lock()
	o.currentProposal = p.ID
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.lastProposal = p.ID
		o.currentProposal = ""
		o.mu.Unlock()
	}()

	ok, message := o.applier.Apply(ctx, p)
	if ok {
		p.Status = types.StatusApplied
		p.Applied = true
		if err := o.store.UpdateProposal(p); err != nil {
			o.logger.Error("proposal update failed", zap.Error(err))
		}
		o.appendRecord(store.ActionApplied, p.ID, "ok", map[string]any{
			"parameter": p.Parameter,
			"new_value": p.NewValue,
		})
		return true, message
	}

	if err := o.registry.Quarantine(p.Parameter, p.NewValue, message, o.cfg.QuarantineTTL); err != nil {
		o.logger.Error("quarantine write failed", zap.Error(err))
	}
	o.logger.Warn("proposal application failed",
		zap.String("proposal", p.ID), zap.String("message", message))
	return false, message
}

// executeTask is the scheduler's executor: resolve the subject proposal
// and apply it.
func (o *Orchestrator) executeTask(ctx context.Context, task sched.Task) error {
	p, ok := o.resolveSubject(task.SubjectID)
	if !ok {
		o.logger.Info("task had no applicable proposal", zap.String("source", task.Source))
		return nil
	}
	if applied, message := o.applyOne(ctx, p); !applied {
		return fmt.Errorf("apply proposal %s: %s", p.ID, message)
	}
	return nil
}

// resolveSubject finds the task's proposal; an empty id means the most
// recent approved-but-unapplied one.
func (o *Orchestrator) resolveSubject(id string) (types.ChangeProposal, bool) {
	if id == "" {
		return o.store.LastApproved()
	}
	proposals, err := o.store.Proposals()
	if err != nil {
		return types.ChangeProposal{}, false
	}
	for i := len(proposals) - 1; i >= 0; i-- {
		if proposals[i].ID == id && !proposals[i].Applied {
			return proposals[i], true
		}
	}
	return types.ChangeProposal{}, false
}

// lastApplied returns the most recently applied proposal.
func (o *Orchestrator) lastApplied() (types.ChangeProposal, bool) {
	proposals, err := o.store.Proposals()
	if err != nil {
		return types.ChangeProposal{}, false
	}
	for i := len(proposals) - 1; i >= 0; i-- {
		if proposals[i].Applied {
			return proposals[i], true
		}
	}
	return types.ChangeProposal{}, false
}

func (o *Orchestrator) appendRecord(action, proposalID, status string, details map[string]any) {
	rec := store.ActionRecord{
		Agent:      "orchestrator",
		ActionType: action,
		ProposalID: proposalID,
		Status:     status,
		Details:    details,
	}
	if err := o.store.Append(rec); err != nil {
		o.logger.Error("audit append failed", zap.Error(err))
	}
}
