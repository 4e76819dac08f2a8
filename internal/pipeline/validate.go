package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"selfpatch/internal/patch"
)

// Verdicts of the validate phase.
const (
	VerdictReady    = "ready"
	VerdictNeedsFix = "needs_fix"
)

// coverageFloor is the statement-coverage percentage at or above which a
// change counts as adequately tested.
const coverageFloor = 80.0

// TestExecutor runs one test target. Satisfied by testrun.Runner.
type TestExecutor interface {
	Run(ctx context.Context, target string) (patch.TestResult, error)
}

// CoverageSource measures statement coverage. packages are go package
// patterns, never shell commands; empty means the whole module.
// Satisfied by testrun.CoverageMeter.
type CoverageSource interface {
	Coverage(ctx context.Context, moduleDir string, packages []string) (float64, error)
}

// Validation is the phase-3 outcome: the three gates and the verdict
// they produce.
type Validation struct {
	Verdict        string   `json:"verdict"` // ready or needs_fix
	SmokePassed    bool     `json:"smoke_passed"`
	TestsPassed    bool     `json:"tests_passed"`
	Coverage       float64  `json:"coverage"`
	CoverageKnown  bool     `json:"coverage_known"`
	FailedTargets  []string `json:"failed_targets,omitempty"`
	RegressionNote string   `json:"regression_note,omitempty"`
}

// Ready reports whether the change may proceed to commit.
func (v *Validation) Ready() bool { return v.Verdict == VerdictReady }

// Validator runs phase 3: a synthesized smoke check that the edit
// landed, the regression suite for the touched module, and the coverage
// gate. All three must hold for a ready verdict; a shortfall is a
// needs_fix verdict, not a pipeline failure.
type Validator struct {
	runner    TestExecutor
	meter     CoverageSource
	moduleDir string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewValidator wires a Validator. meter may be nil, which skips the
// coverage gate.
func NewValidator(runner TestExecutor, meter CoverageSource, moduleDir string, timeout time.Duration, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Validator{
		runner:    runner,
		meter:     meter,
		moduleDir: moduleDir,
		timeout:   timeout,
		logger:    logger,
	}
}

// Validate checks the transformed file against the spec and runs the
// regression targets. It returns an error only for infrastructure
// problems; a failing gate is reported through the verdict.
func (v *Validator) Validate(ctx context.Context, spec *TechnicalSpec, outcome *TransformOutcome, targets []string) (*Validation, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result := &Validation{Verdict: VerdictNeedsFix}

	smoke, err := v.smokeCheck(spec, outcome)
	if err != nil {
		return nil, err
	}
	result.SmokePassed = smoke

	passed, failed, err := v.runRegression(ctx, targets)
	if err != nil {
		return nil, err
	}
	result.TestsPassed = passed
	result.FailedTargets = failed
	if !passed {
		result.RegressionNote = fmt.Sprintf("%d of %d targets failed", len(failed), len(targets))
	}

	covered := true
	if v.meter != nil {
		// Regression targets are shell commands; the meter takes go
		// package patterns, so it measures the whole module instead.
		pct, err := v.meter.Coverage(ctx, v.moduleDir, nil)
		if err != nil {
			// A broken coverage run blocks readiness but is not fatal:
			// the verdict tells the caller to fix and retry.
			v.logger.Warn("coverage measurement failed", zap.Error(err))
			covered = false
		} else {
			result.Coverage = pct
			result.CoverageKnown = true
			covered = pct >= coverageFloor
		}
	}

	if result.SmokePassed && result.TestsPassed && covered {
		result.Verdict = VerdictReady
	}
	v.logger.Info("validation complete",
		zap.String("verdict", result.Verdict),
		zap.Bool("smoke", result.SmokePassed),
		zap.Bool("tests", result.TestsPassed),
		zap.Float64("coverage", result.Coverage))
	return result, nil
}

// smokeCheck is the synthesized minimal test: the edited file must exist
// and actually contain the new value the proposal asked for.
func (v *Validator) smokeCheck(spec *TechnicalSpec, outcome *TransformOutcome) (bool, error) {
	content, err := os.ReadFile(outcome.Path)
	if err != nil {
		return false, &Failure{Phase: PhaseValidate, Kind: FailIO,
			Message: fmt.Sprintf("read transformed file: %v", err)}
	}
	text := string(content)
	if spec.NewValue != "" && !containsValue(text, spec.NewValue, spec.ValueType) {
		return false, nil
	}
	if spec.Attribute != "" && !strings.Contains(text, spec.Attribute) {
		return false, nil
	}
	return true, nil
}

// containsValue looks for the new value in the edited text, accepting
// the Python boolean spelling.
func containsValue(text, value, valueType string) bool {
	if strings.Contains(text, value) {
		return true
	}
	if valueType == "bool" {
		switch value {
		case "true":
			return strings.Contains(text, "True")
		case "false":
			return strings.Contains(text, "False")
		}
	}
	return false
}

// runRegression executes all targets concurrently and collects failures.
func (v *Validator) runRegression(ctx context.Context, targets []string) (bool, []string, error) {
	if len(targets) == 0 {
		return true, nil, nil
	}

	var (
		mu     sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			res, err := v.runner.Run(gctx, target)
			if err != nil {
				return &Failure{Phase: PhaseValidate, Kind: FailIO,
					Message: fmt.Sprintf("run target %q: %v", target, err)}
			}
			if !res.Passed {
				mu.Lock()
				failed = append(failed, target)
				mu.Unlock()
				v.logger.Warn("regression target failed",
					zap.String("target", target),
					zap.String("output", tail(res.Output, 400)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, failed, err
	}
	return len(failed) == 0, failed, nil
}

// tail returns the last n bytes of s for log context.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
