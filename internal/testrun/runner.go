// Package testrun provides the exec-based test runner and coverage meter
// consumed by the atomic update protocol and the transformation pipeline.
// Commands run under a context deadline; a timeout comes back as a failed
// result, never a hang.
package testrun

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"selfpatch/internal/patch"
)

// Runner executes test targets through the local shell.
type Runner struct {
	workdir string
	logger  *zap.Logger
}

// NewRunner creates a Runner rooted at workdir.
func NewRunner(workdir string, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{workdir: workdir, logger: logger}
}

// Run executes target as a shell command. A non-zero exit or a context
// deadline yields a failed result; an error is returned only when the
// command could not be started at all.
func (r *Runner) Run(ctx context.Context, target string) (patch.TestResult, error) {
	if strings.TrimSpace(target) == "" {
		return patch.TestResult{}, errors.New("empty test target")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", target)
	cmd.Dir = r.workdir

	output, err := cmd.CombinedOutput()
	out := string(output)

	if ctx.Err() == context.DeadlineExceeded {
		r.logger.Warn("test run timed out", zap.String("target", target))
		return patch.TestResult{Passed: false, Output: out + "\n(test run timed out)"}, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return patch.TestResult{Passed: false, Output: out}, nil
		}
		return patch.TestResult{}, fmt.Errorf("start test command: %w", err)
	}
	return patch.TestResult{Passed: true, Output: out}, nil
}

// coveragePattern matches go test's "coverage: 82.4% of statements".
var coveragePattern = regexp.MustCompile(`coverage:\s+(\d+(?:\.\d+)?)%`)

// CoverageMeter measures statement coverage of a module's tests.
type CoverageMeter struct {
	logger *zap.Logger
}

// NewCoverageMeter creates a CoverageMeter.
func NewCoverageMeter(logger *zap.Logger) *CoverageMeter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoverageMeter{logger: logger}
}

// Coverage runs the module's tests with coverage enabled and returns the
// statement percentage. packages are go package patterns, not shell
// commands like Runner targets; empty means every package in the
// module. Multiple reported percentages average out.
func (c *CoverageMeter) Coverage(ctx context.Context, moduleDir string, packages []string) (float64, error) {
	args := append([]string{"test", "-cover"}, packages...)
	if len(packages) == 0 {
		args = append(args, "./...")
	}

	cmd := exec.CommandContext(ctx, "go", args...)
	cmd.Dir = moduleDir
	output, err := cmd.CombinedOutput()
	out := string(output)
	if err != nil && !strings.Contains(out, "coverage:") {
		return 0, fmt.Errorf("coverage run failed: %w: %s", err, out)
	}

	matches := coveragePattern.FindAllStringSubmatch(out, -1)
	if len(matches) == 0 {
		return 0, errors.New("no coverage figure in test output")
	}

	var total float64
	for _, m := range matches {
		v, parseErr := strconv.ParseFloat(m[1], 64)
		if parseErr != nil {
			continue
		}
		total += v
	}
	pct := total / float64(len(matches))
	c.logger.Debug("coverage measured",
		zap.String("module", moduleDir),
		zap.Float64("percent", pct))
	return pct, nil
}
