package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"selfpatch/internal/store"
)

// Pipeline drives the four phases in order and unwinds them in reverse
// on failure. One Run is one proposal; runs never share state except
// through the spec cache and the audit log.
type Pipeline struct {
	parser      *Parser
	transformer *Transformer
	validator   *Validator
	committer   *Committer
	cache       *SpecCache
	audit       *store.Store
	logger      *zap.Logger
}

// New wires a Pipeline. cache and audit may be nil in tests.
func New(parser *Parser, transformer *Transformer, validator *Validator, committer *Committer, cache *SpecCache, audit *store.Store, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		parser:      parser,
		transformer: transformer,
		validator:   validator,
		committer:   committer,
		cache:       cache,
		audit:       audit,
		logger:      logger,
	}
}

// Run executes all four phases for one proposal. The returned Result is
// always complete; the error mirrors Result.Failure for callers that
// only check err.
func (p *Pipeline) Run(ctx context.Context, req *Request) (*Result, error) {
	if req.ProposalID == "" {
		req.ProposalID = uuid.NewString()
	}
	runID := req.ProposalID
	result := &Result{ProposalID: req.ProposalID}
	p.logger.Info("pipeline run starting", zap.String("proposal", req.ProposalID))

	// Phase 1: parse. Nothing durable exists yet, so failure needs no
	// compensation beyond the audit record.
	spec, err := p.timed(result, PhaseParse, func() (any, error) {
		return p.parser.Parse(ctx, req.Text, runID)
	})
	if err != nil {
		return p.fail(result, err, nil, nil, runID)
	}
	result.Spec = spec.(*TechnicalSpec)

	// Phase 2: transform. From here on the target file is dirty until
	// commit or rollback.
	outcomeAny, err := p.timed(result, PhaseTransform, func() (any, error) {
		return p.transformer.Transform(result.Spec)
	})
	if err != nil {
		return p.fail(result, err, nil, nil, runID)
	}
	outcome := outcomeAny.(*TransformOutcome)

	// Phase 3: validate. An infrastructure error and a needs_fix verdict
	// both unwind the edit; only the verdict is surfaced differently.
	validationAny, err := p.timed(result, PhaseValidate, func() (any, error) {
		validation, verr := p.validator.Validate(ctx, result.Spec, outcome, regressionTargets(req))
		if verr != nil {
			return nil, verr
		}
		if !validation.Ready() {
			return nil, &Failure{Phase: PhaseValidate, Kind: FailValidation,
				Message: "change not ready",
				Details: map[string]any{
					"verdict":        validation.Verdict,
					"smoke_passed":   validation.SmokePassed,
					"tests_passed":   validation.TestsPassed,
					"coverage":       validation.Coverage,
					"failed_targets": validation.FailedTargets,
				}}
		}
		return validation, nil
	})
	if err != nil {
		result.Verdict = VerdictNeedsFix
		return p.fail(result, err, outcome, nil, runID)
	}
	validation := validationAny.(*Validation)
	result.Verdict = validation.Verdict

	// Phase 4: commit.
	commitAny, err := p.timed(result, PhaseCommit, func() (any, error) {
		return p.committer.Commit(ctx, req, result.Spec, outcome)
	})
	if err != nil {
		var commitOutcome *CommitOutcome
		if co, ok := commitAny.(*CommitOutcome); ok {
			commitOutcome = co
		}
		return p.fail(result, err, outcome, commitOutcome, runID)
	}
	commitOutcome := commitAny.(*CommitOutcome)

	// Success: the edit is durable, drop the backup and promote the
	// run's cache entries.
	p.transformer.Commit(outcome)
	if p.cache != nil {
		if cerr := p.cache.CommitRun(runID); cerr != nil {
			p.logger.Warn("cache commit failed", zap.Error(cerr))
		}
	}

	result.Success = true
	result.Branch = commitOutcome.Branch
	result.Revision = commitOutcome.Revision
	p.logger.Info("pipeline run succeeded",
		zap.String("proposal", req.ProposalID),
		zap.String("branch", result.Branch),
		zap.String("revision", result.Revision))
	return result, nil
}

// timed runs one phase, recording its result on the run.
func (p *Pipeline) timed(result *Result, phase int, fn func() (any, error)) (any, error) {
	started := time.Now()
	value, err := fn()
	pr := PhaseResult{
		Phase:    phase,
		Name:     phaseName(phase),
		Duration: time.Since(started),
		Status:   PhaseSuccess,
	}
	if err != nil {
		pr.Status = PhaseFailed
		if f, ok := err.(*Failure); ok {
			pr.Details = f.Details
		}
	}
	result.Phases = append(result.Phases, pr)
	return value, err
}

// fail unwinds in reverse phase order, writes the audit record, and
// finalizes the result.
func (p *Pipeline) fail(result *Result, err error, outcome *TransformOutcome, commitOutcome *CommitOutcome, runID string) (*Result, error) {
	failure, ok := err.(*Failure)
	if !ok {
		failure = &Failure{Phase: 0, Kind: FailIO, Message: err.Error()}
	}
	result.Failure = failure

	// Commit compensation first: leave the repository on its prior
	// branch before touching the working tree.
	if commitOutcome != nil {
		if aerr := p.committer.Abandon(context.Background(), commitOutcome); aerr != nil {
			p.logger.Error("branch cleanup failed", zap.Error(aerr))
		}
	}
	if outcome != nil {
		if rerr := p.transformer.Rollback(outcome); rerr != nil {
			p.logger.Error("file rollback failed", zap.Error(rerr))
		} else {
			p.markRolledBack(result)
		}
	}
	if failure.Phase >= PhaseValidate && p.cache != nil {
		if perr := p.cache.PurgeRun(runID); perr != nil {
			p.logger.Warn("cache purge failed", zap.Error(perr))
		}
	}

	if p.audit != nil {
		rec := store.ActionRecord{
			Agent:      "pipeline",
			ActionType: store.ActionPipelineError,
			ProposalID: result.ProposalID,
			Status:     "failed",
			Details: map[string]any{
				"phase":   failure.Phase,
				"name":    phaseName(failure.Phase),
				"kind":    failure.Kind,
				"message": failure.Message,
				"details": failure.Details,
			},
		}
		if aerr := p.audit.Append(rec); aerr != nil {
			p.logger.Error("audit append failed", zap.Error(aerr))
		}
	}

	p.logger.Warn("pipeline run failed",
		zap.String("proposal", result.ProposalID),
		zap.Int("phase", failure.Phase),
		zap.String("kind", failure.Kind),
		zap.String("message", failure.Message))
	return result, failure
}

// markRolledBack flags the transform phase as unwound.
func (p *Pipeline) markRolledBack(result *Result) {
	for i := range result.Phases {
		if result.Phases[i].Phase == PhaseTransform {
			result.Phases[i].Status = PhaseRolledBack
		}
	}
}

// regressionTargets splits the request's test target override into
// individual commands.
func regressionTargets(req *Request) []string {
	if strings.TrimSpace(req.TestTarget) == "" {
		return nil
	}
	parts := strings.Split(req.TestTarget, ";")
	targets := make([]string, 0, len(parts))
	for _, part := range parts {
		if t := strings.TrimSpace(part); t != "" {
			targets = append(targets, t)
		}
	}
	return targets
}
