package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"selfpatch/internal/config"
	"selfpatch/internal/llm"
	"selfpatch/internal/metrics"
	"selfpatch/internal/orchestrator"
	"selfpatch/internal/patch"
	"selfpatch/internal/pipeline"
	"selfpatch/internal/quarantine"
	"selfpatch/internal/store"
	"selfpatch/internal/testrun"
	"selfpatch/internal/types"
	"selfpatch/internal/vcs"
)

// app is the constructed dependency graph. main builds it exactly once;
// no component reaches for process-wide globals.
type app struct {
	cfg      *config.Config
	store    *store.Store
	registry *quarantine.Registry
	pipe     *pipeline.Pipeline
	cache    *pipeline.SpecCache
	orch     *orchestrator.Orchestrator
	logger   *zap.Logger
}

// buildApp wires every component from the configuration.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	st, err := store.Open(cfg.StateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	registry, err := quarantine.Open(filepath.Join(cfg.StateDir, "quarantine.jsonl"), logger)
	if err != nil {
		return nil, fmt.Errorf("open quarantine registry: %w", err)
	}

	// Crash recovery: restore any backups a killed process left behind
	// before anything else runs.
	for _, root := range cfg.WorkRoots {
		restored, err := patch.SweepBackups(root, logger)
		if err != nil {
			logger.Warn("backup sweep failed", zap.String("root", root), zap.Error(err))
		}
		for _, path := range restored {
			logger.Warn("restored leftover backup", zap.String("file", path))
		}
	}

	var client llm.Client
	if cfg.LLM.APIKey != "" {
		genai, err := llm.NewGenAI(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, fmt.Errorf("create language model client: %w", err)
		}
		client = genai
	}

	cache, err := pipeline.OpenSpecCache(cfg.Pipeline.CachePath)
	if err != nil {
		return nil, fmt.Errorf("open spec cache: %w", err)
	}

	parser := pipeline.NewParser(cache, client, logger)
	parser.DefaultPath = cfg.Pipeline.DefaultPath

	transformer, err := pipeline.NewTransformer(cfg.WorkRoots, logger)
	if err != nil {
		cache.Close()
		return nil, err
	}

	testTimeout := parseDuration(cfg.Pipeline.TestTimeout, 5*time.Minute)
	runner := testrun.NewRunner(".", logger)
	meter := testrun.NewCoverageMeter(logger)
	validator := pipeline.NewValidator(runner, meter, ".", testTimeout, logger)
	driver := vcs.NewGit(".", logger)
	committer := pipeline.NewCommitter(driver, logger)
	pipe := pipeline.New(parser, transformer, validator, committer, cache, st, logger)

	orchCfg := orchestrator.Config{
		ApprovalThreshold: cfg.Cycle.ApprovalThreshold,
		IdleInterval:      parseDuration(cfg.Cycle.IdleInterval, 5*time.Minute),
		DrainTimeout:      parseDuration(cfg.Cycle.DrainTimeout, 30*time.Second),
		QuarantineTTL:     parseDuration(cfg.Cycle.QuarantineTTL, 24*time.Hour),
		Workers:           cfg.Cycle.Workers,
		WorkRoot:          firstRoot(cfg.WorkRoots),
	}
	orch := orchestrator.New(orchCfg, st, registry,
		metrics.FileProvider{Path: cfg.Metrics.File},
		noopGenerator{},
		priorityEvaluator{},
		&pipelineApplier{pipe: pipe, testTarget: cfg.Pipeline.TestTarget},
		driver,
		logger)

	return &app{
		cfg:      cfg,
		store:    st,
		registry: registry,
		pipe:     pipe,
		cache:    cache,
		orch:     orch,
		logger:   logger,
	}, nil
}

func (a *app) close() {
	a.orch.Close()
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("cache close failed", zap.Error(err))
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func firstRoot(roots []string) string {
	if len(roots) == 0 {
		return "."
	}
	return roots[0]
}

// noopGenerator is the default when no analysis process is attached:
// proposals arrive externally through the proposal log.
type noopGenerator struct{}

func (noopGenerator) Generate(ctx context.Context, current types.MetricsSnapshot) ([]types.ChangeProposal, error) {
	return nil, nil
}

// priorityEvaluator is the default evaluator: it maps the proposer's
// urgency hint onto a score, so critical operator proposals clear the
// approval threshold and speculative ones do not.
type priorityEvaluator struct{}

func (priorityEvaluator) Evaluate(ctx context.Context, p types.ChangeProposal) (types.Evaluation, error) {
	score := 0.5
	switch p.Priority {
	case types.PriorityCritical:
		score = 0.95
	case types.PriorityHigh:
		score = 0.85
	case types.PriorityNormal:
		score = 0.70
	case types.PriorityLow:
		score = 0.40
	}
	return types.Evaluation{
		Score:     score,
		Approved:  score >= 0.70,
		Reasoning: fmt.Sprintf("priority hint %q", p.Priority),
	}, nil
}

// pipelineApplier adapts the transformation pipeline to the
// orchestrator's applier contract by rendering the proposal as text the
// parse phase understands.
type pipelineApplier struct {
	pipe       *pipeline.Pipeline
	testTarget string
}

func (a *pipelineApplier) Apply(ctx context.Context, p types.ChangeProposal) (bool, string) {
	result, err := a.pipe.Run(ctx, &pipeline.Request{
		ProposalID: p.ID,
		Text:       proposalText(p),
		TestTarget: a.testTarget,
	})
	if err != nil {
		return false, err.Error()
	}
	return result.Success, fmt.Sprintf("committed %s on %s", result.Revision, result.Branch)
}

// proposalText renders a structured proposal as the free-text form the
// parse phase consumes.
func proposalText(p types.ChangeProposal) string {
	text := fmt.Sprintf("change attribute %s", p.Parameter)
	if p.FilePath != "" {
		text += fmt.Sprintf(" in file %s", p.FilePath)
	}
	if p.Symbol != "" {
		text += fmt.Sprintf(" in class %s", p.Symbol)
	}
	if p.OldValue != "" || p.NewValue != "" {
		text += fmt.Sprintf(" %s -> %s", p.OldValue, p.NewValue)
	}
	if p.Rationale != "" {
		text += ". " + p.Rationale
	}
	return text
}
