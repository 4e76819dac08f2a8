package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"selfpatch/internal/llm"
)

// parseOutcome is the common result type of every parse strategy: either
// a spec, or an explicit fall-through reason for the next strategy.
type parseOutcome struct {
	spec     *TechnicalSpec
	fallback string // non-empty: try the next strategy
	err      error  // hard error: stop the chain
}

func success(spec *TechnicalSpec) parseOutcome { return parseOutcome{spec: spec} }
func needsFallback(reason string) parseOutcome { return parseOutcome{fallback: reason} }

// parseStrategy converts proposal text into a technical spec, or defers.
type parseStrategy interface {
	Name() string
	Parse(ctx context.Context, text string) parseOutcome
}

// Parser runs an ordered chain of strategies: cache, language model when
// configured, heuristic extraction last. The heuristic never defers, so
// absence of a language model degrades parsing, never aborts it.
type Parser struct {
	cache      *SpecCache
	strategies []parseStrategy
	logger     *zap.Logger

	// DefaultPath is the safe auto-correction applied when a strategy
	// produced a spec without a target path. Empty disables it.
	DefaultPath string
}

// NewParser builds the strategy chain. client may be nil.
func NewParser(cache *SpecCache, client llm.Client, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Parser{cache: cache, logger: logger}
	if cache != nil {
		p.strategies = append(p.strategies, &cacheStrategy{cache: cache})
	}
	if client != nil {
		p.strategies = append(p.strategies, &llmStrategy{client: client})
	}
	p.strategies = append(p.strategies, &heuristicStrategy{})
	return p
}

// Parse derives a validated technical spec from proposal text and stores
// it in the cache scoped to runID.
func (p *Parser) Parse(ctx context.Context, text, runID string) (*TechnicalSpec, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &Failure{Phase: PhaseParse, Kind: FailInput, Message: "empty proposal text"}
	}

	var spec *TechnicalSpec
	for _, strategy := range p.strategies {
		outcome := strategy.Parse(ctx, text)
		if outcome.err != nil {
			return nil, &Failure{Phase: PhaseParse, Kind: FailIO,
				Message: fmt.Sprintf("%s strategy: %v", strategy.Name(), outcome.err)}
		}
		if outcome.fallback != "" {
			p.logger.Debug("parse strategy deferred",
				zap.String("strategy", strategy.Name()),
				zap.String("reason", outcome.fallback))
			continue
		}
		spec = outcome.spec
		p.logger.Debug("parse strategy succeeded", zap.String("strategy", strategy.Name()))
		break
	}
	if spec == nil {
		return nil, &Failure{Phase: PhaseParse, Kind: FailInput,
			Message: "no strategy produced a spec"}
	}

	if strings.TrimSpace(spec.FilePath) == "" && p.DefaultPath != "" {
		spec.FilePath = p.DefaultPath
	}
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	if p.cache != nil {
		if err := p.cache.Put(HashText(text), spec, runID); err != nil {
			p.logger.Warn("spec cache write failed", zap.Error(err))
		}
	}
	return spec, nil
}

// validateSpec checks the spec and auto-corrects where safe; unsafe specs
// are rejected outright.
func validateSpec(spec *TechnicalSpec) error {
	// Clamp confidence instead of rejecting: a miscalibrated score is
	// recoverable.
	if spec.Confidence < 0 {
		spec.Confidence = 0
	}
	if spec.Confidence > 1 {
		spec.Confidence = 1
	}

	if strings.TrimSpace(spec.FilePath) == "" {
		return &Failure{Phase: PhaseParse, Kind: FailInput, Message: "spec has no target path"}
	}
	if strings.Contains(spec.FilePath, "..") {
		return &Failure{Phase: PhaseParse, Kind: FailSafety,
			Message: "target path contains traversal sequence",
			Details: map[string]any{"path": spec.FilePath}}
	}
	if spec.NewValue == "" {
		return &Failure{Phase: PhaseParse, Kind: FailInput, Message: "spec has no new value"}
	}
	if spec.Kind == "" {
		spec.Kind = KindParameterChange
	}
	if spec.ValueType == "" {
		spec.ValueType = inferValueType(spec.NewValue)
	}

	if spec.Bounds != nil {
		v, err := strconv.ParseFloat(spec.NewValue, 64)
		if err != nil {
			return &Failure{Phase: PhaseParse, Kind: FailInput,
				Message: "bounded spec has non-numeric new value",
				Details: map[string]any{"value": spec.NewValue}}
		}
		if v < spec.Bounds.Min || v > spec.Bounds.Max {
			return &Failure{Phase: PhaseParse, Kind: FailValidation,
				Message: fmt.Sprintf("new value %s outside bounds [%g, %g]",
					spec.NewValue, spec.Bounds.Min, spec.Bounds.Max)}
		}
	}
	return nil
}

// =============================================================================
// CACHE STRATEGY
// =============================================================================

type cacheStrategy struct {
	cache *SpecCache
}

func (s *cacheStrategy) Name() string { return "cache" }

func (s *cacheStrategy) Parse(ctx context.Context, text string) parseOutcome {
	spec, ok, err := s.cache.Get(HashText(text))
	if err != nil {
		return needsFallback("cache error: " + err.Error())
	}
	if !ok {
		return needsFallback("cache miss")
	}
	return success(spec)
}

// =============================================================================
// LANGUAGE MODEL STRATEGY
// =============================================================================

const llmPromptTemplate = `Convert this code-change proposal into JSON with keys:
kind (parameter_change|method_addition|class_change|config_update|import_update|doc_update),
file_path, container, attribute, old_value, new_value, value_type (int|float|bool|string),
confidence (0..1).
Respond with only the JSON object.

Proposal:
%s`

type llmStrategy struct {
	client llm.Client
}

func (s *llmStrategy) Name() string { return "llm" }

func (s *llmStrategy) Parse(ctx context.Context, text string) parseOutcome {
	raw, err := s.client.Complete(ctx, fmt.Sprintf(llmPromptTemplate, text))
	if err != nil {
		return needsFallback("completion failed: " + err.Error())
	}

	// Models wrap JSON in fences more often than not.
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var spec TechnicalSpec
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &spec); err != nil {
		return needsFallback("undecodable completion: " + err.Error())
	}
	if spec.Attribute == "" && spec.NewValue == "" {
		return needsFallback("completion missing attribute and value")
	}
	return success(&spec)
}

// =============================================================================
// HEURISTIC STRATEGY
// =============================================================================
// Keyword-driven extraction with regular expressions; the terminal
// strategy, so it always produces its best-effort spec.

var (
	attributePattern  = regexp.MustCompile(`(?i)(?:attribute|parameter|param|field|constant|setting)\s+['"` + "`" + `]?([A-Za-z_][A-Za-z0-9_]*)['"` + "`" + `]?`)
	transitionPattern = regexp.MustCompile(`([-+]?\d+(?:\.\d+)?|true|false|"[^"]*"|'[^']*')\s*(?:→|->|=>|to)\s*([-+]?\d+(?:\.\d+)?|true|false|"[^"]*"|'[^']*')`)
	fromToPattern     = regexp.MustCompile(`(?i)from\s+([-+]?\d+(?:\.\d+)?)\s+to\s+([-+]?\d+(?:\.\d+)?)`)
	modulePattern     = regexp.MustCompile(`(?i)(?:in|of)\s+(?:module|file|config)\s+['"` + "`" + `]?([\w./-]+)['"` + "`" + `]?`)
	containerPattern  = regexp.MustCompile(`(?i)(?:class|struct|section|component)\s+['"` + "`" + `]?([A-Za-z_][A-Za-z0-9_]*)['"` + "`" + `]?`)
	pathLikePattern   = regexp.MustCompile(`\b([\w./-]+\.(?:json|ya?ml|go|py|toml|ini|cfg))\b`)
)

type heuristicStrategy struct{}

func (s *heuristicStrategy) Name() string { return "heuristic" }

func (s *heuristicStrategy) Parse(ctx context.Context, text string) parseOutcome {
	spec := &TechnicalSpec{
		Kind:       classifyKind(text),
		Confidence: 0.5, // heuristics are never fully confident
	}

	if m := attributePattern.FindStringSubmatch(text); m != nil {
		spec.Attribute = m[1]
	}
	if m := transitionPattern.FindStringSubmatch(text); m != nil {
		spec.OldValue = unquote(m[1])
		spec.NewValue = unquote(m[2])
	} else if m := fromToPattern.FindStringSubmatch(text); m != nil {
		spec.OldValue = m[1]
		spec.NewValue = m[2]
	}
	if m := modulePattern.FindStringSubmatch(text); m != nil {
		spec.FilePath = m[1]
	} else if m := pathLikePattern.FindStringSubmatch(text); m != nil {
		spec.FilePath = m[1]
	}
	if m := containerPattern.FindStringSubmatch(text); m != nil {
		spec.Container = m[1]
	}

	spec.ValueType = inferValueType(spec.NewValue)
	return success(spec)
}

// classifyKind picks a change kind from proposal keywords.
func classifyKind(text string) ChangeKind {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "method") || strings.Contains(lower, "function"):
		return KindMethodAddition
	case strings.Contains(lower, "class") || strings.Contains(lower, "struct"):
		return KindClassChange
	case strings.Contains(lower, "import"):
		return KindImportUpdate
	case strings.Contains(lower, "doc") || strings.Contains(lower, "comment"):
		return KindDocUpdate
	case strings.Contains(lower, "config") || strings.Contains(lower, ".json") ||
		strings.Contains(lower, ".yaml") || strings.Contains(lower, ".yml"):
		return KindConfigUpdate
	default:
		return KindParameterChange
	}
}

// inferValueType guesses the declared value type from a literal.
func inferValueType(value string) string {
	switch {
	case value == "":
		return "string"
	case value == "true" || value == "false":
		return "bool"
	default:
		if _, err := strconv.Atoi(value); err == nil {
			return "int"
		}
		if _, err := strconv.ParseFloat(value, 64); err == nil {
			return "float"
		}
		return "string"
	}
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
