package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"selfpatch/internal/diff"
)

// transformBackupSuffix marks the phase-2 backup of the target file.
const transformBackupSuffix = ".bak"

// TransformOutcome is what phase 2 hands to the later phases.
type TransformOutcome struct {
	Path       string     // resolved absolute target path
	BackupPath string     // phase-2 backup, removed on pipeline success
	Original   []byte     // pre-edit content, for rollback
	Stats      diff.Stats // line-level change summary
	Method     string     // "structural" or "textual"
}

// Transformer performs the phase-2 edit: resolve the target against the
// allow-list, back it up, apply a structural edit (textual substitution
// only as a guarded fallback), and confirm the result is still
// well-formed before keeping it.
type Transformer struct {
	roots  []string // absolute allow-listed project roots
	engine *diff.Engine
	logger *zap.Logger
}

// NewTransformer creates a Transformer restricted to the given roots.
func NewTransformer(roots []string, logger *zap.Logger) (*Transformer, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("transformer needs at least one allowed root")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs := make([]string, 0, len(roots))
	for _, root := range roots {
		a, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve root %q: %w", root, err)
		}
		abs = append(abs, filepath.Clean(a))
	}
	return &Transformer{roots: abs, engine: diff.NewEngine(), logger: logger}, nil
}

// Resolve maps a spec path onto the allow-list. Relative paths resolve
// against each root in order; a path escaping every root is refused.
func (t *Transformer) Resolve(specPath string) (string, error) {
	if filepath.IsAbs(specPath) {
		clean := filepath.Clean(specPath)
		for _, root := range t.roots {
			if within(root, clean) {
				return clean, nil
			}
		}
		return "", &Failure{Phase: PhaseTransform, Kind: FailSafety,
			Message: "target path outside allowed roots",
			Details: map[string]any{"path": specPath}}
	}

	for _, root := range t.roots {
		candidate := filepath.Clean(filepath.Join(root, specPath))
		if !within(root, candidate) {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", &Failure{Phase: PhaseTransform, Kind: FailIO,
		Message: "target path not found under any allowed root",
		Details: map[string]any{"path": specPath}}
}

// within reports whether path is root or inside root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// Transform applies the spec's edit to its resolved target.
func (t *Transformer) Transform(spec *TechnicalSpec) (*TransformOutcome, error) {
	path, err := t.Resolve(spec.FilePath)
	if err != nil {
		return nil, err
	}

	original, err := os.ReadFile(path)
	if err != nil {
		return nil, &Failure{Phase: PhaseTransform, Kind: FailIO,
			Message: fmt.Sprintf("read target: %v", err)}
	}

	backupPath := path + transformBackupSuffix
	if err := os.WriteFile(backupPath, original, 0o644); err != nil {
		return nil, &Failure{Phase: PhaseTransform, Kind: FailIO,
			Message: fmt.Sprintf("write backup: %v", err)}
	}

	edited, method, err := t.edit(path, string(original), spec)
	if err != nil {
		os.Remove(backupPath)
		return nil, err
	}

	// Re-check well-formedness before the edit becomes durable.
	if err := recheck(path, edited); err != nil {
		os.Remove(backupPath)
		return nil, &Failure{Phase: PhaseTransform, Kind: FailValidation,
			Message: fmt.Sprintf("edited content no longer well-formed: %v", err)}
	}

	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		// Nothing durable changed yet; drop the backup and report.
		os.Remove(backupPath)
		return nil, &Failure{Phase: PhaseTransform, Kind: FailIO,
			Message: fmt.Sprintf("write edited target: %v", err)}
	}

	outcome := &TransformOutcome{
		Path:       path,
		BackupPath: backupPath,
		Original:   original,
		Stats:      t.engine.Stats(string(original), edited),
		Method:     method,
	}
	t.logger.Info("transform applied",
		zap.String("file", path),
		zap.String("method", method),
		zap.String("stats", outcome.Stats.String()))
	return outcome, nil
}

// Rollback restores the phase-2 backup.
func (t *Transformer) Rollback(outcome *TransformOutcome) error {
	if outcome == nil {
		return nil
	}
	if err := os.WriteFile(outcome.Path, outcome.Original, 0o644); err != nil {
		return fmt.Errorf("restore %s: %w", outcome.Path, err)
	}
	os.Remove(outcome.BackupPath)
	t.logger.Warn("transform rolled back", zap.String("file", outcome.Path))
	return nil
}

// Commit discards the phase-2 backup, keeping the edit.
func (t *Transformer) Commit(outcome *TransformOutcome) {
	if outcome != nil {
		os.Remove(outcome.BackupPath)
	}
}

// edit dispatches on file type: structural editors first, the guarded
// textual substitution only when no structural editor applies.
func (t *Transformer) edit(path, content string, spec *TechnicalSpec) (string, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		edited, err := editJSON(content, spec)
		return edited, "structural", err
	case ".yaml", ".yml":
		edited, err := editYAML(content, spec)
		return edited, "structural", err
	case ".go":
		edited, err := editSource(content, langGo, spec)
		if err == nil {
			return edited, "structural", nil
		}
		// Structural location failed; the textual fallback may still
		// find exactly one unambiguous line.
		if isSafetyFailure(err) {
			return "", "", err
		}
		edited, terr := textualEdit(content, spec)
		if terr != nil {
			return "", "", terr
		}
		return edited, "textual", nil
	case ".py":
		edited, err := editSource(content, langPython, spec)
		if err == nil {
			return edited, "structural", nil
		}
		if isSafetyFailure(err) {
			return "", "", err
		}
		edited, terr := textualEdit(content, spec)
		if terr != nil {
			return "", "", terr
		}
		return edited, "textual", nil
	default:
		edited, err := textualEdit(content, spec)
		return edited, "textual", err
	}
}

func isSafetyFailure(err error) bool {
	f, ok := err.(*Failure)
	return ok && f.Kind == FailSafety
}

// textualEdit replaces the old value on the single line containing both
// the attribute and the old value. Zero or multiple candidate lines mean
// no change: refusal, not a guess.
func textualEdit(content string, spec *TechnicalSpec) (string, error) {
	if spec.Attribute == "" || spec.OldValue == "" {
		return "", &Failure{Phase: PhaseTransform, Kind: FailInput,
			Message: "textual fallback needs both attribute and old value"}
	}

	lines := strings.Split(content, "\n")
	var candidates []int
	for i, line := range lines {
		if strings.Contains(line, spec.Attribute) && strings.Contains(line, spec.OldValue) {
			candidates = append(candidates, i)
		}
	}
	switch len(candidates) {
	case 0:
		return "", &Failure{Phase: PhaseTransform, Kind: FailValidation,
			Message: "no line matches attribute and old value",
			Details: map[string]any{"attribute": spec.Attribute}}
	case 1:
		idx := candidates[0]
		lines[idx] = strings.Replace(lines[idx], spec.OldValue, spec.NewValue, 1)
		return strings.Join(lines, "\n"), nil
	default:
		return "", &Failure{Phase: PhaseTransform, Kind: FailSafety,
			Message: fmt.Sprintf("%d candidate lines match; refusing ambiguous edit", len(candidates)),
			Details: map[string]any{"attribute": spec.Attribute, "lines": len(candidates)}}
	}
}
