// Package diff computes line-level change summaries for audit records and
// commit messages. Hunk computation uses the sergi/go-diff engine;
// human-readable unified diffs come from go-difflib.
package diff

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Stats summarizes a change at line granularity.
type Stats struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

func (s Stats) String() string {
	return fmt.Sprintf("+%d/-%d", s.Added, s.Removed)
}

// Engine wraps a diff-match-patch instance tuned for code diffs.
type Engine struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewEngine creates a diff engine.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // accuracy over speed for single-file diffs
	return &Engine{dmp: dmp}
}

// LineDiffs returns line-level diff operations between two contents.
func (e *Engine) LineDiffs(oldContent, newContent string) []diffmatchpatch.Diff {
	a, b, lineArray := e.dmp.DiffLinesToChars(oldContent, newContent)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	return e.dmp.DiffCharsToLines(diffs, lineArray)
}

// Stats counts added and removed lines between two contents.
func (e *Engine) Stats(oldContent, newContent string) Stats {
	var stats Stats
	for _, d := range e.LineDiffs(oldContent, newContent) {
		lines := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			stats.Added += lines
		case diffmatchpatch.DiffDelete:
			stats.Removed += lines
		}
	}
	return stats
}

// Unified renders a unified diff of old vs new content for path.
func Unified(path, oldContent, newContent string) (string, error) {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldContent),
		B:        difflib.SplitLines(newContent),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return "", fmt.Errorf("render unified diff: %w", err)
	}
	return text, nil
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
