// Package patch implements the atomic update protocol: a single-file
// backup → diff → test → commit → rollback primitive. On return from
// Apply the target file is in exactly one of two states — the new content
// with the backup removed, or byte-identical to the pre-call content —
// never a third, regardless of which step failed.
package patch

import (
	"fmt"
	"sort"
	"strings"
)

// OpKind is a line operation kind.
type OpKind string

const (
	OpAdd     OpKind = "add"     // insert Content after line Line (0 = top of file)
	OpRemove  OpKind = "remove"  // delete line Line
	OpReplace OpKind = "replace" // replace line Line with Content
)

// Op is one line-oriented edit. Line numbers are 1-based positions in the
// original file; all ops address the pre-patch line numbering.
type Op struct {
	Kind    OpKind `json:"kind"`
	Line    int    `json:"line"`
	Content string `json:"content,omitempty"`
}

// Patch is an ordered set of line edits against one file.
type Patch struct {
	Ops []Op `json:"ops"`
}

// Empty reports whether the patch contains no operations.
func (p Patch) Empty() bool { return len(p.Ops) == 0 }

// Apply applies the patch to content and returns the new content.
// It rejects out-of-range line numbers instead of guessing.
func (p Patch) Apply(content string) (string, error) {
	trailingNewline := strings.HasSuffix(content, "\n")
	lines := strings.Split(content, "\n")
	if trailingNewline {
		lines = lines[:len(lines)-1]
	}

	for _, op := range p.Ops {
		if err := op.validate(len(lines)); err != nil {
			return "", err
		}
	}

	// Apply bottom-up so earlier ops don't shift the line numbers that
	// later ops address.
	ops := make([]Op, len(p.Ops))
	copy(ops, p.Ops)
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Line > ops[j].Line })

	for _, op := range ops {
		switch op.Kind {
		case OpAdd:
			idx := op.Line // insert after this 1-based line; 0 inserts at top
			lines = append(lines[:idx], append([]string{op.Content}, lines[idx:]...)...)
		case OpRemove:
			idx := op.Line - 1
			lines = append(lines[:idx], lines[idx+1:]...)
		case OpReplace:
			lines[op.Line-1] = op.Content
		}
	}

	out := strings.Join(lines, "\n")
	if trailingNewline || len(lines) > 0 {
		out += "\n"
	}
	return out, nil
}

func (op Op) validate(lineCount int) error {
	switch op.Kind {
	case OpAdd:
		if op.Line < 0 || op.Line > lineCount {
			return fmt.Errorf("add at line %d out of range (file has %d lines)", op.Line, lineCount)
		}
	case OpRemove, OpReplace:
		if op.Line < 1 || op.Line > lineCount {
			return fmt.Errorf("%s at line %d out of range (file has %d lines)", op.Kind, op.Line, lineCount)
		}
	default:
		return fmt.Errorf("unknown patch op kind %q", op.Kind)
	}
	return nil
}
