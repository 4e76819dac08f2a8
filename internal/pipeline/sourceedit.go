package pipeline

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"
)

// sourceLang selects the tree-sitter grammar for a source edit.
type sourceLang int

const (
	langGo sourceLang = iota
	langPython
)

func (l sourceLang) language() *sitter.Language {
	if l == langPython {
		return python.GetLanguage()
	}
	return golang.GetLanguage()
}

func (l sourceLang) String() string {
	if l == langPython {
		return "python"
	}
	return "go"
}

// editSource locates the attribute's value node in the parse tree and
// splices the new value over its byte range. Exactly one location must
// match; anything else is refusal, and the caller decides whether the
// textual fallback may still run.
func editSource(content string, lang sourceLang, spec *TechnicalSpec) (string, error) {
	if spec.Attribute == "" {
		return "", &Failure{Phase: PhaseTransform, Kind: FailInput,
			Message: "source edit needs an attribute name"}
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang.language())
	tree, err := parser.ParseCtx(context.Background(), nil, []byte(content))
	if err != nil {
		return "", &Failure{Phase: PhaseTransform, Kind: FailInput,
			Message: fmt.Sprintf("parse %s source: %v", lang, err)}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return "", &Failure{Phase: PhaseTransform, Kind: FailInput,
			Message: fmt.Sprintf("%s source has pre-existing syntax errors", lang)}
	}

	var values []*sitter.Node
	if lang == langPython {
		collectPythonValues(root, content, spec, &values)
	} else {
		collectGoValues(root, content, spec, &values)
	}

	if len(values) == 0 {
		return "", &Failure{Phase: PhaseTransform, Kind: FailValidation,
			Message: "attribute not found in source",
			Details: map[string]any{"attribute": spec.Attribute, "language": lang.String()}}
	}
	if len(values) > 1 {
		return "", &Failure{Phase: PhaseTransform, Kind: FailSafety,
			Message: fmt.Sprintf("attribute assigned in %d places; refusing ambiguous edit", len(values)),
			Details: map[string]any{"attribute": spec.Attribute}}
	}

	value := values[0]
	// EqualFold covers Python's True/False spelling of booleans.
	oldText := value.Content([]byte(content))
	if spec.OldValue != "" && !looselyEqualStrings(unquote(oldText), spec.OldValue) &&
		!strings.EqualFold(oldText, spec.OldValue) {
		return "", &Failure{Phase: PhaseTransform, Kind: FailValidation,
			Message: "current value does not match the proposal's old value",
			Details: map[string]any{"current": oldText, "expected": spec.OldValue}}
	}

	rendered := renderLiteral(spec.NewValue, spec.ValueType, oldText, lang)
	edited := content[:value.StartByte()] + rendered + content[value.EndByte():]

	// The splice must still parse; a broken literal never leaves here.
	if err := recheckSource(edited, lang); err != nil {
		return "", &Failure{Phase: PhaseTransform, Kind: FailValidation,
			Message: fmt.Sprintf("edited source no longer parses: %v", err)}
	}
	return edited, nil
}

// collectGoValues gathers value nodes of const and var specs whose single
// name matches the attribute, honoring the container constraint.
func collectGoValues(root *sitter.Node, content string, spec *TechnicalSpec, out *[]*sitter.Node) {
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "const_spec", "var_spec":
			name := n.ChildByFieldName("name")
			value := n.ChildByFieldName("value")
			if name != nil && value != nil &&
				name.Content([]byte(content)) == spec.Attribute &&
				containerMatches(n, content, spec.Container, "type_declaration", "function_declaration", "method_declaration") {
				// Grouped specs (a, b = 1, 2) are skipped: splicing one
				// value of an expression list is not a safe edit.
				if value.Type() == "expression_list" {
					if value.NamedChildCount() == 1 && singleName(n, content, spec.Attribute) {
						*out = append(*out, value.NamedChild(0))
					}
				} else {
					*out = append(*out, value)
				}
			}
		case "assignment_statement", "short_var_declaration":
			left := n.ChildByFieldName("left")
			right := n.ChildByFieldName("right")
			if left != nil && right != nil &&
				left.NamedChildCount() == 1 && right.NamedChildCount() == 1 &&
				left.NamedChild(0).Content([]byte(content)) == spec.Attribute &&
				containerMatches(n, content, spec.Container, "function_declaration", "method_declaration") {
				*out = append(*out, right.NamedChild(0))
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
}

// singleName reports whether the spec declares exactly one identifier.
func singleName(spec *sitter.Node, content, attribute string) bool {
	names := 0
	for i := 0; i < int(spec.NamedChildCount()); i++ {
		child := spec.NamedChild(i)
		if child.Type() == "identifier" {
			names++
			if child.Content([]byte(content)) != attribute {
				return false
			}
		}
	}
	return names == 1
}

// collectPythonValues gathers right-hand sides of simple assignments to
// the attribute, honoring the container (class or function) constraint.
func collectPythonValues(root *sitter.Node, content string, spec *TechnicalSpec, out *[]*sitter.Node) {
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "assignment" {
			left := n.ChildByFieldName("left")
			right := n.ChildByFieldName("right")
			if left != nil && right != nil &&
				left.Type() == "identifier" &&
				left.Content([]byte(content)) == spec.Attribute &&
				containerMatches(n, content, spec.Container, "class_definition", "function_definition") {
				*out = append(*out, right)
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
}

// containerMatches checks the enclosing named scope against the spec's
// container. No declared container matches everywhere.
func containerMatches(n *sitter.Node, content, container string, scopeTypes ...string) bool {
	if container == "" {
		return true
	}
	for p := n.Parent(); p != nil; p = p.Parent() {
		for _, st := range scopeTypes {
			if p.Type() != st {
				continue
			}
			if name := p.ChildByFieldName("name"); name != nil &&
				name.Content([]byte(content)) == container {
				return true
			}
		}
	}
	return false
}

// renderLiteral formats the new value as source text, keeping the old
// literal's quoting style and the language's boolean spelling.
func renderLiteral(value, valueType, oldText string, lang sourceLang) string {
	switch valueType {
	case "bool":
		if lang == langPython {
			if value == "true" {
				return "True"
			}
			return "False"
		}
		return value
	case "int", "float":
		return value
	default:
		quote := `"`
		if strings.HasPrefix(oldText, "'") {
			quote = "'"
		} else if strings.HasPrefix(oldText, "`") {
			quote = "`"
		}
		return quote + value + quote
	}
}

// recheckSource re-parses edited source and rejects syntax errors.
func recheckSource(content string, lang sourceLang) error {
	parser := sitter.NewParser()
	parser.SetLanguage(lang.language())
	tree, err := parser.ParseCtx(context.Background(), nil, []byte(content))
	if err != nil {
		return err
	}
	defer tree.Close()
	if tree.RootNode().HasError() {
		return fmt.Errorf("%s source has syntax errors after edit", lang)
	}
	return nil
}
