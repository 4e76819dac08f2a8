package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// editJSON replaces the attribute's value in a JSON document. The
// attribute must resolve to exactly one location; ambiguity is refusal.
func editJSON(content string, spec *TechnicalSpec) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return "", &Failure{Phase: PhaseTransform, Kind: FailInput,
			Message: fmt.Sprintf("target is not a JSON object: %v", err)}
	}

	var holders []map[string]any
	findJSONHolders(doc, spec.Container, spec.Attribute, false, &holders)
	if len(holders) == 0 {
		return "", &Failure{Phase: PhaseTransform, Kind: FailValidation,
			Message: "attribute not found in JSON document",
			Details: map[string]any{"attribute": spec.Attribute}}
	}
	if len(holders) > 1 {
		return "", &Failure{Phase: PhaseTransform, Kind: FailSafety,
			Message: fmt.Sprintf("attribute found in %d places; refusing ambiguous edit", len(holders))}
	}

	holder := holders[0]
	if spec.OldValue != "" && !looselyEqual(holder[spec.Attribute], spec.OldValue) {
		return "", &Failure{Phase: PhaseTransform, Kind: FailValidation,
			Message: "current value does not match the proposal's old value",
			Details: map[string]any{
				"current":  fmt.Sprintf("%v", holder[spec.Attribute]),
				"expected": spec.OldValue,
			}}
	}
	holder[spec.Attribute] = typedValue(spec.NewValue, spec.ValueType)

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", &Failure{Phase: PhaseTransform, Kind: FailIO,
			Message: fmt.Sprintf("re-serialize JSON: %v", err)}
	}
	return string(out) + "\n", nil
}

// findJSONHolders collects every map that holds the attribute, honoring
// the container constraint when one is declared.
func findJSONHolders(node any, container, attribute string, inContainer bool, out *[]map[string]any) {
	m, ok := node.(map[string]any)
	if !ok {
		if list, ok := node.([]any); ok {
			for _, item := range list {
				findJSONHolders(item, container, attribute, inContainer, out)
			}
		}
		return
	}

	if _, has := m[attribute]; has && (container == "" || inContainer) {
		*out = append(*out, m)
	}
	for key, child := range m {
		findJSONHolders(child, container, attribute, inContainer || key == container, out)
	}
}

// editYAML replaces the attribute's value in a YAML document, preserving
// comments and layout around the touched node.
func editYAML(content string, spec *TechnicalSpec) (string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return "", &Failure{Phase: PhaseTransform, Kind: FailInput,
			Message: fmt.Sprintf("target is not valid YAML: %v", err)}
	}
	if len(doc.Content) == 0 {
		return "", &Failure{Phase: PhaseTransform, Kind: FailInput,
			Message: "empty YAML document"}
	}

	var values []*yaml.Node
	findYAMLValues(doc.Content[0], spec.Container, spec.Attribute, false, &values)
	if len(values) == 0 {
		return "", &Failure{Phase: PhaseTransform, Kind: FailValidation,
			Message: "attribute not found in YAML document",
			Details: map[string]any{"attribute": spec.Attribute}}
	}
	if len(values) > 1 {
		return "", &Failure{Phase: PhaseTransform, Kind: FailSafety,
			Message: fmt.Sprintf("attribute found in %d places; refusing ambiguous edit", len(values))}
	}

	value := values[0]
	if spec.OldValue != "" && !looselyEqualStrings(value.Value, spec.OldValue) {
		return "", &Failure{Phase: PhaseTransform, Kind: FailValidation,
			Message: "current value does not match the proposal's old value",
			Details: map[string]any{"current": value.Value, "expected": spec.OldValue}}
	}

	value.Value = spec.NewValue
	value.Tag = yamlTag(spec.ValueType)
	value.Style = 0

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc.Content[0]); err != nil {
		return "", &Failure{Phase: PhaseTransform, Kind: FailIO,
			Message: fmt.Sprintf("re-serialize YAML: %v", err)}
	}
	enc.Close()
	return buf.String(), nil
}

// findYAMLValues collects value nodes keyed by attribute inside mapping
// nodes, honoring the container constraint.
func findYAMLValues(node *yaml.Node, container, attribute string, inContainer bool, out *[]*yaml.Node) {
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if key.Value == attribute && value.Kind == yaml.ScalarNode &&
				(container == "" || inContainer) {
				*out = append(*out, value)
			}
			findYAMLValues(value, container, attribute, inContainer || key.Value == container, out)
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			findYAMLValues(child, container, attribute, inContainer, out)
		}
	}
}

func yamlTag(valueType string) string {
	switch valueType {
	case "int":
		return "!!int"
	case "float":
		return "!!float"
	case "bool":
		return "!!bool"
	default:
		return "!!str"
	}
}

// typedValue converts the spec's string literal into the declared type.
func typedValue(value, valueType string) any {
	switch valueType {
	case "int":
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	case "float":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	case "bool":
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return value
}

// looselyEqual compares a decoded JSON value with a string literal,
// tolerating numeric formatting differences (0.70 vs 0.7).
func looselyEqual(current any, literal string) bool {
	switch v := current.(type) {
	case string:
		return v == literal
	case bool:
		parsed, err := strconv.ParseBool(literal)
		return err == nil && parsed == v
	case float64:
		parsed, err := strconv.ParseFloat(literal, 64)
		return err == nil && parsed == v
	default:
		return fmt.Sprintf("%v", current) == literal
	}
}

func looselyEqualStrings(current, literal string) bool {
	if current == literal {
		return true
	}
	a, errA := strconv.ParseFloat(current, 64)
	b, errB := strconv.ParseFloat(literal, 64)
	return errA == nil && errB == nil && a == b
}

// recheck confirms the edited content still parses for its format.
// Source formats re-parse in editSource; this covers the data formats.
func recheck(path, content string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if !json.Valid([]byte(content)) {
			return fmt.Errorf("invalid JSON")
		}
	case ".yaml", ".yml":
		var probe any
		if err := yaml.Unmarshal([]byte(content), &probe); err != nil {
			return fmt.Errorf("invalid YAML: %w", err)
		}
	case ".go":
		return recheckSource(content, langGo)
	case ".py":
		return recheckSource(content, langPython)
	}
	return nil
}
