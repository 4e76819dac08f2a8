package diff

import (
	"strings"
	"testing"
)

func TestStats(t *testing.T) {
	e := NewEngine()

	oldContent := "a\nb\nc\n"
	newContent := "a\nB\nc\nd\n"

	stats := e.Stats(oldContent, newContent)
	if stats.Added != 2 || stats.Removed != 1 {
		t.Errorf("Stats = %+v, want +2/-1", stats)
	}
	if stats.String() != "+2/-1" {
		t.Errorf("String = %q", stats.String())
	}
}

func TestStatsIdentical(t *testing.T) {
	e := NewEngine()
	stats := e.Stats("same\n", "same\n")
	if stats.Added != 0 || stats.Removed != 0 {
		t.Errorf("identical content should diff clean: %+v", stats)
	}
}

func TestUnified(t *testing.T) {
	text, err := Unified("config.json", "x = 1\n", "x = 2\n")
	if err != nil {
		t.Fatalf("Unified: %v", err)
	}
	if !strings.Contains(text, "-x = 1") || !strings.Contains(text, "+x = 2") {
		t.Errorf("unified diff missing change lines:\n%s", text)
	}
	if !strings.Contains(text, "config.json") {
		t.Errorf("unified diff missing file name:\n%s", text)
	}
}
