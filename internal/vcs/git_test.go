package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func initRepo(t *testing.T) (string, *Git) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	g := NewGit(dir, nil)

	// An initial commit so branches can exist.
	seed := filepath.Join(dir, "README")
	if err := os.WriteFile(seed, []byte("seed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Commit(context.Background(), []string{seed}, "initial"); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	return dir, g
}

func TestCommitReturnsRevision(t *testing.T) {
	dir, g := initRepo(t)
	ctx := context.Background()

	file := filepath.Join(dir, "value.txt")
	if err := os.WriteFile(file, []byte("42\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	rev, err := g.Commit(ctx, []string{file}, "tune: value 41 -> 42")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(rev) != 40 {
		t.Errorf("revision = %q, want 40-char hash", rev)
	}

	status, err := g.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if strings.TrimSpace(status) != "" {
		t.Errorf("working tree dirty after commit: %q", status)
	}
}

func TestCreateOrCheckoutBranchIsIdempotent(t *testing.T) {
	_, g := initRepo(t)
	ctx := context.Background()

	if err := g.CreateOrCheckoutBranch(ctx, "selfpatch/abc123"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := g.CreateOrCheckoutBranch(ctx, "main"); err != nil {
		t.Fatalf("back to main: %v", err)
	}
	// Second call must reuse, not fail on the existing branch.
	if err := g.CreateOrCheckoutBranch(ctx, "selfpatch/abc123"); err != nil {
		t.Fatalf("reuse: %v", err)
	}

	branch, err := g.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	if branch != "selfpatch/abc123" {
		t.Errorf("branch = %q", branch)
	}
}

func TestBranchExists(t *testing.T) {
	_, g := initRepo(t)
	ctx := context.Background()

	exists, err := g.BranchExists(ctx, "main")
	if err != nil || !exists {
		t.Errorf("BranchExists(main) = %v, %v, want true", exists, err)
	}
	exists, err = g.BranchExists(ctx, "selfpatch/absent")
	if err != nil || exists {
		t.Errorf("BranchExists(absent) = %v, %v, want false", exists, err)
	}
}

func TestDeleteBranch(t *testing.T) {
	_, g := initRepo(t)
	ctx := context.Background()

	if err := g.CreateOrCheckoutBranch(ctx, "selfpatch/doomed"); err != nil {
		t.Fatal(err)
	}
	if err := g.CreateOrCheckoutBranch(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	if err := g.DeleteBranch(ctx, "selfpatch/doomed"); err != nil {
		t.Fatalf("DeleteBranch: %v", err)
	}
	if err := g.CreateOrCheckoutBranch(ctx, "selfpatch/doomed"); err != nil {
		t.Fatalf("recreate after delete: %v", err)
	}
}

func TestCommitNothingFails(t *testing.T) {
	_, g := initRepo(t)
	if _, err := g.Commit(context.Background(), nil, "empty"); err == nil {
		t.Error("empty commit accepted")
	}
}
