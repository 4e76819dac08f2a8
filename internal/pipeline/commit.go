package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"selfpatch/internal/vcs"
)

// protectedBranches may never receive a direct commit from the pipeline.
// Changes land on a feature branch; merging into one of these is a human
// decision.
var protectedBranches = map[string]bool{
	"main":       true,
	"master":     true,
	"develop":    true,
	"staging":    true,
	"production": true,
}

// branchPrefix namespaces the speculative feature branches.
const branchPrefix = "selfpatch/"

// CommitOutcome is what phase 4 produced and what its compensation
// needs: the branch (and whether this run created it) plus the revision.
type CommitOutcome struct {
	Branch        string
	CreatedBranch bool
	Revision      string
	PriorBranch   string
}

// Committer performs phase 4: check out a feature branch and commit the
// transformed file with a structured message.
type Committer struct {
	driver vcs.Driver
	logger *zap.Logger
}

// NewCommitter wires a Committer onto a VCS driver.
func NewCommitter(driver vcs.Driver, logger *zap.Logger) *Committer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{driver: driver, logger: logger}
}

// BranchName derives the feature branch for a proposal, honoring an
// explicit override.
func BranchName(proposalID, override string) string {
	if override != "" {
		return override
	}
	short := proposalID
	if len(short) > 8 {
		short = short[:8]
	}
	return branchPrefix + short
}

// Commit lands the edit on its feature branch. A protected branch name is
// refused before anything touches the repository.
func (c *Committer) Commit(ctx context.Context, req *Request, spec *TechnicalSpec, outcome *TransformOutcome) (*CommitOutcome, error) {
	branch := BranchName(req.ProposalID, req.Branch)
	if protectedBranches[branch] {
		return nil, &Failure{Phase: PhaseCommit, Kind: FailSafety,
			Message: fmt.Sprintf("refusing to commit to protected branch %q", branch)}
	}

	prior, err := c.driver.CurrentBranch(ctx)
	if err != nil {
		return nil, &Failure{Phase: PhaseCommit, Kind: FailIO,
			Message: fmt.Sprintf("read current branch: %v", err)}
	}

	// Only a branch this run actually brings into existence may be
	// deleted by the compensation path; a reused one carries history.
	exists, err := c.driver.BranchExists(ctx, branch)
	if err != nil {
		return nil, &Failure{Phase: PhaseCommit, Kind: FailIO,
			Message: fmt.Sprintf("probe branch %s: %v", branch, err)}
	}
	created := !exists
	if err := c.driver.CreateOrCheckoutBranch(ctx, branch); err != nil {
		return nil, &Failure{Phase: PhaseCommit, Kind: FailIO,
			Message: fmt.Sprintf("switch to branch %s: %v", branch, err)}
	}

	out := &CommitOutcome{Branch: branch, CreatedBranch: created, PriorBranch: prior}
	rev, err := c.driver.Commit(ctx, []string{outcome.Path}, commitMessage(req, spec, outcome))
	if err != nil {
		return out, &Failure{Phase: PhaseCommit, Kind: FailIO,
			Message: fmt.Sprintf("commit: %v", err)}
	}
	out.Revision = rev
	c.logger.Info("change committed",
		zap.String("branch", branch),
		zap.String("revision", rev),
		zap.String("proposal", req.ProposalID))
	return out, nil
}

// Abandon is the phase-4 compensation: return to the prior branch and
// remove the speculative branch when this run created it.
func (c *Committer) Abandon(ctx context.Context, outcome *CommitOutcome) error {
	if outcome == nil {
		return nil
	}
	if outcome.PriorBranch != "" {
		if err := c.driver.CreateOrCheckoutBranch(ctx, outcome.PriorBranch); err != nil {
			return fmt.Errorf("return to %s: %w", outcome.PriorBranch, err)
		}
	}
	if outcome.CreatedBranch && outcome.Revision == "" {
		if err := c.driver.DeleteBranch(ctx, outcome.Branch); err != nil {
			return fmt.Errorf("delete branch %s: %w", outcome.Branch, err)
		}
		c.logger.Warn("speculative branch removed", zap.String("branch", outcome.Branch))
	}
	return nil
}

// commitMessage builds the structured message:
//
//	tune: threshold 0.70 -> 0.65 (proposal 1a2b3c4d)
//
// with the proposal text as the body, truncated.
func commitMessage(req *Request, spec *TechnicalSpec, outcome *TransformOutcome) string {
	subject := spec.Attribute
	if subject == "" {
		subject = outcome.Path
	}
	head := fmt.Sprintf("%s: %s", spec.Kind.commitPrefix(), subject)
	if spec.OldValue != "" && spec.NewValue != "" {
		head += fmt.Sprintf(" %s -> %s", spec.OldValue, spec.NewValue)
	}
	short := req.ProposalID
	if len(short) > 8 {
		short = short[:8]
	}
	head += fmt.Sprintf(" (proposal %s)", short)

	body := strings.TrimSpace(req.Text)
	if len(body) > 400 {
		body = body[:400] + "..."
	}
	if body == "" {
		return head
	}
	return head + "\n\n" + body
}
