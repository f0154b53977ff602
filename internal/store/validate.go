package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/claimtree/claimtree/internal/errors"
)

// RepoChecker answers questions about what actually exists in git. The
// worktree package provides the real implementation; tests stub it.
type RepoChecker interface {
	BranchExists(ctx context.Context, branch string) (bool, error)
	WorktreeExists(ctx context.Context, path string) (bool, error)
	PendingCount(ctx context.Context, branch string) (int, error)
	// CommitReachable reports whether sha is reachable from branch or
	// from the upstream branch. An empty branch checks upstream only.
	CommitReachable(ctx context.Context, sha, branch string) (bool, error)
}

// PRChecker reports the state of a pull request: "open", "closed", or
// "merged". A nil PRChecker skips PR reconciliation.
type PRChecker interface {
	PRState(ctx context.Context, url string) (string, error)
}

// IssueKind classifies one piece of drift between the database and git.
type IssueKind string

const (
	IssueMissingWorktree IssueKind = "missing_worktree"
	IssueMissingBranch   IssueKind = "missing_branch"
	IssueStalePending    IssueKind = "stale_pending_count"
	IssueOrphanClaim     IssueKind = "orphan_claim"
	IssueMergedPR        IssueKind = "merged_pr"
	IssueClosedPR        IssueKind = "closed_pr"
	IssueUncheckedPR     IssueKind = "unchecked_pr"
	IssueLostCommit      IssueKind = "lost_commit"
	IssueNoScratchRef    IssueKind = "no_scratch_ref"
)

// Issue is one detected inconsistency. Fixed reports whether Validate
// repaired it.
type Issue struct {
	Kind    IssueKind
	Subject string
	Detail  string
	Fixed   bool
}

// Report summarizes a validation pass.
type Report struct {
	Issues []Issue
}

// Clean reports whether no drift was found.
func (r Report) Clean() bool { return len(r.Issues) == 0 }

// Validate reconciles the database against git and GitHub reality. With
// fix set it repairs what it safely can: dropping workspace rows whose
// worktree and branch are both gone, correcting pending-commit caches,
// purging claims on terminal units, reverting units whose recorded commit
// no branch can reach, and advancing in_review units whose PR has merged.
// Drift it cannot repair safely is only reported.
func (s *Store) Validate(ctx context.Context, repo RepoChecker, prs PRChecker, fix bool) (Report, error) {
	var report Report

	workspaces, err := s.ListWorkspaces(ctx)
	if err != nil {
		return report, err
	}
	for _, w := range workspaces {
		dirOK, err := repo.WorktreeExists(ctx, w.Path)
		if err != nil {
			return report, err
		}
		branchOK, err := repo.BranchExists(ctx, w.Branch)
		if err != nil {
			return report, err
		}
		switch {
		case !dirOK && !branchOK:
			issue := Issue{
				Kind:    IssueMissingWorktree,
				Subject: w.SubdirKey,
				Detail:  fmt.Sprintf("worktree %s and branch %s are both gone", w.Path, w.Branch),
			}
			if fix {
				if err := s.DeleteWorkspace(ctx, w.SubdirKey, "validate", "removed by validate --fix"); err != nil {
					return report, err
				}
				issue.Fixed = true
			}
			report.Issues = append(report.Issues, issue)
		case !dirOK:
			report.Issues = append(report.Issues, Issue{
				Kind:    IssueMissingWorktree,
				Subject: w.SubdirKey,
				Detail:  fmt.Sprintf("worktree directory %s is missing; branch %s still exists", w.Path, w.Branch),
			})
		case !branchOK:
			report.Issues = append(report.Issues, Issue{
				Kind:    IssueMissingBranch,
				Subject: w.SubdirKey,
				Detail:  fmt.Sprintf("branch %s is missing; worktree %s still exists", w.Branch, w.Path),
			})
		default:
			pending, err := repo.PendingCount(ctx, w.Branch)
			if err != nil {
				return report, err
			}
			if pending != w.PendingCommits {
				issue := Issue{
					Kind:    IssueStalePending,
					Subject: w.SubdirKey,
					Detail:  fmt.Sprintf("cached %d pending commits, git reports %d", w.PendingCommits, pending),
				}
				if fix {
					if err := s.SetWorkspacePending(ctx, w.SubdirKey, pending); err != nil {
						return report, err
					}
					issue.Fixed = true
				}
				report.Issues = append(report.Issues, issue)
			}
		}
	}

	if err := s.validateUnits(ctx, repo, fix, &report); err != nil {
		return report, err
	}
	if err := s.validateClaims(ctx, fix, &report); err != nil {
		return report, err
	}
	if err := s.validatePRs(ctx, prs, fix, &report); err != nil {
		return report, err
	}
	return report, nil
}

// validateUnits flags recorded commit SHAs no branch can reach and matched
// units missing their scratch reference. With fix set, a lost commit rolls
// the unit back to matched so the work is re-collected; a missing scratch
// ref has no safe repair and is only reported.
func (s *Store) validateUnits(ctx context.Context, repo RepoChecker, fix bool, report *Report) error {
	units, err := s.Query(ctx, Filter{Statuses: []Status{StatusMatched, StatusCommitted, StatusInReview}})
	if err != nil {
		return err
	}
	for _, u := range units {
		if u.Status == StatusMatched && u.ScratchRef == "" {
			report.Issues = append(report.Issues, Issue{
				Kind:    IssueNoScratchRef,
				Subject: u.ID,
				Detail:  "matched with no scratch ref recorded",
			})
		}
		if u.CommitSHA == "" {
			continue
		}
		branch := ""
		if w, err := s.GetWorkspace(ctx, u.SubdirKey); err == nil {
			branch = w.Branch
		} else if !errors.IsNotFound(err) {
			return err
		}
		reachable, err := repo.CommitReachable(ctx, u.CommitSHA, branch)
		if err != nil {
			return err
		}
		if !reachable {
			issue := Issue{
				Kind:    IssueLostCommit,
				Subject: u.ID,
				Detail:  fmt.Sprintf("recorded commit %s is not reachable from any known branch", u.CommitSHA),
			}
			if fix {
				if err := s.revertLostCommit(ctx, u.ID, u.Status); err != nil {
					return err
				}
				issue.Fixed = true
			}
			report.Issues = append(report.Issues, issue)
		}
	}
	return nil
}

// validateClaims flags claims held on units that have already reached a
// terminal state.
func (s *Store) validateClaims(ctx context.Context, fix bool, report *Report) error {
	claims, err := s.ListClaims(ctx, "")
	if err != nil {
		return err
	}
	for _, c := range claims {
		u, err := s.GetUnit(ctx, c.UnitID)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return err
		}
		if !u.Status.Terminal() {
			continue
		}
		issue := Issue{
			Kind:    IssueOrphanClaim,
			Subject: c.UnitID,
			Detail:  fmt.Sprintf("claim by %s on %s unit", c.AgentID, u.Status),
		}
		if fix {
			if err := s.forceDropClaim(ctx, c.UnitID); err != nil {
				return err
			}
			issue.Fixed = true
		}
		report.Issues = append(report.Issues, issue)
	}
	return nil
}

// validatePRs reconciles in_review units against their pull requests.
func (s *Store) validatePRs(ctx context.Context, prs PRChecker, fix bool, report *Report) error {
	if prs == nil {
		return nil
	}
	units, err := s.Query(ctx, Filter{Statuses: []Status{StatusInReview}})
	if err != nil {
		return err
	}
	for _, u := range units {
		if u.PRURL == "" {
			continue
		}
		state, err := prs.PRState(ctx, u.PRURL)
		if err != nil {
			report.Issues = append(report.Issues, Issue{
				Kind:    IssueUncheckedPR,
				Subject: u.ID,
				Detail:  fmt.Sprintf("could not check %s: %v", u.PRURL, err),
			})
			continue
		}
		switch state {
		case "merged":
			issue := Issue{
				Kind:    IssueMergedPR,
				Subject: u.ID,
				Detail:  fmt.Sprintf("%s has merged but unit is still in_review", u.PRURL),
			}
			if fix {
				if _, err := s.RecordTransition(ctx, u.ID, StatusMerged, "validate",
					TransitionMeta{Note: "PR merged, advanced by validate --fix"}, false); err != nil {
					return err
				}
				issue.Fixed = true
			}
			report.Issues = append(report.Issues, issue)
		case "closed":
			report.Issues = append(report.Issues, Issue{
				Kind:    IssueClosedPR,
				Subject: u.ID,
				Detail:  fmt.Sprintf("%s was closed without merging", u.PRURL),
			})
		}
	}
	return nil
}

// revertLostCommit rolls a unit back to matched and clears its recorded
// commit, with an audit entry, so the work goes through collection again.
func (s *Store) revertLostCommit(ctx context.Context, unitID string, from Status) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		_, err := tx.ExecContext(ctx, `
			UPDATE units SET status = ?, commit_sha = '', updated_at = ?
			WHERE id = ?`,
			string(StatusMatched), now, unitID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_log (unit_id, from_state, to_state, agent_id, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			unitID, string(from), string(StatusMatched), "validate",
			"recorded commit lost, reverted by validate --fix", now)
		return err
	})
}

func (s *Store) forceDropClaim(ctx context.Context, unitID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE unit_id = ?`, unitID)
		return err
	})
}
