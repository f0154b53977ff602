// Package collector sweeps the per-subdirectory worktrees and gathers
// their pending commits onto one batch branch, cherry-picking commit by
// commit so a single conflict never sinks the whole batch.
package collector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/claimtree/claimtree/internal/config"
	"github.com/claimtree/claimtree/internal/errors"
	"github.com/claimtree/claimtree/internal/gh"
	"github.com/claimtree/claimtree/internal/logging"
	"github.com/claimtree/claimtree/internal/store"
	"github.com/claimtree/claimtree/internal/worktree"
)

// Options tunes one collection run.
type Options struct {
	// BranchName overrides the date-derived batch branch.
	BranchName string
	// CreatePR opens a pull request for the pushed branch.
	CreatePR bool
	// Push publishes the branch after the sweep.
	Push bool
}

// PlanCommit is one commit the sweep would pick.
type PlanCommit struct {
	SHA     string
	Subject string
	UnitID  string
}

// PlanEntry groups a workspace's pending commits.
type PlanEntry struct {
	SubdirKey string
	Branch    string
	Commits   []PlanCommit
}

// Plan is what a sweep would do, computed without mutating anything.
type Plan struct {
	Branch     string
	Workspaces []PlanEntry
}

// Total returns how many commits the plan covers.
func (p *Plan) Total() int {
	n := 0
	for _, w := range p.Workspaces {
		n += len(w.Commits)
	}
	return n
}

// Result reports a finished collection run.
type Result struct {
	Batch      store.Batch
	Applied    int
	Conflicted int
	Skipped    int
	PRURL      string
}

// Collector gathers worktree commits into batch branches.
type Collector struct {
	git    *worktree.Git
	mgr    *worktree.Manager
	store  *store.Store
	github gh.Client
	cfg    config.CollectConfig
	logger *logging.Logger
	now    func() time.Time
}

// New creates a Collector. The gh client may be nil when PR creation is
// never requested.
func New(git *worktree.Git, mgr *worktree.Manager, s *store.Store, github gh.Client, cfg config.CollectConfig, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Collector{
		git:    git,
		mgr:    mgr,
		store:  s,
		github: github,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// BranchName returns the batch branch for a run: the explicit name, or the
// configured prefix plus today's date.
func (c *Collector) BranchName(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return c.cfg.BranchPrefix + c.now().UTC().Format("20060102")
}

// DryRun computes the sweep plan without touching git state.
func (c *Collector) DryRun(ctx context.Context) (*Plan, error) {
	workspaces, err := c.orderedWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Branch: c.BranchName("")}
	for _, w := range workspaces {
		entry, err := c.planWorkspace(ctx, w)
		if err != nil {
			return nil, err
		}
		if len(entry.Commits) > 0 {
			plan.Workspaces = append(plan.Workspaces, entry)
		}
	}
	return plan, nil
}

// Collect runs the sweep: a batch branch from upstream, every workspace's
// pending commits cherry-picked in order, outcomes recorded, and the
// branch pushed. A conflicted commit is aborted and the remainder of that
// workspace skipped; other workspaces still collect. The primary checkout
// is returned to upstream afterwards.
func (c *Collector) Collect(ctx context.Context, opts Options) (*Result, error) {
	branch := c.BranchName(opts.BranchName)
	upstream := c.mgr.Upstream()

	if dirty, err := c.git.HasUncommittedChanges(ctx, c.git.RepoDir()); err != nil {
		return nil, err
	} else if dirty {
		return nil, fmt.Errorf("primary checkout: %w", errors.ErrUncommittedChanges)
	}

	// A batch branch is written exactly once; appending to one that may
	// already be under review would change it behind the reviewer.
	exists, err := c.git.BranchExists(ctx, branch)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("batch branch %s: %w", branch, errors.ErrBranchExists)
	}
	if err := c.git.CreateBranchFrom(ctx, branch, upstream); err != nil {
		return nil, err
	}

	if err := c.git.Checkout(ctx, branch); err != nil {
		return nil, err
	}
	defer func() {
		if err := c.git.Checkout(ctx, upstream); err != nil {
			c.logger.Error("could not return to upstream checkout", "error", err)
		}
	}()

	workspaces, err := c.orderedWorkspaces(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	var outcomes []store.BatchCommit
	for _, w := range workspaces {
		entry, err := c.planWorkspace(ctx, w)
		if err != nil {
			return nil, err
		}
		skipRest := false
		for _, commit := range entry.Commits {
			bc := store.BatchCommit{
				UnitID:    commit.UnitID,
				SubdirKey: w.SubdirKey,
				CommitSHA: commit.SHA,
			}
			if skipRest {
				bc.Outcome = store.OutcomeSkipped
				bc.Detail = "earlier commit in this workspace conflicted"
				result.Skipped++
				outcomes = append(outcomes, bc)
				continue
			}
			err := c.git.CherryPick(ctx, commit.SHA, w.Branch)
			var conflict *worktree.CherryPickConflictError
			switch {
			case err == nil:
				bc.Outcome = store.OutcomeApplied
				result.Applied++
			case errors.As(err, &conflict):
				bc.Outcome = store.OutcomeConflicted
				bc.Detail = firstLine(conflict.Output)
				result.Conflicted++
				skipRest = true
				c.logger.WithSubdir(w.SubdirKey).Warn("cherry-pick conflicted",
					"commit", commit.SHA, "subject", commit.Subject)
			default:
				return nil, err
			}
			outcomes = append(outcomes, bc)
		}
	}

	batch, err := c.store.CreateBatch(ctx, branch, outcomes)
	if err != nil {
		return nil, err
	}
	result.Batch = batch

	// The worktree branches still hold their commits until the batch
	// merges, but the cached counts may have gone stale during the sweep.
	for _, w := range workspaces {
		pending, err := c.git.CountCommitsBetween(ctx, upstream, w.Branch)
		if err == nil && pending != w.PendingCommits {
			_ = c.store.SetWorkspacePending(ctx, w.SubdirKey, pending)
		}
	}

	c.logger.Info("batch collected", "branch", branch,
		"applied", result.Applied, "conflicted", result.Conflicted, "skipped", result.Skipped)

	if !opts.Push && !opts.CreatePR {
		return result, nil
	}
	if err := c.git.Push(ctx, c.cfg.Remote, branch); err != nil {
		// The local branch survives for manual retry.
		return result, err
	}
	if opts.CreatePR {
		base := c.cfg.PRBase
		if base == "" {
			base = upstream
		}
		prURL, err := c.github.CreatePR(ctx, c.git.RepoDir(), gh.PROptions{
			Head:  branch,
			Base:  base,
			Title: fmt.Sprintf("Agent batch: %d matched functions", result.Applied),
			Body:  c.prBody(result),
		})
		if err != nil {
			return result, err
		}
		result.PRURL = prURL
		if err := c.store.SetBatchPR(ctx, batch.ID, prURL); err != nil {
			return result, err
		}
	}
	return result, nil
}

// orderedWorkspaces returns workspaces with pending work in the configured
// deterministic sweep order.
func (c *Collector) orderedWorkspaces(ctx context.Context) ([]store.Workspace, error) {
	workspaces, err := c.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(workspaces, func(i, j int) bool {
		if c.cfg.Order == config.OrderReverseLexicographic {
			return workspaces[i].SubdirKey > workspaces[j].SubdirKey
		}
		return workspaces[i].SubdirKey < workspaces[j].SubdirKey
	})
	return workspaces, nil
}

// planWorkspace lists a workspace's commits ahead of upstream, oldest
// first, resolving each to a unit when the subject's first token names one.
func (c *Collector) planWorkspace(ctx context.Context, w store.Workspace) (PlanEntry, error) {
	entry := PlanEntry{SubdirKey: w.SubdirKey, Branch: w.Branch}
	if exists, err := c.git.BranchExists(ctx, w.Branch); err != nil || !exists {
		return entry, err
	}
	shas, err := c.git.CommitsBetween(ctx, c.mgr.Upstream(), w.Branch)
	if err != nil {
		return entry, err
	}
	for _, sha := range shas {
		subject, err := c.git.CommitSubject(ctx, sha)
		if err != nil {
			return entry, err
		}
		commit := PlanCommit{SHA: sha, Subject: subject}
		if token := firstToken(subject); token != "" {
			if _, err := c.store.GetUnit(ctx, token); err == nil {
				commit.UnitID = token
			}
		}
		entry.Commits = append(entry.Commits, commit)
	}
	return entry, nil
}

// prBody renders the pull request description: applied commits grouped by
// subdirectory, then anything that conflicted or was skipped.
func (c *Collector) prBody(result *Result) string {
	var b strings.Builder
	b.WriteString("Automated batch of agent worktree commits.\n")

	bySubdir := map[string][]store.BatchCommit{}
	var keys []string
	var leftovers []store.BatchCommit
	for _, commit := range result.Batch.Commits {
		if commit.Outcome != store.OutcomeApplied {
			leftovers = append(leftovers, commit)
			continue
		}
		if _, seen := bySubdir[commit.SubdirKey]; !seen {
			keys = append(keys, commit.SubdirKey)
		}
		bySubdir[commit.SubdirKey] = append(bySubdir[commit.SubdirKey], commit)
	}
	sort.Strings(keys)

	for _, key := range keys {
		fmt.Fprintf(&b, "\n## %s\n\n", key)
		for _, commit := range bySubdir[key] {
			if commit.UnitID != "" {
				fmt.Fprintf(&b, "- %s (`%s`)\n", commit.UnitID, short(commit.CommitSHA))
			} else {
				fmt.Fprintf(&b, "- `%s`\n", short(commit.CommitSHA))
			}
		}
	}

	if len(leftovers) > 0 {
		b.WriteString("\n## Not collected\n\n")
		for _, commit := range leftovers {
			fmt.Fprintf(&b, "- `%s` (%s): %s\n", short(commit.CommitSHA), commit.SubdirKey, commit.Outcome)
		}
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func firstToken(subject string) string {
	fields := strings.Fields(subject)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(fields[0], ":")
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
