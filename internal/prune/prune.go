// Package prune retires worktrees whose work has fully landed. Removal is
// deliberately conservative: pending commits or uncommitted changes keep a
// worktree alive unless the caller forces the issue.
package prune

import (
	"context"
	"time"

	"github.com/claimtree/claimtree/internal/logging"
	"github.com/claimtree/claimtree/internal/store"
	"github.com/claimtree/claimtree/internal/worktree"
)

// Options selects what Plan considers removable.
type Options struct {
	// Force removes worktrees even with pending commits, uncommitted
	// changes, or a live lock.
	Force bool
	// MaxAge keeps worktrees with activity more recent than this. Zero
	// disables the age check.
	MaxAge time.Duration
}

// Candidate is one worktree the pruner would remove, or the reason it
// will not.
type Candidate struct {
	Workspace store.Workspace
	Dirty     bool
	Removable bool
	Reason    string
}

// Pruner plans and executes worktree removal.
type Pruner struct {
	mgr    *worktree.Manager
	store  *store.Store
	logger *logging.Logger
	now    func() time.Time
}

// New creates a Pruner over the manager's worktrees.
func New(mgr *worktree.Manager, s *store.Store, logger *logging.Logger) *Pruner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Pruner{mgr: mgr, store: s, logger: logger, now: time.Now}
}

// Plan evaluates every workspace against the options without removing
// anything. Pending counts come from git, not the cache.
func (p *Pruner) Plan(ctx context.Context, opts Options) ([]Candidate, error) {
	statuses, err := p.mgr.Status(ctx)
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()

	candidates := make([]Candidate, 0, len(statuses))
	for _, ws := range statuses {
		c := Candidate{Workspace: ws.Workspace, Dirty: ws.Dirty}
		switch {
		case opts.MaxAge > 0 && now.Sub(ws.LastActivityAt) < opts.MaxAge:
			c.Reason = "recent activity"
		case ws.PendingCommits > 0 && !opts.Force:
			c.Reason = "pending commits"
		case ws.Dirty && !opts.Force:
			c.Reason = "uncommitted changes"
		case ws.LockHolder != "" && !opts.Force:
			c.Reason = "locked by " + ws.LockHolder
		default:
			c.Removable = true
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// Execute removes every removable candidate: worktree, branch, and
// workspace row, with an audit note. It returns the candidates it acted
// on.
func (p *Pruner) Execute(ctx context.Context, opts Options, agentID string) ([]Candidate, error) {
	candidates, err := p.Plan(ctx, opts)
	if err != nil {
		return nil, err
	}
	var removed []Candidate
	for _, c := range candidates {
		if !c.Removable {
			continue
		}
		note := "pruned"
		if opts.Force {
			note = "pruned (forced)"
		}
		if err := p.mgr.Remove(ctx, c.Workspace.SubdirKey, agentID, note); err != nil {
			return removed, err
		}
		removed = append(removed, c)
	}
	p.logger.Info("prune finished", "removed", len(removed), "considered", len(candidates))
	return removed, nil
}
