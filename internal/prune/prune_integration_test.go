//go:build integration

package prune

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/claimtree/claimtree/internal/config"
	"github.com/claimtree/claimtree/internal/store"
	"github.com/claimtree/claimtree/internal/testutil"
	"github.com/claimtree/claimtree/internal/worktree"
)

func newTestPruner(t *testing.T) (*Pruner, *worktree.Manager, *store.Store) {
	t.Helper()
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepoWithContent(t, map[string]string{
		"src/lb/lbvector.c": "int lbvector;\n",
		"src/gr/grmap.c":    "int grmap;\n",
	})
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mgr := worktree.NewManager(worktree.NewGit(repoDir), s, config.Default().Worktree,
		repoDir+"-worktrees", nil)
	return New(mgr, s, nil), mgr, s
}

func TestPlanProtectsPendingWork(t *testing.T) {
	p, mgr, _ := newTestPruner(t)
	ctx := context.Background()

	// lb has pending commits, gr is clean, it is dirty.
	lb, err := mgr.Ensure(ctx, "lb")
	if err != nil {
		t.Fatal(err)
	}
	testutil.CommitFile(t, lb.Path, "src/lb/lbvector.c", "int lbvector = 1;\n", "lbvector match")
	if _, err := mgr.Ensure(ctx, "gr"); err != nil {
		t.Fatal(err)
	}
	it, err := mgr.Ensure(ctx, "it")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(it.Path, "scratch.c"), []byte("int x;\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	candidates, err := p.Plan(ctx, Options{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	byKey := map[string]Candidate{}
	for _, c := range candidates {
		byKey[c.Workspace.SubdirKey] = c
	}
	if c := byKey["lb"]; c.Removable || c.Reason != "pending commits" {
		t.Errorf("lb = %+v, want protected by pending commits", c)
	}
	if c := byKey["gr"]; !c.Removable {
		t.Errorf("gr = %+v, want removable", c)
	}
	if c := byKey["it"]; c.Removable || c.Reason != "uncommitted changes" {
		t.Errorf("it = %+v, want protected by uncommitted changes", c)
	}

	// Force makes everything removable.
	candidates, err = p.Plan(ctx, Options{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range candidates {
		if !c.Removable {
			t.Errorf("%s not removable under force: %s", c.Workspace.SubdirKey, c.Reason)
		}
	}
}

func TestPlanRespectsMaxAge(t *testing.T) {
	p, mgr, _ := newTestPruner(t)
	ctx := context.Background()

	if _, err := mgr.Ensure(ctx, "gr"); err != nil {
		t.Fatal(err)
	}
	candidates, err := p.Plan(ctx, Options{MaxAge: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 || candidates[0].Removable {
		t.Errorf("fresh workspace should be kept: %+v", candidates)
	}
	if candidates[0].Reason != "recent activity" {
		t.Errorf("reason = %q", candidates[0].Reason)
	}
}

func TestPlanProtectsLockedWorkspace(t *testing.T) {
	p, mgr, _ := newTestPruner(t)
	ctx := context.Background()

	if _, err := mgr.Ensure(ctx, "gr"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Lock(ctx, "gr", "agent-1"); err != nil {
		t.Fatal(err)
	}
	candidates, err := p.Plan(ctx, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if candidates[0].Removable || candidates[0].Reason != "locked by agent-1" {
		t.Errorf("locked workspace = %+v", candidates[0])
	}
}

func TestExecuteRemovesOnlyRemovable(t *testing.T) {
	p, mgr, s := newTestPruner(t)
	ctx := context.Background()

	lb, err := mgr.Ensure(ctx, "lb")
	if err != nil {
		t.Fatal(err)
	}
	testutil.CommitFile(t, lb.Path, "src/lb/lbvector.c", "int lbvector = 1;\n", "lbvector match")
	gr, err := mgr.Ensure(ctx, "gr")
	if err != nil {
		t.Fatal(err)
	}

	removed, err := p.Execute(ctx, Options{}, "agent-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(removed) != 1 || removed[0].Workspace.SubdirKey != "gr" {
		t.Fatalf("removed = %+v, want only gr", removed)
	}
	if _, err := os.Stat(gr.Path); !os.IsNotExist(err) {
		t.Error("gr worktree directory still present")
	}
	if _, err := os.Stat(lb.Path); err != nil {
		t.Error("lb worktree should have been kept")
	}
	if _, err := s.GetWorkspace(ctx, "lb"); err != nil {
		t.Error("lb workspace row should have been kept")
	}
	// The removal left its audit note.
	history, err := s.History(ctx, "workspace:gr")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Note != "pruned" {
		t.Errorf("audit = %+v", history)
	}
}
