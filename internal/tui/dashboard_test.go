package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/claimtree/claimtree/internal/store"
	"github.com/claimtree/claimtree/internal/worktree"
)

type staticSource struct {
	snapshot Snapshot
	err      error
}

func (s staticSource) Snapshot(context.Context) (Snapshot, error) {
	return s.snapshot, s.err
}

func testSnapshot() Snapshot {
	return Snapshot{
		Workspaces: []worktree.WorkspaceStatus{
			{Workspace: store.Workspace{
				SubdirKey:      "lb",
				Branch:         "subdirs/lb",
				PendingCommits: 2,
				LockHolder:     "agent-1",
				Health:         store.HealthHealthy,
			}, Dirty: true},
			{Workspace: store.Workspace{
				SubdirKey: "gr",
				Branch:    "subdirs/gr",
				Health:    store.HealthHealthy,
			}},
		},
		Claims: []store.Claim{
			{UnitID: "lbvector_Add", AgentID: "agent-1"},
		},
		Units:   map[store.Status]int{store.StatusInProgress: 1, store.StatusMerged: 3},
		TakenAt: time.Now(),
	}
}

func TestRenderOneShot(t *testing.T) {
	out := Render(testSnapshot())
	for _, want := range []string{"lb", "subdirs/lb", "agent-1", "2 workspaces", "1 claims", "1 in_progress", "3 merged"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderEmptySnapshot(t *testing.T) {
	out := Render(Snapshot{})
	if !strings.Contains(out, "no workspaces") {
		t.Errorf("empty output:\n%s", out)
	}
}

func TestModelRefreshAndQuit(t *testing.T) {
	m := NewModel(staticSource{snapshot: testSnapshot()})

	// A snapshot arrival populates the table.
	updated, _ := m.Update(snapshotMsg{snapshot: testSnapshot()})
	m = updated.(Model)
	view := m.View()
	if !strings.Contains(view, "subdirs/lb") {
		t.Errorf("view missing workspace row:\n%s", view)
	}

	// A tick schedules another refresh.
	_, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Error("tick should schedule commands")
	}

	// q quits.
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q should produce a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestModelKeepsLastSnapshotOnError(t *testing.T) {
	m := NewModel(staticSource{})
	updated, _ := m.Update(snapshotMsg{snapshot: testSnapshot()})
	m = updated.(Model)
	updated, _ = m.Update(snapshotMsg{err: context.DeadlineExceeded})
	m = updated.(Model)

	view := m.View()
	if !strings.Contains(view, "refresh failed") {
		t.Errorf("view missing error:\n%s", view)
	}
	if !strings.Contains(view, "subdirs/lb") {
		t.Errorf("view lost previous snapshot:\n%s", view)
	}
}
