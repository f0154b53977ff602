package worktree

import (
	"context"
	"strings"
	"testing"

	"github.com/claimtree/claimtree/internal/errors"
)

// mockCall records a single command invocation.
type mockCall struct {
	dir  string
	name string
	args []string
}

// mockExecutor is a test double for CommandExecutor.
type mockExecutor struct {
	calls      []mockCall
	runOutputs [][]byte
	runErrors  []error
	callIndex  int
}

func (m *mockExecutor) addResponse(output []byte, err error) {
	m.runOutputs = append(m.runOutputs, output)
	m.runErrors = append(m.runErrors, err)
}

func (m *mockExecutor) next() (output []byte, err error) {
	idx := m.callIndex
	m.callIndex++
	if idx < len(m.runOutputs) {
		return m.runOutputs[idx], m.runErrors[idx]
	}
	return nil, nil
}

func (m *mockExecutor) Run(_ context.Context, dir string, name string, args ...string) ([]byte, error) {
	m.calls = append(m.calls, mockCall{dir: dir, name: name, args: args})
	return m.next()
}

func (m *mockExecutor) RunQuiet(_ context.Context, dir string, name string, args ...string) error {
	m.calls = append(m.calls, mockCall{dir: dir, name: name, args: args})
	_, err := m.next()
	return err
}

func (m *mockExecutor) lastCall() mockCall {
	return m.calls[len(m.calls)-1]
}

func TestCherryPickConflictAborts(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse([]byte("error: could not apply abc123\nCONFLICT (content): merge conflict in src/lb/lbvector.c"), errors.New("exit status 1"))
	exec.addResponse(nil, nil) // the abort
	g := NewGitWithExecutor("/repo", exec)

	err := g.CherryPick(context.Background(), "abc123", "subdirs/lb")
	var conflict *CherryPickConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v, want CherryPickConflictError", err)
	}
	if conflict.Commit != "abc123" || conflict.Branch != "subdirs/lb" {
		t.Errorf("conflict = %+v", conflict)
	}
	last := exec.lastCall()
	if strings.Join(last.args, " ") != "cherry-pick --abort" {
		t.Errorf("last command = git %v, want cherry-pick --abort", last.args)
	}
}

func TestCherryPickPlainFailure(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse([]byte("fatal: bad revision 'abc123'"), errors.New("exit status 128"))
	g := NewGitWithExecutor("/repo", exec)

	err := g.CherryPick(context.Background(), "abc123", "subdirs/lb")
	var gitErr *errors.GitError
	if !errors.As(err, &gitErr) {
		t.Fatalf("got %v, want GitError", err)
	}
	// No abort for non-conflict failures.
	if len(exec.calls) != 1 {
		t.Errorf("got %d calls, want 1", len(exec.calls))
	}
}

func TestCreateBranchFromExists(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse([]byte("fatal: a branch named 'agent-batch/20260828' already exists"), errors.New("exit status 128"))
	g := NewGitWithExecutor("/repo", exec)

	err := g.CreateBranchFrom(context.Background(), "agent-batch/20260828", "main")
	if !errors.Is(err, errors.ErrBranchExists) {
		t.Fatalf("got %v, want ErrBranchExists", err)
	}
}

func TestPushFailureWrapsSentinel(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse([]byte("fatal: unable to access remote"), errors.New("exit status 128"))
	g := NewGitWithExecutor("/repo", exec)

	err := g.Push(context.Background(), "origin", "agent-batch/20260828")
	if !errors.Is(err, errors.ErrPushFailed) {
		t.Fatalf("got %v, want ErrPushFailed", err)
	}
}

func TestWorktreeAddReusesExistingBranch(t *testing.T) {
	exec := &mockExecutor{}
	// rev-parse --verify succeeds: the branch exists.
	exec.addResponse(nil, nil)
	exec.addResponse(nil, nil)
	g := NewGitWithExecutor("/repo", exec)

	if err := g.WorktreeAdd(context.Background(), "/wt/dir-lb", "subdirs/lb", "main"); err != nil {
		t.Fatal(err)
	}
	got := strings.Join(exec.lastCall().args, " ")
	if got != "worktree add /wt/dir-lb subdirs/lb" {
		t.Errorf("args = %q, want reuse of existing branch", got)
	}
}

func TestWorktreeAddNewBranch(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse(nil, errors.New("unknown revision"))
	exec.addResponse(nil, nil)
	g := NewGitWithExecutor("/repo", exec)

	if err := g.WorktreeAdd(context.Background(), "/wt/dir-lb", "subdirs/lb", "main"); err != nil {
		t.Fatal(err)
	}
	got := strings.Join(exec.lastCall().args, " ")
	if got != "worktree add -b subdirs/lb /wt/dir-lb main" {
		t.Errorf("args = %q, want new branch from main", got)
	}
}

func TestDeleteBranchForceFallback(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse([]byte("error: the branch 'subdirs/lb' is not fully merged"), errors.New("exit status 1"))
	exec.addResponse(nil, nil)
	g := NewGitWithExecutor("/repo", exec)

	if err := g.DeleteBranch(context.Background(), "subdirs/lb"); err != nil {
		t.Fatal(err)
	}
	got := strings.Join(exec.lastCall().args, " ")
	if got != "branch -D subdirs/lb" {
		t.Errorf("args = %q, want force delete fallback", got)
	}
}

func TestCommitsBetween(t *testing.T) {
	exec := &mockExecutor{}
	exec.addResponse([]byte("aaa111\nbbb222\nccc333\n"), nil)
	g := NewGitWithExecutor("/repo", exec)

	commits, err := g.CommitsBetween(context.Background(), "main", "subdirs/lb")
	if err != nil {
		t.Fatal(err)
	}
	if len(commits) != 3 || commits[0] != "aaa111" {
		t.Errorf("commits = %v", commits)
	}
	got := strings.Join(exec.lastCall().args, " ")
	if got != "rev-list --reverse main..subdirs/lb" {
		t.Errorf("args = %q", got)
	}

	exec.addResponse([]byte("\n"), nil)
	commits, err = g.CommitsBetween(context.Background(), "main", "subdirs/empty")
	if err != nil {
		t.Fatal(err)
	}
	if len(commits) != 0 {
		t.Errorf("empty range returned %v", commits)
	}
}
