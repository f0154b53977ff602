// Package worktree manages the per-subdirectory git worktrees that agents
// share. Each subdirectory key maps to one worktree directory and one
// long-lived branch; the manager creates them on demand and replaces them
// when they stop building.
//
// This file wraps the git CLI. The CommandExecutor interface allows tests
// to mock git without executing it.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/claimtree/claimtree/internal/errors"
)

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)

	// RunQuiet executes a command and returns only the error.
	RunQuiet(ctx context.Context, dir string, name string, args ...string) error
}

// CLICommandExecutor executes commands with os/exec.
type CLICommandExecutor struct{}

// Run executes a command and returns combined output.
func (CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// RunQuiet executes a command and returns only the error.
func (CLICommandExecutor) RunQuiet(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.Run()
}

// CherryPickConflictError reports a cherry-pick that hit a conflict. The
// pick has already been aborted when this is returned.
type CherryPickConflictError struct {
	Commit string
	Branch string
	Output string
}

func (e *CherryPickConflictError) Error() string {
	return fmt.Sprintf("cherry-pick of %s from %s conflicted", shortSHA(e.Commit), e.Branch)
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// Git runs git commands against one repository checkout.
type Git struct {
	repoDir  string
	executor CommandExecutor
}

// NewGit creates a Git bound to the repository at repoDir.
func NewGit(repoDir string) *Git {
	return &Git{repoDir: repoDir, executor: CLICommandExecutor{}}
}

// NewGitWithExecutor creates a Git with a custom executor, for tests.
func NewGitWithExecutor(repoDir string, executor CommandExecutor) *Git {
	return &Git{repoDir: repoDir, executor: executor}
}

// RepoDir returns the repository root this Git operates on.
func (g *Git) RepoDir() string {
	return g.repoDir
}

// IsRepository reports whether repoDir is inside a git work tree.
func (g *Git) IsRepository(ctx context.Context) bool {
	return g.executor.RunQuiet(ctx, g.repoDir, "git", "rev-parse", "--is-inside-work-tree") == nil
}

// FindUpstream returns the branch worktrees start from: main if it exists,
// otherwise master.
func (g *Git) FindUpstream(ctx context.Context) string {
	if g.executor.RunQuiet(ctx, g.repoDir, "git", "rev-parse", "--verify", "main") == nil {
		return "main"
	}
	return "master"
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, branch string) (bool, error) {
	err := g.executor.RunQuiet(ctx, g.repoDir, "git", "rev-parse", "--verify",
		"refs/heads/"+branch)
	return err == nil, nil
}

// CurrentBranch returns the branch checked out at path.
func (g *Git) CurrentBranch(ctx context.Context, path string) (string, error) {
	output, err := g.executor.Run(ctx, path, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewGitError("rev-parse", err).WithOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// HeadSHA returns the commit at HEAD of path.
func (g *Git) HeadSHA(ctx context.Context, path string) (string, error) {
	output, err := g.executor.Run(ctx, path, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", errors.NewGitError("rev-parse", err).WithOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// Checkout switches the primary checkout to the given ref.
func (g *Git) Checkout(ctx context.Context, ref string) error {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "checkout", ref)
	if err != nil {
		return errors.NewGitError("checkout", err).WithBranch(ref).WithOutput(string(output))
	}
	return nil
}

// CreateBranchFrom creates a branch at base without checking it out.
// Returns ErrBranchExists when the name is already taken.
func (g *Git) CreateBranchFrom(ctx context.Context, branch, base string) error {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "branch", branch, base)
	if err != nil {
		if strings.Contains(string(output), "already exists") {
			return fmt.Errorf("branch %s: %w", branch, errors.ErrBranchExists)
		}
		return errors.NewGitError("branch", err).WithBranch(branch).WithOutput(string(output))
	}
	return nil
}

// DeleteBranch deletes a local branch, falling back to a force delete when
// the branch is not fully merged.
func (g *Git) DeleteBranch(ctx context.Context, branch string) error {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "branch", "-d", branch)
	if err == nil {
		return nil
	}
	output, err = g.executor.Run(ctx, g.repoDir, "git", "branch", "-D", branch)
	if err != nil {
		return errors.NewGitError("branch -D", err).WithBranch(branch).WithOutput(string(output))
	}
	return nil
}

// WorktreeAdd creates a worktree at path on a new branch starting from
// base. When the branch already exists it is reused instead.
func (g *Git) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	exists, _ := g.BranchExists(ctx, branch)
	var args []string
	if exists {
		args = []string{"worktree", "add", path, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, path, base}
	}
	output, err := g.executor.Run(ctx, g.repoDir, "git", args...)
	if err != nil {
		return errors.NewGitError("worktree add", err).WithBranch(branch).WithOutput(string(output))
	}
	return nil
}

// WorktreeRemove removes a worktree, cleaning up manually when git refuses.
func (g *Git) WorktreeRemove(ctx context.Context, path string) error {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "worktree", "remove", "--force", path)
	if err != nil {
		_ = os.RemoveAll(path)
		_, _ = g.executor.Run(ctx, g.repoDir, "git", "worktree", "prune")
		return errors.NewGitError("worktree remove", err).WithOutput(string(output))
	}
	return nil
}

// WorktreePrune drops stale worktree bookkeeping after a directory has
// been moved or deleted outside of git.
func (g *Git) WorktreePrune(ctx context.Context) error {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "worktree", "prune")
	if err != nil {
		return errors.NewGitError("worktree prune", err).WithOutput(string(output))
	}
	return nil
}

// ListWorktrees returns the paths of all registered worktrees.
func (g *Git) ListWorktrees(ctx context.Context) ([]string, error) {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.NewGitError("worktree list", err).WithOutput(string(output))
	}
	var paths []string
	for _, line := range strings.Split(string(output), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// CommitsBetween returns the SHAs on head that base does not have, oldest
// first.
func (g *Git) CommitsBetween(ctx context.Context, base, head string) ([]string, error) {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "rev-list", "--reverse", base+".."+head)
	if err != nil {
		return nil, errors.NewGitError("rev-list", err).
			WithBranch(base + ".." + head).WithOutput(string(output))
	}
	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// CountCommitsBetween returns how many commits head is ahead of base.
func (g *Git) CountCommitsBetween(ctx context.Context, base, head string) (int, error) {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, errors.NewGitError("rev-list --count", err).
			WithBranch(base + ".." + head).WithOutput(string(output))
	}
	count, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0, errors.NewGitError("rev-list --count", err)
	}
	return count, nil
}

// IsAncestor reports whether sha is reachable from ref. Unknown SHAs count
// as unreachable.
func (g *Git) IsAncestor(ctx context.Context, sha, ref string) bool {
	return g.executor.RunQuiet(ctx, g.repoDir, "git", "merge-base", "--is-ancestor", sha, ref) == nil
}

// CommitSubject returns the first line of a commit's message.
func (g *Git) CommitSubject(ctx context.Context, sha string) (string, error) {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "log", "-1", "--pretty=format:%s", sha)
	if err != nil {
		return "", errors.NewGitError("log", err).WithOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// CherryPick applies one commit onto the current checkout. On conflict the
// pick is aborted and a CherryPickConflictError identifying the commit is
// returned.
func (g *Git) CherryPick(ctx context.Context, commit, sourceBranch string) error {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "cherry-pick", commit)
	if err == nil {
		return nil
	}
	outputStr := string(output)
	if strings.Contains(outputStr, "CONFLICT") || strings.Contains(outputStr, "could not apply") {
		_, _ = g.executor.Run(ctx, g.repoDir, "git", "cherry-pick", "--abort")
		return &CherryPickConflictError{Commit: commit, Branch: sourceBranch, Output: outputStr}
	}
	return errors.NewGitError("cherry-pick", err).
		WithBranch(sourceBranch).WithOutput(outputStr)
}

// HasUncommittedChanges reports whether the checkout at path is dirty.
// The validation marker is claimtree's own and does not count.
func (g *Git) HasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	output, err := g.executor.Run(ctx, path, "git", "status", "--porcelain")
	if err != nil {
		return false, errors.NewGitError("status", err).WithOutput(string(output))
	}
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" || strings.HasSuffix(line, validationMarker) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// Push publishes a branch to the remote with an upstream set. Failures
// wrap ErrPushFailed; the local branch is left intact.
func (g *Git) Push(ctx context.Context, remote, branch string) error {
	output, err := g.executor.Run(ctx, g.repoDir, "git", "push", "-u", remote, branch)
	if err != nil {
		return fmt.Errorf("pushing %s to %s: %w: %s",
			branch, remote, errors.ErrPushFailed, strings.TrimSpace(string(output)))
	}
	return nil
}

// FindGitRoot returns the top-level directory of the repository
// containing dir.
func FindGitRoot(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w", dir, errors.ErrNotGitRepository)
	}
	return strings.TrimSpace(string(output)), nil
}

// WorktreeExists reports whether path exists on disk and is a worktree
// checkout (has a .git entry).
func (g *Git) WorktreeExists(ctx context.Context, path string) (bool, error) {
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
