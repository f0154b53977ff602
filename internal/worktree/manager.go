package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/claimtree/claimtree/internal/config"
	"github.com/claimtree/claimtree/internal/errors"
	"github.com/claimtree/claimtree/internal/logging"
	"github.com/claimtree/claimtree/internal/store"
)

// validationMarker caches a successful build inside the worktree. Its
// mtime is the time of the last passing build.
const validationMarker = ".build_validated"

// Manager maintains one healthy worktree per subdirectory key.
type Manager struct {
	git      *Git
	store    *store.Store
	cfg      config.WorktreeConfig
	resolver *KeyResolver
	logger   *logging.Logger

	worktreesDir string
	upstream     string
	now          func() time.Time
}

// NewManager creates a Manager for the repository behind git. The upstream
// branch is taken from config or auto-detected.
func NewManager(git *Git, s *store.Store, cfg config.WorktreeConfig, worktreesDir string, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	upstream := cfg.Upstream
	if upstream == "" {
		upstream = git.FindUpstream(context.Background())
	}
	return &Manager{
		git:          git,
		store:        s,
		cfg:          cfg,
		resolver:     NewKeyResolver(cfg.StripPrefixes, cfg.DeepPrefixes),
		logger:       logger,
		worktreesDir: worktreesDir,
		upstream:     upstream,
		now:          time.Now,
	}
}

// Upstream returns the branch worktrees are created from.
func (m *Manager) Upstream() string {
	return m.upstream
}

// ResolveKey maps a file path to its subdirectory key.
func (m *Manager) ResolveKey(filePath string) string {
	return m.resolver.ResolveKey(filePath)
}

// BranchFor returns the workspace branch name for a key.
func (m *Manager) BranchFor(key string) string {
	return m.cfg.BranchPrefix + key
}

// PathFor returns the worktree directory for a key.
func (m *Manager) PathFor(key string) string {
	return filepath.Join(m.worktreesDir, m.cfg.DirPrefix+key)
}

// Ensure returns a healthy worktree for the key, creating or repairing it
// as needed. A worktree that fails build validation is archived out of the
// way and recreated from upstream; the branch survives archival, so
// pending commits are not lost.
func (m *Manager) Ensure(ctx context.Context, key string) (store.Workspace, error) {
	path := m.PathFor(key)
	branch := m.BranchFor(key)
	log := m.logger.WithSubdir(key)

	exists, err := m.git.WorktreeExists(ctx, path)
	if err != nil {
		return store.Workspace{}, err
	}
	if exists {
		healthy, verr := m.validate(ctx, path)
		if verr != nil {
			return store.Workspace{}, verr
		}
		if !healthy {
			log.Warn("worktree failed validation, recreating", "path", path)
			if err := m.Archive(ctx, key); err != nil {
				return store.Workspace{}, err
			}
			exists = false
		}
	}

	if !exists {
		if err := os.MkdirAll(m.worktreesDir, 0o755); err != nil {
			return store.Workspace{}, fmt.Errorf("creating worktrees dir: %w", err)
		}
		if err := m.git.WorktreeAdd(ctx, path, branch, m.upstream); err != nil {
			return store.Workspace{}, err
		}
		log.Info("worktree created", "path", path, "branch", branch)
		// A fresh checkout from a validated upstream is healthy by
		// definition; stamp it so the first Ensure does not rebuild.
		if err := m.stampValidated(path); err != nil {
			return store.Workspace{}, err
		}
	}

	if err := m.store.UpsertWorkspace(ctx, key, path, branch); err != nil {
		return store.Workspace{}, err
	}
	if err := m.store.SetWorkspaceHealth(ctx, key, store.HealthHealthy); err != nil {
		return store.Workspace{}, err
	}
	return m.store.GetWorkspace(ctx, key)
}

// validate reports whether the worktree at path passes build validation.
// A marker within the validation window short-circuits the build; no
// configured build command means always healthy.
func (m *Manager) validate(ctx context.Context, path string) (bool, error) {
	if len(m.cfg.BuildCommand) == 0 {
		return true, nil
	}
	marker := filepath.Join(path, validationMarker)
	if info, err := os.Stat(marker); err == nil {
		if m.now().Sub(info.ModTime()) < m.cfg.ValidationWindow() {
			return true, nil
		}
	}

	buildCtx, cancel := context.WithTimeout(ctx, m.cfg.BuildTimeout())
	defer cancel()
	cmd := exec.CommandContext(buildCtx, m.cfg.BuildCommand[0], m.cfg.BuildCommand[1:]...)
	cmd.Dir = path
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Warn("build validation failed", "path", path, "output", string(output))
		return false, nil
	}
	return true, m.stampValidated(path)
}

func (m *Manager) stampValidated(path string) error {
	marker := filepath.Join(path, validationMarker)
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return fmt.Errorf("writing validation marker: %w", err)
	}
	now := m.now()
	return os.Chtimes(marker, now, now)
}

// Archive moves a broken worktree directory aside and prunes git's
// bookkeeping so the path can be reused. The branch is left alone.
func (m *Manager) Archive(ctx context.Context, key string) error {
	path := m.PathFor(key)
	archived := fmt.Sprintf("%s.broken-%d", path, m.now().Unix())
	if err := os.Rename(path, archived); err != nil {
		return fmt.Errorf("archiving worktree %s: %w", path, err)
	}
	if err := m.git.WorktreePrune(ctx); err != nil {
		return err
	}
	m.logger.WithSubdir(key).Info("worktree archived", "to", archived)
	return m.store.SetWorkspaceHealth(ctx, key, store.HealthBroken)
}

// Remove deletes a worktree and its branch, then drops the workspace row.
// Used by the pruner after its safety checks have passed.
func (m *Manager) Remove(ctx context.Context, key, agentID, note string) error {
	path := m.PathFor(key)
	branch := m.BranchFor(key)

	if exists, err := m.git.WorktreeExists(ctx, path); err != nil {
		return err
	} else if exists {
		if err := m.git.WorktreeRemove(ctx, path); err != nil {
			return err
		}
	}
	if exists, err := m.git.BranchExists(ctx, branch); err != nil {
		return err
	} else if exists {
		if err := m.git.DeleteBranch(ctx, branch); err != nil {
			return err
		}
	}
	err := m.store.DeleteWorkspace(ctx, key, agentID, note)
	if errors.IsNotFound(err) {
		err = nil
	}
	if err == nil {
		m.logger.WithSubdir(key).Info("worktree removed", "branch", branch)
	}
	return err
}

// Lock takes the advisory lock on a key's workspace, creating the
// workspace first when it does not exist yet.
func (m *Manager) Lock(ctx context.Context, key, agentID string) error {
	err := m.store.LockWorkspace(ctx, key, agentID, m.cfg.LockTTL())
	if errors.IsNotFound(err) {
		if _, err := m.Ensure(ctx, key); err != nil {
			return err
		}
		err = m.store.LockWorkspace(ctx, key, agentID, m.cfg.LockTTL())
	}
	return err
}

// Unlock releases the advisory lock.
func (m *Manager) Unlock(ctx context.Context, key, agentID string) error {
	return m.store.UnlockWorkspace(ctx, key, agentID, m.cfg.LockTTL())
}

// Touch marks activity on a workspace, keeping the caller's lock alive.
func (m *Manager) Touch(ctx context.Context, key string) error {
	return m.store.TouchWorkspace(ctx, key)
}

// WorkspaceStatus pairs the stored record with what git reports right now.
type WorkspaceStatus struct {
	store.Workspace
	Dirty bool
}

// Status returns every workspace with its pending-commit count recomputed
// from git. The cached counts in the store are refreshed as a side effect.
func (m *Manager) Status(ctx context.Context) ([]WorkspaceStatus, error) {
	workspaces, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]WorkspaceStatus, 0, len(workspaces))
	for _, w := range workspaces {
		ws := WorkspaceStatus{Workspace: w}
		if exists, err := m.git.BranchExists(ctx, w.Branch); err == nil && exists {
			pending, err := m.git.CountCommitsBetween(ctx, m.upstream, w.Branch)
			if err != nil {
				return nil, err
			}
			if pending != w.PendingCommits {
				if err := m.store.SetWorkspacePending(ctx, w.SubdirKey, pending); err != nil {
					return nil, err
				}
				ws.PendingCommits = pending
			}
		}
		if exists, err := m.git.WorktreeExists(ctx, w.Path); err == nil && exists {
			dirty, err := m.git.HasUncommittedChanges(ctx, w.Path)
			if err != nil {
				return nil, err
			}
			ws.Dirty = dirty
		}
		out = append(out, ws)
	}
	return out, nil
}

// PendingCount implements store.RepoChecker.
func (m *Manager) PendingCount(ctx context.Context, branch string) (int, error) {
	return m.git.CountCommitsBetween(ctx, m.upstream, branch)
}

// BranchExists implements store.RepoChecker.
func (m *Manager) BranchExists(ctx context.Context, branch string) (bool, error) {
	return m.git.BranchExists(ctx, branch)
}

// WorktreeExists implements store.RepoChecker.
func (m *Manager) WorktreeExists(ctx context.Context, path string) (bool, error) {
	return m.git.WorktreeExists(ctx, path)
}

// CommitReachable implements store.RepoChecker. It checks the given branch
// when one is known, falling back to the upstream branch either way.
func (m *Manager) CommitReachable(ctx context.Context, sha, branch string) (bool, error) {
	if branch != "" && m.git.IsAncestor(ctx, sha, branch) {
		return true, nil
	}
	return m.git.IsAncestor(ctx, sha, m.upstream), nil
}

var _ store.RepoChecker = (*Manager)(nil)
