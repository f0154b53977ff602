package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/claimtree/claimtree/internal/errors"
)

const workspaceColumns = `subdir_key, path, branch, lock_holder,
	lock_acquired_at, last_activity_at, pending_commits, health`

func scanWorkspace(r rowScanner) (Workspace, error) {
	var w Workspace
	var acquired, activity, health string
	err := r.Scan(&w.SubdirKey, &w.Path, &w.Branch, &w.LockHolder,
		&acquired, &activity, &w.PendingCommits, &health)
	if err != nil {
		return Workspace{}, err
	}
	w.LockAcquiredAt = parseTime(acquired)
	w.LastActivityAt = parseTime(activity)
	w.Health = Health(health)
	return w, nil
}

// UpsertWorkspace records a worktree checkout, preserving any existing
// lock and pending-commit cache.
func (s *Store) UpsertWorkspace(ctx context.Context, subdirKey, path, branch string) error {
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workspaces (subdir_key, path, branch, last_activity_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(subdir_key) DO UPDATE SET
				path = excluded.path,
				branch = excluded.branch,
				last_activity_at = excluded.last_activity_at`,
			subdirKey, path, branch, now)
		return err
	})
}

// GetWorkspace returns the stored record for a subdirectory bucket.
func (s *Store) GetWorkspace(ctx context.Context, subdirKey string) (Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE subdir_key = ?`, subdirKey)
	w, err := scanWorkspace(row)
	if notFound(err) {
		return Workspace{}, errors.ErrNotFound
	}
	return w, err
}

// ListWorkspaces returns all workspace records ordered by key.
func (s *Store) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces ORDER BY subdir_key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// LockWorkspace acquires an advisory lock on a subdirectory worktree for
// an agent. A lock whose holder has been inactive past lockTTL is treated
// as expired and stolen. Re-locking by the current holder refreshes the
// activity timestamp.
func (s *Store) LockWorkspace(ctx context.Context, subdirKey, agentID string, lockTTL time.Duration) error {
	if agentID == "" {
		return errors.New("agent id must not be empty")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		row := tx.QueryRowContext(ctx,
			`SELECT `+workspaceColumns+` FROM workspaces WHERE subdir_key = ?`, subdirKey)
		w, err := scanWorkspace(row)
		if notFound(err) {
			return errors.ErrNotFound
		}
		if err != nil {
			return err
		}
		if w.LockHolder != "" && w.LockHolder != agentID && w.Locked(now, lockTTL) {
			return errors.NewLockError(subdirKey, w.LockHolder)
		}
		acquired := w.LockAcquiredAt
		if w.LockHolder != agentID {
			acquired = now
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE workspaces SET lock_holder = ?, lock_acquired_at = ?,
				last_activity_at = ? WHERE subdir_key = ?`,
			agentID, formatTime(acquired), formatTime(now), subdirKey)
		return err
	})
}

// UnlockWorkspace releases an agent's lock. Unlocking an already-unlocked
// workspace is not an error; unlocking another agent's live lock is.
func (s *Store) UnlockWorkspace(ctx context.Context, subdirKey, agentID string, lockTTL time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		row := tx.QueryRowContext(ctx,
			`SELECT `+workspaceColumns+` FROM workspaces WHERE subdir_key = ?`, subdirKey)
		w, err := scanWorkspace(row)
		if notFound(err) {
			return errors.ErrNotFound
		}
		if err != nil {
			return err
		}
		if w.LockHolder == "" {
			return nil
		}
		if w.LockHolder != agentID && w.Locked(now, lockTTL) {
			return errors.NewLockError(subdirKey, w.LockHolder)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE workspaces SET lock_holder = '', lock_acquired_at = '',
				last_activity_at = ? WHERE subdir_key = ?`,
			formatTime(now), subdirKey)
		return err
	})
}

// TouchWorkspace bumps the activity timestamp, keeping an agent's lock
// alive while it works.
func (s *Store) TouchWorkspace(ctx context.Context, subdirKey string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE workspaces SET last_activity_at = ? WHERE subdir_key = ?`,
			formatTime(s.now()), subdirKey)
		return err
	})
}

// SetWorkspacePending updates the cached pending-commit count after it has
// been recomputed from git.
func (s *Store) SetWorkspacePending(ctx context.Context, subdirKey string, pending int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE workspaces SET pending_commits = ? WHERE subdir_key = ?`,
			pending, subdirKey)
		return err
	})
}

// SetWorkspaceHealth records the validation outcome for a workspace.
func (s *Store) SetWorkspaceHealth(ctx context.Context, subdirKey string, h Health) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE workspaces SET health = ?, last_activity_at = ?
			WHERE subdir_key = ?`,
			string(h), formatTime(s.now()), subdirKey)
		return err
	})
}

// DeleteWorkspace removes the record for a pruned worktree and notes the
// removal in the audit trail so history survives the row.
func (s *Store) DeleteWorkspace(ctx context.Context, subdirKey, agentID, note string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM workspaces WHERE subdir_key = ?`, subdirKey)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_log (unit_id, from_state, to_state, agent_id, note, created_at)
			VALUES (?, 'workspace', 'pruned', ?, ?, ?)`,
			"workspace:"+subdirKey, agentID, note, formatTime(s.now()))
		return err
	})
}
