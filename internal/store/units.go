package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/claimtree/claimtree/internal/errors"
)

const unitColumns = `id, file_path, subdir_key, status, owner, scratch_ref,
	match_percent, commit_sha, pr_url, created_at, updated_at`

func scanUnit(r rowScanner) (UnitOfWork, error) {
	var u UnitOfWork
	var status, created, updated string
	err := r.Scan(&u.ID, &u.FilePath, &u.SubdirKey, &status, &u.Owner,
		&u.ScratchRef, &u.MatchPercent, &u.CommitSHA, &u.PRURL, &created, &updated)
	if err != nil {
		return UnitOfWork{}, err
	}
	u.Status = Status(status)
	u.CreatedAt = parseTime(created)
	u.UpdatedAt = parseTime(updated)
	return u, nil
}

// UpsertUnit creates or refreshes a unit's descriptive fields without
// touching its lifecycle state.
func (s *Store) UpsertUnit(ctx context.Context, id, filePath, subdirKey string) error {
	if id == "" {
		return errors.New("unit id must not be empty")
	}
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO units (id, file_path, subdir_key, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				file_path = excluded.file_path,
				subdir_key = excluded.subdir_key,
				updated_at = excluded.updated_at`,
			id, filePath, subdirKey, string(StatusUnclaimed), now, now)
		return err
	})
}

// GetUnit returns the unit with the given id.
func (s *Store) GetUnit(ctx context.Context, id string) (UnitOfWork, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM units WHERE id = ?`, id)
	u, err := scanUnit(row)
	if notFound(err) {
		return UnitOfWork{}, fmt.Errorf("unit %s: %w", id, errors.ErrNotFound)
	}
	return u, err
}

// RecordTransition moves a unit to a new lifecycle state and appends an
// audit entry, atomically. The lifecycle only moves forward; backward
// transitions and transitions out of a terminal state are rejected unless
// force is set. Recording a transition for an unknown unit creates it
// first, so agents can report on units the registry has never seen.
func (s *Store) RecordTransition(ctx context.Context, id string, to Status, agentID string, meta TransitionMeta, force bool) (UnitOfWork, error) {
	if !to.Valid() {
		return UnitOfWork{}, fmt.Errorf("unknown state %q", to)
	}
	var out UnitOfWork
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		row := tx.QueryRowContext(ctx,
			`SELECT `+unitColumns+` FROM units WHERE id = ?`, id)
		u, err := scanUnit(row)
		if notFound(err) {
			u = UnitOfWork{ID: id, Status: StatusUnclaimed, CreatedAt: now}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO units (id, status, created_at, updated_at)
				VALUES (?, ?, ?, ?)`,
				id, string(StatusUnclaimed), formatTime(now), formatTime(now))
		}
		if err != nil {
			return err
		}

		if !force {
			if err := checkTransition(id, u.Status, to); err != nil {
				return err
			}
		}

		if meta.ScratchRef != "" {
			u.ScratchRef = meta.ScratchRef
		}
		if meta.MatchPercent > 0 {
			u.MatchPercent = meta.MatchPercent
		}
		if meta.CommitSHA != "" {
			u.CommitSHA = meta.CommitSHA
		}
		if meta.PRURL != "" {
			u.PRURL = meta.PRURL
		}
		owner := u.Owner
		switch to {
		case StatusClaimed, StatusInProgress:
			if agentID != "" {
				owner = agentID
			}
		case StatusUnclaimed, StatusAbandoned:
			owner = ""
		}

		from := u.Status
		u.Status = to
		u.Owner = owner
		u.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			UPDATE units SET status = ?, owner = ?, scratch_ref = ?,
				match_percent = ?, commit_sha = ?, pr_url = ?, updated_at = ?
			WHERE id = ?`,
			string(to), owner, u.ScratchRef, u.MatchPercent, u.CommitSHA,
			u.PRURL, formatTime(now), id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_log (unit_id, from_state, to_state, agent_id, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, string(from), string(to), agentID, meta.Note, formatTime(now))
		if err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

// checkTransition enforces the forward-only lifecycle.
func checkTransition(unitID string, from, to Status) error {
	if from.Terminal() {
		return errors.NewStateError(unitID, string(from), string(to))
	}
	if to == StatusAbandoned {
		return nil
	}
	if statusRank[to] < statusRank[from] {
		return errors.NewStateError(unitID, string(from), string(to))
	}
	return nil
}

// Query returns units matching the filter, newest activity first.
func (s *Store) Query(ctx context.Context, f Filter) ([]UnitOfWork, error) {
	var conds []string
	var args []any
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.Agent != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Agent)
	}
	if f.SubdirKey != "" {
		conds = append(conds, "subdir_key = ?")
		args = append(args, f.SubdirKey)
	}
	if f.StaleFor > 0 {
		conds = append(conds, "updated_at < ?")
		args = append(args, formatTime(s.now().Add(-f.StaleFor)))
	}
	q := `SELECT ` + unitColumns + ` FROM units`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []UnitOfWork
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// History returns the audit trail for one unit, oldest first.
func (s *Store) History(ctx context.Context, unitID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, unit_id, from_state, to_state, agent_id, note, created_at
		FROM audit_log WHERE unit_id = ? ORDER BY id ASC`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var from, to, created string
		if err := rows.Scan(&e.ID, &e.UnitID, &from, &to, &e.AgentID, &e.Note, &created); err != nil {
			return nil, err
		}
		e.From = Status(from)
		e.To = Status(to)
		e.CreatedAt = parseTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AgentSummaries aggregates per-agent footprints across units, claims,
// and workspace locks.
func (s *Store) AgentSummaries(ctx context.Context) ([]AgentSummary, error) {
	byAgent := map[string]*AgentSummary{}
	get := func(id string) *AgentSummary {
		if sum, ok := byAgent[id]; ok {
			return sum
		}
		sum := &AgentSummary{AgentID: id, UnitsByState: map[Status]int{}}
		byAgent[id] = sum
		return sum
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT owner, status, COUNT(*) FROM units
		WHERE owner != '' GROUP BY owner, status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var owner, status string
		var n int
		if err := rows.Scan(&owner, &status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		get(owner).UnitsByState[Status(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := formatTime(s.now())
	rows, err = s.db.QueryContext(ctx, `
		SELECT agent_id, COUNT(*) FROM claims
		WHERE expires_at > ? GROUP BY agent_id`, now)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var agent string
		var n int
		if err := rows.Scan(&agent, &n); err != nil {
			rows.Close()
			return nil, err
		}
		get(agent).ActiveClaims = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT lock_holder, COUNT(*) FROM workspaces
		WHERE lock_holder != '' GROUP BY lock_holder`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var holder string
		var n int
		if err := rows.Scan(&holder, &n); err != nil {
			rows.Close()
			return nil, err
		}
		get(holder).HeldLocks = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(byAgent))
	for id := range byAgent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]AgentSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, *byAgent[id])
	}
	return out, nil
}
