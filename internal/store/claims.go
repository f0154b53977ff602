package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/claimtree/claimtree/internal/errors"
)

// AddClaim atomically acquires or refreshes a claim on a unit. Expired
// claims are purged inside the same transaction, so a lapsed claim held by
// another agent never blocks acquisition. Re-claiming a unit already held
// by the same agent refreshes its expiry.
func (s *Store) AddClaim(ctx context.Context, unitID, agentID string, ttl time.Duration) (Claim, error) {
	if unitID == "" || agentID == "" {
		return Claim{}, errors.New("unit id and agent id must not be empty")
	}
	var claim Claim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		if err := purgeExpiredTx(ctx, tx, now); err != nil {
			return err
		}

		var holder string
		err := tx.QueryRowContext(ctx,
			`SELECT agent_id FROM claims WHERE unit_id = ?`, unitID).Scan(&holder)
		if err != nil && !notFound(err) {
			return err
		}
		if err == nil && holder != agentID {
			return errors.NewClaimError(unitID, holder)
		}

		claim = Claim{
			UnitID:     unitID,
			AgentID:    agentID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO claims (unit_id, agent_id, acquired_at, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(unit_id) DO UPDATE SET
				agent_id = excluded.agent_id,
				expires_at = excluded.expires_at`,
			unitID, agentID, formatTime(now), formatTime(claim.ExpiresAt))
		return err
	})
	return claim, err
}

// ReleaseClaim drops an agent's claim on a unit. Releasing a claim that
// does not exist, or that has already expired, is not an error; releasing
// a claim held by a different agent is.
func (s *Store) ReleaseClaim(ctx context.Context, unitID, agentID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		if err := purgeExpiredTx(ctx, tx, now); err != nil {
			return err
		}
		var holder string
		err := tx.QueryRowContext(ctx,
			`SELECT agent_id FROM claims WHERE unit_id = ?`, unitID).Scan(&holder)
		if notFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if holder != agentID {
			return errors.NewClaimError(unitID, holder)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM claims WHERE unit_id = ?`, unitID)
		return err
	})
}

// GetClaim returns the live claim on a unit, or ErrNotFound if the unit is
// unclaimed or its claim has lapsed.
func (s *Store) GetClaim(ctx context.Context, unitID string) (Claim, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT unit_id, agent_id, acquired_at, expires_at
		FROM claims WHERE unit_id = ? AND expires_at > ?`,
		unitID, formatTime(s.now()))
	c, err := scanClaim(row)
	if notFound(err) {
		return Claim{}, errors.ErrNotFound
	}
	return c, err
}

// ListClaims returns all live claims, purging lapsed ones as a side effect.
// An empty agentID lists every agent's claims.
func (s *Store) ListClaims(ctx context.Context, agentID string) ([]Claim, error) {
	var claims []Claim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		if err := purgeExpiredTx(ctx, tx, now); err != nil {
			return err
		}
		q := `SELECT unit_id, agent_id, acquired_at, expires_at FROM claims`
		var args []any
		if agentID != "" {
			q += ` WHERE agent_id = ?`
			args = append(args, agentID)
		}
		q += ` ORDER BY expires_at ASC`
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanClaim(rows)
			if err != nil {
				return err
			}
			claims = append(claims, c)
		}
		return rows.Err()
	})
	return claims, err
}

func purgeExpiredTx(ctx context.Context, tx *sql.Tx, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM claims WHERE expires_at <= ?`, formatTime(now))
	return err
}

func scanClaim(r rowScanner) (Claim, error) {
	var c Claim
	var acquired, expires string
	if err := r.Scan(&c.UnitID, &c.AgentID, &acquired, &expires); err != nil {
		return Claim{}, err
	}
	c.AcquiredAt = parseTime(acquired)
	c.ExpiresAt = parseTime(expires)
	return c, nil
}
