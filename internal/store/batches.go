package store

import (
	"context"
	"database/sql"

	"github.com/claimtree/claimtree/internal/errors"
)

// CreateBatch records a collection run and its per-commit outcomes in one
// transaction, returning the batch with its assigned id.
func (s *Store) CreateBatch(ctx context.Context, branch string, commits []BatchCommit) (Batch, error) {
	var batch Batch
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO batches (branch, created_at) VALUES (?, ?)`,
			branch, formatTime(now))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		batch = Batch{ID: id, Branch: branch, CreatedAt: now}
		for _, c := range commits {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO batch_commits (batch_id, unit_id, subdir_key, commit_sha, outcome, detail)
				VALUES (?, ?, ?, ?, ?, ?)`,
				id, c.UnitID, c.SubdirKey, c.CommitSHA, string(c.Outcome), c.Detail)
			if err != nil {
				return err
			}
			c.ID, err = res.LastInsertId()
			if err != nil {
				return err
			}
			c.BatchID = id
			batch.Commits = append(batch.Commits, c)
		}
		return nil
	})
	return batch, err
}

// SetBatchPR attaches the pull request URL opened for a batch.
func (s *Store) SetBatchPR(ctx context.Context, batchID int64, prURL string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE batches SET pr_url = ? WHERE id = ?`, prURL, batchID)
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
		return nil
	})
}

// GetBatch returns a batch with its commits.
func (s *Store) GetBatch(ctx context.Context, id int64) (Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, branch, pr_url, created_at FROM batches WHERE id = ?`, id)
	var b Batch
	var created string
	err := row.Scan(&b.ID, &b.Branch, &b.PRURL, &created)
	if notFound(err) {
		return Batch{}, errors.ErrNotFound
	}
	if err != nil {
		return Batch{}, err
	}
	b.CreatedAt = parseTime(created)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, unit_id, subdir_key, commit_sha, outcome, detail
		FROM batch_commits WHERE batch_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return Batch{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var c BatchCommit
		var outcome string
		if err := rows.Scan(&c.ID, &c.BatchID, &c.UnitID, &c.SubdirKey,
			&c.CommitSHA, &outcome, &c.Detail); err != nil {
			return Batch{}, err
		}
		c.Outcome = Outcome(outcome)
		b.Commits = append(b.Commits, c)
	}
	return b, rows.Err()
}

// ListBatches returns recent batches, newest first, without their commits.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	q := `SELECT id, branch, pr_url, created_at FROM batches ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var b Batch
		var created string
		if err := rows.Scan(&b.ID, &b.Branch, &b.PRURL, &created); err != nil {
			return nil, err
		}
		b.CreatedAt = parseTime(created)
		out = append(out, b)
	}
	return out, rows.Err()
}
