package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertTx clears an expired row for key and inserts the lease in one
// transaction. It reports false when a live row is present.
func (s *Postgres) InsertTx(ctx context.Context, key, owner string, now time.Time, ttl time.Duration) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM locks WHERE lock_key = $1 AND acquired_at <= $2`, key, now.Add(-ttl)); err != nil {
		return false, fmt.Errorf("clear expired lock: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO locks (lock_key, owner, acquired_at) VALUES ($1, $2, $3)
		ON CONFLICT (lock_key) DO NOTHING
	`, key, owner, now)
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertIfAbsent is the single-statement fallback for InsertTx.
func (s *Postgres) InsertIfAbsent(ctx context.Context, key, owner string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO locks (lock_key, owner, acquired_at) VALUES ($1, $2, $3)
		ON CONFLICT (lock_key) DO UPDATE SET owner = EXCLUDED.owner, acquired_at = EXCLUDED.acquired_at
		WHERE locks.acquired_at <= $4
	`, key, owner, now, now.Add(-ttl))
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes the row only when owner holds it.
func (s *Postgres) Delete(ctx context.Context, key, owner string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM locks WHERE lock_key = $1 AND owner = $2`, key, owner)
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) SweepExpiredLocks(ctx context.Context, now time.Time, ttl time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM locks WHERE acquired_at <= $1`, now.Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	return tag.RowsAffected(), nil
}
