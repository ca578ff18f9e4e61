package lock

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists locks in Postgres. The unique constraint on lock_key makes
// Insert an atomic insert-if-absent.
type PGStore struct{ DB *pgxpool.Pool }

func NewPGStore(db *pgxpool.Pool) *PGStore { return &PGStore{DB: db} }

func (s *PGStore) Insert(ctx context.Context, l Lock) error {
	tag, err := s.DB.Exec(ctx, `INSERT INTO locks(lock_key,lock_id,expires_at)
VALUES($1,$2,$3)
ON CONFLICT (lock_key) DO NOTHING`, l.Key, l.LockID, l.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrHeld
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, key string) (Lock, error) {
	var l Lock
	err := s.DB.QueryRow(ctx, `SELECT lock_key,lock_id,expires_at FROM locks WHERE lock_key=$1`, key).
		Scan(&l.Key, &l.LockID, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lock{}, ErrNotFound
	}
	return l, err
}

func (s *PGStore) Delete(ctx context.Context, key, lockID string) (bool, error) {
	tag, err := s.DB.Exec(ctx, `DELETE FROM locks WHERE lock_key=$1 AND lock_id=$2`, key, lockID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
