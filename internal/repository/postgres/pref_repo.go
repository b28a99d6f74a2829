package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/dictpack/internal/repository"
)

// PrefRepo implements PreferenceRepository using PostgreSQL.
type PrefRepo struct{ db *DB }

var _ repository.PreferenceRepository = (*PrefRepo)(nil)

// NewPrefRepo constructs a preference repository.
func NewPrefRepo(db *DB) *PrefRepo { return &PrefRepo{db: db} }

// Lookup reads a preference; ok is false when it was never set.
func (r *PrefRepo) Lookup(ctx context.Context, key string) (string, bool, error) {
	const q = `SELECT value FROM preferences WHERE key=$1`
	var v string
	if err := r.db.Pool.QueryRow(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// Put stores a preference.
func (r *PrefRepo) Put(ctx context.Context, key, value string) error {
	const q = `INSERT INTO preferences (key, value) VALUES ($1,$2) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`
	_, err := r.db.Pool.Exec(ctx, q, key, value)
	return err
}
