package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter implementation with sliding window and lockout.
type PG struct {
	pool   Querier
	policy Policy
}

// Querier is the part of a pgx pool the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Limiter = (*PG)(nil)

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(q Querier, p Policy) *PG {
	return &PG{pool: q, policy: p}
}

// Allow reports whether authentication is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, peer []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_lockouts WHERE peer_hash=$1`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, peer).Scan(&blockedUntil)
	switch {
	case err == nil:
		if d := time.Until(blockedUntil); d > 0 {
			return false, d, nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for peer.
func (l *PG) Success(ctx context.Context, peer []byte) error {
	const q = `
INSERT INTO auth_lockouts (peer_hash, fail_count, blocked_until, updated_at)
VALUES ($1,0,'epoch',now())
ON CONFLICT (peer_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, peer)
	return err
}

// Failure records a bad token; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, peer []byte) (bool, time.Duration, error) {
	now := time.Now()

	const q = `
INSERT INTO auth_lockouts (peer_hash, fail_count, blocked_until, updated_at)
VALUES ($1,1,'epoch',now())
ON CONFLICT (peer_hash) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - auth_lockouts.updated_at > $2::interval THEN 1 ELSE auth_lockouts.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, peer, l.policy.Window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.policy.MaxFails {
		return false, 0, nil
	}
	const upd = `UPDATE auth_lockouts SET blocked_until=$2 WHERE peer_hash=$1`
	if _, err := l.pool.Exec(ctx, upd, peer, now.Add(l.policy.BlockFor)); err != nil {
		return false, 0, err
	}
	return true, l.policy.BlockFor, nil
}
