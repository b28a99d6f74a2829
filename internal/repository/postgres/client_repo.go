package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
	"github.com/and161185/dictpack/internal/repository"
)

const clientCols = `client_id, manifest_uri, additional_id, last_update, pending_id, flags`

// ClientRepo implements ClientRepository using PostgreSQL.
type ClientRepo struct{ db *DB }

var _ repository.ClientRepository = (*ClientRepo)(nil)

// NewClientRepo constructs a client repository.
func NewClientRepo(db *DB) *ClientRepo { return &ClientRepo{db: db} }

func scanClient(row scanner) (*model.Client, error) {
	var (
		c       model.Client
		last    int64
		pending string
	)
	if err := row.Scan(&c.ID, &c.ManifestURI, &c.AdditionalID, &last, &pending, &c.Flags); err != nil {
		return nil, err
	}
	c.LastUpdate = fromMillis(last)
	c.PendingID = model.DownloadID(pending)
	return &c, nil
}

func (r *ClientRepo) many(ctx context.Context, q string, args ...any) ([]model.Client, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Upsert inserts the client or refreshes its manifest source, clearing any pending download.
func (r *ClientRepo) Upsert(ctx context.Context, c model.Client) error {
	const q = `INSERT INTO clients (client_id, manifest_uri, additional_id, pending_id, flags) VALUES ($1,$2,$3,'',$4) ON CONFLICT (client_id) DO UPDATE SET manifest_uri=EXCLUDED.manifest_uri, additional_id=EXCLUDED.additional_id, pending_id='', flags=EXCLUDED.flags`
	_, err := r.db.Pool.Exec(ctx, q, c.ID, c.ManifestURI, c.AdditionalID, c.Flags)
	return err
}

// Get loads a client by id.
func (r *ClientRepo) Get(ctx context.Context, id string) (*model.Client, error) {
	const q = `SELECT ` + clientCols + ` FROM clients WHERE client_id=$1`
	c, err := scanClient(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// List returns every client.
func (r *ClientRepo) List(ctx context.Context) ([]model.Client, error) {
	const q = `SELECT ` + clientCols + ` FROM clients ORDER BY client_id`
	return r.many(ctx, q)
}

// Delete removes the client row.
func (r *ClientRepo) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM clients WHERE client_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id)
	return err
}

// PendingForURI returns the most recent manifest download registered for uri.
func (r *ClientRepo) PendingForURI(ctx context.Context, uri string) (model.DownloadID, time.Time, error) {
	const q = `SELECT pending_id, last_update FROM clients WHERE manifest_uri=$1 ORDER BY last_update DESC LIMIT 1`
	var (
		pending string
		last    int64
	)
	if err := r.db.Pool.QueryRow(ctx, q, uri).Scan(&pending, &last); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NoDownload, time.Time{}, errs.ErrNotFound
		}
		return model.NoDownload, time.Time{}, err
	}
	return model.DownloadID(pending), fromMillis(last), nil
}

// SetPendingForURI records the manifest download and its start time on every client of uri.
func (r *ClientRepo) SetPendingForURI(ctx context.Context, uri string, id model.DownloadID, now time.Time) error {
	const q = `UPDATE clients SET pending_id=$2, last_update=$3 WHERE manifest_uri=$1`
	_, err := r.db.Pool.Exec(ctx, q, uri, string(id), toMillis(now))
	return err
}

// ByPendingID lists clients whose manifest download is id.
func (r *ClientRepo) ByPendingID(ctx context.Context, id model.DownloadID) ([]model.Client, error) {
	if id == model.NoDownload {
		return nil, nil
	}
	const q = `SELECT ` + clientCols + ` FROM clients WHERE pending_id=$1 ORDER BY client_id`
	return r.many(ctx, q, string(id))
}

// TouchURI stamps the last update time of every client of uri.
func (r *ClientRepo) TouchURI(ctx context.Context, uri string, now time.Time) error {
	const q = `UPDATE clients SET last_update=$2 WHERE manifest_uri=$1`
	_, err := r.db.Pool.Exec(ctx, q, uri, toMillis(now))
	return err
}

// OldestUpdate returns the earliest last update time across auto-updating clients.
func (r *ClientRepo) OldestUpdate(ctx context.Context) (time.Time, error) {
	const q = `SELECT COALESCE(MIN(last_update),0) FROM clients WHERE manifest_uri <> ''`
	var ms int64
	if err := r.db.Pool.QueryRow(ctx, q).Scan(&ms); err != nil {
		return time.Time{}, err
	}
	return fromMillis(ms), nil
}
