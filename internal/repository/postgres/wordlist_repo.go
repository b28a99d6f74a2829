package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
	"github.com/and161185/dictpack/internal/repository"
)

const wordListCols = `id, version, pending_id, type, status, locale, description, local_filename, remote_filename, last_update, checksum, raw_checksum, file_size, format_version, flags, retry_count`

// WordListRepo implements WordListRepository for one client namespace.
type WordListRepo struct {
	db     *DB
	client string
}

var _ repository.WordListRepository = (*WordListRepo)(nil)

// NewWordListRepo constructs a word-list repository scoped to clientID.
func NewWordListRepo(db *DB, clientID string) *WordListRepo {
	return &WordListRepo{db: db, client: clientID}
}

// Registry hands out namespace-scoped repositories sharing one pool.
type Registry struct{ db *DB }

// NewRegistry constructs a registry over db.
func NewRegistry(db *DB) *Registry { return &Registry{db: db} }

// WordLists returns the repository of clientID.
func (r *Registry) WordLists(clientID string) repository.WordListRepository {
	return NewWordListRepo(r.db, clientID)
}

func scanWordList(row scanner) (*model.WordList, error) {
	var (
		w       model.WordList
		pending string
		typ     int
		status  int
	)
	if err := row.Scan(&w.ID, &w.Version, &pending, &typ, &status, &w.Locale, &w.Description,
		&w.LocalFilename, &w.RemoteFilename, &w.LastUpdate, &w.Checksum, &w.RawChecksum,
		&w.FileSize, &w.FormatVersion, &w.Flags, &w.RetryCount); err != nil {
		return nil, err
	}
	w.PendingID = model.DownloadID(pending)
	w.Type = model.ListType(typ)
	w.Status = model.Status(status)
	return &w, nil
}

// rowArgs lists the client key followed by every column, in wordListCols order.
func rowArgs(client string, w model.WordList) []any {
	return []any{client, w.ID, w.Version, string(w.PendingID), int(w.Type), int(w.Status),
		w.Locale, w.Description, w.LocalFilename, w.RemoteFilename, w.LastUpdate, w.Checksum,
		w.RawChecksum, w.FileSize, w.FormatVersion, w.Flags, w.RetryCount}
}

const insertWordList = `INSERT INTO word_lists (client_id, ` + wordListCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

func (r *WordListRepo) one(ctx context.Context, q string, args ...any) (*model.WordList, error) {
	w, err := scanWordList(r.db.Pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return w, nil
}

func (r *WordListRepo) many(ctx context.Context, q string, args ...any) ([]model.WordList, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WordList
	for rows.Next() {
		w, err := scanWordList(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// Get loads a row by its primary key.
func (r *WordListRepo) Get(ctx context.Context, id string, version int) (*model.WordList, error) {
	const q = `SELECT ` + wordListCols + ` FROM word_lists WHERE client_id=$1 AND id=$2 AND version=$3`
	return r.one(ctx, q, r.client, id, version)
}

// Latest loads the highest version of id.
func (r *WordListRepo) Latest(ctx context.Context, id string) (*model.WordList, error) {
	const q = `SELECT ` + wordListCols + ` FROM word_lists WHERE client_id=$1 AND id=$2 ORDER BY version DESC LIMIT 1`
	return r.one(ctx, q, r.client, id)
}

// InstalledOrDeleting loads the row of id a consumer may currently be using.
func (r *WordListRepo) InstalledOrDeleting(ctx context.Context, id string) (*model.WordList, error) {
	const q = `SELECT ` + wordListCols + ` FROM word_lists WHERE client_id=$1 AND id=$2 AND status IN ($3,$4) ORDER BY version DESC LIMIT 1`
	return r.one(ctx, q, r.client, id, int(model.StatusInstalled), int(model.StatusDeleting))
}

// ByStatus lists rows in any of the given statuses.
func (r *WordListRepo) ByStatus(ctx context.Context, statuses ...model.Status) ([]model.WordList, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	codes := make([]int, len(statuses))
	for i, s := range statuses {
		codes[i] = int(s)
	}
	const q = `SELECT ` + wordListCols + ` FROM word_lists WHERE client_id=$1 AND status = ANY($2) ORDER BY locale, id, version`
	return r.many(ctx, q, r.client, codes)
}

// All lists the whole namespace ordered by locale.
func (r *WordListRepo) All(ctx context.Context) ([]model.WordList, error) {
	const q = `SELECT ` + wordListCols + ` FROM word_lists WHERE client_id=$1 ORDER BY locale, id, version`
	return r.many(ctx, q, r.client)
}

// ByPendingID lists rows waiting on a download.
func (r *WordListRepo) ByPendingID(ctx context.Context, id model.DownloadID) ([]model.WordList, error) {
	if id == model.NoDownload {
		return nil, nil
	}
	const q = `SELECT ` + wordListCols + ` FROM word_lists WHERE client_id=$1 AND pending_id=$2`
	return r.many(ctx, q, r.client, string(id))
}

// Insert adds a row, mapping key collisions to errs.ErrAlreadyExists.
func (r *WordListRepo) Insert(ctx context.Context, wl model.WordList) error {
	_, err := r.db.Pool.Exec(ctx, insertWordList, rowArgs(r.client, wl)...)
	if isUniqueViolation(err) {
		return fmt.Errorf("word list %s v%d: %w", wl.ID, wl.Version, errs.ErrAlreadyExists)
	}
	return err
}

// Update locks the row, applies mutate and writes every non-key column back.
func (r *WordListRepo) Update(ctx context.Context, id string, version int, mutate func(*model.WordList)) error {
	const sel = `SELECT ` + wordListCols + ` FROM word_lists WHERE client_id=$1 AND id=$2 AND version=$3 FOR UPDATE`
	const upd = `UPDATE word_lists SET pending_id=$4, type=$5, status=$6, locale=$7, description=$8, local_filename=$9, remote_filename=$10, last_update=$11, checksum=$12, raw_checksum=$13, file_size=$14, format_version=$15, flags=$16, retry_count=$17 WHERE client_id=$1 AND id=$2 AND version=$3`

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		w, err := scanWordList(tx.QueryRow(ctx, sel, r.client, id, version))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		mutate(w)
		w.ID, w.Version = id, version
		_, err = tx.Exec(ctx, upd, rowArgs(r.client, *w)...)
		return err
	})
}

// Delete removes one row.
func (r *WordListRepo) Delete(ctx context.Context, id string, version int) error {
	const q = `DELETE FROM word_lists WHERE client_id=$1 AND id=$2 AND version=$3`
	_, err := r.db.Pool.Exec(ctx, q, r.client, id, version)
	return err
}

// DeleteDownloading voids rows of a failed download that are still DOWNLOADING.
func (r *WordListRepo) DeleteDownloading(ctx context.Context, pending model.DownloadID) error {
	if pending == model.NoDownload {
		return nil
	}
	const q = `DELETE FROM word_lists WHERE client_id=$1 AND pending_id=$2 AND status=$3`
	_, err := r.db.Pool.Exec(ctx, q, r.client, string(pending), int(model.StatusDownloading))
	return err
}

// ReplaceInstalled performs the bulk-install swap in a single transaction.
func (r *WordListRepo) ReplaceInstalled(ctx context.Context, wl model.WordList) (stale []string, err error) {
	const sel = `SELECT local_filename FROM word_lists WHERE client_id=$1 AND locale=$2 AND id=$3 AND status=$4`
	const del = `DELETE FROM word_lists WHERE client_id=$1 AND id=$2`

	wl.Status = model.StatusInstalled
	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sel, r.client, wl.Locale, wl.ID, int(model.StatusInstalled))
		if err != nil {
			return err
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			if name != "" {
				stale = append(stale, name)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, del, r.client, wl.ID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, insertWordList, rowArgs(r.client, wl)...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// MaybeMarkRetrying spends one retry and flips the row to RETRYING while budget remains.
func (r *WordListRepo) MaybeMarkRetrying(ctx context.Context, id string, version int) (retry bool, err error) {
	const sel = `SELECT retry_count FROM word_lists WHERE client_id=$1 AND id=$2 AND version=$3 FOR UPDATE`
	const upd = `UPDATE word_lists SET status=$4, retry_count=$5 WHERE client_id=$1 AND id=$2 AND version=$3`

	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		var left int
		if err := tx.QueryRow(ctx, sel, r.client, id, version).Scan(&left); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if left <= 1 {
			return nil
		}
		if _, err := tx.Exec(ctx, upd, r.client, id, version, int(model.StatusRetrying), left-1); err != nil {
			return err
		}
		retry = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return retry, nil
}

// Wipe removes every row of the namespace.
func (r *WordListRepo) Wipe(ctx context.Context) error {
	const q = `DELETE FROM word_lists WHERE client_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, r.client)
	return err
}
