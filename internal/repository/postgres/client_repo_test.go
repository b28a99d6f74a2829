package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

var clientColumns = []string{"client_id", "manifest_uri", "additional_id", "last_update", "pending_id", "flags"}

func TestClientRepo_Upsert(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewClientRepo(db)

	mock.ExpectExec(`INSERT INTO clients .* ON CONFLICT \(client_id\) DO UPDATE`).
		WithArgs("kbd", "https://dl.example.org/manifest.json", "", 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := r.Upsert(context.Background(), model.Client{ID: "kbd", ManifestURI: "https://dl.example.org/manifest.json"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClientRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewClientRepo(db)

	ms := int64(1700000000123)
	mock.ExpectQuery(`SELECT client_id, manifest_uri, .* FROM clients WHERE client_id=\$1`).
		WithArgs("kbd").
		WillReturnRows(pgxmock.NewRows(clientColumns).AddRow("kbd", "https://m", "x", ms, "01HZX", 0))

	c, err := r.Get(context.Background(), "kbd")
	require.NoError(t, err)
	require.Equal(t, "https://m", c.ManifestURI)
	require.Equal(t, model.DownloadID("01HZX"), c.PendingID)
	require.Equal(t, time.UnixMilli(ms), c.LastUpdate)
}

func TestClientRepo_Get_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewClientRepo(db)

	mock.ExpectQuery(`FROM clients WHERE client_id=\$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := r.Get(context.Background(), "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestClientRepo_PendingForURI(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewClientRepo(db)

	mock.ExpectQuery(`SELECT pending_id, last_update FROM clients WHERE manifest_uri=\$1`).
		WithArgs("https://m").
		WillReturnRows(pgxmock.NewRows([]string{"pending_id", "last_update"}).AddRow("01HZX", int64(0)))

	id, started, err := r.PendingForURI(context.Background(), "https://m")
	require.NoError(t, err)
	require.Equal(t, model.DownloadID("01HZX"), id)
	require.True(t, started.IsZero())
}

func TestClientRepo_SetPendingForURI(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewClientRepo(db)

	now := time.UnixMilli(1700000000000)
	mock.ExpectExec(`UPDATE clients SET pending_id=\$2, last_update=\$3 WHERE manifest_uri=\$1`).
		WithArgs("https://m", "01HZX", now.UnixMilli()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	require.NoError(t, r.SetPendingForURI(context.Background(), "https://m", "01HZX", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClientRepo_OldestUpdate_NoClients(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewClientRepo(db)

	mock.ExpectQuery(`SELECT COALESCE\(MIN\(last_update\),0\) FROM clients`).
		WillReturnRows(pgxmock.NewRows([]string{"min"}).AddRow(int64(0)))

	ts, err := r.OldestUpdate(context.Background())
	require.NoError(t, err)
	require.True(t, ts.IsZero())
}

func TestPrefRepo_LookupAndPut(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPrefRepo(db)

	mock.ExpectQuery(`SELECT value FROM preferences WHERE key=\$1`).
		WithArgs("wordlist:main:en").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO preferences`).
		WithArgs("wordlist:main:en", "true").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, ok, err := r.Lookup(context.Background(), "wordlist:main:en")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, r.Put(context.Background(), "wordlist:main:en", "true"))
	require.NoError(t, mock.ExpectationsWereMet())
}
