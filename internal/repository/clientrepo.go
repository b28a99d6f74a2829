package repository

import (
	"context"
	"time"

	"github.com/and161185/dictpack/internal/model"
)

// ClientRepository stores registered clients and their manifest download bookkeeping.
type ClientRepository interface {
	// Upsert inserts or updates a client; the pending download is reset.
	Upsert(ctx context.Context, c model.Client) error
	// Get loads a client by id.
	Get(ctx context.Context, id string) (*model.Client, error)
	// List returns all clients ordered by id.
	List(ctx context.Context) ([]model.Client, error)
	// Delete removes the client row.
	Delete(ctx context.Context, id string) error

	// PendingForURI returns the manifest download in flight for uri and when it was started.
	PendingForURI(ctx context.Context, uri string) (model.DownloadID, time.Time, error)
	// SetPendingForURI records the manifest download for every client using uri.
	SetPendingForURI(ctx context.Context, uri string, id model.DownloadID, now time.Time) error
	// ByPendingID lists clients whose manifest download is id.
	ByPendingID(ctx context.Context, id model.DownloadID) ([]model.Client, error)
	// TouchURI sets the last update time of every client using uri.
	TouchURI(ctx context.Context, uri string, now time.Time) error
	// OldestUpdate returns the earliest last update across clients with a manifest URI, zero if there are none.
	OldestUpdate(ctx context.Context) (time.Time, error)
}

// PreferenceRepository is a small key/value store for user choices.
type PreferenceRepository interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
}
