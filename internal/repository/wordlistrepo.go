// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/dictpack/internal/model"
)

// WordListRepository is the word-list table of one client namespace.
// Lookups of a single row return errs.ErrNotFound when nothing matches.
type WordListRepository interface {
	// Get loads the row keyed by (id, version).
	Get(ctx context.Context, id string, version int) (*model.WordList, error)
	// Latest loads the row with the highest version for id.
	Latest(ctx context.Context, id string) (*model.WordList, error)
	// InstalledOrDeleting loads the row for id whose status is INSTALLED or DELETING.
	InstalledOrDeleting(ctx context.Context, id string) (*model.WordList, error)
	// ByStatus lists rows in any of the given statuses.
	ByStatus(ctx context.Context, statuses ...model.Status) ([]model.WordList, error)
	// All lists every row, ordered by locale.
	All(ctx context.Context) ([]model.WordList, error)
	// ByPendingID lists rows waiting on the given download.
	ByPendingID(ctx context.Context, id model.DownloadID) ([]model.WordList, error)

	// Insert adds a new row; errs.ErrAlreadyExists if (id, version) is taken.
	Insert(ctx context.Context, wl model.WordList) error
	// Update applies mutate to the stored row and writes it back atomically.
	Update(ctx context.Context, id string, version int, mutate func(*model.WordList)) error
	// Delete removes the row keyed by (id, version).
	Delete(ctx context.Context, id string, version int) error
	// DeleteDownloading removes rows still DOWNLOADING under the given download.
	DeleteDownloading(ctx context.Context, pending model.DownloadID) error
	// ReplaceInstalled swaps every row of wl.ID for wl marked INSTALLED in one transaction and
	// returns local files of the INSTALLED rows it superseded (same id and locale).
	ReplaceInstalled(ctx context.Context, wl model.WordList) ([]string, error)
	// MaybeMarkRetrying flips the row to RETRYING and spends one retry if more than one is left.
	MaybeMarkRetrying(ctx context.Context, id string, version int) (bool, error)
	// Wipe removes every row of the namespace.
	Wipe(ctx context.Context) error
}

// Registry hands out per-client word-list repositories.
type Registry interface {
	WordLists(clientID string) WordListRepository
}
