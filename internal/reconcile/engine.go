// Package reconcile diffs the stored word lists of a client against a freshly parsed manifest.
package reconcile

import (
	"sort"

	"go.uber.org/zap"

	"github.com/and161185/dictpack/internal/action"
	"github.com/and161185/dictpack/internal/manifest"
	"github.com/and161185/dictpack/internal/model"
)

// Engine computes the actions that bring a client up to date with a manifest.
type Engine struct {
	MaxFormatVersion int
	Log              *zap.Logger
}

// New returns an engine accepting formats up to model.MaxSupportedFormatVersion.
func New(log *zap.Logger) Engine {
	return Engine{MaxFormatVersion: model.MaxSupportedFormatVersion, Log: log}
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func latest(rows []model.WordList, id string) *model.WordList {
	var best *model.WordList
	for i := range rows {
		if rows[i].ID == id && (best == nil || rows[i].Version > best.Version) {
			best = &rows[i]
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// Compute returns the batch turning current into manifest for clientID. Ids are visited in
// sorted order; actions for one id keep their relative order.
func (e Engine) Compute(clientID string, current, entries []model.WordList) *action.Batch {
	maxFormat := e.MaxFormatVersion
	if maxFormat <= 0 {
		maxFormat = model.MaxSupportedFormatVersion
	}

	seen := map[string]struct{}{}
	for _, w := range current {
		seen[w.ID] = struct{}{}
	}
	for _, w := range entries {
		seen[w.ID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	b := action.NewBatch()
	for _, id := range ids {
		cur := latest(current, id)
		next := manifest.FindBestByID(entries, id, maxFormat)
		log := e.log().With(zap.String("client", clientID), zap.String("id", id))

		switch {
		case cur == nil && next == nil:
			log.Info("no supported format for word list, ignoring")
		case cur == nil:
			b.Add(action.MakeAvailable(clientID, *next))
		case next == nil:
			b.Add(action.Forget(clientID, *cur, false))
		case next.Version == cur.Version:
			if next.RemoteFilename == cur.RemoteFilename {
				next.RetryCount = cur.RetryCount
			}
			b.Add(action.UpdateData(clientID, *next))
		case next.Version > cur.Version:
			if next.RemoteFilename == cur.RemoteFilename {
				next.RetryCount = cur.RetryCount
			}
			b.Add(action.MakeAvailable(clientID, *next))
			// The old row stays until the new file installs; only an INSTALLED
			// predecessor's file is collected then, a DISABLED one's is kept.
			if cur.Status == model.StatusInstalled || cur.Status == model.StatusDisabled {
				b.Add(action.StartDownload(clientID, *next))
			} else {
				b.Add(action.Forget(clientID, *cur, true))
			}
		default:
			log.Debug("manifest is behind local state", zap.Int("local", cur.Version), zap.Int("remote", next.Version))
		}
	}
	return b
}
