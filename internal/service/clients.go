package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/dictpack/internal/action"
	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

// RegisterClient adds a client or updates its manifest source.
func (h *Handler) RegisterClient(ctx context.Context, c model.Client) error {
	if c.ID == "" {
		return fmt.Errorf("validation: empty client id: %w", errs.ErrInvalidArgument)
	}
	if err := h.clients.Upsert(ctx, c); err != nil {
		return fmt.Errorf("register client %q: %w", c.ID, err)
	}
	h.log.Info("client registered", zap.String("client", c.ID), zap.String("uri", c.ManifestURI))
	return nil
}

// DeleteClient forgets a client with all its word lists, pending downloads and files.
func (h *Handler) DeleteClient(ctx context.Context, clientID string) error {
	if _, err := h.clients.Get(ctx, clientID); err != nil {
		return fmt.Errorf("client %q: %w", clientID, err)
	}
	repo := h.stores.WordLists(clientID)
	rows, err := repo.All(ctx)
	if err != nil {
		return err
	}
	for _, w := range rows {
		h.dl.Remove(ctx, w.PendingID)
		if h.files != nil && w.LocalFilename != "" {
			if err := h.files.Remove(w.LocalFilename); err != nil {
				h.log.Warn("remove word list file", zap.String("file", w.LocalFilename), zap.Error(err))
			}
		}
	}
	if err := repo.Wipe(ctx); err != nil {
		return err
	}
	if err := h.clients.Delete(ctx, clientID); err != nil {
		return err
	}
	h.signal.DictionarySetChanged(clientID)
	return nil
}

// ListClients returns registered clients ordered by id.
func (h *Handler) ListClients(ctx context.Context) ([]model.Client, error) {
	return h.clients.List(ctx)
}

// ListWordLists returns the real word lists of a client ordered by locale.
func (h *Handler) ListWordLists(ctx context.Context, clientID string) ([]model.WordList, error) {
	rows, err := h.stores.WordLists(clientID).All(ctx)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, w := range rows {
		if w.Locale != "" {
			out = append(out, w)
		}
	}
	return out, nil
}

// LastUpdate returns the last manifest update of a client, zero if never.
func (h *Handler) LastUpdate(ctx context.Context, clientID string) (time.Time, error) {
	c, err := h.clients.Get(ctx, clientID)
	if err != nil {
		return time.Time{}, err
	}
	return c.LastUpdate, nil
}

// OldestUpdate returns the least recent manifest update across auto-updating clients.
func (h *Handler) OldestUpdate(ctx context.Context) (time.Time, error) {
	return h.clients.OldestUpdate(ctx)
}

// AddPreInstalled records a word list the client ships with.
func (h *Handler) AddPreInstalled(ctx context.Context, clientID string, wl model.WordList) error {
	if wl.RetryCount == 0 {
		wl.RetryCount = model.RetryThreshold
	}
	err := h.run(ctx, action.NewBatch(action.MarkPreInstalled(clientID, wl)))
	h.signal.DictionarySetChanged(clientID)
	return err
}
