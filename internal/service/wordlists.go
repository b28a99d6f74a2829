package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/and161185/dictpack/internal/action"
	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

const meteredPrefKey = "download_over_metered"

func usedPrefKey(id string) string { return "wordlist/" + id }

// InstallOutcome tells the caller what InstallIfNeverRequested did.
type InstallOutcome struct {
	Started bool
	Locale  string
	// Announce is set when the user should be told a download started.
	Announce bool
}

func (h *Handler) current(ctx context.Context, clientID, id string, version int) (*model.WordList, error) {
	w, err := h.stores.WordLists(clientID).Get(ctx, id, version)
	if err != nil {
		return nil, fmt.Errorf("word list %s v%d of %q: %w", id, version, clientID, err)
	}
	return w, nil
}

func (h *Handler) rememberChoice(ctx context.Context, id string, used bool) {
	if h.prefs == nil {
		return
	}
	if err := h.prefs.Put(ctx, usedPrefKey(id), strconv.FormatBool(used)); err != nil {
		h.log.Warn("save word list preference", zap.String("id", id), zap.Error(err))
	}
}

// MarkAsUsed enables a disabled or deleting word list, or downloads an available or retrying one.
func (h *Handler) MarkAsUsed(ctx context.Context, clientID, id string, version int) error {
	w, err := h.current(ctx, clientID, id, version)
	if err != nil {
		return err
	}
	b := action.NewBatch()
	switch w.Status {
	case model.StatusDisabled, model.StatusDeleting:
		b.Add(action.Enable(clientID, *w))
	case model.StatusAvailable, model.StatusRetrying:
		b.Add(action.StartDownload(clientID, *w))
	default:
		h.log.Warn("unexpected word list status for mark as used", zap.String("client", clientID),
			zap.String("id", id), zap.Stringer("status", w.Status))
	}
	h.rememberChoice(ctx, id, true)
	err = h.run(ctx, b)
	h.signal.DictionarySetChanged(clientID)
	return err
}

// MarkAsUnused disables a word list.
func (h *Handler) MarkAsUnused(ctx context.Context, clientID, id string, version int) error {
	w, err := h.current(ctx, clientID, id, version)
	if err != nil {
		return err
	}
	h.rememberChoice(ctx, id, false)
	err = h.run(ctx, action.NewBatch(action.Disable(clientID, *w)))
	h.signal.DictionarySetChanged(clientID)
	return err
}

// MarkAsDeleting disables a word list and flags it for the consumer to delete.
func (h *Handler) MarkAsDeleting(ctx context.Context, clientID, id string, version int) error {
	w, err := h.current(ctx, clientID, id, version)
	if err != nil {
		return err
	}
	err = h.run(ctx, action.NewBatch(action.Disable(clientID, *w), action.StartDelete(clientID, *w)))
	h.signal.DictionarySetChanged(clientID)
	return err
}

// MarkAsDeleted confirms the consumer dropped its copy.
func (h *Handler) MarkAsDeleted(ctx context.Context, clientID, id string, version int) error {
	w, err := h.current(ctx, clientID, id, version)
	if err != nil {
		return err
	}
	err = h.run(ctx, action.NewBatch(action.FinishDelete(clientID, *w)))
	h.signal.DictionarySetChanged(clientID)
	return err
}

// MarkAsBrokenOrRetrying handles a consumer that could not read an installed file.
func (h *Handler) MarkAsBrokenOrRetrying(ctx context.Context, clientID, id string, version int) error {
	repo := h.stores.WordLists(clientID)
	retry, err := repo.MaybeMarkRetrying(ctx, id, version)
	if err != nil {
		return fmt.Errorf("word list %s v%d of %q: %w", id, version, clientID, err)
	}
	if !retry {
		h.log.Info("retries exhausted, dropping word list", zap.String("client", clientID), zap.String("id", id), zap.Int("version", version))
		return repo.Delete(ctx, id, version)
	}
	w, err := h.current(ctx, clientID, id, version)
	if err != nil {
		return err
	}
	return h.run(ctx, action.NewBatch(action.StartDownload(clientID, *w)))
}

// InstallIfNeverRequested downloads the latest version of a main dictionary the user never
// chose about, provided it is AVAILABLE.
func (h *Handler) InstallIfNeverRequested(ctx context.Context, clientID, id string) (InstallOutcome, error) {
	log := h.log.With(zap.String("client", clientID), zap.String("id", id))
	if (model.WordList{ID: id}).Category() != model.MainCategory {
		return InstallOutcome{}, nil
	}
	if h.prefs != nil {
		_, chosen, err := h.prefs.Lookup(ctx, usedPrefKey(id))
		if err != nil {
			return InstallOutcome{}, err
		}
		if chosen {
			log.Debug("user already chose, not auto-installing")
			return InstallOutcome{}, nil
		}
	}
	w, err := h.stores.WordLists(clientID).Latest(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return InstallOutcome{}, nil
	}
	if err != nil {
		return InstallOutcome{}, err
	}
	if w.Status != model.StatusAvailable {
		return InstallOutcome{}, nil
	}

	log.Info("auto-installing word list", zap.Int("version", w.Version), zap.Bool("announce", h.opts.Provisioned))
	if err := h.run(ctx, action.NewBatch(action.StartDownload(clientID, *w))); err != nil {
		return InstallOutcome{}, err
	}
	return InstallOutcome{Started: true, Locale: w.Locale, Announce: h.opts.Provisioned}, nil
}

// MeteredPolicy returns the stored metered-download policy.
func (h *Handler) MeteredPolicy(ctx context.Context) (model.MeteredPolicy, error) {
	if h.prefs == nil {
		return model.MeteredUnknown, nil
	}
	v, ok, err := h.prefs.Lookup(ctx, meteredPrefKey)
	if err != nil || !ok {
		return model.MeteredUnknown, err
	}
	return model.ParseMeteredPolicy(v)
}

// SetMeteredPolicy stores the metered-download policy.
func (h *Handler) SetMeteredPolicy(ctx context.Context, p model.MeteredPolicy) error {
	if h.prefs == nil {
		return fmt.Errorf("no preference store: %w", errs.ErrUnavailable)
	}
	return h.prefs.Put(ctx, meteredPrefKey, p.String())
}

func (h *Handler) allowMetered(ctx context.Context) bool {
	p, err := h.MeteredPolicy(ctx)
	if err != nil {
		h.log.Warn("read metered policy", zap.Error(err))
		return false
	}
	return p == model.MeteredAllowed
}
