package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

// LocaleMatch is a word list chosen for a requested locale.
type LocaleMatch struct {
	WordList model.WordList
	Level    int
}

// WordListsForLocale picks, per category, the word list whose locale best matches locale among
// INSTALLED, DELETING and AVAILABLE rows. INSTALLED rows whose file is gone are skipped; DELETING
// rows are always offered so the consumer can drop its copy. Results are ordered by id.
func (h *Handler) WordListsForLocale(ctx context.Context, clientID, locale string) ([]LocaleMatch, error) {
	rows, err := h.stores.WordLists(clientID).ByStatus(ctx,
		model.StatusInstalled, model.StatusDeleting, model.StatusAvailable)
	if err != nil {
		return nil, fmt.Errorf("word lists of %q: %w", clientID, err)
	}

	best := map[string]LocaleMatch{}
	for _, w := range rows {
		if w.ID == "" {
			continue
		}
		level := model.LocaleMatchLevel(w.Locale, locale)
		if !model.IsLocaleMatch(level) {
			continue
		}
		if w.Status == model.StatusInstalled && (h.files == nil || !h.files.Exists(w.LocalFilename)) {
			h.log.Debug("installed word list has no file, skipping", zap.String("client", clientID),
				zap.String("id", w.ID), zap.String("file", w.LocalFilename))
			continue
		}
		cat := w.Category()
		if cur, ok := best[cat]; !ok || cur.Level < level {
			best[cat] = LocaleMatch{WordList: w, Level: level}
		}
	}

	out := make([]LocaleMatch, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WordList.ID < out[j].WordList.ID })
	return out, nil
}

// OpenWordList streams the installed file of id. A DELETING word list reads as empty, which is
// how a consumer learns to drop it.
func (h *Handler) OpenWordList(ctx context.Context, clientID, id string) (io.ReadCloser, error) {
	if id == "" {
		return nil, fmt.Errorf("empty word list id: %w", errs.ErrInvalidArgument)
	}
	w, err := h.stores.WordLists(clientID).InstalledOrDeleting(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("word list %s of %q: %w", id, clientID, err)
	}
	if w.Status == model.StatusDeleting {
		return io.NopCloser(strings.NewReader("")), nil
	}
	if h.files == nil {
		return nil, fmt.Errorf("no storage configured: %w", errs.ErrUnavailable)
	}
	rc, err := h.files.OpenFile(w.LocalFilename)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("word list %s v%d has no file: %w", id, w.Version, errs.ErrNotFound)
	}
	return rc, err
}
