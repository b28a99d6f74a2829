// Package action defines the state-transition verbs applied to word-list records.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/and161185/dictpack/internal/download"
	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

// Kind selects what an Action does.
type Kind int

// Action kinds.
const (
	KindStartDownload Kind = iota + 1
	KindInstallAfterDownload
	KindEnable
	KindDisable
	KindMakeAvailable
	KindMarkPreInstalled
	KindUpdateData
	KindForget
	KindStartDelete
	KindFinishDelete
)

var kindNames = map[Kind]string{
	KindStartDownload:        "StartDownload",
	KindInstallAfterDownload: "InstallAfterDownload",
	KindEnable:               "Enable",
	KindDisable:              "Disable",
	KindMakeAvailable:        "MakeAvailable",
	KindMarkPreInstalled:     "MarkPreInstalled",
	KindUpdateData:           "UpdateData",
	KindForget:               "Forget",
	KindStartDelete:          "StartDelete",
	KindFinishDelete:         "FinishDelete",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// MarshalText renders the kind name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Action is one verb aimed at one word-list record of one client.
type Action struct {
	Kind     Kind
	ClientID string
	WordList model.WordList
	// HasNewerVersion is only meaningful for Forget.
	HasNewerVersion bool
}

// StartDownload requests the remote file of a word list and records the handle.
func StartDownload(clientID string, wl model.WordList) Action {
	return Action{Kind: KindStartDownload, ClientID: clientID, WordList: wl}
}

// InstallAfterDownload expects the full stored row with LocalFilename pointing at the new file.
func InstallAfterDownload(clientID string, row model.WordList) Action {
	return Action{Kind: KindInstallAfterDownload, ClientID: clientID, WordList: row}
}

// Enable makes a disabled or deleting word list installed again.
func Enable(clientID string, wl model.WordList) Action {
	return Action{Kind: KindEnable, ClientID: clientID, WordList: wl}
}

// Disable hides an installed word list or aborts its download.
func Disable(clientID string, wl model.WordList) Action {
	return Action{Kind: KindDisable, ClientID: clientID, WordList: wl}
}

// MakeAvailable inserts a newly published word list as AVAILABLE.
func MakeAvailable(clientID string, wl model.WordList) Action {
	return Action{Kind: KindMakeAvailable, ClientID: clientID, WordList: wl}
}

// MarkPreInstalled inserts a word list the client ships with as INSTALLED.
func MarkPreInstalled(clientID string, wl model.WordList) Action {
	return Action{Kind: KindMarkPreInstalled, ClientID: clientID, WordList: wl}
}

// UpdateData refreshes the metadata of a row and keeps its lifecycle fields.
func UpdateData(clientID string, wl model.WordList) Action {
	return Action{Kind: KindUpdateData, ClientID: clientID, WordList: wl}
}

// Forget drops a word list the manifest no longer lists. Installed copies go to DELETING.
func Forget(clientID string, wl model.WordList, hasNewerVersion bool) Action {
	return Action{Kind: KindForget, ClientID: clientID, WordList: wl, HasNewerVersion: hasNewerVersion}
}

// StartDelete flags a disabled word list for the consumer to delete.
func StartDelete(clientID string, wl model.WordList) Action {
	return Action{Kind: KindStartDelete, ClientID: clientID, WordList: wl}
}

// FinishDelete records that the consumer dropped its copy.
func FinishDelete(clientID string, wl model.WordList) Action {
	return Action{Kind: KindFinishDelete, ClientID: clientID, WordList: wl}
}

func (a Action) String() string {
	s := fmt.Sprintf("%s(%q %s v%d)", a.Kind, a.ClientID, a.WordList.ID, a.WordList.Version)
	if a.HasNewerVersion {
		s += "+newer"
	}
	return s
}

type actionJSON struct {
	Kind            Kind           `json:"kind"`
	ClientID        string         `json:"client"`
	WordList        model.WordList `json:"wordList"`
	HasNewerVersion bool           `json:"hasNewerVersion,omitempty"`
}

// MarshalJSON renders the action for logs and golden files.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(actionJSON(a))
}

// Apply performs the action against env.
func (a Action) Apply(ctx context.Context, env *Env) error {
	switch a.Kind {
	case KindStartDownload:
		return a.startDownload(ctx, env)
	case KindInstallAfterDownload:
		return a.installAfterDownload(ctx, env)
	case KindEnable:
		return a.enable(ctx, env)
	case KindDisable:
		return a.disable(ctx, env)
	case KindMakeAvailable:
		return a.insert(ctx, env, model.StatusAvailable)
	case KindMarkPreInstalled:
		return a.insert(ctx, env, model.StatusInstalled)
	case KindUpdateData:
		return a.updateData(ctx, env)
	case KindForget:
		return a.forget(ctx, env)
	case KindStartDelete:
		return a.startDelete(ctx, env)
	case KindFinishDelete:
		return a.finishDelete(ctx, env)
	default:
		return fmt.Errorf("apply %s: %w", a.Kind, errs.ErrInvalidArgument)
	}
}

func (a Action) fields(extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("action", a.Kind.String()),
		zap.String("client", a.ClientID),
		zap.String("id", a.WordList.ID),
		zap.Int("version", a.WordList.Version),
	}, extra...)
}

func (a Action) unexpected(env *Env, cur *model.WordList) {
	env.log().Warn("unexpected word list status", a.fields(zap.Stringer("status", cur.Status))...)
}

// row loads the target row; a missing row is an error.
func (a Action) row(ctx context.Context, env *Env) (*model.WordList, error) {
	cur, err := env.Stores.WordLists(a.ClientID).Get(ctx, a.WordList.ID, a.WordList.Version)
	if err != nil {
		return nil, fmt.Errorf("%s %s v%d: %w", a.Kind, a.WordList.ID, a.WordList.Version, err)
	}
	return cur, nil
}

// rowOrSkip loads the target row; a missing row is logged and yields nil.
func (a Action) rowOrSkip(ctx context.Context, env *Env) (*model.WordList, error) {
	cur, err := env.Stores.WordLists(a.ClientID).Get(ctx, a.WordList.ID, a.WordList.Version)
	if errors.Is(err, errs.ErrNotFound) {
		env.log().Warn("word list does not exist, skipping", a.fields()...)
		return nil, nil
	}
	return cur, err
}

func (a Action) setStatus(ctx context.Context, env *Env, st model.Status) error {
	return env.Stores.WordLists(a.ClientID).Update(ctx, a.WordList.ID, a.WordList.Version, func(w *model.WordList) {
		w.Status = st
		if st == model.StatusAvailable {
			w.PendingID = model.NoDownload
		}
	})
}

func (a Action) startDownload(ctx context.Context, env *Env) error {
	cur, err := a.row(ctx, env)
	if err != nil {
		return err
	}
	switch cur.Status {
	case model.StatusDownloading:
		env.Downloads.Remove(ctx, cur.PendingID)
		if err := a.setStatus(ctx, env, model.StatusAvailable); err != nil {
			return err
		}
	case model.StatusAvailable, model.StatusRetrying:
	default:
		a.unexpected(env, cur)
	}

	url := a.WordList.RemoteFilename
	if url == "" {
		url = cur.RemoteFilename
	}
	if url == "" {
		return fmt.Errorf("start download %s v%d: no remote file: %w", cur.ID, cur.Version, errs.ErrInvalidArgument)
	}
	req := download.Request{
		URL:          url + "#" + strconv.FormatInt(env.now().UnixMilli(), 10) + ".dict",
		Title:        cur.Description,
		AllowMetered: env.allowMetered(ctx),
	}

	// The handle is stored before the lock is released so a completion never sees an unknown id.
	lock := env.locker()
	lock.Lock()
	defer lock.Unlock()
	id := env.Downloads.Enqueue(ctx, req)
	if id == model.NoDownload {
		env.log().Info("download not started", a.fields()...)
		if cur.Status == model.StatusRetrying {
			// A retry that could not start falls back to AVAILABLE.
			return a.setStatus(ctx, env, model.StatusAvailable)
		}
		return nil
	}
	env.log().Info("starting word list download", a.fields(zap.String("download", string(id)))...)
	return env.Stores.WordLists(a.ClientID).Update(ctx, cur.ID, cur.Version, func(w *model.WordList) {
		w.Status = model.StatusDownloading
		w.PendingID = id
	})
}

func (a Action) installAfterDownload(ctx context.Context, env *Env) error {
	wl := a.WordList
	if wl.Status != model.StatusDownloading {
		a.unexpected(env, &wl)
	}
	if wl.Type != model.TypeBulk {
		env.log().Info("not a bulk word list, nothing to install", a.fields(zap.Int("type", int(wl.Type)))...)
		return nil
	}
	wl.PendingID = model.NoDownload
	stale, err := env.Stores.WordLists(a.ClientID).ReplaceInstalled(ctx, wl)
	if err != nil {
		return fmt.Errorf("install %s v%d: %w", wl.ID, wl.Version, err)
	}
	for _, name := range stale {
		if name == wl.LocalFilename || env.Files == nil {
			continue
		}
		if err := env.Files.Remove(name); err != nil {
			env.log().Warn("remove superseded file", a.fields(zap.String("file", name), zap.Error(err))...)
		}
	}
	return nil
}

func (a Action) enable(ctx context.Context, env *Env) error {
	cur, err := a.row(ctx, env)
	if err != nil {
		return err
	}
	if cur.Status != model.StatusDisabled && cur.Status != model.StatusDeleting {
		a.unexpected(env, cur)
	}
	return a.setStatus(ctx, env, model.StatusInstalled)
}

func (a Action) disable(ctx context.Context, env *Env) error {
	cur, err := a.row(ctx, env)
	if err != nil {
		return err
	}
	if cur.Status == model.StatusInstalled {
		return a.setStatus(ctx, env, model.StatusDisabled)
	}
	if cur.Status != model.StatusDownloading {
		a.unexpected(env, cur)
	}
	env.Downloads.Remove(ctx, cur.PendingID)
	return a.setStatus(ctx, env, model.StatusAvailable)
}

func (a Action) insert(ctx context.Context, env *Env, st model.Status) error {
	repo := env.Stores.WordLists(a.ClientID)
	_, err := repo.Get(ctx, a.WordList.ID, a.WordList.Version)
	switch {
	case err == nil:
		env.log().Warn("word list already exists, not inserting", a.fields()...)
		return nil
	case !errors.Is(err, errs.ErrNotFound):
		return err
	}

	wl := a.WordList
	wl.Type = model.TypeBulk
	wl.Status = st
	wl.PendingID = model.NoDownload
	if st == model.StatusInstalled {
		wl.LocalFilename = ""
	}
	err = repo.Insert(ctx, wl)
	if errors.Is(err, errs.ErrAlreadyExists) {
		env.log().Warn("word list already exists, not inserting", a.fields()...)
		return nil
	}
	return err
}

func (a Action) updateData(ctx context.Context, env *Env) error {
	cur, err := a.rowOrSkip(ctx, env)
	if cur == nil || err != nil {
		return err
	}
	next := a.WordList
	return env.Stores.WordLists(a.ClientID).Update(ctx, cur.ID, cur.Version, func(w *model.WordList) {
		next.Status, next.PendingID, next.Type, next.LocalFilename = w.Status, w.PendingID, w.Type, w.LocalFilename
		*w = next
	})
}

func (a Action) forget(ctx context.Context, env *Env) error {
	cur, err := a.rowOrSkip(ctx, env)
	if cur == nil || err != nil {
		return err
	}
	if a.HasNewerVersion && cur.Status != model.StatusAvailable {
		env.log().Warn("forgetting a word list that is not available, clearing its url", a.fields(zap.Stringer("status", cur.Status))...)
	}
	repo := env.Stores.WordLists(a.ClientID)
	switch cur.Status {
	case model.StatusInstalled, model.StatusDisabled, model.StatusDeleting:
		return repo.Update(ctx, cur.ID, cur.Version, func(w *model.WordList) {
			w.RemoteFilename = ""
			w.Status = model.StatusDeleting
		})
	default:
		env.Downloads.Remove(ctx, cur.PendingID)
		return repo.Delete(ctx, cur.ID, cur.Version)
	}
}

func (a Action) startDelete(ctx context.Context, env *Env) error {
	cur, err := a.row(ctx, env)
	if err != nil {
		return err
	}
	if cur.Status != model.StatusDisabled {
		a.unexpected(env, cur)
	}
	return a.setStatus(ctx, env, model.StatusDeleting)
}

func (a Action) finishDelete(ctx context.Context, env *Env) error {
	cur, err := a.row(ctx, env)
	if err != nil {
		return err
	}
	if cur.Status != model.StatusDeleting {
		a.unexpected(env, cur)
	}
	if cur.RemoteFilename == "" {
		return env.Stores.WordLists(a.ClientID).Delete(ctx, cur.ID, cur.Version)
	}
	return a.setStatus(ctx, env, model.StatusAvailable)
}
