// Package convert maps domain types to protobuf well-known types and back.
package convert

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

// --- helpers ---

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func field(s *structpb.Struct, key string) *structpb.Value {
	if s == nil {
		return nil
	}
	return s.GetFields()[key]
}

// String reads an optional string field. Numbers are not accepted.
func String(s *structpb.Struct, key string) (string, error) {
	v := field(s, key)
	if v == nil {
		return "", nil
	}
	if _, ok := v.GetKind().(*structpb.Value_StringValue); !ok {
		return "", fmt.Errorf("field %q: want string: %w", key, errs.ErrInvalidArgument)
	}
	return v.GetStringValue(), nil
}

// Int reads an optional integral number field.
func Int(s *structpb.Struct, key string) (int64, error) {
	v := field(s, key)
	if v == nil {
		return 0, nil
	}
	if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
		return 0, fmt.Errorf("field %q: want number: %w", key, errs.ErrInvalidArgument)
	}
	n := v.GetNumberValue()
	if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
		return 0, fmt.Errorf("field %q: %v is not an integer: %w", key, n, errs.ErrInvalidArgument)
	}
	return int64(n), nil
}

// Required reads a string field that must be present and non-empty.
func Required(s *structpb.Struct, key string) (string, error) {
	v, err := String(s, key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("field %q is required: %w", key, errs.ErrInvalidArgument)
	}
	return v, nil
}

// Version reads the "version" field, which must be a positive integer.
func Version(s *structpb.Struct) (int, error) {
	v, err := Int(s, "version")
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("field \"version\" must be positive, got %d: %w", v, errs.ErrBadFormat)
	}
	return int(v), nil
}

// --- WordList ---

// ToStructWordList renders a word list with the same keys as its JSON form.
func ToStructWordList(w model.WordList) (*structpb.Struct, error) {
	m := map[string]any{
		"id":            w.ID,
		"locale":        w.Locale,
		"description":   w.Description,
		"type":          int(w.Type),
		"update":        w.LastUpdate,
		"filesize":      w.FileSize,
		"checksum":      w.Checksum,
		"retryCount":    w.RetryCount,
		"url":           w.RemoteFilename,
		"version":       w.Version,
		"formatversion": w.FormatVersion,
		"status":        w.Status.String(),
	}
	if w.RawChecksum != "" {
		m["rawChecksum"] = w.RawChecksum
	}
	if w.LocalFilename != "" {
		m["localFilename"] = w.LocalFilename
	}
	if w.Flags != 0 {
		m["flags"] = w.Flags
	}
	if w.PendingID != model.NoDownload {
		m["pendingId"] = string(w.PendingID)
	}
	return structpb.NewStruct(m)
}

// FromStructWordList reads the publishable part of a word list. Status and bookkeeping
// fields are ignored.
func FromStructWordList(s *structpb.Struct) (model.WordList, error) {
	if s == nil {
		return model.WordList{}, fmt.Errorf("nil word list: %w", errs.ErrInvalidArgument)
	}
	var (
		w   model.WordList
		err error
	)
	if w.ID, err = Required(s, "id"); err != nil {
		return w, err
	}
	strs := []struct {
		key string
		dst *string
	}{
		{"locale", &w.Locale},
		{"description", &w.Description},
		{"checksum", &w.Checksum},
		{"rawChecksum", &w.RawChecksum},
		{"url", &w.RemoteFilename},
		{"localFilename", &w.LocalFilename},
	}
	for _, f := range strs {
		if *f.dst, err = String(s, f.key); err != nil {
			return w, err
		}
	}
	nums := map[string]int64{}
	if w.Version, err = Version(s); err != nil {
		return w, err
	}
	for _, key := range []string{"update", "filesize", "retryCount", "formatversion", "flags"} {
		if nums[key], err = Int(s, key); err != nil {
			return w, err
		}
	}
	w.Type = model.TypeBulk
	w.LastUpdate = nums["update"]
	w.FileSize = nums["filesize"]
	w.RetryCount = int(nums["retryCount"])
	w.FormatVersion = int(nums["formatversion"])
	w.Flags = int(nums["flags"])
	return w, nil
}

// ToListWordLists renders word lists in order.
func ToListWordLists(ws []model.WordList) (*structpb.ListValue, error) {
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(ws))}
	for i, w := range ws {
		s, err := ToStructWordList(w)
		if err != nil {
			return nil, fmt.Errorf("word list[%d]: %w", i, err)
		}
		out.Values = append(out.Values, structpb.NewStructValue(s))
	}
	return out, nil
}

// --- Client ---

// ToStructClient renders a registered client.
func ToStructClient(c model.Client) (*structpb.Struct, error) {
	m := map[string]any{
		"client_id":    c.ID,
		"manifest_uri": c.ManifestURI,
	}
	if c.AdditionalID != "" {
		m["additional_id"] = c.AdditionalID
	}
	if c.PendingID != model.NoDownload {
		m["pending_id"] = string(c.PendingID)
	}
	if u := ts(c.LastUpdate); u != "" {
		m["last_update"] = u
	}
	return structpb.NewStruct(m)
}

// FromStructClient reads a client registration.
func FromStructClient(s *structpb.Struct) (model.Client, error) {
	var (
		c   model.Client
		err error
	)
	if c.ID, err = Required(s, "client_id"); err != nil {
		return c, err
	}
	if c.ManifestURI, err = String(s, "manifest_uri"); err != nil {
		return c, err
	}
	if c.AdditionalID, err = String(s, "additional_id"); err != nil {
		return c, err
	}
	return c, nil
}

// ToListClients renders clients in order.
func ToListClients(cs []model.Client) (*structpb.ListValue, error) {
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(cs))}
	for i, c := range cs {
		s, err := ToStructClient(c)
		if err != nil {
			return nil, fmt.Errorf("client[%d]: %w", i, err)
		}
		out.Values = append(out.Values, structpb.NewStructValue(s))
	}
	return out, nil
}
