// Package manifest reads the remote word-list catalog published as a JSON array.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

// Field names of a manifest entry.
const (
	FieldID            = "id"
	FieldLocale        = "locale"
	FieldDescription   = "description"
	FieldUpdate        = "update"
	FieldFileSize      = "filesize"
	FieldRawChecksum   = "rawChecksum"
	FieldChecksum      = "checksum"
	FieldURL           = "url"
	FieldVersion       = "version"
	FieldFormatVersion = "formatversion"
)

var required = []string{FieldID, FieldDescription, FieldUpdate, FieldFileSize, FieldChecksum,
	FieldURL, FieldVersion, FieldFormatVersion}

// Parse decodes a manifest. Entries without a locale are placeholders and are skipped.
// Any other malformed entry fails the whole manifest with errs.ErrBadFormat.
func Parse(r io.Reader) ([]model.WordList, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	if err := expectDelim(dec, '['); err != nil {
		return nil, err
	}
	var out []model.WordList
	for i := 0; dec.More(); i++ {
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("manifest entry %d: %v: %w", i, err, errs.ErrBadFormat)
		}
		fields, err := flatten(raw)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
		if fields[FieldLocale] == "" {
			continue
		}
		wl, err := entry(fields)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
		out = append(out, wl)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, err
	}
	return out, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("manifest: unexpected end of input: %w", errs.ErrBadFormat)
		}
		return fmt.Errorf("manifest: %v: %w", err, errs.ErrBadFormat)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("manifest: expected %q, got %v: %w", want, tok, errs.ErrBadFormat)
	}
	return nil
}

// flatten reads every value as text, the way numbers and strings are interchangeable in manifests.
func flatten(raw map[string]any) (map[string]string, error) {
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		if k == "" {
			continue
		}
		switch v := v.(type) {
		case nil:
			fields[k] = ""
		case string:
			fields[k] = v
		case json.Number:
			fields[k] = v.String()
		default:
			return nil, fmt.Errorf("field %q: unsupported value %T: %w", k, v, errs.ErrBadFormat)
		}
	}
	return fields, nil
}

func entry(f map[string]string) (model.WordList, error) {
	for _, name := range required {
		if f[name] == "" {
			return model.WordList{}, fmt.Errorf("missing %q in %v: %w", name, f, errs.ErrBadFormat)
		}
	}
	update, err := strconv.ParseInt(f[FieldUpdate], 10, 64)
	if err != nil {
		return model.WordList{}, badNumber(FieldUpdate, err)
	}
	size, err := strconv.ParseInt(f[FieldFileSize], 10, 64)
	if err != nil {
		return model.WordList{}, badNumber(FieldFileSize, err)
	}
	version, err := strconv.Atoi(f[FieldVersion])
	if err != nil {
		return model.WordList{}, badNumber(FieldVersion, err)
	}
	format, err := strconv.Atoi(f[FieldFormatVersion])
	if err != nil {
		return model.WordList{}, badNumber(FieldFormatVersion, err)
	}
	return model.WordList{
		ID:             f[FieldID],
		Locale:         f[FieldLocale],
		Description:    f[FieldDescription],
		Type:           model.TypeBulk,
		LastUpdate:     update,
		FileSize:       size,
		RawChecksum:    f[FieldRawChecksum],
		Checksum:       f[FieldChecksum],
		RetryCount:     model.RetryThreshold,
		RemoteFilename: f[FieldURL],
		Version:        version,
		FormatVersion:  format,
	}, nil
}

func badNumber(field string, err error) error {
	return fmt.Errorf("field %q: %v: %w", field, err, errs.ErrBadFormat)
}

// FindBestByID picks the entry for id with the highest format version not above maxFormat.
// Entries in newer formats are invisible even when they are the only match.
func FindBestByID(entries []model.WordList, id string, maxFormat int) *model.WordList {
	var best *model.WordList
	for i := range entries {
		e := &entries[i]
		if e.ID != id || e.FormatVersion > maxFormat {
			continue
		}
		if best == nil || e.FormatVersion > best.FormatVersion {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}
