// Package storage manages the directory installed word-list files live in.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid/v5"
)

// Dir is a flat directory of dictionary files.
type Dir struct {
	root string
}

// Open creates root if needed.
func Open(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the directory path.
func (d *Dir) Root() string { return d.root }

// Path resolves a stored file name. Names never contain separators.
func (d *Dir) Path(name string) string { return filepath.Join(d.root, filepath.Base(name)) }

// Create opens a new uniquely named file for locale: "<locale>___<uuid>.dict".
func (d *Dir) Create(locale string) (*os.File, string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, "", err
	}
	safe := strings.Map(func(r rune) rune {
		if r == os.PathSeparator || r == '/' {
			return '_'
		}
		return r
	}, locale)
	name := safe + "___" + id.String() + ".dict"
	f, err := os.OpenFile(d.Path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, "", err
	}
	return f, name, nil
}

// OpenFile reads a stored file. An empty name is os.ErrNotExist.
func (d *Dir) OpenFile(name string) (io.ReadCloser, error) {
	if name == "" {
		return nil, fmt.Errorf("open stored file: %w", os.ErrNotExist)
	}
	return os.Open(d.Path(name))
}

// Exists reports whether name is a regular file in the directory.
func (d *Dir) Exists(name string) bool {
	if name == "" {
		return false
	}
	fi, err := os.Stat(d.Path(name))
	return err == nil && fi.Mode().IsRegular()
}

// Remove deletes a stored file. Missing files and empty names are not errors.
func (d *Dir) Remove(name string) error {
	if name == "" {
		return nil
	}
	if err := os.Remove(d.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
