// Package checksum computes the content digests word-list manifests publish.
package checksum

import (
	"crypto/md5" //nolint:gosec // manifests publish MD5; it is a transfer check, not a security boundary
	"encoding/hex"
	"hash"
	"io"
	"strings"
)

// Writer hashes whatever is written through it.
type Writer struct {
	w io.Writer
	h hash.Hash
}

// NewWriter returns a Writer forwarding to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, h: md5.New()} //nolint:gosec
}

func (c *Writer) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.h.Write(p[:n])
	return n, err
}

// Sum returns the lowercase hex digest of the bytes written so far.
func (c *Writer) Sum() string { return hex.EncodeToString(c.h.Sum(nil)) }

// Matches compares a computed digest with a published one, ignoring case.
func Matches(computed, published string) bool {
	return strings.EqualFold(computed, strings.TrimSpace(published))
}
