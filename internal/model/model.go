// Package model defines domain entities used by services and repositories.
package model

import (
	"fmt"
	"strings"
	"time"
)

const (
	// RetryThreshold is the retry budget a freshly published word list starts with.
	RetryThreshold = 2
	// MainCategory is the category of bare ids and of the main dictionaries.
	MainCategory = "main"
	// IDCategorySeparator splits "category:manual_id" word-list ids.
	IDCategorySeparator = ":"
	// MaxSupportedFormatVersion is the newest binary dictionary format consumers can decode.
	MaxSupportedFormatVersion = 86736212
)

// Status is the lifecycle state of a word-list record.
type Status int

// Word-list statuses. Values are persisted; do not renumber.
const (
	StatusUnknown Status = iota
	StatusAvailable
	StatusDownloading
	StatusInstalled
	StatusDisabled
	StatusDeleting
	StatusRetrying
)

var statusNames = [...]string{
	StatusUnknown:     "unknown",
	StatusAvailable:   "available",
	StatusDownloading: "downloading",
	StatusInstalled:   "installed",
	StatusDisabled:    "disabled",
	StatusDeleting:    "deleting",
	StatusRetrying:    "retrying",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus maps a status name back to its value.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return Status(i), nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown status %q", name)
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ListType distinguishes metadata downloads from bulk and incremental word lists.
type ListType int

// Record types. Only bulk lists are installed.
const (
	TypeMetadata ListType = 1
	TypeBulk     ListType = 2
	TypeUpdate   ListType = 3
)

// DownloadID is an opaque handle to an in-flight download.
type DownloadID string

// NoDownload means "no download in flight".
const NoDownload DownloadID = ""

// WordList is one versioned word-list record, keyed by (ID, Version) inside a client namespace.
// Manifest entries use the same shape with Status, LocalFilename and PendingID left empty.
type WordList struct {
	ID             string     `json:"id"`
	Locale         string     `json:"locale"`
	Description    string     `json:"description"`
	Type           ListType   `json:"type"`
	LastUpdate     int64      `json:"update"`
	FileSize       int64      `json:"filesize"`
	RawChecksum    string     `json:"rawChecksum,omitempty"`
	Checksum       string     `json:"checksum"`
	RetryCount     int        `json:"retryCount"`
	LocalFilename  string     `json:"localFilename,omitempty"`
	RemoteFilename string     `json:"url"`
	Version        int        `json:"version"`
	FormatVersion  int        `json:"formatversion"`
	Flags          int        `json:"flags,omitempty"`
	Status         Status     `json:"status"`
	PendingID      DownloadID `json:"pendingId,omitempty"`
}

// Category returns the category part of "category:manual_id", or MainCategory for bare ids.
func (w WordList) Category() string {
	parts := strings.Split(w.ID, IDCategorySeparator)
	if len(parts) == 2 {
		return parts[0]
	}
	return MainCategory
}

// Client is a registered consumer of word lists with its own manifest source.
type Client struct {
	ID           string
	ManifestURI  string // empty: never auto-update
	AdditionalID string
	LastUpdate   time.Time // zero: never updated
	PendingID    DownloadID
	Flags        int
}

// MeteredPolicy is the user's answer to "download over metered connections?".
type MeteredPolicy int

// Metered-download policies. Values are persisted.
const (
	MeteredUnknown MeteredPolicy = iota
	MeteredAllowed
	MeteredDisallowed
)

func (p MeteredPolicy) String() string {
	switch p {
	case MeteredAllowed:
		return "allowed"
	case MeteredDisallowed:
		return "disallowed"
	default:
		return "unknown"
	}
}

// ParseMeteredPolicy accepts "allowed", "disallowed" and "unknown".
func ParseMeteredPolicy(s string) (MeteredPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown":
		return MeteredUnknown, nil
	case "allowed":
		return MeteredAllowed, nil
	case "disallowed":
		return MeteredDisallowed, nil
	}
	return MeteredUnknown, fmt.Errorf("unknown metered policy %q", s)
}

// DownloadRecord ties a finished download back to what requested it.
// A nil WordList means the download is the client's manifest.
type DownloadRecord struct {
	ClientID string
	WordList *WordList
}

// IsMetadata reports whether the record refers to a manifest download.
func (r DownloadRecord) IsMetadata() bool { return r.WordList == nil }
