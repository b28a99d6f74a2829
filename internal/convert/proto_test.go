package convert

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/dictpack/internal/errs"
	"github.com/and161185/dictpack/internal/model"
)

func TestWordListStruct(t *testing.T) {
	t.Parallel()

	in := model.WordList{
		ID: "main:en", Locale: "en", Description: "English", Type: model.TypeBulk,
		LastUpdate: 1700000000, FileSize: 1024, Checksum: "abc", RetryCount: 2,
		RemoteFilename: "https://dl.example.org/en.dict", Version: 3, FormatVersion: 2,
		Status: model.StatusInstalled, LocalFilename: "en___x.dict", PendingID: "dl-1",
	}
	s, err := ToStructWordList(in)
	if err != nil {
		t.Fatalf("to struct: %v", err)
	}
	if got := s.GetFields()["status"].GetStringValue(); got != "installed" {
		t.Fatalf("status rendered as %q", got)
	}
	if _, ok := s.GetFields()["rawChecksum"]; ok {
		t.Fatalf("empty raw checksum must be omitted")
	}

	out, err := FromStructWordList(s)
	if err != nil {
		t.Fatalf("from struct: %v", err)
	}
	// status and pending handle are server-side bookkeeping
	want := in
	want.Status, want.PendingID = model.StatusUnknown, model.NoDownload
	if out != want {
		t.Fatalf("mismatch:\n got %+v\nwant %+v", out, want)
	}
}

func TestFromStructWordList_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]any{
		"no id":         {"version": 1},
		"id not string": {"id": 7},
		"fractional":    {"id": "main:en", "version": 1.5},
		"version text":  {"id": "main:en", "version": "1"},
	}
	for name, m := range cases {
		s, err := structpb.NewStruct(m)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if _, err := FromStructWordList(s); !errors.Is(err, errs.ErrInvalidArgument) {
			t.Fatalf("%s: want ErrInvalidArgument, got %v", name, err)
		}
	}
	for name, v := range map[string]any{"missing": nil, "zero": 0, "negative": -3} {
		m := map[string]any{"id": "main:en"}
		if v != nil {
			m["version"] = v
		}
		s, err := structpb.NewStruct(m)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if _, err := FromStructWordList(s); !errors.Is(err, errs.ErrBadFormat) {
			t.Fatalf("version %s: want ErrBadFormat, got %v", name, err)
		}
		if _, err := Version(s); !errors.Is(err, errs.ErrBadFormat) {
			t.Fatalf("Version %s: want ErrBadFormat, got %v", name, err)
		}
	}
	if _, err := FromStructWordList(nil); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("nil: want ErrInvalidArgument, got %v", err)
	}
}

func TestClientStruct(t *testing.T) {
	t.Parallel()

	c := model.Client{
		ID: "kbd", ManifestURI: "https://m.example.org/kbd.json",
		LastUpdate: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	s, err := ToStructClient(c)
	if err != nil {
		t.Fatalf("to struct: %v", err)
	}
	if got := s.GetFields()["last_update"].GetStringValue(); got != "2024-03-01T12:00:00Z" {
		t.Fatalf("last_update = %q", got)
	}
	back, err := FromStructClient(s)
	if err != nil {
		t.Fatalf("from struct: %v", err)
	}
	if back.ID != c.ID || back.ManifestURI != c.ManifestURI {
		t.Fatalf("mismatch: %+v", back)
	}

	never, err := ToStructClient(model.Client{ID: "x"})
	if err != nil {
		t.Fatalf("to struct: %v", err)
	}
	if _, ok := never.GetFields()["last_update"]; ok {
		t.Fatalf("zero time must be omitted")
	}
}

func TestToLists(t *testing.T) {
	t.Parallel()

	l, err := ToListWordLists([]model.WordList{{ID: "a"}, {ID: "b"}})
	if err != nil {
		t.Fatalf("word lists: %v", err)
	}
	if len(l.GetValues()) != 2 || l.GetValues()[1].GetStructValue().GetFields()["id"].GetStringValue() != "b" {
		t.Fatalf("bad list: %v", l)
	}

	cl, err := ToListClients(nil)
	if err != nil || len(cl.GetValues()) != 0 {
		t.Fatalf("empty clients: %v %v", cl, err)
	}
}
