package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eslider/maildeckd/internal/model"
	"github.com/eslider/maildeckd/internal/paths"
)

func newTestWriter(t *testing.T) (*Writer, *paths.Resolver) {
	t.Helper()
	base := t.TempDir()
	r, err := paths.New(base)
	if err != nil {
		t.Fatalf("paths.New: %v", err)
	}
	return New(r), r
}

func TestWriteMessageIdempotent(t *testing.T) {
	w, _ := newTestWriter(t)
	date := time.Date(2026, 2, 17, 9, 30, 0, 0, time.UTC)
	fm := model.MessageFrontmatter{ID: "m1", MessageID: "m1", ThreadID: "t1", Date: date.Format(time.RFC3339)}

	name1, err := w.WriteMessage("me@gmail.com", "t1", date, fm, "hello\n")
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	name2, err := w.WriteMessage("me@gmail.com", "t1", date, fm, "hello\n")
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if name1 != name2 {
		t.Fatalf("expected same filename, got %q and %q", name1, name2)
	}
}

func TestWriteAttachmentsSkipsOversize(t *testing.T) {
	w, r := newTestWriter(t)
	small := ParsedAttachment{Filename: "a.txt", ContentType: "text/plain", Bytes: []byte("hi"), Size: 2}
	big := ParsedAttachment{Filename: "b.bin", ContentType: "application/octet-stream", Size: MaxAttachmentBytes + 1}

	entries, err := w.WriteAttachments("me@gmail.com", "t1", []ParsedAttachment{small, big})
	if err != nil {
		t.Fatalf("WriteAttachments: %v", err)
	}
	if entries[0].Skipped {
		t.Fatalf("expected small attachment not skipped")
	}
	if !entries[1].Skipped {
		t.Fatalf("expected oversize attachment skipped")
	}
	if _, err := os.Stat(r.AttachmentFile("me@gmail.com", "t1", "b.bin")); !os.IsNotExist(err) {
		t.Fatalf("expected no bytes written for skipped attachment")
	}
	if _, err := os.Stat(r.AttachmentFile("me@gmail.com", "t1", "a.txt")); err != nil {
		t.Fatalf("expected bytes written for kept attachment: %v", err)
	}
}

func TestThreadIndexSortedByLastDateDescending(t *testing.T) {
	w, r := newTestWriter(t)
	dates := []string{"2026-02-10T00:00:00Z", "2026-02-20T00:00:00Z", "2026-02-15T00:00:00Z"}
	for i, d := range dates {
		entry := model.ThreadIndexEntry{ID: "t" + string(rune('a'+i)), LastDate: mustParse(t, d)}
		if err := w.UpsertThreadIndex("me@gmail.com", entry); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	data, err := os.ReadFile(r.ThreadsIndexFile("me@gmail.com"))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	var got []string
	for _, l := range lines {
		var e model.ThreadIndexEntry
		if err := json.Unmarshal([]byte(l), &e); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		got = append(got, e.LastDate.Format("2006-01-02"))
	}
	want := []string{"2026-02-20", "2026-02-15", "2026-02-10"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return tm
}

func TestUpsertContactIndexAccumulates(t *testing.T) {
	w, r := newTestWriter(t)
	first := model.ContactEntry{
		Email:     "ext@example.com",
		Name:      "Ext Person",
		FirstSeen: mustParse(t, "2026-01-01T00:00:00Z"),
		LastSeen:  mustParse(t, "2026-01-01T00:00:00Z"),
		MsgCount:  1,
	}
	for i := 0; i < 5; i++ {
		entry := first
		entry.LastSeen = mustParse(t, "2026-02-0"+string(rune('1'+i))+"T00:00:00Z")
		entry.MsgCount = 1
		if err := w.UpsertContactIndex("me@gmail.com", entry); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(r.ContactsIndexFile("me@gmail.com"))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 contact line, got %d", len(lines))
	}
	var got model.ContactEntry
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.MsgCount != 5 {
		t.Fatalf("expected accumulated msg_count 5, got %d", got.MsgCount)
	}
	if !got.IsFrequent {
		t.Fatalf("expected is_frequent once msg_count reaches threshold")
	}
	if got.FirstSeen.Format("2006-01-02") != "2026-01-01" {
		t.Fatalf("expected first_seen preserved, got %v", got.FirstSeen)
	}
}

func TestWriteThreadMetaCreatesDir(t *testing.T) {
	w, r := newTestWriter(t)
	meta := model.ThreadMeta{ID: "t1", Subject: "Hi"}
	if err := w.WriteThreadMeta("me@gmail.com", meta); err != nil {
		t.Fatalf("WriteThreadMeta: %v", err)
	}
	if _, err := os.Stat(r.ThreadMetaFile("me@gmail.com", "t1")); err != nil {
		t.Fatalf("expected thread.json to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(r.ThreadMetaFile("me@gmail.com", "t1"))); err != nil {
		t.Fatalf("expected thread dir to exist: %v", err)
	}
}
