package syncops

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"

	"github.com/eslider/maildeckd/internal/imapclient"
	"github.com/eslider/maildeckd/internal/model"
	"github.com/eslider/maildeckd/internal/paths"
	"github.com/eslider/maildeckd/internal/storage"
)

func rawMessage(messageID, inReplyTo, subject, from, body string) []byte {
	var b strings.Builder
	b.WriteString("Message-Id: <" + messageID + ">\n")
	if inReplyTo != "" {
		b.WriteString("In-Reply-To: <" + inReplyTo + ">\n")
	}
	b.WriteString("Subject: " + subject + "\n")
	b.WriteString("From: " + from + "\n")
	b.WriteString("Date: Mon, 17 Feb 2026 09:30:00 +0000\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\n")
	b.WriteString("\n")
	b.WriteString(body)
	b.WriteString("\n")
	return []byte(b.String())
}

func rawMessageWithTo(messageID, subject, from, to, body string) []byte {
	var b strings.Builder
	b.WriteString("Message-Id: <" + messageID + ">\n")
	b.WriteString("Subject: " + subject + "\n")
	b.WriteString("From: " + from + "\n")
	b.WriteString("To: " + to + "\n")
	b.WriteString("Date: Mon, 17 Feb 2026 09:30:00 +0000\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\n")
	b.WriteString("\n")
	b.WriteString(body)
	b.WriteString("\n")
	return []byte(b.String())
}

func newTestRunner(t *testing.T) (*Runner, *paths.Resolver) {
	t.Helper()
	r, err := paths.New(t.TempDir())
	if err != nil {
		t.Fatalf("paths.New: %v", err)
	}
	return NewRunner(nil, storage.New(r), nil), r
}

func TestIngestGroupsAndWritesThread(t *testing.T) {
	run, r := newTestRunner(t)

	fetched := []imapclient.FetchedMessage{
		{UID: imap.UID(101), Raw: rawMessage("m1", "", "Budget", "alice@example.com", "First message body")},
		{UID: imap.UID(102), Raw: rawMessage("m2", "m1", "Re: Budget", "bob@example.com", "Second message body")},
	}

	res, err := run.ingest(Options{Email: "me@gmail.com"}, fetched)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.ThreadsTouched != 1 {
		t.Fatalf("expected 1 thread, got %d", res.ThreadsTouched)
	}
	if res.LastUID != 102 {
		t.Fatalf("expected last uid 102, got %d", res.LastUID)
	}

	entries, err := os.ReadDir(r.ThreadsDir("me@gmail.com"))
	if err != nil {
		t.Fatalf("read threads dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 thread dir, got %d", len(entries))
	}

	threadID := entries[0].Name()
	msgFiles, err := os.ReadDir(r.MessagesDir("me@gmail.com", threadID))
	if err != nil {
		t.Fatalf("read messages dir: %v", err)
	}
	if len(msgFiles) != 2 {
		t.Fatalf("expected 2 message files, got %d", len(msgFiles))
	}

	indexData, err := os.ReadFile(r.ThreadsIndexFile("me@gmail.com"))
	if err != nil {
		t.Fatalf("read threads index: %v", err)
	}
	var entry model.ThreadIndexEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(indexData))), &entry); err != nil {
		t.Fatalf("unmarshal index entry: %v", err)
	}
	if entry.MsgCount != 2 {
		t.Fatalf("expected msg_count 2, got %d", entry.MsgCount)
	}
}

func TestIngestDryRunWritesNothing(t *testing.T) {
	run, r := newTestRunner(t)
	fetched := []imapclient.FetchedMessage{
		{UID: imap.UID(1), Raw: rawMessage("m1", "", "Hello", "alice@example.com", "body")},
	}
	res, err := run.ingest(Options{Email: "me@gmail.com", DryRun: true}, fetched)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.ThreadsTouched != 1 {
		t.Fatalf("expected 1 thread touched even in dry run, got %d", res.ThreadsTouched)
	}
	if _, err := os.Stat(r.ThreadsDir("me@gmail.com")); !os.IsNotExist(err) {
		t.Fatalf("expected no threads dir written in dry run")
	}
}

func TestIngestOnlyUpsertsContactForExternalSender(t *testing.T) {
	run, r := newTestRunner(t)
	fetched := []imapclient.FetchedMessage{
		{UID: imap.UID(1), Raw: rawMessageWithTo("m1", "Hello", "me@gmail.com", "recipient@example.com", "body")},
	}
	if _, err := run.ingest(Options{Email: "me@gmail.com"}, fetched); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if data, err := os.ReadFile(r.ContactsIndexFile("me@gmail.com")); err == nil {
		t.Fatalf("expected no contacts.jsonl since the only external party was a recipient, not a sender, got %q", data)
	}
}

func TestIngestEmptyBatchReturnsZeroResult(t *testing.T) {
	run, _ := newTestRunner(t)
	res, err := run.ingest(Options{Email: "me@gmail.com"}, nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.ThreadsTouched != 0 || res.LastUID != 0 {
		t.Fatalf("expected zero result for empty batch, got %+v", res)
	}
}
