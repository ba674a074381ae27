package outbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/eslider/maildeckd/internal/atomicfile"
	"github.com/eslider/maildeckd/internal/model"
	"github.com/eslider/maildeckd/internal/paths"
)

func newTestMachine(t *testing.T) (*Machine, *paths.Resolver, string) {
	t.Helper()
	base := t.TempDir()
	r, err := paths.New(base)
	if err != nil {
		t.Fatalf("paths.New: %v", err)
	}
	for _, dir := range []string{r.OutboxDir("me@gmail.com"), r.SentDir("me@gmail.com"), r.FailedDir("me@gmail.com")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return New(r), r, "me@gmail.com"
}

func writeDraft(t *testing.T, path string, d model.Draft) {
	t.Helper()
	if err := atomicfile.WriteJSON(path, d); err != nil {
		t.Fatalf("write draft: %v", err)
	}
}

func TestHappyPathTransitionsToSent(t *testing.T) {
	m, r, email := newTestMachine(t)
	d := model.Draft{Action: model.ActionCompose, To: []string{"a@b.com"}, Subject: "Hi", Body: "Hello", Status: model.StatusPendingReview}
	writeDraft(t, filepath.Join(r.OutboxDir(email), "d1.json"), d)

	if _, err := m.Transition(email, "d1.json", model.StatusReadyToSend, Extra{}); err != nil {
		t.Fatalf("-> ready_to_send: %v", err)
	}
	if _, err := m.Transition(email, "d1.json", model.StatusSending, Extra{}); err != nil {
		t.Fatalf("-> sending: %v", err)
	}
	if _, err := m.Transition(email, "d1.json", model.StatusSent, Extra{ProviderMessageID: "abc"}); err != nil {
		t.Fatalf("-> sent: %v", err)
	}

	if _, err := os.Stat(filepath.Join(r.OutboxDir(email), "d1.json")); !os.IsNotExist(err) {
		t.Fatalf("expected draft removed from outbox")
	}
	if _, err := os.Stat(filepath.Join(r.SentDir(email), "d1.json")); err != nil {
		t.Fatalf("expected draft present in sent/: %v", err)
	}
}

func TestInvalidTransitionRejectedAndFileUnchanged(t *testing.T) {
	m, r, email := newTestMachine(t)
	d := model.Draft{Action: model.ActionCompose, To: []string{"a@b.com"}, Subject: "Hi", Body: "Hello", Status: model.StatusPendingReview}
	path := filepath.Join(r.OutboxDir(email), "d2.json")
	writeDraft(t, path, d)

	before, _ := os.ReadFile(path)
	if _, err := m.Transition(email, "d2.json", model.StatusSent, Extra{}); err == nil {
		t.Fatalf("expected error for invalid transition")
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Fatalf("expected file unchanged after rejected transition")
	}
}

func TestValidateRejectsMissingAtSign(t *testing.T) {
	d := model.Draft{Action: model.ActionCompose, To: []string{"not-an-email"}, Subject: "Hi", Body: "Hello", Status: model.StatusPendingReview}
	if err := Validate(d); err == nil {
		t.Fatalf("expected validation error for recipient without @")
	}
}

func TestValidateRequiresThreadIDForReply(t *testing.T) {
	d := model.Draft{Action: model.ActionReply, To: []string{"a@b.com"}, Subject: "Hi", Body: "Hello", Status: model.StatusPendingReview}
	if err := Validate(d); err == nil {
		t.Fatalf("expected validation error for reply without thread_id")
	}
}
