// Package outbox implements the Outbox State Machine (§4.J): draft
// validation and the constrained status transition graph, plus the
// directory Watcher (watcher.go, §4.K) that drives drafts through it. The
// teacher has no outbox (archive-only); the transition-table shape is
// grounded on internal/sync/state.go's account sync-state transitions,
// generalized to the five-state draft lifecycle.
package outbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/eslider/maildeckd/internal/atomicfile"
	"github.com/eslider/maildeckd/internal/model"
	"github.com/eslider/maildeckd/internal/paths"
)

// allowedTransitions is the graph from §4.J. It has no self-transitions;
// every pair not listed here is rejected.
var allowedTransitions = map[model.DraftStatus]map[model.DraftStatus]bool{
	model.StatusPendingReview: {model.StatusReadyToSend: true},
	model.StatusReadyToSend:   {model.StatusSending: true},
	model.StatusSending:       {model.StatusSent: true, model.StatusFailed: true},
}

// Machine validates drafts and performs their state transitions for one
// account's outbox/sent/failed directories.
type Machine struct {
	paths *paths.Resolver
}

// New creates a Machine rooted at the given Resolver.
func New(resolver *paths.Resolver) *Machine {
	return &Machine{paths: resolver}
}

// Validate checks object shape per §4.J, before any state change.
func Validate(d model.Draft) error {
	switch d.Action {
	case model.ActionCompose, model.ActionReply:
	default:
		return eris.Errorf("invalid action %q", d.Action)
	}
	if d.Action == model.ActionReply && strings.TrimSpace(d.ThreadID) == "" {
		return eris.New("reply draft missing thread_id")
	}
	if len(d.To) == 0 {
		return eris.New("draft has no recipients")
	}
	for _, to := range d.To {
		if !strings.Contains(to, "@") {
			return eris.Errorf("invalid recipient %q", to)
		}
	}
	if strings.TrimSpace(d.Subject) == "" {
		return eris.New("draft has empty subject")
	}
	if strings.TrimSpace(d.Body) == "" {
		return eris.New("draft has empty body")
	}
	switch d.Status {
	case model.StatusPendingReview, model.StatusReadyToSend, model.StatusSending, model.StatusSent, model.StatusFailed:
	default:
		return eris.Errorf("invalid status %q", d.Status)
	}
	return nil
}

// ParseDraft reads and validates a draft file. Parse/validation failures
// are per-draft (§7): the caller skips the file rather than aborting.
func ParseDraft(path string) (model.Draft, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Draft{}, fmt.Errorf("read draft %s: %w", path, err)
	}
	var d model.Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return model.Draft{}, fmt.Errorf("parse draft %s: %w", path, err)
	}
	if err := Validate(d); err != nil {
		return model.Draft{}, eris.Wrapf(err, "validate draft %s", path)
	}
	return d, nil
}

// Extra carries the fields a transition may attach (§4.J).
type Extra struct {
	SentAt            *time.Time
	FailedAt          *time.Time
	ProviderMessageID string
	Error             string
}

// Transition reads the current draft atomically, verifies (current, new)
// is in the allowed set, merges extra metadata, and either rewrites the
// draft in place or moves it to sent/ or failed/ with the outbox copy
// deleted (§4.J). Invalid transitions leave the on-disk state unchanged
// and return an error (§8 "For all transition attempts not in the allowed
// set: the on-disk state is unchanged").
func (m *Machine) Transition(email, filename string, newStatus model.DraftStatus, extra Extra) (model.Draft, error) {
	outboxPath := filepath.Join(m.paths.OutboxDir(email), filename)

	d, err := ParseDraft(outboxPath)
	if err != nil {
		return model.Draft{}, err
	}

	if !allowedTransitions[d.Status][newStatus] {
		return model.Draft{}, fmt.Errorf("invalid transition %s -> %s", d.Status, newStatus)
	}

	d.Status = newStatus
	if extra.SentAt != nil {
		d.SentAt = extra.SentAt
	}
	if extra.FailedAt != nil {
		d.FailedAt = extra.FailedAt
	}
	if extra.ProviderMessageID != "" {
		d.ProviderMessageID = extra.ProviderMessageID
	}
	if extra.Error != "" {
		d.Error = extra.Error
	}

	switch newStatus {
	case model.StatusSent:
		if err := atomicfile.WriteJSON(filepath.Join(m.paths.SentDir(email), filename), d); err != nil {
			return model.Draft{}, fmt.Errorf("write sent draft: %w", err)
		}
		if err := os.Remove(outboxPath); err != nil && !os.IsNotExist(err) {
			return model.Draft{}, fmt.Errorf("remove outbox draft: %w", err)
		}
	case model.StatusFailed:
		if err := atomicfile.WriteJSON(filepath.Join(m.paths.FailedDir(email), filename), d); err != nil {
			return model.Draft{}, fmt.Errorf("write failed draft: %w", err)
		}
		if err := os.Remove(outboxPath); err != nil && !os.IsNotExist(err) {
			return model.Draft{}, fmt.Errorf("remove outbox draft: %w", err)
		}
	default:
		if err := atomicfile.WriteJSON(outboxPath, d); err != nil {
			return model.Draft{}, fmt.Errorf("rewrite outbox draft: %w", err)
		}
	}

	return d, nil
}
