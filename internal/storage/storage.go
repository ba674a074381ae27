// Package storage implements the Storage Writer (§4.F): the only component
// that persists threads, messages, attachments, and the two JSONL indexes.
// Every write funnels through internal/atomicfile; every path through
// internal/paths.
package storage

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eslider/maildeckd/internal/atomicfile"
	"github.com/eslider/maildeckd/internal/model"
	"github.com/eslider/maildeckd/internal/paths"
)

// MaxAttachmentBytes is the default upper bound (§3) above which an
// attachment is recorded with skipped=true and no bytes written.
const MaxAttachmentBytes = 10 * 1024 * 1024

// Writer persists the on-disk corpus for one base directory, rooted via a
// paths.Resolver.
type Writer struct {
	paths *paths.Resolver
}

// New creates a Writer rooted at the given Resolver.
func New(resolver *paths.Resolver) *Writer {
	return &Writer{paths: resolver}
}

// WriteThreadMeta ensures threads/<id>/ exists and writes thread.json
// atomically (§4.F).
func (w *Writer) WriteThreadMeta(email string, meta model.ThreadMeta) error {
	return atomicfile.WriteJSON(w.paths.ThreadMetaFile(email, meta.ID), meta)
}

// WriteMessage renders frontmatter + body as a Markdown file named
// YYYYMMDDTHHMMSSZ__msg<id>.md and writes it atomically (I6: the filename's
// timestamp prefix is derived from date, the same value fm.Date renders as
// an ISO-8601 string). Returns the filename. Frontmatter quoting is
// delegated to yaml.v3's struct marshal, which quotes any value that would
// not read back as the same plain string (special characters, leading "-"
// or space). yaml.v3 picks the quote style itself, usually single quotes,
// and uses double quotes only where escapes are needed.
func (w *Writer) WriteMessage(email, threadID string, date time.Time, fm model.MessageFrontmatter, body string) (string, error) {
	filename := paths.MessageFilename(date, fm.MessageID)

	fmYAML, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("marshal frontmatter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(fmYAML)
	sb.WriteString("---\n\n")
	sb.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		sb.WriteString("\n")
	}

	path := w.paths.MessageFile(email, threadID, date, fm.MessageID)
	if err := atomicfile.WriteFile(path, []byte(sb.String())); err != nil {
		return "", err
	}
	return filename, nil
}

// ParsedAttachment is one attachment ready to be persisted, decoupled from
// internal/mimeparse.Attachment so this package has no parser dependency.
type ParsedAttachment struct {
	Filename    string
	ContentType string
	Bytes       []byte
	Size        int64
}

// WriteAttachments writes each attachment under threads/<id>/attachments,
// sanitizing filenames and skipping (no bytes, skipped=true) anything over
// MaxAttachmentBytes (§3, §8 scenario 6).
func (w *Writer) WriteAttachments(email, threadID string, parsed []ParsedAttachment) ([]model.Attachment, error) {
	out := make([]model.Attachment, 0, len(parsed))
	for _, a := range parsed {
		entry := model.Attachment{
			Filename:  paths.SanitizeFilename(a.Filename),
			MimeType:  a.ContentType,
			SizeBytes: a.Size,
		}
		if a.Size > MaxAttachmentBytes {
			entry.Skipped = true
			out = append(out, entry)
			continue
		}
		path := w.paths.AttachmentFile(email, threadID, a.Filename)
		if err := atomicfile.WriteFile(path, a.Bytes); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", entry.Filename, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// UpsertThreadIndex upserts one entry into threads.jsonl, keeping the file
// sorted by last_date descending at rest (I7).
func (w *Writer) UpsertThreadIndex(email string, entry model.ThreadIndexEntry) error {
	return atomicfile.JSONLUpsert(
		w.paths.ThreadsIndexFile(email),
		entry,
		"id", entry.ID,
		atomicfile.UpsertOptions{SortBy: atomicfile.DateDescending("last_date")},
	)
}

// UpsertContactIndex merges entry into the existing contacts.jsonl record
// for entry.Email (if any) and upserts the result, keyed by email (§3
// Contact: msg_count, first_seen/last_seen, and is_frequent accumulate
// across syncs rather than resetting on each upsert).
func (w *Writer) UpsertContactIndex(email string, entry model.ContactEntry) error {
	path := w.paths.ContactsIndexFile(email)

	var existing model.ContactEntry
	found, err := atomicfile.ReadJSONLRecord(path, "email", entry.Email, &existing)
	if err != nil {
		return fmt.Errorf("read existing contact %s: %w", entry.Email, err)
	}
	if found {
		entry.MsgCount += existing.MsgCount
		entry.FirstSeen = earlier(existing.FirstSeen, entry.FirstSeen)
		entry.LastSeen = later(existing.LastSeen, entry.LastSeen)
		entry.Name = firstNonEmptyStr(entry.Name, existing.Name)
		entry.CommonLabels = mergeLabels(existing.CommonLabels, entry.CommonLabels)
	}
	entry.IsFrequent = entry.MsgCount >= model.FrequentContactThreshold

	return atomicfile.JSONLUpsert(path, entry, "email", entry.Email, atomicfile.UpsertOptions{})
}

func earlier(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}

func later(a, b time.Time) time.Time {
	if a.IsZero() || b.After(a) {
		return b
	}
	return a
}

func firstNonEmptyStr(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func mergeLabels(existing, fresh []string) []string {
	seen := make(map[string]bool, len(existing)+len(fresh))
	out := make([]string, 0, len(existing)+len(fresh))
	for _, l := range append(append([]string{}, existing...), fresh...) {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
