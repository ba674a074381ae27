// Package paths is the single place that knows how maildeckd's corpus is
// laid out on disk (§4.A, §6). No other package may concatenate path
// components for corpus locations; everything routes through a Resolver.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DefaultBaseDirName is appended to the user's home directory when no
// override is supplied.
const DefaultBaseDirName = ".maildeck"

// Resolver maps (account, thread, message) onto filesystem paths rooted
// at a single base directory.
type Resolver struct {
	base string
}

// New creates a Resolver rooted at base. An empty base resolves to
// $HOME/.maildeck.
func New(base string) (*Resolver, error) {
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		base = filepath.Join(home, DefaultBaseDirName)
	}
	return &Resolver{base: filepath.Clean(base)}, nil
}

// Base returns the root directory.
func (r *Resolver) Base() string { return r.base }

// ConfigFile is BASE/config.json.
func (r *Resolver) ConfigFile() string { return filepath.Join(r.base, "config.json") }

// PIDFile is BASE/daemon.pid.
func (r *Resolver) PIDFile() string { return filepath.Join(r.base, "daemon.pid") }

// LogFile is BASE/logs/sync.log.
func (r *Resolver) LogFile() string { return filepath.Join(r.base, "logs", "sync.log") }

// AccountDir is BASE/accounts/<email>, after sanitizing email for
// filesystem use (the local part and domain are valid path characters,
// but we still defend against injected separators).
func (r *Resolver) AccountDir(email string) string {
	return filepath.Join(r.base, "accounts", sanitizeComponent(email))
}

// AccountStateFile is accounts/<email>/account.json.
func (r *Resolver) AccountStateFile(email string) string {
	return filepath.Join(r.AccountDir(email), "account.json")
}

// SignatureFile is accounts/<email>/signature.txt.
func (r *Resolver) SignatureFile(email string) string {
	return filepath.Join(r.AccountDir(email), "signature.txt")
}

// ThreadsIndexFile is accounts/<email>/index/threads.jsonl.
func (r *Resolver) ThreadsIndexFile(email string) string {
	return filepath.Join(r.AccountDir(email), "index", "threads.jsonl")
}

// ContactsIndexFile is accounts/<email>/index/contacts.jsonl.
func (r *Resolver) ContactsIndexFile(email string) string {
	return filepath.Join(r.AccountDir(email), "index", "contacts.jsonl")
}

// ThreadsDir is accounts/<email>/threads.
func (r *Resolver) ThreadsDir(email string) string {
	return filepath.Join(r.AccountDir(email), "threads")
}

// ThreadDir is accounts/<email>/threads/<threadID>. threadID is sanitized
// so no thread can escape the account subtree.
func (r *Resolver) ThreadDir(email, threadID string) string {
	return filepath.Join(r.ThreadsDir(email), sanitizeComponent(threadID))
}

// ThreadMetaFile is threads/<threadID>/thread.json.
func (r *Resolver) ThreadMetaFile(email, threadID string) string {
	return filepath.Join(r.ThreadDir(email, threadID), "thread.json")
}

// MessagesDir is threads/<threadID>/messages.
func (r *Resolver) MessagesDir(email, threadID string) string {
	return filepath.Join(r.ThreadDir(email, threadID), "messages")
}

// AttachmentsDir is threads/<threadID>/attachments.
func (r *Resolver) AttachmentsDir(email, threadID string) string {
	return filepath.Join(r.ThreadDir(email, threadID), "attachments")
}

// MessageFilename builds the YYYYMMDDTHHMMSSZ__msg<id>.md filename (§3, §4.F).
// date is converted to UTC before formatting, per I6.
func MessageFilename(date time.Time, messageID string) string {
	return fmt.Sprintf("%s__msg%s.md", date.UTC().Format("20060102T150405Z"), sanitizeComponent(messageID))
}

// MessageFile is messages/<filename>.
func (r *Resolver) MessageFile(email, threadID string, date time.Time, messageID string) string {
	return filepath.Join(r.MessagesDir(email, threadID), MessageFilename(date, messageID))
}

// AttachmentFile is attachments/<sanitized filename>.
func (r *Resolver) AttachmentFile(email, threadID, filename string) string {
	return filepath.Join(r.AttachmentsDir(email, threadID), SanitizeFilename(filename))
}

// OutboxDir, SentDir, FailedDir are the three mutually-exclusive draft
// directories (I4).
func (r *Resolver) OutboxDir(email string) string { return filepath.Join(r.AccountDir(email), "outbox") }
func (r *Resolver) SentDir(email string) string   { return filepath.Join(r.AccountDir(email), "sent") }
func (r *Resolver) FailedDir(email string) string { return filepath.Join(r.AccountDir(email), "failed") }

var (
	reMessageFilename = regexp.MustCompile(`^(\d{8}T\d{6}Z)__msg(.+)\.md$`)
	reReservedChars   = regexp.MustCompile(`[/\\:*?"<>|]`)
	reDotDot          = regexp.MustCompile(`\.\.+`)
)

// ParseMessageFilename inverts MessageFilename, returning (date, messageID).
// It is the round-trip counterpart required by §8's filename law.
func ParseMessageFilename(name string) (time.Time, string, bool) {
	m := reMessageFilename.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, "", false
	}
	t, err := time.Parse("20060102T150405Z", m[1])
	if err != nil {
		return time.Time{}, "", false
	}
	return t, m[2], true
}

// sanitizeComponent makes s safe as a single path segment: reserved
// characters become "_", leading "-" is defused, embedded ".." is broken
// up, and an empty result becomes "_".
func sanitizeComponent(s string) string {
	s = reReservedChars.ReplaceAllString(s, "_")
	s = reDotDot.ReplaceAllString(s, "_")
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		s = "_" + s[1:]
	}
	if s == "" {
		s = "_"
	}
	return s
}

// SanitizeFilename is sanitizeComponent specialized for attachment names:
// an empty result becomes "attachment" rather than "_" (§4.A).
func SanitizeFilename(name string) string {
	s := sanitizeComponent(strings.TrimSpace(name))
	if s == "" || s == "_" {
		return "attachment"
	}
	return s
}
