// Package thread implements the Thread Grouper (§4.E): assigning each
// message in a sync batch a thread_id by following reply headers, with a
// normalized-subject hash as the fallback. Grouping is scoped to a single
// batch; cross-batch stitching is an acknowledged non-feature (§9).
package thread

import (
	"hash/crc32"
	"regexp"
	"strconv"
	"strings"

	"github.com/eslider/maildeckd/internal/mimeparse"
)

// Item is one message entering the grouper: enough of the raw source to
// scan headers from, plus a fallback identifier for when no Message-ID
// exists (the IMAP UID, per §4.E step 3).
type Item struct {
	Raw      []byte
	Subject  string
	Fallback string // used to derive a thread id when subject is empty
}

// Grouped is the grouper's per-item verdict.
type Grouped struct {
	ThreadID  string
	MessageID string
}

// Group assigns a thread_id to each item in order, maintaining a
// message_id -> thread_id map scoped to this call (§4.E steps 2-4).
func Group(items []Item) []Grouped {
	out := make([]Grouped, len(items))
	seen := make(map[string]string, len(items))

	for i, it := range items {
		scan := mimeparse.ScanHeaders(it.Raw)

		threadID, ok := "", false
		if scan.InReplyTo != "" {
			if tid, found := seen[scan.InReplyTo]; found {
				threadID, ok = tid, true
			}
		}
		if !ok {
			for _, ref := range scan.References {
				if tid, found := seen[ref]; found {
					threadID, ok = tid, true
					break
				}
			}
		}
		if !ok {
			threadID = subjectThreadID(it.Subject, scan.MessageID, it.Fallback)
		}

		if scan.MessageID != "" {
			seen[scan.MessageID] = threadID
		}
		out[i] = Grouped{ThreadID: threadID, MessageID: scan.MessageID}
	}
	return out
}

var reReplyForwardPrefix = regexp.MustCompile(`(?i)^(re|fw|fwd):\s*`)

// NormalizeSubject strips repeated Re:/Fw:/Fwd: prefixes, lowercases, and
// trims (§4.E step 3).
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		trimmed := reReplyForwardPrefix.ReplaceAllString(s, "")
		if trimmed == s {
			break
		}
		s = strings.TrimSpace(trimmed)
	}
	return strings.ToLower(s)
}

// subjectThreadID hashes the normalized subject, falling back to the
// message id or UID when subject is empty, yielding a deterministic
// 32-bit, base-36, 8-char padded id (§4.E step 3).
func subjectThreadID(subject, messageID, fallback string) string {
	basis := NormalizeSubject(subject)
	if basis == "" {
		basis = messageID
	}
	if basis == "" {
		basis = fallback
	}
	sum := crc32.ChecksumIEEE([]byte(basis))
	s := strconv.FormatUint(uint64(sum), 36)
	if len(s) < 8 {
		s = strings.Repeat("0", 8-len(s)) + s
	}
	return s
}
