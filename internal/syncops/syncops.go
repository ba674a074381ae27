// Package syncops implements Sync Operations (§4.I): the three named
// passes that wire IMAP (G) → MIME Parser (C) → Cleaning (D) → Thread
// Grouper (E) → Storage Writer (F). Grounded on the teacher's
// internal/sync/service.go orchestration loop (fetch → parse → store).
package syncops

import (
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/eslider/maildeckd/internal/clean"
	"github.com/eslider/maildeckd/internal/imapclient"
	"github.com/eslider/maildeckd/internal/logging"
	"github.com/eslider/maildeckd/internal/mimeparse"
	"github.com/eslider/maildeckd/internal/model"
	"github.com/eslider/maildeckd/internal/storage"
	"github.com/eslider/maildeckd/internal/thread"
)

// Result is what every pass returns to the Scheduler (§4.I).
type Result struct {
	ThreadsTouched int
	LastUID        uint64
}

// Options configures a single pass.
type Options struct {
	Email         string
	AllMailName   string // configured [Gmail]/All Mail name, "" uses the default
	SyncDepthDays int
	Max           int
	DryRun        bool // diagnostic: fetch, parse and group into threads but never write (SPEC_FULL supplement)
}

// Runner ties the IMAP client, storage writer, and account email together
// for one account's passes.
type Runner struct {
	imap    *imapclient.Client
	storage *storage.Writer
	log     *logging.Logger
}

// NewRunner creates a Runner over an already-connected IMAP client.
func NewRunner(imapClient *imapclient.Client, storageWriter *storage.Writer, log *logging.Logger) *Runner {
	return &Runner{imap: imapClient, storage: storageWriter, log: log}
}

// FullSync ingests the last opts.SyncDepthDays days of mail from All Mail
// (§4.I). It does not create the account directory tree up front:
// directories appear only as threads are written, so a fetch that returns
// no messages leaves the disk untouched.
func (r *Runner) FullSync(opts Options) (Result, error) {
	msgs, err := r.imap.FetchRecent(opts.AllMailName, opts.SyncDepthDays, opts.Max)
	if err != nil {
		return Result{}, fmt.Errorf("fetch_recent: %w", err)
	}
	return r.ingest(opts, msgs)
}

// IncrementalSync fetches everything after lastUID and ingests it,
// advancing last_uid (§4.I, I3).
func (r *Runner) IncrementalSync(opts Options, lastUID uint64) (Result, error) {
	msgs, err := r.imap.FetchSince(opts.AllMailName, imap.UID(lastUID))
	if err != nil {
		return Result{}, fmt.Errorf("fetch_since: %w", err)
	}
	return r.ingest(opts, msgs)
}

// UnreadSync fetches unseen messages; no high-water mark update (§4.I,
// used by foreground commands).
func (r *Runner) UnreadSync(opts Options) (Result, error) {
	msgs, err := r.imap.FetchUnread(opts.AllMailName)
	if err != nil {
		return Result{}, fmt.Errorf("fetch_unread: %w", err)
	}
	res, err := r.ingest(opts, msgs)
	res.LastUID = 0
	return res, err
}

// parsedMessage is one successfully-parsed message from a fetched batch.
type parsedMessage struct {
	uid imap.UID
	raw []byte
	msg mimeparse.Message
}

// ingest runs the full C→D→E→F pipeline over a fetched batch (§4.I, §4.E,
// §4.F). Parse errors are per-message (§7): a message that fails to parse
// is skipped and does not abort the batch.
func (r *Runner) ingest(opts Options, fetched []imapclient.FetchedMessage) (Result, error) {
	if len(fetched) == 0 {
		return Result{}, nil
	}

	var parsedMsgs []parsedMessage
	var maxUID uint64
	for _, f := range fetched {
		if uint64(f.UID) > maxUID {
			maxUID = uint64(f.UID)
		}
		msg, err := mimeparse.Parse(f.Raw)
		if err != nil {
			if r.log != nil {
				r.log.Error("sync %s: parse uid %d: %v", opts.Email, f.UID, err)
			}
			continue
		}
		parsedMsgs = append(parsedMsgs, parsedMessage{uid: f.UID, raw: f.Raw, msg: msg})
	}

	items := make([]thread.Item, len(parsedMsgs))
	for i, p := range parsedMsgs {
		items[i] = thread.Item{Raw: p.raw, Subject: p.msg.Subject, Fallback: fmt.Sprintf("uid-%d", p.uid)}
	}
	grouped := thread.Group(items)

	byThread := make(map[string][]int)
	for i, g := range grouped {
		byThread[g.ThreadID] = append(byThread[g.ThreadID], i)
	}

	threadIDs := make([]string, 0, len(byThread))
	for tid := range byThread {
		threadIDs = append(threadIDs, tid)
	}
	sort.Strings(threadIDs)

	if opts.DryRun {
		return Result{ThreadsTouched: len(threadIDs), LastUID: maxUID}, nil
	}

	for _, tid := range threadIDs {
		if err := r.writeThread(opts.Email, tid, parsedMsgs, byThread[tid]); err != nil {
			if r.log != nil {
				r.log.Error("sync %s: write thread %s: %v", opts.Email, tid, err)
			}
			continue
		}
	}

	return Result{ThreadsTouched: len(threadIDs), LastUID: maxUID}, nil
}

// writeThread writes every message in one thread (ascending date order,
// §4.I ordering guarantees), then aggregates participants and writes
// thread.json and the index entries.
func (r *Runner) writeThread(email, threadID string, all []parsedMessage, indices []int) error {
	sort.Slice(indices, func(a, b int) bool {
		return all[indices[a]].msg.Date.Before(all[indices[b]].msg.Date)
	})

	var meta model.ThreadMeta
	meta.ID = threadID
	participants := map[string]model.Participant{}
	senders := map[string]model.Participant{}
	var subjectSet bool
	var lastMsg mimeparse.Message

	for _, idx := range indices {
		p := all[idx]
		cleaned := clean.Clean(p.msg.TextBody, p.msg.HTMLBody)

		fm := model.MessageFrontmatter{
			ID:              fmt.Sprintf("%s-%d", threadID, p.uid),
			MessageID:       firstNonEmpty(p.msg.MessageID, fmt.Sprintf("%d", p.uid)),
			ThreadID:        threadID,
			RFC822MessageID: p.msg.MessageID,
			InReplyTo:       p.msg.InReplyTo,
			References:      p.msg.References,
			From:            model.Address{Email: p.msg.From.Email, Name: p.msg.From.Name},
			To:              toModelAddrs(p.msg.To),
			Cc:              toModelAddrs(p.msg.Cc),
			Date:            p.msg.Date.UTC().Format(time.RFC3339),
		}
		uid64 := uint64(p.uid)
		fm.UID = &uid64

		if _, err := r.storage.WriteMessage(email, threadID, p.msg.Date.UTC(), fm, cleaned.Body); err != nil {
			return fmt.Errorf("write message: %w", err)
		}

		if !subjectSet {
			// §9 open question carried forward unresolved: the subject is
			// the earliest message's subject within this batch. thread.json
			// is rebuilt from the current batch, so a later batch that
			// touches the same thread replaces it.
			meta.Subject = p.msg.Subject
			subjectSet = true
		}
		meta.FirstDate = earliest(meta.FirstDate, p.msg.Date)
		meta.LastDate = latest(meta.LastDate, p.msg.Date)
		meta.MessageCount++
		lastMsg = p.msg

		if len(p.msg.Attachments) > 0 {
			parsedAtt := make([]storage.ParsedAttachment, len(p.msg.Attachments))
			for i, a := range p.msg.Attachments {
				parsedAtt[i] = storage.ParsedAttachment{
					Filename:    a.Filename,
					ContentType: a.ContentType,
					Bytes:       a.Bytes,
					Size:        int64(a.Size),
				}
			}
			written, err := r.storage.WriteAttachments(email, threadID, parsedAtt)
			if err != nil {
				return fmt.Errorf("write attachments: %w", err)
			}
			meta.Attachments = append(meta.Attachments, written...)
			meta.HasAttachments = true
		}

		addParticipant(participants, email, p.msg.From.Email, p.msg.From.Name)
		addParticipant(senders, email, p.msg.From.Email, p.msg.From.Name)
		for _, to := range p.msg.To {
			addParticipant(participants, email, to.Email, to.Name)
		}
	}

	for _, p := range participants {
		meta.Participants = append(meta.Participants, p)
	}

	if err := r.storage.WriteThreadMeta(email, meta); err != nil {
		return fmt.Errorf("write thread meta: %w", err)
	}

	entry := model.ThreadIndexEntry{
		ID:             meta.ID,
		Subject:        meta.Subject,
		MsgCount:       meta.MessageCount,
		LastDate:       meta.LastDate,
		FirstDate:      meta.FirstDate,
		HasAttachments: meta.HasAttachments,
		From:           lastMsg.From.Email,
		FromName:       lastMsg.From.Name,
	}
	cleaned := clean.Clean(lastMsg.TextBody, lastMsg.HTMLBody)
	entry.Snippet = cleaned.Snippet
	for _, p := range meta.Participants {
		entry.Participants = append(entry.Participants, p.Email)
	}
	if err := r.storage.UpsertThreadIndex(email, entry); err != nil {
		return fmt.Errorf("upsert thread index: %w", err)
	}

	for _, p := range senders {
		if p.Role != model.RoleExternal {
			continue
		}
		contact := model.ContactEntry{
			Email:     p.Email,
			Name:      p.DisplayName,
			FirstSeen: meta.FirstDate,
			LastSeen:  meta.LastDate,
			MsgCount:  1,
		}
		if err := r.storage.UpsertContactIndex(email, contact); err != nil {
			return fmt.Errorf("upsert contact index: %w", err)
		}
	}

	return nil
}

// addParticipant records participantEmail, marking it "self" iff it equals
// the owning account's address (§3: "Role is self iff the address equals
// the owning account").
func addParticipant(m map[string]model.Participant, accountEmail, participantEmail, name string) {
	if participantEmail == "" {
		return
	}
	if _, ok := m[participantEmail]; ok {
		return
	}
	role := model.RoleExternal
	if participantEmail == accountEmail {
		role = model.RoleSelf
	}
	m[participantEmail] = model.Participant{Email: participantEmail, DisplayName: name, Role: role}
}

func toModelAddrs(addrs []mimeparse.Address) []model.Address {
	out := make([]model.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, model.Address{Email: a.Email, Name: a.Name})
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}

func latest(a, b time.Time) time.Time {
	if a.IsZero() || b.After(a) {
		return b
	}
	return a
}
