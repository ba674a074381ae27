package gmailapi

import (
	"fmt"
	"sort"
	"time"

	"github.com/eslider/maildeckd/internal/clean"
	"github.com/eslider/maildeckd/internal/logging"
	"github.com/eslider/maildeckd/internal/mimeparse"
	"github.com/eslider/maildeckd/internal/model"
	"github.com/eslider/maildeckd/internal/storage"
	"github.com/eslider/maildeckd/internal/thread"
)

// Options mirrors syncops.Options for the HTTP path; Max/SyncDepthDays
// carry the same meaning (§4.I).
type Options struct {
	Email         string
	SyncDepthDays int
	Max           int
	DryRun        bool
}

// Result mirrors syncops.Result but reports HistoryID instead of a UID
// high-water mark (§9: the two modes' progress markers are not unified).
type Result struct {
	ThreadsTouched int
	HistoryID      uint64
}

// Runner ties a Gmail API Client to the Storage Writer, running the same
// Cleaning → Thread Grouper → Storage pipeline as internal/syncops.Runner.
type Runner struct {
	client  *Client
	storage *storage.Writer
	log     *logging.Logger
}

// NewRunner creates a Runner over an already-dialed Client.
func NewRunner(client *Client, storageWriter *storage.Writer, log *logging.Logger) *Runner {
	return &Runner{client: client, storage: storageWriter, log: log}
}

// FullSync ingests the last opts.SyncDepthDays days of mail (§4.I).
func (r *Runner) FullSync(opts Options) (Result, error) {
	msgs, err := r.client.FetchRecent(opts.SyncDepthDays, opts.Max)
	if err != nil {
		return Result{}, fmt.Errorf("fetch_recent: %w", err)
	}
	return r.ingest(opts, msgs)
}

// IncrementalSync ingests everything added since historyID, advancing it
// (§4.I, this mode's equivalent of I3 monotonicity for last_uid).
func (r *Runner) IncrementalSync(opts Options, historyID uint64) (Result, error) {
	msgs, newHistoryID, err := r.client.FetchSince(historyID)
	if err != nil {
		return Result{}, fmt.Errorf("history.list: %w", err)
	}
	res, err := r.ingest(opts, msgs)
	if err != nil {
		return res, err
	}
	res.HistoryID = newHistoryID
	return res, nil
}

// UnreadSync ingests unread mail only; no history_id advance (§4.I, used
// by foreground commands).
func (r *Runner) UnreadSync(opts Options) (Result, error) {
	msgs, err := r.client.FetchUnread()
	if err != nil {
		return Result{}, fmt.Errorf("fetch_unread: %w", err)
	}
	res, err := r.ingest(opts, msgs)
	res.HistoryID = 0
	return res, err
}

type parsedMessage struct {
	id  string
	raw []byte
	msg mimeparse.Message
}

// ingest runs the shared C→D→E→F pipeline over a fetched batch (§4.I,
// §4.E, §4.F). Parse errors are per-message (§7): skipped, not fatal.
func (r *Runner) ingest(opts Options, fetched []FetchedMessage) (Result, error) {
	if len(fetched) == 0 {
		return Result{}, nil
	}

	var parsedMsgs []parsedMessage
	for _, f := range fetched {
		msg, err := mimeparse.Parse(f.Raw)
		if err != nil {
			if r.log != nil {
				r.log.Error("gmailapi sync %s: parse %s: %v", opts.Email, f.ID, err)
			}
			continue
		}
		parsedMsgs = append(parsedMsgs, parsedMessage{id: f.ID, raw: f.Raw, msg: msg})
	}

	items := make([]thread.Item, len(parsedMsgs))
	for i, p := range parsedMsgs {
		items[i] = thread.Item{Raw: p.raw, Subject: p.msg.Subject, Fallback: p.id}
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
		return Result{ThreadsTouched: len(threadIDs)}, nil
	}

	for _, tid := range threadIDs {
		if err := r.writeThread(opts.Email, tid, parsedMsgs, byThread[tid]); err != nil {
			if r.log != nil {
				r.log.Error("gmailapi sync %s: write thread %s: %v", opts.Email, tid, err)
			}
			continue
		}
	}

	return Result{ThreadsTouched: len(threadIDs)}, nil
}

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
			ID:              fmt.Sprintf("%s-%s", threadID, p.id),
			MessageID:       firstNonEmpty(p.msg.MessageID, p.id),
			ThreadID:        threadID,
			RFC822MessageID: p.msg.MessageID,
			InReplyTo:       p.msg.InReplyTo,
			References:      p.msg.References,
			From:            model.Address{Email: p.msg.From.Email, Name: p.msg.From.Name},
			To:              toModelAddrs(p.msg.To),
			Cc:              toModelAddrs(p.msg.Cc),
			Date:            p.msg.Date.UTC().Format(time.RFC3339),
		}

		if _, err := r.storage.WriteMessage(email, threadID, p.msg.Date.UTC(), fm, cleaned.Body); err != nil {
			return fmt.Errorf("write message: %w", err)
		}

		if !subjectSet {
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
