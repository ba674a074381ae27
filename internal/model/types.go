// Package model defines the data types shared across maildeckd: the
// on-disk corpus (threads, messages, contacts) and the outbox (drafts).
package model

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a UUIDv7 (time-ordered) identifier. Nothing in the module
// calls it: atomicfile builds its temp-file suffixes with uuid.NewString,
// and thread and message identity are derived deterministically (§4.E).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails (should never happen).
		return uuid.New().String()
	}
	return id.String()
}

// SyncState is the coarse state of an account's sync loop (§3).
type SyncState string

const (
	SyncStateIdle    SyncState = "idle"
	SyncStateSyncing SyncState = "syncing"
	SyncStateError   SyncState = "error"
)

// AccountState is the persisted, mutable state of one account (§3, §6).
// It is owned exclusively by the Scheduler for that account; concurrent
// schedulers on the same account are prevented by the daemon PID file.
//
// account.json also carries the connection settings an external setup
// step (out of core scope, §1) would have written: Host/Port/SSL/Folders
// and a credential. The core reads Password (IMAP mode) or
// ClientID/ClientSecret/RefreshToken (gmail_api mode) from this file;
// rotating or storing them securely is the credential provider's job.
type AccountState struct {
	Email            string     `json:"email"`
	Mode             string     `json:"mode"` // "imap" or "gmail_api"
	Host             string     `json:"host,omitempty"`
	Port             int        `json:"port,omitempty"`
	SSL              bool       `json:"ssl,omitempty"`
	Password         string     `json:"password,omitempty"`
	Folders          string     `json:"folders,omitempty"`       // "all" or comma-separated; IMAP mode only
	ClientID         string     `json:"client_id,omitempty"`     // gmail_api mode only
	ClientSecret     string     `json:"client_secret,omitempty"` // gmail_api mode only
	RefreshToken     string     `json:"refresh_token,omitempty"` // gmail_api mode only
	LastSync         *time.Time `json:"last_sync"`
	LastUID          *uint64    `json:"last_uid"`
	HistoryID        string     `json:"history_id,omitempty"` // Gmail API mode only; see §9
	SyncDepthDays    int        `json:"sync_depth_days"`
	PollIntervalSecs int        `json:"poll_interval_seconds"`
	SyncStateValue   SyncState  `json:"sync_state"`
	LastError        string     `json:"last_error,omitempty"`
}

// Default values per §3.
const (
	DefaultSyncDepthDays    = 30
	DefaultPollIntervalSecs = 60
)

// Address is a single email participant address + display name.
type Address struct {
	Email string `json:"email" yaml:"email"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
}

// ParticipantRole distinguishes the owning account from everyone else.
type ParticipantRole string

const (
	RoleSelf     ParticipantRole = "self"
	RoleExternal ParticipantRole = "external"
)

// Participant is one address on a thread, tagged with its role.
type Participant struct {
	Email       string          `json:"email"`
	DisplayName string          `json:"display_name,omitempty"`
	Role        ParticipantRole `json:"role"`
}

// Attachment describes one file attached to a message.
type Attachment struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Skipped   bool   `json:"skipped"`
}

// ThreadMeta is the persisted thread.json document (§3 Thread).
type ThreadMeta struct {
	ID             string        `json:"id"`
	Subject        string        `json:"subject"`
	Labels         []string      `json:"labels,omitempty"`
	Unread         bool          `json:"unread"`
	Starred        bool          `json:"starred"`
	Participants   []Participant `json:"participants"`
	FirstDate      time.Time     `json:"first_date"`
	LastDate       time.Time     `json:"last_date"`
	MessageCount   int           `json:"message_count"`
	HasAttachments bool          `json:"has_attachments"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
}

// ThreadIndexEntry is the denormalized threads.jsonl projection (§3).
type ThreadIndexEntry struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	FromName       string    `json:"from_name"`
	Participants   []string  `json:"participants"`
	Labels         []string  `json:"labels,omitempty"`
	Unread         bool      `json:"unread"`
	Starred        bool      `json:"starred"`
	MsgCount       int       `json:"msg_count"`
	LastDate       time.Time `json:"last_date"`
	FirstDate      time.Time `json:"first_date"`
	Snippet        string    `json:"snippet"`
	HasAttachments bool      `json:"has_attachments"`
	SizeBytes      int64     `json:"size_bytes"`
}

// ContactEntry is one contacts.jsonl record (§3).
type ContactEntry struct {
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	MsgCount     int       `json:"msg_count"`
	CommonLabels []string  `json:"common_labels,omitempty"`
	IsFrequent   bool      `json:"is_frequent"`
}

// FrequentContactThreshold is the msg_count at/above which a contact
// is marked is_frequent.
const FrequentContactThreshold = 5

// MessageFrontmatter is the YAML frontmatter block of a message .md file
// (§3, §4.F). Field order is significant: it is the order rendered in
// the file.
type MessageFrontmatter struct {
	ID              string    `yaml:"id"`
	MessageID       string    `yaml:"message_id"`
	ThreadID        string    `yaml:"thread_id"`
	RFC822MessageID string    `yaml:"rfc822_message_id,omitempty"`
	InReplyTo       string    `yaml:"in_reply_to,omitempty"`
	References      []string  `yaml:"references,omitempty"`
	From            Address   `yaml:"from"`
	To              []Address `yaml:"to,omitempty"`
	Cc              []Address `yaml:"cc,omitempty"`
	Date            string    `yaml:"date"`
	UID             *uint64   `yaml:"uid,omitempty"`
}

// DraftAction distinguishes a fresh compose from a reply.
type DraftAction string

const (
	ActionCompose DraftAction = "compose"
	ActionReply   DraftAction = "reply"
)

// DraftStatus is the outbox state machine's current state (§4.J).
type DraftStatus string

const (
	StatusPendingReview DraftStatus = "pending_review"
	StatusReadyToSend   DraftStatus = "ready_to_send"
	StatusSending       DraftStatus = "sending"
	StatusSent          DraftStatus = "sent"
	StatusFailed        DraftStatus = "failed"
)

// DraftAttachment is a file to attach to an outgoing draft, read from an
// absolute path on disk at send time.
type DraftAttachment struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	MimeType string `json:"mime_type"`
}

// Draft is one outbox JSON document (§3, §4.J).
type Draft struct {
	Action            DraftAction       `json:"action"`
	ThreadID          string            `json:"thread_id,omitempty"`
	To                []string          `json:"to"`
	Cc                []string          `json:"cc,omitempty"`
	Subject           string            `json:"subject"`
	Body              string            `json:"body"`
	Attachments       []DraftAttachment `json:"attachments,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	CreatedBy         string            `json:"created_by,omitempty"`
	Status            DraftStatus       `json:"status"`
	SentAt            *time.Time        `json:"sent_at,omitempty"`
	FailedAt          *time.Time        `json:"failed_at,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// Config is the top-level BASE/config.json document (§6).
type Config struct {
	ReviewBeforeSend bool     `json:"review_before_send"`
	Accounts         []string `json:"accounts"`
}
