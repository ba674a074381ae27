// Package gmailapi implements the optional Gmail HTTP API sync path
// (§1, §4.I, SPEC_FULL "SUPPLEMENTED FEATURES"): the same Cleaning →
// Thread Grouper → Storage Writer pipeline as the IMAP path, fed by
// users.messages.list / .get(format=RAW) instead of IMAP FETCH. Grounded
// on the teacher's internal/auth/oauth.go (golang.org/x/oauth2 config
// shape) and internal/sync/gmail/gmail.go (the stub this package replaces
// with a real implementation), and on the retrieval pack's Gmail API
// client usage (princeparmar-Backup-Tools, jhjaggars-pkm-sync).
package gmailapi

import (
	"context"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Credentials authorizes one Gmail account via OAuth2 (§6: "Auth is
// username + application-password via the supplying credential
// provider" — for this mode the provider supplies an OAuth2 client
// id/secret and a previously-obtained refresh token instead).
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Scopes requested for mailbox read and label changes (MarkRead). No send
// scope is requested: drafts are sent only over SMTP (§4.H), and the HTTP
// send path is left as a documented non-parity gap (§9).
var Scopes = []string{gmail.GmailReadonlyScope, gmail.GmailModifyScope}

// Client wraps an authenticated Gmail API service for one account.
type Client struct {
	svc *gmail.Service
}

// Dial exchanges creds' refresh token for an authenticated Gmail service.
func Dial(ctx context.Context, creds Credentials) (*Client, error) {
	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       Scopes,
	}
	token := &oauth2.Token{RefreshToken: creds.RefreshToken}
	httpClient := conf.Client(ctx, token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("gmail.NewService: %w", err)
	}
	return &Client{svc: svc}, nil
}

// FetchedMessage is one message retrieved via the Gmail API, the HTTP
// path's counterpart to imapclient.FetchedMessage.
type FetchedMessage struct {
	ID     string
	Raw    []byte
	Unread bool
}

// FetchRecent lists messages newer than days old on "me", optionally
// capped at max, and fetches each one's raw RFC 822 source (§4.I
// FullSync's HTTP-path equivalent).
func (c *Client) FetchRecent(days, max int) ([]FetchedMessage, error) {
	query := fmt.Sprintf("newer_than:%dd", days)
	return c.fetchByQuery(query, max)
}

// FetchUnread lists UNREAD messages on "me" (§4.I UnreadSync's HTTP-path
// equivalent); no date or count bound, matching the IMAP path's
// fetch_unread semantics.
func (c *Client) FetchUnread() ([]FetchedMessage, error) {
	return c.fetchByQuery("is:unread", 0)
}

func (c *Client) fetchByQuery(query string, max int) ([]FetchedMessage, error) {
	var ids []string
	call := c.svc.Users.Messages.List("me").Q(query)
	if max > 0 {
		call = call.MaxResults(int64(max))
	}
	pageToken := ""
	for {
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("messages.list: %w", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
			if max > 0 && len(ids) >= max {
				return c.fetchRaw(ids)
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return c.fetchRaw(ids)
}

// FetchSince lists messages added since historyID via the Gmail History
// API, returning the new high-water historyID alongside the fetched
// messages (§9: history_id is HTTP-path-only; the IMAP path has no
// equivalent field and this type is never read by it).
func (c *Client) FetchSince(historyID uint64) ([]FetchedMessage, uint64, error) {
	var ids []string
	newHistoryID := historyID

	call := c.svc.Users.History.List("me").
		StartHistoryId(historyID).
		HistoryTypes("messageAdded")
	pageToken := ""
	for {
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, historyID, fmt.Errorf("history.list: %w", err)
		}
		for _, h := range resp.History {
			if h.Id > newHistoryID {
				newHistoryID = h.Id
			}
			for _, added := range h.MessagesAdded {
				ids = append(ids, added.Message.Id)
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	msgs, err := c.fetchRaw(ids)
	return msgs, newHistoryID, err
}

func (c *Client) fetchRaw(ids []string) ([]FetchedMessage, error) {
	out := make([]FetchedMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := c.svc.Users.Messages.Get("me", id).Format("raw").Do()
		if err != nil {
			return nil, fmt.Errorf("messages.get %s: %w", id, err)
		}
		raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(msg.Raw)
		if err != nil {
			return nil, fmt.Errorf("decode raw %s: %w", id, err)
		}
		unread := false
		for _, l := range msg.LabelIds {
			if l == "UNREAD" {
				unread = true
			}
		}
		out = append(out, FetchedMessage{ID: id, Raw: raw, Unread: unread})
	}
	return out, nil
}

// MarkRead removes the UNREAD label from the given message ids (the
// HTTP-path equivalent of IMAP's mark_seen, §4.G).
func (c *Client) MarkRead(ids []string) error {
	for _, id := range ids {
		_, err := c.svc.Users.Messages.Modify("me", id, &gmail.ModifyMessageRequest{
			RemoveLabelIds: []string{"UNREAD"},
		}).Do()
		if err != nil {
			return fmt.Errorf("modify %s: %w", id, err)
		}
	}
	return nil
}
