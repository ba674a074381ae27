// Package mimeparse decodes RFC 822 source bytes into the structured
// shape the rest of the sync pipeline operates on (§4.C). It also
// performs the cheap, partial header scan the Thread Grouper needs
// without paying for a full MIME parse (§4.E).
package mimeparse

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Address is a single From/To/Cc entry.
type Address struct {
	Name  string
	Email string
}

// Attachment is one non-inline MIME part.
type Attachment struct {
	Filename    string
	ContentType string
	Bytes       []byte
	Size        int
	ContentID   string
}

// Message is the structured result of parsing one RFC 822 source (§4.C).
type Message struct {
	MessageID  string
	InReplyTo  string
	References []string
	From       Address
	To         []Address
	Cc         []Address
	Subject    string
	Date       time.Time

	TextBody string
	HTMLBody string

	Attachments []Attachment
}

// maxPartBytes caps how much of any single part is read into
// memory; larger parts are still recorded as attachments with truncated
// content so the caller (Storage Writer) can apply the real size-based
// skip rule from §4.F.
const maxPartBytes = 64 * 1024 * 1024

// Parse decodes raw RFC 822 bytes into a Message. It is robust to
// missing headers per §4.C: a missing Subject becomes "(no subject)",
// a missing/unparseable Date becomes now.
func Parse(raw []byte) (Message, error) {
	r, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		return Message{}, fmt.Errorf("mail.CreateReader: %w", err)
	}

	var msg Message
	h := r.Header

	if subj, err := h.Subject(); err == nil && strings.TrimSpace(subj) != "" {
		msg.Subject = strings.TrimSpace(subj)
	} else {
		msg.Subject = "(no subject)"
	}

	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.Date = date
	} else {
		msg.Date = time.Now().UTC()
	}

	if msgID, err := h.MessageID(); err == nil {
		msg.MessageID = msgID
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	if refs, err := h.MsgIDList("References"); err == nil {
		msg.References = refs
	}

	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.From = Address{Name: addrs[0].Name, Email: addrs[0].Address}
	}
	if addrs, err := h.AddressList("To"); err == nil {
		msg.To = convertAddrs(addrs)
	}
	if addrs, err := h.AddressList("Cc"); err == nil {
		msg.Cc = convertAddrs(addrs)
	}

	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed part ends parsing of the remaining parts but
			// keeps what's already been collected (§7 Parse errors are
			// per-item, not fatal to the whole sync).
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, _ := io.ReadAll(io.LimitReader(part.Body, maxPartBytes))
			switch {
			case strings.HasPrefix(ct, "text/html"):
				if msg.HTMLBody == "" {
					msg.HTMLBody = string(body)
				}
			case strings.HasPrefix(ct, "text/plain"), ct == "":
				if msg.TextBody == "" {
					msg.TextBody = string(body)
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			body, _ := io.ReadAll(io.LimitReader(part.Body, maxPartBytes))
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    filename,
				ContentType: ct,
				Bytes:       body,
				Size:        len(body),
				ContentID:   strings.Trim(ph.Get("Content-Id"), "<>"),
			})
		}
	}

	return msg, nil
}

func convertAddrs(addrs []*mail.Address) []Address {
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, Address{Name: a.Name, Email: a.Address})
	}
	return out
}

// HeaderScan is the cheap, partial-read result the Thread Grouper uses
// (§4.E step 1): message-id / in-reply-to / references extracted from
// the first 8 KiB of raw bytes without a full MIME parse.
type HeaderScan struct {
	MessageID  string
	InReplyTo  string
	References []string
}

const headerScanWindow = 8 * 1024

// ScanHeaders extracts just the threading headers from the first 8 KiB
// of raw. It tolerates header folding (continuation lines starting with
// whitespace) but does not attempt RFC 2047 decoding — these are
// structural identifiers, not display text.
func ScanHeaders(raw []byte) HeaderScan {
	window := raw
	if len(window) > headerScanWindow {
		window = window[:headerScanWindow]
	}

	lines := unfoldHeaderLines(string(window))
	var scan HeaderScan
	for _, line := range lines {
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "message-id:"):
			scan.MessageID = cleanMsgID(line[len("message-id:"):])
		case strings.HasPrefix(lower, "in-reply-to:"):
			ids := splitMsgIDs(line[len("in-reply-to:"):])
			if len(ids) > 0 {
				scan.InReplyTo = ids[0]
			}
		case strings.HasPrefix(lower, "references:"):
			scan.References = splitMsgIDs(line[len("references:"):])
		}
	}
	return scan
}

// unfoldHeaderLines joins folded header continuation lines (leading
// space/tab) back onto their parent line, and stops at the first blank
// line (end of headers) to avoid scanning into the body.
func unfoldHeaderLines(s string) []string {
	raw := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	var out []string
	for _, l := range raw {
		if l == "" {
			break
		}
		if (strings.HasPrefix(l, " ") || strings.HasPrefix(l, "\t")) && len(out) > 0 {
			out[len(out)-1] += " " + strings.TrimSpace(l)
			continue
		}
		out = append(out, l)
	}
	return out
}

// splitMsgIDs handles both whitespace-separated and singleton
// References/In-Reply-To values (§4.C).
func splitMsgIDs(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if id := cleanMsgID(f); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func cleanMsgID(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "<>"))
}
