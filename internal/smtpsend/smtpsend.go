// Package smtpsend implements the SMTP Sender (§4.H): render a Draft as
// RFC 822 and hand it to the provider's SMTP server over TLS. The teacher
// has no send path (archive-only); this is grounded on the retrieval
// pack's SASL+SMTP pairing for provider auth and on
// emersion/go-message/mail's Writer as the compose-side counterpart of the
// Parser used for inbound messages (internal/mimeparse).
package smtpsend

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"os"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"

	"github.com/eslider/maildeckd/internal/model"
)

// DefaultAddr is the Gmail SMTP-over-TLS endpoint (§6).
const DefaultAddr = "smtp.gmail.com:465"

const sendTimeout = 60 * time.Second

// Result is what a successful Send returns for the Outbox State Machine to
// record on the draft (§4.H: "Returns {provider_message_id}").
type Result struct {
	ProviderMessageID string
}

// Sender renders and transmits drafts for one authenticated account.
type Sender struct {
	addr     string
	from     string
	password string
}

// New creates a Sender. addr defaults to DefaultAddr when empty.
func New(addr, from, password string) *Sender {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Sender{addr: addr, from: from, password: password}
}

// Send renders draft to RFC 822 and transmits it via SMTP over TLS with
// PLAIN auth. Failures (auth, transport, permanent-reject) are returned as
// errors without retry; the caller decides disposition (§4.H).
func (s *Sender) Send(draft model.Draft) (Result, error) {
	raw, messageID, err := render(s.from, draft)
	if err != nil {
		return Result{}, fmt.Errorf("render draft: %w", err)
	}

	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return Result{}, fmt.Errorf("smtp addr %s: %w", s.addr, err)
	}

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: sendTimeout}, "tcp", s.addr, &tls.Config{ServerName: host})
	if err != nil {
		return Result{}, fmt.Errorf("smtp dial %s: %w", s.addr, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return Result{}, fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	auth := sasl.NewPlainClient("", s.from, s.password)
	mechanism, ir, err := auth.Start()
	if err != nil {
		return Result{}, fmt.Errorf("sasl start: %w", err)
	}
	if err := client.Auth(saslAdapter{client: client, mechanism: mechanism, initial: ir}); err != nil {
		return Result{}, fmt.Errorf("smtp auth: %w", err)
	}

	if err := client.Mail(s.from, nil); err != nil {
		return Result{}, fmt.Errorf("smtp mail from: %w", err)
	}
	for _, to := range draft.To {
		if err := client.Rcpt(to, nil); err != nil {
			return Result{}, fmt.Errorf("smtp rcpt %s: %w", to, err)
		}
	}
	for _, cc := range draft.Cc {
		if err := client.Rcpt(cc, nil); err != nil {
			return Result{}, fmt.Errorf("smtp rcpt cc %s: %w", cc, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return Result{}, fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return Result{}, fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("smtp close data: %w", err)
	}
	if err := client.Quit(); err != nil {
		return Result{}, fmt.Errorf("smtp quit: %w", err)
	}

	return Result{ProviderMessageID: messageID}, nil
}

// saslAdapter bridges go-sasl's Mechanism to stdlib net/smtp.Auth.
type saslAdapter struct {
	client    *smtp.Client
	mechanism string
	initial   []byte
}

func (a saslAdapter) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return a.mechanism, a.initial, nil
}

func (a saslAdapter) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected SMTP auth challenge: %s", fromServer)
}

// render builds the RFC 822 message for draft: plain text/plain when there
// are no attachments, multipart/mixed otherwise (§4.H).
func render(from string, draft model.Draft) ([]byte, string, error) {
	var buf bufferWriteCloser

	var h mail.Header
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", toAddresses(draft.To))
	if len(draft.Cc) > 0 {
		h.SetAddressList("Cc", toAddresses(draft.Cc))
	}
	h.SetSubject(draft.Subject)
	h.SetDate(time.Now())
	h.GenerateMessageID()
	messageID, _ := h.MessageID()

	if len(draft.Attachments) == 0 {
		h.Set("Content-Type", "text/plain; charset=UTF-8")
		sw, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, "", fmt.Errorf("create writer: %w", err)
		}
		if _, err := io.WriteString(sw, draft.Body); err != nil {
			return nil, "", fmt.Errorf("write body: %w", err)
		}
		if err := sw.Close(); err != nil {
			return nil, "", fmt.Errorf("close writer: %w", err)
		}
		return buf.Bytes(), messageID, nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("create writer: %w", err)
	}

	var bodyHeader mail.InlineHeader
	bodyHeader.Set("Content-Type", "text/plain; charset=UTF-8")
	bw, err := mw.CreateSingleInline(bodyHeader)
	if err != nil {
		return nil, "", fmt.Errorf("create body part: %w", err)
	}
	if _, err := io.WriteString(bw, draft.Body); err != nil {
		return nil, "", fmt.Errorf("write body: %w", err)
	}
	if err := bw.Close(); err != nil {
		return nil, "", err
	}

	for _, a := range draft.Attachments {
		if err := attachFile(mw, a); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func attachFile(mw *mail.Writer, a model.DraftAttachment) error {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return fmt.Errorf("read attachment %s: %w", a.Path, err)
	}

	var ah mail.AttachmentHeader
	ah.SetFilename(a.Filename)
	if a.MimeType != "" {
		ah.Set("Content-Type", a.MimeType)
	}
	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("create attachment part %s: %w", a.Filename, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write attachment %s: %w", a.Filename, err)
	}
	return w.Close()
}

func toAddresses(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

// bufferWriteCloser lets mail.CreateWriter stream into an in-memory buffer.
type bufferWriteCloser struct {
	data []byte
}

func (b *bufferWriteCloser) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bufferWriteCloser) Bytes() []byte { return b.data }
