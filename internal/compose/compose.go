// Package compose builds the outbound message for one recipient.
package compose

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Signer signs a complete message, e.g. with DKIM
type Signer interface {
	Sign(message []byte) ([]byte, error)
}

// Defaults are the batch-level values applied to every message
type Defaults struct {
	From        string
	ReplyTo     string
	Subject     string
	Body        string
	CC          string // comma separated
	BCC         string // comma separated, envelope only
	Attachments []string
}

// Input is the per-recipient part of a message
type Input struct {
	To          string
	Subject     string
	Body        string
	Attachments []string
}

// Message is a composed message ready for submission
type Message struct {
	From        string // envelope sender
	To          string
	Cc          []string
	Bcc         []string
	Subject     string
	Body        string
	Attachments []Attachment // every path considered, with its outcome
	Data        []byte
}

// Envelope returns To, then CC, then BCC
func (m *Message) Envelope() []string {
	rcpts := make([]string, 0, 1+len(m.Cc)+len(m.Bcc))
	rcpts = append(rcpts, m.To)
	rcpts = append(rcpts, m.Cc...)
	return append(rcpts, m.Bcc...)
}

// Attached returns the attachments that made it into the message
func (m *Message) Attached() []Attachment {
	return lo.Filter(m.Attachments, func(a Attachment, _ int) bool {
		return a.Status == StatusAttached
	})
}

// Composer turns recipient input plus defaults into messages
type Composer struct {
	defaults Defaults
	hostname string
	signer   Signer
	logger   *slog.Logger
	now      func() time.Time
	readFile func(string) ([]byte, error)
	stat     func(string) (os.FileInfo, error)
}

// Option configures a Composer
type Option func(*Composer)

// WithSigner signs every composed message
func WithSigner(s Signer) Option {
	return func(c *Composer) { c.signer = s }
}

// WithHostname sets the domain used in Message-ID
func WithHostname(h string) Option {
	return func(c *Composer) { c.hostname = h }
}

// WithLogger sets the logger used for attachment warnings
func WithLogger(l *slog.Logger) Option {
	return func(c *Composer) { c.logger = l }
}

// New creates a composer for one batch
func New(defaults Defaults, opts ...Option) *Composer {
	c := &Composer{
		defaults: defaults,
		hostname: "localhost",
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
		readFile: os.ReadFile,
		stat:     os.Stat,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose builds the message for in. Missing or unreadable attachments are
// skipped; only an unusable address or a MIME failure returns an error.
func (c *Composer) Compose(in Input) (*Message, error) {
	from, err := mail.ParseAddress(c.defaults.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", c.defaults.From, err)
	}
	to, err := mail.ParseAddress(strings.TrimSpace(in.To))
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address %q: %w", in.To, err)
	}

	cc, err := ParseAddressList(c.defaults.CC)
	if err != nil {
		return nil, fmt.Errorf("invalid cc list: %w", err)
	}
	bcc, err := ParseAddressList(c.defaults.BCC)
	if err != nil {
		return nil, fmt.Errorf("invalid bcc list: %w", err)
	}
	replyTo, err := ParseAddressList(c.defaults.ReplyTo)
	if err != nil {
		return nil, fmt.Errorf("invalid reply-to: %w", err)
	}

	msg := &Message{
		From:    from.Address,
		To:      to.Address,
		Cc:      bareAddresses(cc),
		Bcc:     bareAddresses(bcc),
		Subject: lo.Ternary(in.Subject != "", in.Subject, c.defaults.Subject),
		Body:    lo.Ternary(in.Body != "", in.Body, c.defaults.Body),
	}

	// Record attachments first, then the global ones
	for _, path := range append(append([]string(nil), in.Attachments...), c.defaults.Attachments...) {
		msg.Attachments = append(msg.Attachments, c.loadAttachment(path))
	}

	data, err := c.render(msg, headerAddresses{from: from, to: to, cc: cc, replyTo: replyTo})
	if err != nil {
		return nil, err
	}

	if c.signer != nil {
		signed, err := c.signer.Sign(data)
		if err != nil {
			c.logger.Warn("DKIM signing failed, sending unsigned", "to", msg.To, "error", err)
		} else {
			data = signed
		}
	}

	msg.Data = data
	return msg, nil
}

func (c *Composer) loadAttachment(path string) Attachment {
	a := Attachment{Path: path, Filename: baseName(path), ContentType: MediaType(path)}

	info, err := c.stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.Status = StatusMissing
			c.logger.Debug("attachment not found, skipping", "path", path)
			return a
		}
		a.Status = StatusUnreadable
		a.Err = err
		c.logger.Warn("could not attach file", "path", path, "error", err)
		return a
	}
	if info.IsDir() {
		a.Status = StatusUnreadable
		a.Err = errors.New("is a directory")
		c.logger.Warn("could not attach file", "path", path, "error", a.Err)
		return a
	}

	data, err := c.readFile(path)
	if err != nil {
		a.Status = StatusUnreadable
		a.Err = err
		c.logger.Warn("could not attach file", "path", path, "error", err)
		return a
	}

	a.Status = StatusAttached
	a.data = data
	return a
}

// headerAddresses are the parsed address headers of one message
type headerAddresses struct {
	from, to    *mail.Address
	cc, replyTo []*mail.Address
}

func (c *Composer) render(msg *Message, addrs headerAddresses) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", addrs.from.String())
	writeHeader(&buf, "To", addrs.to.String())
	if len(addrs.cc) > 0 {
		writeHeader(&buf, "Cc", formatAddresses(addrs.cc))
	}
	if len(addrs.replyTo) > 0 {
		writeHeader(&buf, "Reply-To", formatAddresses(addrs.replyTo))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "Date", c.now().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), c.hostname))
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "X-Mailer", "mailrun")

	attached := msg.Attached()
	if len(attached) == 0 {
		writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQuotedPrintable(&buf, msg.Body); err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mw.Boundary()))
	buf.WriteString("\r\n")

	textPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if err := writeQuotedPrintable(textPart, msg.Body); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}

	for _, a := range attached {
		if err := a.writePart(mw); err != nil {
			return nil, fmt.Errorf("failed to attach %s: %w", a.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func writeQuotedPrintable(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := io.WriteString(qp, body); err != nil {
		return err
	}
	return qp.Close()
}

// ParseAddressList parses an RFC 5322 address list; blank input yields nil
func ParseAddressList(list string) ([]*mail.Address, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	return mail.ParseAddressList(list)
}

func bareAddresses(addrs []*mail.Address) []string {
	return lo.Map(addrs, func(a *mail.Address, _ int) string { return a.Address })
}

// formatAddresses renders addresses for a header, encoding display names
func formatAddresses(addrs []*mail.Address) string {
	return strings.Join(lo.Map(addrs, func(a *mail.Address, _ int) string { return a.String() }), ", ")
}

func splitList(list string) []string {
	return lo.Compact(lo.Map(strings.Split(list, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}
