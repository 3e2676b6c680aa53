package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Encryption selects how the session is secured
type Encryption string

const (
	// EncryptionStartTLS connects in plaintext and upgrades after the greeting
	EncryptionStartTLS Encryption = "starttls"
	// EncryptionImplicit speaks TLS from the first byte (SMTPS)
	EncryptionImplicit Encryption = "implicit"
)

// DefaultTimeout bounds dialing and every command round trip
const DefaultTimeout = 30 * time.Second

// ErrTransportLost is matched by errors.Is when the relay connection is gone
var ErrTransportLost = errors.New("smtp transport lost")

// Options describes how to reach and authenticate with a relay
type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Encryption         Encryption
	LocalName          string // EHLO name
	Timeout            time.Duration
	RequireTLS         bool // fail instead of continuing in plaintext when STARTTLS is missing
	InsecureSkipVerify bool
}

// Addr returns host:port
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// ConnectError is returned when a session cannot be opened
type ConnectError struct {
	Stage string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SendError is returned when a single submission fails
type SendError struct {
	Stage     string
	Temporary bool
	Lost      bool // the session is no longer usable
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Is reports ErrTransportLost for errors that killed the session
func (e *SendError) Is(target error) bool {
	return target == ErrTransportLost && e.Lost
}

// Session is one authenticated relay connection reused for a whole batch.
// It is not safe for concurrent use.
type Session struct {
	client *smtp.Client
	opts   Options
	logger *slog.Logger

	usable    bool
	closeOnce sync.Once
}

// Open dials the relay, secures the connection and authenticates
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.LocalName == "" {
		opts.LocalName = "localhost"
	}
	if opts.Encryption == "" {
		opts.Encryption = EncryptionStartTLS
	}
	logger = logger.With("relay", opts.Addr(), "encryption", string(opts.Encryption))

	tlsConfig := &tls.Config{
		ServerName:         opts.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}

	s := &Session{
		opts:   opts,
		logger: logger,
	}

	if err := s.connect(ctx, tlsConfig); err != nil {
		return nil, err
	}

	if err := s.handshake(); err != nil {
		s.client.Close()
		return nil, err
	}

	s.usable = true
	logger.Info("relay session opened", "user", opts.Username)
	return s, nil
}

// connect dials the relay and leaves s.client ready for EHLO
func (s *Session) connect(ctx context.Context, tlsConfig *tls.Config) error {
	dialer := &net.Dialer{Timeout: s.opts.Timeout}
	addr := s.opts.Addr()

	switch s.opts.Encryption {
	case EncryptionImplicit:
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return &ConnectError{Stage: "connect", Err: err}
		}
		s.setClient(smtp.NewClient(conn))
		return nil

	case EncryptionStartTLS:
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return &ConnectError{Stage: "connect", Err: err}
		}

		// The greeting and first EHLO run before CommandTimeout can be set
		client, err := smtp.NewClientStartTLS(&deadlineConn{Conn: conn, limit: s.opts.Timeout}, tlsConfig)
		if err == nil {
			s.setClient(client)
			s.logger.Debug("STARTTLS successful")
			return nil
		}
		if !isStartTLSUnsupported(err) || s.opts.RequireTLS {
			return &ConnectError{Stage: "STARTTLS", Err: err}
		}

		// NewClientStartTLS closed the connection
		s.logger.Warn("STARTTLS not offered, continuing without encryption")
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return &ConnectError{Stage: "connect", Err: err}
		}
		s.setClient(smtp.NewClient(conn))
		return nil

	default:
		return &ConnectError{Stage: "configure", Err: fmt.Errorf("unknown encryption mode %q", s.opts.Encryption)}
	}
}

func (s *Session) setClient(client *smtp.Client) {
	client.CommandTimeout = s.opts.Timeout
	client.SubmissionTimeout = s.opts.Timeout
	s.client = client
}

// isStartTLSUnsupported matches the error go-smtp returns when EHLO lacks STARTTLS
func isStartTLSUnsupported(err error) bool {
	return strings.Contains(err.Error(), "support STARTTLS")
}

func isTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	var alertErr tls.AlertError
	var recordErr tls.RecordHeaderError
	return errors.As(err, &certErr) || errors.As(err, &alertErr) || errors.As(err, &recordErr)
}

// deadlineConn caps every deadline set on the connection to limit from now
type deadlineConn struct {
	net.Conn
	limit time.Duration
}

func (c *deadlineConn) bound(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	if limit := time.Now().Add(c.limit); t.After(limit) {
		return limit
	}
	return t
}

func (c *deadlineConn) SetDeadline(t time.Time) error {
	return c.Conn.SetDeadline(c.bound(t))
}

func (c *deadlineConn) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(c.bound(t))
}

func (c *deadlineConn) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(c.bound(t))
}

func (s *Session) handshake() error {
	// After STARTTLS this is the first EHLO on the secured channel, so
	// certificate problems surface here
	if err := s.client.Hello(s.opts.LocalName); err != nil {
		stage := "EHLO"
		if isTLSError(err) {
			stage = "TLS"
			if s.opts.Encryption == EncryptionStartTLS {
				stage = "STARTTLS"
			}
		}
		return &ConnectError{Stage: stage, Err: err}
	}

	if s.opts.Username == "" {
		return nil
	}

	auth, err := s.authClient()
	if err != nil {
		return &ConnectError{Stage: "AUTH", Err: err}
	}
	if err := s.client.Auth(auth); err != nil {
		return &ConnectError{Stage: "AUTH", Err: err}
	}
	return nil
}

// authClient picks PLAIN when offered and falls back to LOGIN
func (s *Session) authClient() (sasl.Client, error) {
	if ok, _ := s.client.Extension("AUTH"); !ok {
		return nil, errors.New("relay does not support authentication")
	}
	switch {
	case s.client.SupportsAuth(sasl.Plain):
		return sasl.NewPlainClient("", s.opts.Username, s.opts.Password), nil
	case s.client.SupportsAuth(sasl.Login):
		return sasl.NewLoginClient(s.opts.Username, s.opts.Password), nil
	default:
		return nil, errors.New("no supported authentication mechanism (PLAIN, LOGIN)")
	}
}

// Usable reports whether the session can still submit messages
func (s *Session) Usable() bool {
	return s != nil && s.usable
}

// Submit sends one composed message to every envelope recipient.
// A rejected transaction is reset so the session stays usable.
func (s *Session) Submit(ctx context.Context, from string, to []string, data []byte) error {
	if !s.Usable() {
		return &SendError{Stage: "submit", Lost: true, Err: errors.New("session is not connected")}
	}
	if err := ctx.Err(); err != nil {
		return &SendError{Stage: "submit", Temporary: true, Err: err}
	}

	if err := s.client.Mail(from, nil); err != nil {
		return s.fail(err, "MAIL FROM")
	}

	for _, rcpt := range to {
		if err := s.client.Rcpt(rcpt, nil); err != nil {
			return s.fail(err, fmt.Sprintf("RCPT TO %s", rcpt))
		}
	}

	wc, err := s.client.Data()
	if err != nil {
		return s.fail(err, "DATA")
	}

	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return s.fail(err, "DATA write")
	}

	if err := wc.Close(); err != nil {
		return s.fail(err, "DATA close")
	}

	s.logger.Debug("message submitted", "from", from, "to", to, "size", len(data))
	return nil
}

// fail classifies err and either resets the transaction or marks the session lost
func (s *Session) fail(err error, stage string) error {
	se := categorizeError(err, stage)
	if se.Lost {
		s.usable = false
		s.logger.Warn("relay connection lost", "stage", stage, "error", err)
		return se
	}

	if rerr := s.client.Reset(); rerr != nil {
		s.usable = false
		se.Lost = true
		s.logger.Warn("RSET failed, session unusable", "error", rerr)
	}
	return se
}

// Close ends the session with QUIT. Errors are swallowed; it is safe to call
// more than once and on a nil session.
func (s *Session) Close() {
	if s == nil || s.client == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.usable {
			if err := s.client.Quit(); err != nil {
				s.logger.Debug("QUIT failed", "error", err)
			}
		}
		s.client.Close()
		s.usable = false
		s.logger.Info("relay session closed")
	})
}

// categorizeError determines if an SMTP error is temporary, permanent or fatal to the session
func categorizeError(err error, stage string) *SendError {
	code := 0
	var smtpErr *smtp.SMTPError
	var protoErr *textproto.Error
	switch {
	case errors.As(err, &smtpErr):
		code = smtpErr.Code
	case errors.As(err, &protoErr):
		code = protoErr.Code
	}
	if code != 0 {
		return &SendError{
			Stage:     stage,
			Temporary: code/100 == 4,
			// 421: the relay is closing the transmission channel
			Lost: code == 421,
			Err:  err,
		}
	}

	if isTransportError(err) {
		return &SendError{Stage: stage, Temporary: true, Lost: true, Err: err}
	}

	// Refused by the client before anything reached the wire
	return &SendError{Stage: stage, Err: err}
}

// isTransportError reports faults that leave the reply stream in an unknown state
func isTransportError(err error) bool {
	var netErr net.Error
	var protoErr textproto.ProtocolError
	return errors.As(err, &netErr) ||
		errors.As(err, &protoErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Temporary
	}
	return true // Assume temporary if unknown
}
