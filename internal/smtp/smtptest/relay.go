// Package smtptest runs an in-process SMTP relay for tests.
package smtptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Mode selects how the relay secures connections
type Mode int

const (
	Plain Mode = iota
	StartTLS
	Implicit
)

// Options configures a Relay
type Options struct {
	Mode Mode
	// Users enables PLAIN auth; nil means AUTH is not advertised
	Users map[string]string
	// Reject maps RCPT addresses to the reply returned for them
	Reject map[string]*smtp.SMTPError
	// DropAfter closes the connection on the MAIL command following the
	// given number of accepted messages (0 disables)
	DropAfter int
	// Delay is applied before accepting each message body
	Delay time.Duration
}

// Message is a message accepted by the relay
type Message struct {
	From     string
	To       []string
	Data     []byte
	AuthUser string
	Hello    string // EHLO name of the transaction
	TLS      bool
}

// Relay is a go-smtp server listening on a loopback port
type Relay struct {
	server   *smtp.Server
	listener net.Listener
	opts     Options

	mu       sync.Mutex
	messages []Message
	conns    map[string]struct{} // by client address; STARTTLS opens a second backend session
	auths    int
	accepted int
}

// NewRelay starts a relay and registers its shutdown with t.Cleanup
func NewRelay(t testing.TB, opts Options) *Relay {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	r := &Relay{opts: opts, conns: make(map[string]struct{})}

	srv := smtp.NewServer(&backend{relay: r})
	srv.Domain = "relay.test"
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.MaxMessageBytes = 10 * 1024 * 1024
	srv.MaxRecipients = 50
	srv.AllowInsecureAuth = opts.Mode == Plain

	switch opts.Mode {
	case StartTLS:
		srv.TLSConfig = selfSignedConfig(t)
	case Implicit:
		l = tls.NewListener(l, selfSignedConfig(t))
	}

	r.server = srv
	r.listener = l

	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			t.Logf("relay stopped: %v", err)
		}
	}()
	t.Cleanup(func() { srv.Close() })

	return r
}

// Host returns the listening host
func (r *Relay) Host() string {
	host, _, _ := net.SplitHostPort(r.listener.Addr().String())
	return host
}

// Port returns the listening port
func (r *Relay) Port() int {
	_, port, _ := net.SplitHostPort(r.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Messages returns a copy of the accepted messages in arrival order
func (r *Relay) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Connections returns the number of TCP connections that reached EHLO
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Auths returns the number of successful authentications
func (r *Relay) Auths() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.auths
}

type backend struct {
	relay *Relay
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.relay.mu.Lock()
	b.relay.conns[c.Conn().RemoteAddr().String()] = struct{}{}
	b.relay.mu.Unlock()
	return &session{relay: b.relay, conn: c}, nil
}

type session struct {
	relay    *Relay
	conn     *smtp.Conn
	from     string
	to       []string
	authUser string
}

func (s *session) AuthMechanisms() []string {
	if s.relay.opts.Users == nil {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		expected, ok := s.relay.opts.Users[username]
		if !ok || expected != password {
			return smtp.ErrAuthFailed
		}
		s.authUser = username
		s.relay.mu.Lock()
		s.relay.auths++
		s.relay.mu.Unlock()
		return nil
	}), nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if s.relay.opts.Users != nil && s.authUser == "" {
		return &smtp.SMTPError{Code: 530, Message: "Authentication required"}
	}

	s.relay.mu.Lock()
	drop := s.relay.opts.DropAfter > 0 && s.relay.accepted >= s.relay.opts.DropAfter
	s.relay.mu.Unlock()
	if drop {
		s.conn.Conn().Close()
		return &smtp.SMTPError{Code: 421, Message: "Service closing transmission channel"}
	}

	s.from = from
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if reply, ok := s.relay.opts.Reject[to]; ok {
		return reply
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &smtp.SMTPError{Code: 442, Message: "Failed to read message data"}
	}
	if s.relay.opts.Delay > 0 {
		time.Sleep(s.relay.opts.Delay)
	}

	_, secure := s.conn.TLSConnectionState()

	s.relay.mu.Lock()
	s.relay.messages = append(s.relay.messages, Message{
		From:     s.from,
		To:       append([]string(nil), s.to...),
		Data:     data,
		AuthUser: s.authUser,
		Hello:    s.conn.Hostname(),
		TLS:      secure,
	})
	s.relay.accepted++
	s.relay.mu.Unlock()
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// selfSignedConfig returns a server TLS config for 127.0.0.1 and localhost
func selfSignedConfig(t testing.TB) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost", "relay.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

// Logger returns a logger that discards output
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
