// Package sandbox captures composed messages in a local BoltDB file instead of
// handing them to a relay.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailrun/internal/metrics"
	"github.com/foxzi/mailrun/internal/smtp"
)

// simulatedErrors are the replies drawn when error simulation is on
var simulatedErrors = []string{
	"550 User not found",
	"451 Temporary failure",
	"452 Insufficient storage",
	"552 Message size exceeds limit",
}

// Capture stands in for a relay session and stores every submission
type Capture struct {
	storage *Storage
	logger  *slog.Logger
	batch   string

	simulateErrors   bool
	errorProbability float64
	rnd              func() float64

	captured int
	closed   bool
}

// CaptureOption configures a Capture
type CaptureOption func(*Capture)

// WithErrorSimulation makes a fraction of submissions fail with a relay-like reply
func WithErrorSimulation(probability float64) CaptureOption {
	return func(c *Capture) {
		if probability > 0 && probability <= 1 {
			c.simulateErrors = true
			c.errorProbability = probability
		}
	}
}

// NewCapture starts a capture session; every message it stores shares one batch ID
func NewCapture(storage *Storage, logger *slog.Logger, opts ...CaptureOption) *Capture {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Capture{
		storage: storage,
		logger:  logger.With("component", "sandbox"),
		batch:   uuid.NewString(),
		rnd:     rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Batch returns the ID shared by the messages of this capture
func (c *Capture) Batch() string {
	return c.batch
}

// Captured returns how many messages were stored
func (c *Capture) Captured() int {
	return c.captured
}

// Submit stores the message. With error simulation on it may instead record
// and return a relay rejection.
func (c *Capture) Submit(ctx context.Context, from string, to []string, data []byte) error {
	if c.closed {
		return &smtp.SendError{Stage: "sandbox", Lost: true, Err: errors.New("capture session closed")}
	}

	msg := &Message{
		ID:         uuid.NewString(),
		Batch:      c.batch,
		From:       from,
		To:         append([]string(nil), to...),
		Subject:    extractSubject(data),
		Data:       data,
		Size:       len(data),
		CapturedAt: time.Now(),
	}
	if len(to) > 0 {
		msg.Domain = extractDomain(to[0])
	}

	var simulated error
	if c.simulateErrors && c.rnd() < c.errorProbability {
		reply := simulatedErrors[int(c.rnd()*float64(len(simulatedErrors)))%len(simulatedErrors)]
		msg.SimulatedErr = reply
		simulated = &smtp.SendError{
			Stage:     "sandbox",
			Temporary: strings.HasPrefix(reply, "4"),
			Err:       errors.New(reply),
		}
	}

	if err := c.storage.Save(ctx, msg); err != nil {
		return &smtp.SendError{Stage: "sandbox", Err: fmt.Errorf("failed to save message: %w", err)}
	}

	if simulated != nil {
		c.logger.Info("sandbox: simulated rejection", "id", msg.ID, "to", to, "reply", msg.SimulatedErr)
		return simulated
	}

	c.captured++
	metrics.IncSandboxCaptured()
	c.logger.Info("sandbox: message captured", "id", msg.ID, "from", from, "to", to, "size", msg.Size)
	return nil
}

// Close ends the capture; it is idempotent
func (c *Capture) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.logger.Info("sandbox: capture finished", "batch", c.batch, "captured", c.captured)
}

// extractDomain extracts the domain from an email address
func extractDomain(email string) string {
	if addr, err := mail.ParseAddress(email); err == nil {
		email = addr.Address
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// extractSubject returns the decoded Subject header of a message
func extractSubject(data []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	raw := msg.Header.Get("Subject")
	decoded, err := new(mime.WordDecoder).DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}
