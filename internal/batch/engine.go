// Package batch runs one email batch at a time in the background and reports
// its progress as an ordered stream of events.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/foxzi/mailrun/internal/compose"
	"github.com/foxzi/mailrun/internal/metrics"
	"github.com/foxzi/mailrun/internal/smtp"
)

// ErrAlreadyRunning is returned by Start while a batch is in flight
var ErrAlreadyRunning = errors.New("batch already running")

// Recipient is one validated row of the recipient list
type Recipient struct {
	Email       string
	Subject     string
	Body        string
	Attachments []string
	Row         int
}

// Dispatch is the per-batch configuration
type Dispatch struct {
	Relay    smtp.Options
	Defaults compose.Defaults
	Timing   Timing
	Hostname string         // Message-ID domain
	Signer   compose.Signer // optional
}

// Session submits composed messages over one relay connection
type Session interface {
	Submit(ctx context.Context, from string, to []string, data []byte) error
	Close()
}

// DialFunc opens the session used for a whole batch
type DialFunc func(ctx context.Context, opts smtp.Options) (Session, error)

// SMTPDialer opens real relay sessions
func SMTPDialer(logger *slog.Logger) DialFunc {
	return func(ctx context.Context, opts smtp.Options) (Session, error) {
		s, err := smtp.Open(ctx, opts, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Engine schedules batches. At most one batch runs per engine.
type Engine struct {
	dial     DialFunc
	logger   *slog.Logger
	progress *Progress

	cancelled *atomic.Bool

	mu      sync.Mutex
	running bool
	done    chan struct{}

	sleep func(context.Context, time.Duration) bool
	rnd   func() float64
	now   func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithDialer replaces the relay dialer, e.g. with a sandbox capture
func WithDialer(d DialFunc) Option {
	return func(e *Engine) { e.dial = d }
}

// WithLogger sets the engine logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an idle engine
func New(opts ...Option) *Engine {
	done := make(chan struct{})
	close(done)

	e := &Engine{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		progress:  NewProgress(),
		cancelled: atomic.NewBool(false),
		done:      done,
		sleep:     sleepContext,
		rnd:       rand.Float64,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dial == nil {
		e.dial = SMTPDialer(e.logger)
	}
	e.logger = e.logger.With("component", "batch")
	return e
}

// Start begins a batch in the background and returns immediately.
// ctx bounds the whole run; when it is done the batch stops at the next pause.
func (e *Engine) Start(ctx context.Context, d Dispatch, recipients []Recipient) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}

	r := &run{
		id:         uuid.NewString(),
		dispatch:   d,
		recipients: append([]Recipient(nil), recipients...),
		now:        e.now,
	}
	r.logger = e.logger.With("run_id", r.id)
	composeOpts := []compose.Option{compose.WithLogger(r.logger)}
	if d.Hostname != "" {
		composeOpts = append(composeOpts, compose.WithHostname(d.Hostname))
	}
	if d.Signer != nil {
		composeOpts = append(composeOpts, compose.WithSigner(d.Signer))
	}
	r.composer = compose.New(d.Defaults, composeOpts...)

	e.running = true
	e.cancelled.Store(false)
	e.done = make(chan struct{})
	metrics.SetBatchRunning(true)
	metrics.SetBatchProgress(0, len(r.recipients))

	go e.execute(ctx, r, e.done)
	return nil
}

// Cancel asks the running batch to stop at its next checkpoint.
// It never interrupts a message that is being submitted.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.cancelled.Store(true)
	}
}

// PollEvents drains every queued event without blocking
func (e *Engine) PollEvents() []Event {
	return e.progress.Drain()
}

// Notify is signalled whenever new events are queued
func (e *Engine) Notify() <-chan struct{} {
	return e.progress.Notify()
}

// IsRunning reports whether a batch is in flight
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Done is closed when the current (or last) batch has finished
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

type run struct {
	id         string
	dispatch   Dispatch
	recipients []Recipient
	composer   *compose.Composer
	logger     *slog.Logger
	now        func() time.Time

	current int
	sent    int
	failed  int
}

func (r *run) event(kind Kind) Event {
	return Event{
		Kind:    kind,
		RunID:   r.id,
		Time:    r.now(),
		Current: r.current,
		Total:   len(r.recipients),
		Sent:    r.sent,
		Failed:  r.failed,
	}
}

func (r *run) recipientEvent(kind Kind, rcpt Recipient) Event {
	ev := r.event(kind)
	ev.Recipient = rcpt.Email
	ev.Row = rcpt.Row
	return ev
}

func (r *run) errorEvent(reason string) Event {
	ev := r.event(KindError)
	ev.Reason = reason
	return ev
}

func (e *Engine) execute(ctx context.Context, r *run, done chan struct{}) {
	var session Session
	var final Event

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("batch panicked", "panic", p)
			final = r.errorEvent(fmt.Sprintf("internal error: %v", p))
		}
		if session != nil {
			session.Close()
		}
		e.finish(r, final, done)
	}()

	r.logger.Info("batch started", "recipients", len(r.recipients), "relay", r.dispatch.Relay.Addr())
	final = e.process(ctx, r, &session)
}

func (e *Engine) finish(r *run, final Event, done chan struct{}) {
	metrics.IncBatches(string(final.Kind))

	e.mu.Lock()
	e.running = false
	e.progress.Push(final)
	metrics.SetBatchRunning(false)
	close(done)
	e.mu.Unlock()

	switch final.Kind {
	case KindError:
		r.logger.Error("batch failed", "reason", final.Reason, "sent", r.sent, "failed", r.failed)
	case KindAborted:
		r.logger.Warn("batch aborted", "sent", r.sent, "failed", r.failed, "remaining", len(r.recipients)-r.current)
	default:
		r.logger.Info("batch complete", "sent", r.sent, "failed", r.failed)
	}
}

// process walks the state machine and returns the terminal event
func (e *Engine) process(ctx context.Context, r *run, session *Session) Event {
	e.progress.Push(r.event(KindConnecting))

	s, err := e.dial(ctx, r.dispatch.Relay)
	if err != nil {
		if ctx.Err() != nil {
			r.logger.Info("stopped while connecting", "error", err)
			return r.event(KindAborted)
		}
		metrics.IncSMTPConnections("failed")
		return r.errorEvent(err.Error())
	}
	*session = s
	metrics.IncSMTPConnections("ok")
	e.progress.Push(r.event(KindConnected))

	for i, rcpt := range r.recipients {
		if e.cancelled.Load() {
			return r.event(KindAborted)
		}

		r.current = i + 1
		e.progress.Push(r.recipientEvent(KindSending, rcpt))

		err := r.deliver(ctx, s, rcpt)
		if err != nil {
			r.failed++
			ev := r.recipientEvent(KindFailed, rcpt)
			ev.Reason = err.Error()
			e.progress.Push(ev)
			r.logger.Warn("message failed", "to", rcpt.Email, "row", rcpt.Row, "error", err)
			metrics.IncMessagesFailed(domainOf(rcpt.Email), failureType(err))

			if errors.Is(err, smtp.ErrTransportLost) {
				return r.errorEvent("connection to relay lost: " + err.Error())
			}
		} else {
			r.sent++
			e.progress.Push(r.recipientEvent(KindSent, rcpt))
			r.logger.Debug("message sent", "to", rcpt.Email, "row", rcpt.Row)
			metrics.IncMessagesSent(domainOf(rcpt.Email))
		}
		metrics.SetBatchProgress(r.current, len(r.recipients))

		if i == len(r.recipients)-1 {
			break
		}
		if e.cancelled.Load() {
			return r.event(KindAborted)
		}

		pause := r.dispatch.Timing.Next(e.rnd)
		metrics.ObserveDelay(pause)
		if !e.sleep(ctx, pause) {
			return r.event(KindAborted)
		}
	}

	return r.event(KindComplete)
}

func (r *run) deliver(ctx context.Context, s Session, rcpt Recipient) error {
	msg, err := r.composer.Compose(compose.Input{
		To:          rcpt.Email,
		Subject:     rcpt.Subject,
		Body:        rcpt.Body,
		Attachments: rcpt.Attachments,
	})
	if err != nil {
		return &composeError{err: err}
	}

	for _, a := range msg.Attachments {
		if a.Status != compose.StatusAttached {
			metrics.IncAttachmentsSkipped(a.Status.String())
		}
	}

	start := time.Now()
	err = s.Submit(ctx, msg.From, msg.Envelope(), msg.Data)
	metrics.ObserveSendDuration(time.Since(start))
	return err
}

type composeError struct {
	err error
}

func (e *composeError) Error() string { return e.err.Error() }
func (e *composeError) Unwrap() error { return e.err }

func failureType(err error) string {
	var ce *composeError
	switch {
	case errors.As(err, &ce):
		return "compose"
	case errors.Is(err, smtp.ErrTransportLost):
		return "transport"
	case smtp.IsTemporaryError(err):
		return "temporary"
	default:
		return "permanent"
	}
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return strings.ToLower(email[i+1:])
	}
	return "unknown"
}
