package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/mailrun/internal/batch"
	"github.com/foxzi/mailrun/internal/compose"
	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/metrics"
	"github.com/foxzi/mailrun/internal/sandbox"
	"github.com/foxzi/mailrun/internal/smtp"
)

// Summary describes how a batch ended
type Summary struct {
	RunID        string
	Outcome      batch.Kind
	Reason       string
	Total        int
	Sent         int
	Failed       int
	Elapsed      time.Duration
	SandboxBatch string // set when messages were captured instead of sent
}

// App runs batches described by a configuration
type App struct {
	config *config.Config
	logger *slog.Logger
	engine *batch.Engine
	signer compose.Signer

	metricsServer *metrics.Server

	sandboxDB    *bolt.DB
	sandbox      *sandbox.Storage
	sandboxBatch *atomic.String

	observe      func(batch.Event)
	pollInterval time.Duration
	dial         batch.DialFunc
}

// Option configures an App
type Option func(*App)

// WithLogger sets the application logger
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithObserver receives every progress event in order
func WithObserver(fn func(batch.Event)) Option {
	return func(a *App) { a.observe = fn }
}

// WithPollInterval sets how often the observer drains events when no
// notification arrives
func WithPollInterval(d time.Duration) Option {
	return func(a *App) { a.pollInterval = d }
}

// WithDialer replaces the relay and sandbox sessions
func WithDialer(d batch.DialFunc) Option {
	return func(a *App) { a.dial = d }
}

// New creates an application from a validated configuration
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		config:       cfg,
		observe:      func(batch.Event) {},
		pollInterval: 100 * time.Millisecond,
		sandboxBatch: atomic.NewString(""),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = SetupLogger(cfg.Logging, os.Stderr)
	}

	signer, err := cfg.Signer()
	if err != nil {
		return nil, err
	}
	if signer != nil {
		a.signer = signer
		a.logger.Info("DKIM signing enabled", "domain", signer.Domain(), "selector", signer.Selector())
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.metricsServer = metrics.NewServerWithAllowedIPs(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, a.logger)
	}

	dial := a.dial
	if dial == nil && cfg.Sandbox.Enabled {
		storage, db, err := sandbox.Open(cfg.Sandbox.Path)
		if err != nil {
			return nil, err
		}
		a.sandbox = storage
		a.sandboxDB = db
		dial = a.captureDialer()
		a.logger.Info("sandbox mode: messages are captured, not sent", "path", cfg.Sandbox.Path)
	}
	if dial == nil {
		dial = batch.SMTPDialer(a.logger.With("component", "smtp_client"))
	}

	a.engine = batch.New(batch.WithDialer(dial), batch.WithLogger(a.logger))
	return a, nil
}

// captureDialer stores every message of a batch in the sandbox
func (a *App) captureDialer() batch.DialFunc {
	var opts []sandbox.CaptureOption
	if a.config.Sandbox.SimulateErrors {
		opts = append(opts, sandbox.WithErrorSimulation(a.config.Sandbox.ErrorProbability))
	}

	return func(ctx context.Context, _ smtp.Options) (batch.Session, error) {
		c := sandbox.NewCapture(a.sandbox, a.logger, opts...)
		a.sandboxBatch.Store(c.Batch())
		return c, nil
	}
}

// Dispatch returns the batch settings derived from the configuration
func (a *App) Dispatch() batch.Dispatch {
	return batch.Dispatch{
		Relay:    a.config.RelayOptions(),
		Defaults: a.config.Defaults(),
		Timing:   a.config.BatchTiming(),
		Hostname: a.config.Server.Hostname,
		Signer:   a.signer,
	}
}

// Run sends one batch and blocks until it ends. SIGINT or SIGTERM, like
// cancelling ctx, stops the batch at its next checkpoint.
func (a *App) Run(ctx context.Context, recipients []batch.Recipient) (*Summary, error) {
	a.logger.Info("starting mailrun",
		"hostname", a.config.Server.Hostname,
		"recipients", len(recipients),
		"sandbox", a.config.Sandbox.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)

	if a.metricsServer != nil {
		if err := a.metricsServer.Listen(); err != nil {
			return nil, fmt.Errorf("metrics server: %w", err)
		}
		g.Go(func() error {
			if err := a.metricsServer.Run(gctx); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	started := time.Now()
	if err := a.engine.Start(gctx, a.Dispatch(), recipients); err != nil {
		stop()
		g.Wait()
		return nil, err
	}

	var final batch.Event
	g.Go(func() error {
		// The metrics server stops once the batch has ended
		defer stop()
		final = a.watch(gctx)
		return nil
	})

	err := g.Wait()

	summary := &Summary{
		RunID:        final.RunID,
		Outcome:      final.Kind,
		Reason:       final.Reason,
		Total:        final.Total,
		Sent:         final.Sent,
		Failed:       final.Failed,
		Elapsed:      time.Since(started),
		SandboxBatch: a.sandboxBatch.Load(),
	}

	a.logger.Info("batch finished",
		"outcome", summary.Outcome,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"elapsed", summary.Elapsed.Round(time.Millisecond),
	)
	return summary, err
}

// watch forwards events to the observer until the terminal one arrives.
// When ctx is done the batch is cancelled and watching continues.
func (a *App) watch(ctx context.Context) batch.Event {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	for {
		select {
		case <-a.engine.Notify():
		case <-ticker.C:
		case <-ctxDone:
			a.logger.Warn("cancelling batch after the current message")
			a.engine.Cancel()
			ctxDone = nil
		}

		for _, ev := range a.engine.PollEvents() {
			a.observe(ev)
			if ev.Terminal() {
				return ev
			}
		}
	}
}

// Close releases the sandbox database
func (a *App) Close() error {
	if a.sandboxDB != nil {
		if err := a.sandboxDB.Close(); err != nil {
			return fmt.Errorf("failed to close sandbox: %w", err)
		}
	}
	return nil
}

// CheckRelay opens and closes a session with the configured relay
func CheckRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	session, err := smtp.Open(ctx, cfg.RelayOptions(), logger)
	if err != nil {
		return err
	}
	session.Close()
	return nil
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
