package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for mailrun
type Metrics struct {
	// Batch
	BatchesTotal    *prometheus.CounterVec
	BatchRunning    prometheus.Gauge
	BatchRecipients prometheus.Gauge
	BatchProcessed  prometheus.Gauge

	// Message counters
	MessagesSentTotal        *prometheus.CounterVec
	MessagesFailedTotal      *prometheus.CounterVec
	AttachmentsSkippedTotal  *prometheus.CounterVec
	SendDurationSeconds      prometheus.Histogram
	InterMessageDelaySeconds prometheus.Histogram

	// SMTP
	SMTPConnectionsTotal *prometheus.CounterVec

	// Sandbox
	SandboxCapturedTotal prometheus.Counter

	// System metrics
	UptimeSeconds prometheus.GaugeFunc
	Goroutines    prometheus.GaugeFunc

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()
	started := time.Now()

	m := &Metrics{
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_batches_total",
				Help: "Total number of finished batches by outcome",
			},
			[]string{"outcome"},
		),
		BatchRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrun_batch_running",
				Help: "1 while a batch is in flight",
			},
		),
		BatchRecipients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrun_batch_recipients",
				Help: "Number of recipients in the current batch",
			},
		),
		BatchProcessed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailrun_batch_processed",
				Help: "Number of recipients processed in the current batch",
			},
		),

		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_messages_sent_total",
				Help: "Total number of messages accepted by the relay",
			},
			[]string{"domain"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_messages_failed_total",
				Help: "Total number of messages that could not be sent",
			},
			[]string{"domain", "error_type"},
		),
		AttachmentsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_attachments_skipped_total",
				Help: "Total number of attachment paths left out of messages",
			},
			[]string{"reason"},
		),
		SendDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailrun_send_duration_seconds",
				Help:    "Time spent submitting one message",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		InterMessageDelaySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailrun_inter_message_delay_seconds",
				Help:    "Pause applied between two messages",
				Buckets: []float64{0, .5, 1, 2, 5, 10, 30, 60},
			},
		),

		SMTPConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailrun_smtp_connections_total",
				Help: "Total number of relay session attempts",
			},
			[]string{"result"},
		),

		SandboxCapturedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailrun_sandbox_captured_total",
				Help: "Total number of messages captured instead of sent",
			},
		),

		UptimeSeconds: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "mailrun_uptime_seconds",
				Help: "Process uptime in seconds",
			},
			func() float64 { return time.Since(started).Seconds() },
		),
		Goroutines: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "mailrun_goroutines",
				Help: "Number of active goroutines",
			},
			func() float64 { return float64(runtime.NumGoroutine()) },
		),

		registry: reg,
	}

	reg.MustRegister(
		m.BatchesTotal,
		m.BatchRunning,
		m.BatchRecipients,
		m.BatchProcessed,
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.AttachmentsSkippedTotal,
		m.SendDurationSeconds,
		m.InterMessageDelaySeconds,
		m.SMTPConnectionsTotal,
		m.SandboxCapturedTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncBatches counts a finished batch
func IncBatches(outcome string) {
	m := Global()
	if m != nil {
		m.BatchesTotal.WithLabelValues(outcome).Inc()
	}
}

// SetBatchRunning flips the running gauge
func SetBatchRunning(running bool) {
	m := Global()
	if m != nil {
		if running {
			m.BatchRunning.Set(1)
		} else {
			m.BatchRunning.Set(0)
		}
	}
}

// SetBatchProgress records how far the current batch got
func SetBatchProgress(processed, total int) {
	m := Global()
	if m != nil {
		m.BatchProcessed.Set(float64(processed))
		m.BatchRecipients.Set(float64(total))
	}
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(domain string) {
	m := Global()
	if m != nil {
		m.MessagesSentTotal.WithLabelValues(domain).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(domain, errorType string) {
	m := Global()
	if m != nil {
		m.MessagesFailedTotal.WithLabelValues(domain, errorType).Inc()
	}
}

// IncAttachmentsSkipped counts an attachment that was not attached
func IncAttachmentsSkipped(reason string) {
	m := Global()
	if m != nil {
		m.AttachmentsSkippedTotal.WithLabelValues(reason).Inc()
	}
}

// ObserveSendDuration records one submission round trip
func ObserveSendDuration(d time.Duration) {
	m := Global()
	if m != nil {
		m.SendDurationSeconds.Observe(d.Seconds())
	}
}

// ObserveDelay records one inter-message pause
func ObserveDelay(d time.Duration) {
	m := Global()
	if m != nil {
		m.InterMessageDelaySeconds.Observe(d.Seconds())
	}
}

// IncSMTPConnections counts a session attempt
func IncSMTPConnections(result string) {
	m := Global()
	if m != nil {
		m.SMTPConnectionsTotal.WithLabelValues(result).Inc()
	}
}

// IncSandboxCaptured counts a captured message
func IncSandboxCaptured() {
	m := Global()
	if m != nil {
		m.SandboxCapturedTotal.Inc()
	}
}
