package batch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/mail"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/mailrun/internal/compose"
	"github.com/foxzi/mailrun/internal/metrics"
	"github.com/foxzi/mailrun/internal/smtp"
	"github.com/foxzi/mailrun/internal/smtp/smtptest"

	dto "github.com/prometheus/client_model/go"
)

type submission struct {
	from string
	to   []string
	data []byte
}

type fakeSession struct {
	mu       sync.Mutex
	submits  []submission
	closes   int
	onSubmit func(n int, to []string) error
}

func (f *fakeSession) Submit(_ context.Context, from string, to []string, data []byte) error {
	f.mu.Lock()
	f.submits = append(f.submits, submission{from: from, to: to, data: data})
	n := len(f.submits)
	hook := f.onSubmit
	f.mu.Unlock()

	if hook != nil {
		return hook(n, to)
	}
	return nil
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeSession) submitted() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submits...)
}

func (f *fakeSession) closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func dialing(s Session) DialFunc {
	return func(context.Context, smtp.Options) (Session, error) {
		return s, nil
	}
}

func newTestEngine(dial DialFunc) *Engine {
	e := New(WithDialer(dial), WithLogger(smtptest.Logger()))
	e.sleep = func(context.Context, time.Duration) bool { return true }
	return e
}

func testDispatch() Dispatch {
	return Dispatch{
		Defaults: compose.Defaults{From: "sender@x.com", Subject: "Def", Body: "DefBody"},
		Hostname: "mailrun.test",
	}
}

func recipients(emails ...string) []Recipient {
	out := make([]Recipient, 0, len(emails))
	for i, email := range emails {
		out = append(out, Recipient{Email: email, Row: i + 2})
	}
	return out
}

// wait blocks until the current batch ends and returns everything it emitted
func wait(t *testing.T, e *Engine) []Event {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}
	return e.PollEvents()
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func recipientsOf(events []Event, kind Kind) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev.Recipient)
		}
	}
	return out
}

func TestScenarioAgainstRelay(t *testing.T) {
	relay := smtptest.NewRelay(t, smtptest.Options{
		Mode:  smtptest.StartTLS,
		Users: map[string]string{"user": "secret"},
	})

	e := New(WithLogger(smtptest.Logger()))
	d := testDispatch()
	d.Relay = smtp.Options{
		Host:               relay.Host(),
		Port:               relay.Port(),
		Username:           "user",
		Password:           "secret",
		Encryption:         smtp.EncryptionStartTLS,
		LocalName:          "client.test",
		Timeout:            5 * time.Second,
		InsecureSkipVerify: true,
	}

	records := []Recipient{
		{Email: "a@x.com", Row: 2},
		{Email: "b@x.com", Subject: "Hi", Body: "Body", Attachments: []string{"/no/such/file"}, Row: 3},
	}

	require.NoError(t, e.Start(context.Background(), d, records))
	events := wait(t, e)

	assert.Equal(t, []Kind{
		KindConnecting, KindConnected,
		KindSending, KindSent,
		KindSending, KindSent,
		KindComplete,
	}, kinds(events))
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, recipientsOf(events, KindSent))

	last := events[len(events)-1]
	assert.Equal(t, 2, last.Sent)
	assert.Equal(t, 0, last.Failed)

	msgs := relay.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, relay.Connections())

	first, err := mail.ReadMessage(bytes.NewReader(msgs[0].Data))
	require.NoError(t, err)
	assert.Equal(t, "Def", first.Header.Get("Subject"))
	body, _ := io.ReadAll(first.Body)
	assert.Equal(t, "DefBody", strings.TrimSpace(string(body)))

	second, err := mail.ReadMessage(bytes.NewReader(msgs[1].Data))
	require.NoError(t, err)
	assert.Equal(t, "Hi", second.Header.Get("Subject"))
	assert.Contains(t, second.Header.Get("Content-Type"), "text/plain")
	body, _ = io.ReadAll(second.Body)
	assert.Equal(t, "Body", strings.TrimSpace(string(body)))
}

func TestCompletedRunTalliesEvents(t *testing.T) {
	session := &fakeSession{
		onSubmit: func(_ int, to []string) error {
			if to[0] == "bad@x.com" {
				return &smtp.SendError{Stage: "RCPT TO", Err: errors.New("550 User unknown")}
			}
			return nil
		},
	}
	e := newTestEngine(dialing(session))

	records := recipients("a@x.com", "bad@x.com", "c@x.com", "bad@x.com", "e@x.com")
	require.NoError(t, e.Start(context.Background(), testDispatch(), records))
	events := wait(t, e)

	var outcomes []string
	sent, failed := 0, 0
	for _, ev := range events {
		switch ev.Kind {
		case KindSent:
			sent++
			outcomes = append(outcomes, ev.Recipient)
		case KindFailed:
			failed++
			outcomes = append(outcomes, ev.Recipient)
			assert.Contains(t, ev.Reason, "User unknown")
		}
		assert.Equal(t, sent, ev.Sent)
		assert.Equal(t, failed, ev.Failed)
		assert.Equal(t, len(records), ev.Total)
	}

	assert.Equal(t, []string{"a@x.com", "bad@x.com", "c@x.com", "bad@x.com", "e@x.com"}, outcomes)

	last := events[len(events)-1]
	assert.Equal(t, KindComplete, last.Kind)
	assert.Equal(t, 3, last.Sent)
	assert.Equal(t, 2, last.Failed)
	assert.Equal(t, 1, session.closed())
	assert.False(t, e.IsRunning())

	for i, ev := range events {
		if ev.Kind == KindFailed {
			assert.Equal(t, records[ev.Current-1].Row, ev.Row, "event %d", i)
		}
	}
}

func TestEnvelopeIncludesCCAndBCC(t *testing.T) {
	session := &fakeSession{}
	e := newTestEngine(dialing(session))

	d := testDispatch()
	d.Defaults.CC = "cc@x.com"
	d.Defaults.BCC = "hidden@x.com"

	require.NoError(t, e.Start(context.Background(), d, recipients("a@x.com")))
	wait(t, e)

	subs := session.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, "sender@x.com", subs[0].from)
	assert.Equal(t, []string{"a@x.com", "cc@x.com", "hidden@x.com"}, subs[0].to)
	assert.NotContains(t, string(subs[0].data), "hidden@x.com")
}

func TestCancelBeforeFirstRecord(t *testing.T) {
	session := &fakeSession{}
	release := make(chan struct{})
	dial := func(context.Context, smtp.Options) (Session, error) {
		<-release
		return session, nil
	}
	e := newTestEngine(dial)

	require.NoError(t, e.Start(context.Background(), testDispatch(), recipients("a@x.com", "b@x.com")))
	e.Cancel()
	close(release)

	events := wait(t, e)
	assert.Equal(t, []Kind{KindConnecting, KindConnected, KindAborted}, kinds(events))
	assert.Empty(t, session.submitted())
	assert.Equal(t, 1, session.closed())
}

func TestCancelMidRun(t *testing.T) {
	var e *Engine
	session := &fakeSession{
		onSubmit: func(n int, _ []string) error {
			if n == 2 {
				e.Cancel()
			}
			return nil
		},
	}
	e = newTestEngine(dialing(session))

	records := recipients("a@x.com", "b@x.com", "c@x.com", "d@x.com")
	require.NoError(t, e.Start(context.Background(), testDispatch(), records))
	events := wait(t, e)

	// The message in flight when cancel arrives still completes
	assert.Equal(t, []Kind{
		KindConnecting, KindConnected,
		KindSending, KindSent,
		KindSending, KindSent,
		KindAborted,
	}, kinds(events))
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, recipientsOf(events, KindSent))
	assert.Len(t, session.submitted(), 2)
	assert.Equal(t, 1, session.closed())

	last := events[len(events)-1]
	assert.Equal(t, 2, last.Sent)
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	e := newTestEngine(dialing(&fakeSession{}))
	e.Cancel()

	require.NoError(t, e.Start(context.Background(), testDispatch(), recipients("a@x.com")))
	events := wait(t, e)
	assert.Equal(t, KindComplete, events[len(events)-1].Kind)

	e.Cancel()
	assert.False(t, e.IsRunning())
}

func TestConnectFailure(t *testing.T) {
	dial := func(context.Context, smtp.Options) (Session, error) {
		return nil, &smtp.ConnectError{Stage: "AUTH", Err: errors.New("535 authentication failed")}
	}
	e := newTestEngine(dial)

	require.NoError(t, e.Start(context.Background(), testDispatch(), recipients("a@x.com", "b@x.com")))
	events := wait(t, e)

	assert.Equal(t, []Kind{KindConnecting, KindError}, kinds(events))
	assert.Contains(t, events[1].Reason, "535")
	assert.Empty(t, recipientsOf(events, KindSent))
	assert.Empty(t, recipientsOf(events, KindFailed))
}

func TestConnectFailureAgainstRelay(t *testing.T) {
	relay := smtptest.NewRelay(t, smtptest.Options{
		Mode:  smtptest.Plain,
		Users: map[string]string{"user": "secret"},
	})

	e := New(WithLogger(smtptest.Logger()))
	d := testDispatch()
	d.Relay = smtp.Options{
		Host:     relay.Host(),
		Port:     relay.Port(),
		Username: "user",
		Password: "wrong",
		Timeout:  5 * time.Second,
	}

	require.NoError(t, e.Start(context.Background(), d, recipients("a@x.com")))
	events := wait(t, e)

	assert.Equal(t, []Kind{KindConnecting, KindError}, kinds(events))
	assert.Empty(t, relay.Messages())
}

func TestContextDoneWhileConnecting(t *testing.T) {
	dialed := make(chan struct{})
	dial := func(ctx context.Context, _ smtp.Options) (Session, error) {
		close(dialed)
		<-ctx.Done()
		return nil, &smtp.ConnectError{Stage: "connect", Err: ctx.Err()}
	}
	e := newTestEngine(dial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx, testDispatch(), recipients("a@x.com", "b@x.com")))

	<-dialed
	cancel()
	events := wait(t, e)

	assert.Equal(t, []Kind{KindConnecting, KindAborted}, kinds(events))
	assert.Empty(t, events[1].Reason)
}

func TestTransportLostEndsBatch(t *testing.T) {
	session := &fakeSession{
		onSubmit: func(n int, _ []string) error {
			if n == 2 {
				return &smtp.SendError{Stage: "DATA", Temporary: true, Lost: true, Err: io.ErrUnexpectedEOF}
			}
			return nil
		},
	}
	e := newTestEngine(dialing(session))

	require.NoError(t, e.Start(context.Background(), testDispatch(), recipients("a@x.com", "b@x.com", "c@x.com")))
	events := wait(t, e)

	assert.Equal(t, []Kind{
		KindConnecting, KindConnected,
		KindSending, KindSent,
		KindSending, KindFailed,
		KindError,
	}, kinds(events))

	last := events[len(events)-1]
	assert.Contains(t, last.Reason, "connection to relay lost")
	assert.Equal(t, 1, last.Sent)
	assert.Equal(t, 1, last.Failed)
	assert.Len(t, session.submitted(), 2)
	assert.Equal(t, 1, session.closed())
}

func TestTransportLostAgainstRelay(t *testing.T) {
	relay := smtptest.NewRelay(t, smtptest.Options{
		Mode:      smtptest.Plain,
		Users:     map[string]string{"user": "secret"},
		DropAfter: 1,
	})

	e := New(WithLogger(smtptest.Logger()))
	e.sleep = func(context.Context, time.Duration) bool { return true }
	d := testDispatch()
	d.Relay = smtp.Options{
		Host:     relay.Host(),
		Port:     relay.Port(),
		Username: "user",
		Password: "secret",
		Timeout:  5 * time.Second,
	}

	require.NoError(t, e.Start(context.Background(), d, recipients("a@x.com", "b@x.com", "c@x.com")))
	events := wait(t, e)

	assert.Equal(t, KindError, events[len(events)-1].Kind)
	assert.Equal(t, []string{"a@x.com"}, recipientsOf(events, KindSent))
	assert.Equal(t, []string{"b@x.com"}, recipientsOf(events, KindFailed))
	assert.Len(t, relay.Messages(), 1)
}

func TestComposeFailureDoesNotStopBatch(t *testing.T) {
	session := &fakeSession{}
	e := newTestEngine(dialing(session))

	require.NoError(t, e.Start(context.Background(), testDispatch(), recipients("not an address", "b@x.com")))
	events := wait(t, e)

	assert.Equal(t, []string{"not an address"}, recipientsOf(events, KindFailed))
	assert.Equal(t, []string{"b@x.com"}, recipientsOf(events, KindSent))
	assert.Equal(t, KindComplete, events[len(events)-1].Kind)
	assert.Len(t, session.submitted(), 1)
}

func TestPanicIsReportedAsError(t *testing.T) {
	session := &fakeSession{
		onSubmit: func(int, []string) error {
			panic("boom")
		},
	}
	e := newTestEngine(dialing(session))

	require.NoError(t, e.Start(context.Background(), testDispatch(), recipients("a@x.com")))
	events := wait(t, e)

	last := events[len(events)-1]
	assert.Equal(t, KindError, last.Kind)
	assert.Contains(t, last.Reason, "boom")
	assert.Equal(t, 1, session.closed())
	assert.False(t, e.IsRunning())
}

func TestAlreadyRunning(t *testing.T) {
	session := &fakeSession{}
	release := make(chan struct{})
	dial := func(context.Context, smtp.Options) (Session, error) {
		<-release
		return session, nil
	}
	e := newTestEngine(dial)

	require.NoError(t, e.Start(context.Background(), testDispatch(), recipients("a@x.com", "b@x.com")))
	assert.True(t, e.IsRunning())

	err := e.Start(context.Background(), testDispatch(), recipients("z@x.com"))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, e.IsRunning())

	close(release)
	events := wait(t, e)

	assert.Equal(t, []string{"a@x.com", "b@x.com"}, recipientsOf(events, KindSent))
	assert.Equal(t, KindComplete, events[len(events)-1].Kind)
	assert.False(t, e.IsRunning())

	// A new batch can start once the previous one is done
	require.NoError(t, e.Start(context.Background(), testDispatch(), recipients("z@x.com")))
	events = wait(t, e)
	assert.Equal(t, []string{"z@x.com"}, recipientsOf(events, KindSent))
}

func TestDelayBetweenMessages(t *testing.T) {
	session := &fakeSession{}
	e := newTestEngine(dialing(session))

	var mu sync.Mutex
	var pauses []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) bool {
		mu.Lock()
		pauses = append(pauses, d)
		mu.Unlock()
		return true
	}
	draws := []float64{0, 0.5, 0.9999}
	e.rnd = func() float64 {
		mu.Lock()
		defer mu.Unlock()
		v := draws[0]
		draws = draws[1:]
		return v
	}

	d := testDispatch()
	d.Timing = Timing{Delay: time.Second, JitterPercent: 20}

	require.NoError(t, e.Start(context.Background(), d, recipients("a@x.com", "b@x.com", "c@x.com", "d@x.com")))
	wait(t, e)

	mu.Lock()
	defer mu.Unlock()
	// No pause after the last message
	require.Len(t, pauses, 3)
	assert.Equal(t, 800*time.Millisecond, pauses[0])
	assert.Equal(t, time.Second, pauses[1])
	for _, p := range pauses {
		assert.GreaterOrEqual(t, p, 800*time.Millisecond)
		assert.LessOrEqual(t, p, 1200*time.Millisecond)
	}
}

func TestContextDoneDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := &fakeSession{
		onSubmit: func(int, []string) error {
			cancel()
			return nil
		},
	}
	e := New(WithDialer(dialing(session)), WithLogger(smtptest.Logger()))

	d := testDispatch()
	d.Timing = Timing{Delay: time.Hour}

	require.NoError(t, e.Start(ctx, d, recipients("a@x.com", "b@x.com")))
	events := wait(t, e)

	assert.Equal(t, []Kind{KindConnecting, KindConnected, KindSending, KindSent, KindAborted}, kinds(events))
	assert.Equal(t, 1, session.closed())
}

func TestEventsAreNotClearedBetweenRuns(t *testing.T) {
	e := newTestEngine(dialing(&fakeSession{}))

	require.NoError(t, e.Start(context.Background(), testDispatch(), recipients("a@x.com")))
	<-e.Done()
	require.NoError(t, e.Start(context.Background(), testDispatch(), recipients("b@x.com")))
	events := wait(t, e)

	var runs []string
	for _, ev := range events {
		if ev.Kind == KindComplete {
			runs = append(runs, ev.RunID)
		}
	}
	require.Len(t, runs, 2)
	assert.NotEqual(t, runs[0], runs[1])
}

func TestMetricsAreRecorded(t *testing.T) {
	m := metrics.New()
	metrics.SetGlobal(m)
	defer metrics.SetGlobal(nil)

	session := &fakeSession{
		onSubmit: func(n int, _ []string) error {
			if n == 2 {
				return &smtp.SendError{Stage: "RCPT TO", Err: errors.New("550 no")}
			}
			return nil
		},
	}
	e := newTestEngine(dialing(session))

	records := recipients("a@x.com", "b@y.com")
	records[0].Attachments = []string{"/no/such/file"}
	require.NoError(t, e.Start(context.Background(), testDispatch(), records))
	wait(t, e)

	value := func(c interface{ Write(*dto.Metric) error }) float64 {
		var metric dto.Metric
		require.NoError(t, c.Write(&metric))
		if metric.Counter != nil {
			return metric.Counter.GetValue()
		}
		return metric.Gauge.GetValue()
	}

	assert.Equal(t, 1.0, value(m.MessagesSentTotal.WithLabelValues("x.com")))
	assert.Equal(t, 1.0, value(m.MessagesFailedTotal.WithLabelValues("y.com", "permanent")))
	assert.Equal(t, 1.0, value(m.AttachmentsSkippedTotal.WithLabelValues("missing")))
	assert.Equal(t, 1.0, value(m.BatchesTotal.WithLabelValues("complete")))
	assert.Equal(t, 0.0, value(m.BatchRunning))
	assert.Equal(t, 2.0, value(m.BatchProcessed))
}

func TestFailureType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "compose", err: &composeError{err: errors.New("bad address")}, want: "compose"},
		{name: "lost", err: &smtp.SendError{Lost: true, Temporary: true, Err: io.EOF}, want: "transport"},
		{name: "temporary", err: &smtp.SendError{Temporary: true, Err: errors.New("451 try later")}, want: "temporary"},
		{name: "permanent", err: &smtp.SendError{Err: errors.New("550 no")}, want: "permanent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failureType(tt.err))
		})
	}
}
