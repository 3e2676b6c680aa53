package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/mailrun/internal/app"
	"github.com/foxzi/mailrun/internal/batch"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{-time.Second, "00:00:00"},
		{1500 * time.Millisecond, "00:00:01"},
		{90 * time.Second, "00:01:30"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "02:03:04"},
		{100 * time.Hour, "100:00:00"},
	}

	for _, tc := range tests {
		if got := formatDuration(tc.d); got != tc.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestETA(t *testing.T) {
	tests := []struct {
		elapsed     time.Duration
		done, total int
		want        time.Duration
	}{
		{10 * time.Second, 1, 5, 40 * time.Second},
		{30 * time.Second, 3, 4, 10 * time.Second},
		{10 * time.Second, 0, 5, 0},
		{10 * time.Second, 5, 5, 0},
	}

	for _, tc := range tests {
		if got := eta(tc.elapsed, tc.done, tc.total); got != tc.want {
			t.Errorf("eta(%v, %d, %d) = %v, want %v", tc.elapsed, tc.done, tc.total, got, tc.want)
		}
	}
}

func TestPercent(t *testing.T) {
	if got := percent(1, 3); got != 33 {
		t.Errorf("percent(1, 3) = %d, want 33", got)
	}
	if got := percent(4, 4); got != 100 {
		t.Errorf("percent(4, 4) = %d, want 100", got)
	}
	if got := percent(1, 0); got != 0 {
		t.Errorf("percent(1, 0) = %d, want 0", got)
	}
}

func TestJoinInts(t *testing.T) {
	if got := joinInts([]int{2, 5, 7}); got != "2, 5, 7" {
		t.Errorf("joinInts() = %q", got)
	}
	if got := joinInts(nil); got != "" {
		t.Errorf("joinInts(nil) = %q", got)
	}
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressPrinter(&buf, false)

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := start
	p.now = func() time.Time { return clock }

	p.print(batch.Event{Kind: batch.KindConnecting})
	p.print(batch.Event{Kind: batch.KindConnected, Total: 4})
	p.print(batch.Event{Kind: batch.KindSending, Current: 1, Total: 4, Recipient: "a@example.com"})
	clock = start.Add(10 * time.Second)
	p.print(batch.Event{Kind: batch.KindSent, Current: 1, Total: 4, Recipient: "a@example.com"})
	p.print(batch.Event{Kind: batch.KindFailed, Current: 2, Total: 4, Recipient: "b@example.com", Reason: "550 no such user"})
	p.print(batch.Event{Kind: batch.KindComplete, Sent: 3, Failed: 1})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines without verbose, got %d:\n%s", len(lines), buf.String())
	}
	if lines[0] != "Connected, sending 4 messages" {
		t.Errorf("unexpected first line %q", lines[0])
	}
	if !strings.Contains(lines[1], "sent a@example.com") || !strings.Contains(lines[1], " 25%") ||
		!strings.Contains(lines[1], "elapsed 00:00:10") || !strings.Contains(lines[1], "eta 00:00:30") {
		t.Errorf("unexpected sent line %q", lines[1])
	}
	if !strings.Contains(lines[2], "failed b@example.com: 550 no such user") || !strings.Contains(lines[2], " 50%") {
		t.Errorf("unexpected failed line %q", lines[2])
	}
	if lines[3] != "complete: 3 sent, 1 failed" {
		t.Errorf("unexpected last line %q", lines[3])
	}
}

func TestProgressPrinterVerbose(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressPrinter(&buf, true)

	p.print(batch.Event{Kind: batch.KindConnecting})
	p.print(batch.Event{Kind: batch.KindSending, Current: 1, Total: 2, Recipient: "a@example.com"})

	if lines := strings.Split(strings.TrimSpace(buf.String()), "\n"); len(lines) != 2 {
		t.Errorf("expected connecting and sending lines, got %q", buf.String())
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, &app.Summary{
		Outcome:      batch.KindAborted,
		Reason:       "cancelled",
		Total:        5,
		Sent:         2,
		Failed:       1,
		Elapsed:      75 * time.Second,
		SandboxBatch: "batch-1",
	})

	out := buf.String()
	checks := []string{
		"Outcome: aborted",
		"Reason:  cancelled",
		"Sent:    2",
		"Failed:  1",
		"Not sent: 2",
		"Time:    00:01:15",
		"mailrun sandbox list --batch batch-1",
	}
	for _, check := range checks {
		if !strings.Contains(out, check) {
			t.Errorf("summary missing %q:\n%s", check, out)
		}
	}

	buf.Reset()
	printSummary(&buf, &app.Summary{Outcome: batch.KindComplete, Total: 2, Sent: 2})
	if strings.Contains(buf.String(), "Not sent") || strings.Contains(buf.String(), "Reason") {
		t.Errorf("complete summary should not list skipped or reason:\n%s", buf.String())
	}
}
