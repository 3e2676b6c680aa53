package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/app"
	"github.com/foxzi/mailrun/internal/batch"
	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/recipients"
)

var (
	sendRecipients string
	sendDelay      time.Duration
	sendJitter     int
	sendDryRun     bool
	sendVerbose    bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a batch to every row of a recipient list",
	Long: `Send one message per row of a CSV recipient list.

Columns are matched by header: recipient_email (or email, to), subject,
attachment_filename (or attachment), body_content (or body, message).
Empty subject or body cells fall back to the configured defaults.

Press Ctrl+C to stop; the message being sent is finished first.

Examples:
  mailrun send -c config.yaml --recipients list.csv
  mailrun send -c config.yaml --recipients list.csv --delay 2s --jitter 10
  mailrun send -c config.yaml --recipients list.csv --dry-run`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendRecipients, "recipients", "r", "", "CSV recipient list (required)")
	sendCmd.Flags().DurationVar(&sendDelay, "delay", 0, "Base delay between messages (overrides timing.delay)")
	sendCmd.Flags().IntVar(&sendJitter, "jitter", 0, "Delay jitter in percent (overrides timing.jitter_percent)")
	sendCmd.Flags().BoolVar(&sendDryRun, "dry-run", false, "Capture messages in the sandbox instead of sending")
	sendCmd.Flags().BoolVarP(&sendVerbose, "verbose", "v", false, "Print every event")
	sendCmd.MarkFlagRequired("recipients")

	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadSendConfig(cmd)
	if err != nil {
		return err
	}

	list, err := recipients.Load(sendRecipients)
	if err != nil {
		return err
	}

	fmt.Printf("Loaded %d recipients from %s (delimiter %q, %s)\n",
		len(list.Recipients), sendRecipients, list.Delimiter, list.Encoding)
	if len(list.Skipped) > 0 {
		fmt.Printf("  Skipped rows: %s\n", joinInts(list.Skipped))
	}

	printer := newProgressPrinter(os.Stdout, sendVerbose)

	application, err := app.New(cfg, app.WithObserver(printer.print))
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	summary, err := application.Run(context.Background(), list.Recipients)
	if summary != nil {
		printSummary(os.Stdout, summary)
	}
	if err != nil {
		return err
	}

	switch summary.Outcome {
	case batch.KindError:
		return errors.New(summary.Reason)
	case batch.KindAborted:
		return errors.New("batch aborted")
	}
	return nil
}

// loadSendConfig applies command line overrides on top of the config file
func loadSendConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("delay") {
		d := sendDelay
		cfg.Timing.Delay = &d
	}
	if cmd.Flags().Changed("jitter") {
		j := sendJitter
		cfg.Timing.JitterPercent = &j
	}
	if sendDryRun {
		cfg.Sandbox.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// progressPrinter renders events as log lines with elapsed time and ETA
type progressPrinter struct {
	w       io.Writer
	verbose bool
	now     func() time.Time
	start   time.Time
}

func newProgressPrinter(w io.Writer, verbose bool) *progressPrinter {
	return &progressPrinter{w: w, verbose: verbose, now: time.Now}
}

func (p *progressPrinter) print(ev batch.Event) {
	if p.start.IsZero() {
		p.start = p.now()
	}
	elapsed := p.now().Sub(p.start)

	switch ev.Kind {
	case batch.KindSending, batch.KindConnecting:
		if !p.verbose {
			return
		}
		fmt.Fprintf(p.w, "%s\n", ev)
	case batch.KindConnected:
		fmt.Fprintf(p.w, "Connected, sending %d messages\n", ev.Total)
	case batch.KindSent, batch.KindFailed:
		fmt.Fprintf(p.w, "%-50s %3d%%  elapsed %s  eta %s\n",
			ev, percent(ev.Current, ev.Total), formatDuration(elapsed), formatDuration(eta(elapsed, ev.Current, ev.Total)))
	default:
		fmt.Fprintf(p.w, "%s\n", ev)
	}
}

func printSummary(w io.Writer, s *app.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Outcome: %s\n", s.Outcome)
	if s.Reason != "" {
		fmt.Fprintf(w, "Reason:  %s\n", s.Reason)
	}
	fmt.Fprintf(w, "Sent:    %d\n", s.Sent)
	fmt.Fprintf(w, "Failed:  %d\n", s.Failed)
	if skipped := s.Total - s.Sent - s.Failed; skipped > 0 {
		fmt.Fprintf(w, "Not sent: %d\n", skipped)
	}
	fmt.Fprintf(w, "Time:    %s\n", formatDuration(s.Elapsed))
	if s.SandboxBatch != "" {
		fmt.Fprintf(w, "Sandbox batch: %s (see 'mailrun sandbox list --batch %s')\n", s.SandboxBatch, s.SandboxBatch)
	}
}

func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return done * 100 / total
}

// eta extrapolates the average time per message over the remaining ones
func eta(elapsed time.Duration, done, total int) time.Duration {
	if done <= 0 || done >= total {
		return 0
	}
	return elapsed / time.Duration(done) * time.Duration(total-done)
}

// formatDuration renders d as HH:MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s%3600/60, s%60)
}

func joinInts(v []int) string {
	return strings.Join(lo.Map(v, func(n int, _ int) string { return strconv.Itoa(n) }), ", ")
}
