package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/app"
	"github.com/foxzi/mailrun/internal/batch"
	"github.com/foxzi/mailrun/internal/dnscheck"
	"github.com/foxzi/mailrun/internal/smtp"
)

var (
	testSendTo      string
	testSendSubject string
	testSendBody    string
	testSendDryRun  bool

	testDNSDomain string
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Testing and debugging commands",
}

var testSMTPCmd = &cobra.Command{
	Use:   "smtp",
	Short: "Connect and authenticate to the configured relay",
	RunE:  runTestSMTP,
}

var testSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a single test message with the configured settings",
	RunE:  runTestSend,
}

var testDNSCmd = &cobra.Command{
	Use:   "dns",
	Short: "Check SPF, DKIM and DMARC records of the sender domain",
	Long: `Check the DNS records receivers consult for the sender domain.

The domain defaults to the domain of message.from. With DKIM enabled the
published key must match the configured signing key.`,
	RunE: runTestDNS,
}

func init() {
	testDNSCmd.Flags().StringVar(&testDNSDomain, "domain", "", "Domain to check (default: sender domain)")

	testSendCmd.Flags().StringVar(&testSendTo, "to", "", "Recipient email address (required)")
	testSendCmd.Flags().StringVar(&testSendSubject, "subject", "Test message from mailrun", "Email subject")
	testSendCmd.Flags().StringVar(&testSendBody, "body", "This is a test message sent by mailrun.", "Email body")
	testSendCmd.Flags().BoolVar(&testSendDryRun, "dry-run", false, "Capture the message in the sandbox")
	testSendCmd.MarkFlagRequired("to")

	testCmd.AddCommand(testSMTPCmd, testSendCmd, testDNSCmd)
	rootCmd.AddCommand(testCmd)
}

func runTestSMTP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := cfg.RelayOptions()
	fmt.Printf("Testing SMTP connection to %s (%s)...\n", opts.Addr(), opts.Encryption)

	logger := app.SetupLogger(cfg.Logging, os.Stderr)
	start := time.Now()

	if err := app.CheckRelay(context.Background(), cfg, logger); err != nil {
		var ce *smtp.ConnectError
		if errors.As(err, &ce) {
			fmt.Printf("  Failed at %s: %v\n", ce.Stage, ce.Err)
		}
		return fmt.Errorf("connection test failed: %w", err)
	}

	fmt.Printf("  OK (%s)\n", time.Since(start).Round(time.Millisecond))
	if opts.Username != "" {
		fmt.Printf("  Authenticated as %s\n", opts.Username)
	}
	return nil
}

func runTestSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if testSendDryRun {
		cfg.Sandbox.Enabled = true
	}

	zero := time.Duration(0)
	cfg.Timing.Delay = &zero

	application, err := app.New(cfg, app.WithObserver(newProgressPrinter(os.Stdout, true).print))
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	summary, err := application.Run(context.Background(), []batch.Recipient{{
		Email:   testSendTo,
		Subject: testSendSubject,
		Body:    testSendBody,
		Row:     1,
	}})
	if err != nil {
		return err
	}
	printSummary(os.Stdout, summary)

	if summary.Sent != 1 {
		return fmt.Errorf("test message was not sent")
	}
	return nil
}

func runTestDNS(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := dnscheck.Options{Domain: testDNSDomain}
	if opts.Domain == "" {
		if opts.Domain, err = addressDomain(cfg.Message.From); err != nil {
			return err
		}
	}

	signer, err := cfg.Signer()
	if err != nil {
		return fmt.Errorf("failed to load DKIM key: %w", err)
	}
	if signer != nil && signer.Domain() == opts.Domain {
		opts.Selector = signer.Selector()
		if opts.DKIMRecord, err = signer.DNSRecord(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := dnscheck.New(nil).CheckSender(ctx, opts)
	if err != nil {
		return err
	}
	printDNSReport(os.Stdout, report)

	if !report.Ready() {
		return fmt.Errorf("sender domain %s is not ready", report.Domain)
	}
	return nil
}

func printDNSReport(w io.Writer, report *dnscheck.Report) {
	fmt.Fprintf(w, "DNS check for %s\n\n", report.Domain)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSTATUS\tMESSAGE")
	for _, r := range report.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Type, r.Status, r.Message)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d ok, %d warnings, %d errors, %d missing\n",
		report.Count(dnscheck.StatusOK), report.Count(dnscheck.StatusWarning),
		report.Count(dnscheck.StatusError), report.Count(dnscheck.StatusNotFound))
}
