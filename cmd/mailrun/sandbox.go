package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/mailrun/internal/sandbox"
)

var (
	sandboxListDomain string
	sandboxListBatch  string
	sandboxListTo     string
	sandboxListLimit  int
	sandboxShowFormat string
	sandboxExportDir  string
	sandboxClearDays  int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect messages captured by dry runs",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show captured message details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxExportCmd = &cobra.Command{
	Use:   "export <message_id>",
	Short: "Export a captured message as .eml",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxExport,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured messages",
	RunE:  runSandboxClear,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox statistics",
	RunE:  runSandboxStats,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListDomain, "domain", "", "Filter by recipient domain")
	sandboxListCmd.Flags().StringVar(&sandboxListBatch, "batch", "", "Filter by batch ID")
	sandboxListCmd.Flags().StringVar(&sandboxListTo, "to", "", "Filter by envelope recipient")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxShowCmd.Flags().StringVar(&sandboxShowFormat, "format", "text", "Output format (text, raw)")

	sandboxExportCmd.Flags().StringVarP(&sandboxExportDir, "out", "o", ".", "Output directory")

	sandboxClearCmd.Flags().StringVar(&sandboxListDomain, "domain", "", "Clear only for specific domain")
	sandboxClearCmd.Flags().IntVar(&sandboxClearDays, "older-than", 0, "Clear messages older than N days")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxExportCmd, sandboxClearCmd, sandboxStatsCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func openSandboxStorage() (*sandbox.Storage, *bolt.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	return sandbox.Open(cfg.Sandbox.Path)
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	messages, err := storage.List(context.Background(), sandbox.ListFilter{
		Domain: sandboxListDomain,
		Batch:  sandboxListBatch,
		To:     sandboxListTo,
		Limit:  sandboxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("No messages in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBATCH\tTO\tSUBJECT\tRESULT\tCAPTURED")
	fmt.Fprintln(w, "--\t-----\t--\t-------\t------\t--------")

	for _, msg := range messages {
		result := "captured"
		if msg.SimulatedErr != "" {
			result = "rejected"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(msg.ID),
			truncateID(msg.Batch),
			truncate(strings.Join(msg.To, ", "), 30),
			truncate(msg.Subject, 30),
			result,
			msg.CapturedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d messages\n", len(messages))

	return nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	msg, err := findMessage(storage, args[0])
	if err != nil {
		return err
	}

	if sandboxShowFormat == "raw" {
		os.Stdout.Write(msg.Data)
		return nil
	}

	fmt.Printf("Message: %s\n\n", msg.ID)
	fmt.Printf("Batch:      %s\n", msg.Batch)
	fmt.Printf("Domain:     %s\n", msg.Domain)
	fmt.Printf("From:       %s\n", msg.From)
	fmt.Printf("To:         %s\n", strings.Join(msg.To, ", "))
	fmt.Printf("Subject:    %s\n", msg.Subject)
	fmt.Printf("Size:       %d bytes\n", msg.Size)
	fmt.Printf("Captured:   %s\n", msg.CapturedAt.Format(time.RFC3339))
	if strings.HasPrefix(string(msg.Data), "DKIM-Signature:") {
		fmt.Printf("DKIM:       signed\n")
	}

	if msg.SimulatedErr != "" {
		fmt.Printf("\nSimulated Error: %s\n", msg.SimulatedErr)
	}

	if len(msg.Data) > 0 {
		fmt.Println("\nMessage Data:")
		fmt.Println("---")
		preview := string(msg.Data)
		if len(preview) > 1000 {
			preview = preview[:1000] + "\n... (truncated, use --format raw for full message)"
		}
		fmt.Println(preview)
		fmt.Println("---")
	}

	return nil
}

func runSandboxExport(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	msg, err := findMessage(storage, args[0])
	if err != nil {
		return err
	}

	if err := os.MkdirAll(sandboxExportDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	filename := filepath.Join(sandboxExportDir, msg.ID+".eml")
	if err := os.WriteFile(filename, msg.Data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	fmt.Printf("Message exported to: %s\n", filename)
	fmt.Printf("Verify its signature with: mailrun dkim verify -c %s %s\n", cfgFile, filename)
	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	var olderThan time.Duration
	if sandboxClearDays > 0 {
		olderThan = time.Duration(sandboxClearDays) * 24 * time.Hour
	}

	count, err := storage.Clear(context.Background(), sandboxListDomain, olderThan)
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}

	if sandboxListDomain != "" {
		fmt.Printf("Cleared %d messages from sandbox for domain %s\n", count, sandboxListDomain)
	} else {
		fmt.Printf("Cleared %d messages from sandbox\n", count)
	}

	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get sandbox stats: %w", err)
	}

	fmt.Println("Sandbox Statistics")
	fmt.Println("==================")
	fmt.Printf("Total Messages: %d\n", stats.Total)
	fmt.Printf("Rejected:       %d\n", stats.Failed)
	fmt.Printf("Batches:        %d\n", stats.Batches)
	fmt.Printf("Total Size:     %d bytes\n", stats.TotalSize)

	if len(stats.ByDomain) > 0 {
		domains := make([]string, 0, len(stats.ByDomain))
		for d := range stats.ByDomain {
			domains = append(domains, d)
		}
		sort.Strings(domains)

		fmt.Println("\nBy Domain:")
		for _, d := range domains {
			fmt.Printf("  %s: %d\n", d, stats.ByDomain[d])
		}
	}

	if !stats.OldestAt.IsZero() {
		fmt.Printf("\nOldest Message: %s\n", stats.OldestAt.Format(time.RFC3339))
	}
	if !stats.NewestAt.IsZero() {
		fmt.Printf("Newest Message: %s\n", stats.NewestAt.Format(time.RFC3339))
	}

	return nil
}

// findMessage accepts a full ID or the unique prefix printed by list
func findMessage(storage *sandbox.Storage, id string) (*sandbox.Message, error) {
	ctx := context.Background()

	msg, err := storage.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if msg != nil {
		return msg, nil
	}

	all, err := storage.List(ctx, sandbox.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var match string
	for _, m := range all {
		if strings.HasPrefix(m.ID, id) {
			if match != "" {
				return nil, fmt.Errorf("message ID prefix %s is ambiguous", id)
			}
			match = m.ID
		}
	}
	if match == "" {
		return nil, fmt.Errorf("message not found: %s", id)
	}

	msg, err = storage.Get(ctx, match)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
