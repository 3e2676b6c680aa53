package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/recipients"
)

var (
	templateOutput string
	templateForce  bool
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Write a CSV recipient list template",
	Long: `Write a CSV template with the recognized column names and example rows.

Several attachments go into one cell separated by commas; quote a path that
itself contains a comma.`,
	RunE: runTemplate,
}

func init() {
	templateCmd.Flags().StringVarP(&templateOutput, "output", "o", "recipients.csv", "Output file path (- for stdout)")
	templateCmd.Flags().BoolVar(&templateForce, "force", false, "Overwrite existing file")

	rootCmd.AddCommand(templateCmd)
}

func runTemplate(cmd *cobra.Command, args []string) error {
	if templateOutput == "-" {
		return recipients.WriteTemplate(os.Stdout)
	}

	if !templateForce {
		if _, err := os.Stat(templateOutput); err == nil {
			return fmt.Errorf("file %s already exists (use --force to overwrite)", templateOutput)
		}
	}

	if err := recipients.WriteTemplateFile(templateOutput); err != nil {
		return err
	}

	fmt.Printf("Template saved to: %s\n", templateOutput)
	return nil
}
