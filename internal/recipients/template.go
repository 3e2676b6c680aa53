package recipients

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// templateHeader uses the canonical column names
var templateHeader = []string{"recipient_email", "subject", "attachment_filename", "body_content"}

var templateRows = [][]string{
	{"recipient@example.com", "Example Subject", "/path/to/attachment.pdf", "This is the email body content."},
	{"another@example.com", "Multiple Attachments", "file1.pdf,file2.pdf,file3.pdf", "Email with multiple attachments."},
	{"third@example.com", "", `"/path/with,comma/report.pdf",notes.txt`, ""},
}

// WriteTemplate writes a CSV template with example rows
func WriteTemplate(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(templateHeader); err != nil {
		return err
	}
	if err := cw.WriteAll(templateRows); err != nil {
		return fmt.Errorf("failed to write template: %w", err)
	}
	return nil
}

// WriteTemplateFile writes the template to path
func WriteTemplateFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	if err := WriteTemplate(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
