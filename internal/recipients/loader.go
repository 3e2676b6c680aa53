// Package recipients reads recipient lists from CSV files.
package recipients

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/foxzi/mailrun/internal/batch"
	"github.com/foxzi/mailrun/internal/compose"
)

// Field is a recipient column
type Field string

const (
	FieldEmail      Field = "email"
	FieldSubject    Field = "subject"
	FieldAttachment Field = "attachment"
	FieldBody       Field = "body"
)

// columnAliases maps lowercase header names to fields
var columnAliases = map[string]Field{
	"recipient_email": FieldEmail,
	"email":           FieldEmail,
	"to":              FieldEmail,

	"subject": FieldSubject,

	"attachment_filename": FieldAttachment,
	"attachment":          FieldAttachment,
	"attachments":         FieldAttachment,

	"body_content": FieldBody,
	"body":         FieldBody,
	"message":      FieldBody,
}

// Encodings reported in Result
const (
	EncodingUTF8   = "utf-8"
	EncodingUTF16  = "utf-16"
	EncodingLatin1 = "latin-1"
)

var (
	// ErrEmpty is returned for a file without a header row
	ErrEmpty = errors.New("recipient file is empty")
	// ErrNoEmailColumn is returned when no header names the address column
	ErrNoEmailColumn = errors.New("missing recipient column, include one of: recipient_email, email, to")
	// ErrNoRecipients is returned when every data row was skipped
	ErrNoRecipients = errors.New("no valid data rows found")
)

// Result is a parsed recipient list
type Result struct {
	Recipients []batch.Recipient
	Skipped    []int // rows without an address or with broken quoting
	Delimiter  rune
	Encoding   string
}

// Load reads a CSV recipient file
func Load(path string) (*Result, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv", ".tsv", ".txt", "":
	default:
		return nil, fmt.Errorf("unsupported file type: %s", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipient file: %w", err)
	}

	res, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return res, nil
}

// Parse reads recipients from CSV data. The first row is the header; data
// rows are numbered from 2.
func Parse(data []byte) (*Result, error) {
	text, encoding, err := decode(data)
	if err != nil {
		return nil, err
	}

	res := &Result{Delimiter: detectDelimiter(text), Encoding: encoding}

	reader := csv.NewReader(bytes.NewReader(text))
	reader.Comma = res.Delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := mapColumns(header)
	if _, ok := columns[FieldEmail]; !ok {
		return nil, ErrNoEmailColumn
	}

	for row := 2; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Skipped = append(res.Skipped, row)
			continue
		}

		rcpt, ok := parseRow(record, columns)
		if !ok {
			res.Skipped = append(res.Skipped, row)
			continue
		}
		rcpt.Row = row
		res.Recipients = append(res.Recipients, rcpt)
	}

	if len(res.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	return res, nil
}

// mapColumns resolves header names to column indexes; the first match wins
func mapColumns(header []string) map[Field]int {
	columns := make(map[Field]int)
	for i, h := range header {
		name := strings.Trim(strings.ToLower(strings.TrimSpace(h)), "\"'")
		if field, ok := columnAliases[name]; ok {
			if _, seen := columns[field]; !seen {
				columns[field] = i
			}
		}
	}
	return columns
}

func parseRow(record []string, columns map[Field]int) (batch.Recipient, bool) {
	cell := func(f Field) string {
		i, ok := columns[f]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	email := cell(FieldEmail)
	if email == "" {
		return batch.Recipient{}, false
	}

	return batch.Recipient{
		Email:       email,
		Subject:     cell(FieldSubject),
		Body:        cell(FieldBody),
		Attachments: compose.ParseAttachmentList(cell(FieldAttachment)),
	}, true
}

// decode returns the data as UTF-8. A byte order mark selects UTF-8 or
// UTF-16; data without one that is not valid UTF-8 is read as Latin-1.
func decode(data []byte) ([]byte, string, error) {
	encoding := EncodingUTF8
	var fallback transform.Transformer = unicode.UTF8.NewDecoder()

	switch {
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}), bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		encoding = EncodingUTF16
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
	case !utf8.Valid(data):
		encoding = EncodingLatin1
		fallback = charmap.ISO8859_1.NewDecoder()
	}

	out, _, err := transform.Bytes(unicode.BOMOverride(fallback), data)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode recipient file: %w", err)
	}
	return out, encoding, nil
}

// detectDelimiter picks the most frequent of comma, semicolon and tab in the
// header line; ties go to comma.
func detectDelimiter(text []byte) rune {
	line := text
	if i := bytes.IndexByte(text, '\n'); i >= 0 {
		line = text[:i]
	}

	commas := bytes.Count(line, []byte(","))
	semicolons := bytes.Count(line, []byte(";"))
	tabs := bytes.Count(line, []byte("\t"))

	switch {
	case semicolons > commas && semicolons > tabs:
		return ';'
	case tabs > commas && tabs > semicolons:
		return '\t'
	default:
		return ','
	}
}
