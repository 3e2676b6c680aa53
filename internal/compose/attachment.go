package compose

import (
	"encoding/base64"
	"encoding/csv"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strings"
)

// AttachmentStatus is the outcome of loading one attachment path
type AttachmentStatus int

const (
	// StatusAttached means the file was read and added to the message
	StatusAttached AttachmentStatus = iota
	// StatusMissing means the path does not exist; skipped silently
	StatusMissing
	// StatusUnreadable means the path exists but could not be read; skipped with a warning
	StatusUnreadable
)

func (s AttachmentStatus) String() string {
	switch s {
	case StatusAttached:
		return "attached"
	case StatusMissing:
		return "missing"
	case StatusUnreadable:
		return "unreadable"
	default:
		return "unknown"
	}
}

// Attachment describes one attachment path and what happened to it
type Attachment struct {
	Path        string
	Filename    string
	ContentType string
	Status      AttachmentStatus
	Err         error

	data []byte
}

// Size returns the number of bytes attached
func (a Attachment) Size() int {
	return len(a.data)
}

const octetStream = "application/octet-stream"

// compressionSuffixes mark files whose extension names an encoding, not a type
var compressionSuffixes = map[string]bool{
	".gz":  true,
	".tgz": true,
	".bz2": true,
	".xz":  true,
	".z":   true,
	".br":  true,
	".zst": true,
}

// MediaType infers the content type from the file extension
func MediaType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" || compressionSuffixes[ext] {
		return octetStream
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return octetStream
}

// baseName strips both slash and backslash directories
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (a Attachment) writePart(mw *multipart.Writer) error {
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})
	if disposition == "" {
		disposition = "attachment"
	}
	contentType := a.ContentType
	if mt, params, err := mime.ParseMediaType(contentType); err == nil {
		params["name"] = a.Filename
		if formatted := mime.FormatMediaType(mt, params); formatted != "" {
			contentType = formatted
		}
	}

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Disposition":       {disposition},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return err
	}

	enc := base64.NewEncoder(base64.StdEncoding, &lineWrapper{w: part})
	if _, err := enc.Write(a.data); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err = io.WriteString(part, "\r\n")
	return err
}

// lineWrapper breaks base64 output into 76 character lines
type lineWrapper struct {
	w   io.Writer
	col int
}

const maxLineLength = 76

func (l *lineWrapper) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if l.col == maxLineLength {
			if _, err := io.WriteString(l.w, "\r\n"); err != nil {
				return written, err
			}
			l.col = 0
		}
		n := min(maxLineLength-l.col, len(p))
		if _, err := l.w.Write(p[:n]); err != nil {
			return written, err
		}
		l.col += n
		written += n
		p = p[n:]
	}
	return written, nil
}

// ParseAttachmentList splits an attachment cell into paths. Paths are comma
// separated; a path containing a comma must be quoted. Malformed quoting
// falls back to a plain comma split.
func ParseAttachmentList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	r := csv.NewReader(strings.NewReader(s))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return splitList(s)
	}

	var paths []string
	for _, rec := range records {
		for _, field := range rec {
			if field = strings.TrimSpace(field); field != "" {
				paths = append(paths, field)
			}
		}
	}
	return paths
}
