package compose

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, data []byte) *mail.Message {
	t.Helper()
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	require.NoError(t, err)
	return msg
}

func TestComposeFallsBackToDefaults(t *testing.T) {
	c := New(Defaults{From: "sender@x.com", Subject: "Def", Body: "DefBody"})

	msg, err := c.Compose(Input{To: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "Def", msg.Subject)
	assert.Equal(t, "DefBody", msg.Body)

	parsed := parse(t, msg.Data)
	assert.Equal(t, "Def", parsed.Header.Get("Subject"))
	assert.Equal(t, "<a@x.com>", parsed.Header.Get("To"))
	assert.Equal(t, "<sender@x.com>", parsed.Header.Get("From"))
	assert.NotEmpty(t, parsed.Header.Get("Message-ID"))
	body, err := io.ReadAll(parsed.Body)
	require.NoError(t, err)
	assert.Equal(t, "DefBody", string(body))
}

func TestComposeRecordValuesWin(t *testing.T) {
	c := New(Defaults{From: "sender@x.com", Subject: "Def", Body: "DefBody"})

	msg, err := c.Compose(Input{To: "b@x.com", Subject: "Hi", Body: "Body", Attachments: []string{"/no/such/file"}})
	require.NoError(t, err)
	assert.Equal(t, "Hi", msg.Subject)
	assert.Equal(t, "Body", msg.Body)
	assert.Empty(t, msg.Attached())
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, StatusMissing, msg.Attachments[0].Status)

	parsed := parse(t, msg.Data)
	assert.True(t, strings.HasPrefix(parsed.Header.Get("Content-Type"), "text/plain"))
}

func TestComposeEncodesNonASCIISubject(t *testing.T) {
	c := New(Defaults{From: "sender@x.com"})

	msg, err := c.Compose(Input{To: "a@x.com", Subject: "Привет", Body: "тело"})
	require.NoError(t, err)

	parsed := parse(t, msg.Data)
	raw := parsed.Header.Get("Subject")
	assert.NotEqual(t, "Привет", raw)
	decoded, err := new(mime.WordDecoder).DecodeHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, "Привет", decoded)
}

func TestComposeAttachments(t *testing.T) {
	dir := t.TempDir()
	recordFile := filepath.Join(dir, "report.pdf")
	globalFile := filepath.Join(dir, "terms.txt")
	archive := filepath.Join(dir, "logs.tar.gz")
	require.NoError(t, os.WriteFile(recordFile, []byte("%PDF-1.4 fake"), 0644))
	require.NoError(t, os.WriteFile(globalFile, []byte("terms and conditions"), 0644))
	require.NoError(t, os.WriteFile(archive, []byte{0x1f, 0x8b, 0x08}, 0644))

	c := New(Defaults{
		From:        "sender@x.com",
		Body:        "see attached",
		Attachments: []string{filepath.Join(dir, "missing.doc"), globalFile},
	})

	msg, err := c.Compose(Input{To: "a@x.com", Attachments: []string{recordFile, archive}})
	require.NoError(t, err)

	attached := msg.Attached()
	require.Len(t, attached, 3)
	assert.Equal(t, "report.pdf", attached[0].Filename)
	assert.Equal(t, "application/pdf", attached[0].ContentType)
	assert.Equal(t, "logs.tar.gz", attached[1].Filename)
	assert.Equal(t, "application/octet-stream", attached[1].ContentType)
	assert.Equal(t, "terms.txt", attached[2].Filename)

	parsed := parse(t, msg.Data)
	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(parsed.Body, params["boundary"])

	first, err := mr.NextPart()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.Header.Get("Content-Type"), "text/plain"))
	text, err := io.ReadAll(first)
	require.NoError(t, err)
	assert.Equal(t, "see attached", string(text))

	var names []string
	var contents [][]byte
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, part.FileName())
		raw, err := io.ReadAll(part)
		require.NoError(t, err)
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(raw), "\r\n", ""))
		require.NoError(t, err)
		contents = append(contents, decoded)
	}

	assert.Equal(t, []string{"report.pdf", "logs.tar.gz", "terms.txt"}, names)
	assert.Equal(t, []byte("%PDF-1.4 fake"), contents[0])
	assert.Equal(t, []byte("terms and conditions"), contents[2])
}

func TestComposeUnreadableAttachmentIsSkipped(t *testing.T) {
	dir := t.TempDir()
	c := New(Defaults{From: "sender@x.com", Body: "hello"})

	msg, err := c.Compose(Input{To: "a@x.com", Attachments: []string{dir}})
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, StatusUnreadable, msg.Attachments[0].Status)
	assert.Error(t, msg.Attachments[0].Err)
	assert.Empty(t, msg.Attached())
}

func TestComposeReadFailureIsSkipped(t *testing.T) {
	file := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	c := New(Defaults{From: "sender@x.com"})
	c.readFile = func(string) ([]byte, error) { return nil, os.ErrPermission }

	msg, err := c.Compose(Input{To: "a@x.com", Attachments: []string{file}})
	require.NoError(t, err)
	assert.Equal(t, StatusUnreadable, msg.Attachments[0].Status)
	assert.ErrorIs(t, msg.Attachments[0].Err, os.ErrPermission)
}

func TestComposeEnvelopeHidesBCC(t *testing.T) {
	c := New(Defaults{
		From: "sender@x.com",
		CC:   " c1@x.com, ,c2@x.com ",
		BCC:  "hidden@x.com,  other@x.com",
	})

	msg, err := c.Compose(Input{To: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "c1@x.com", "c2@x.com", "hidden@x.com", "other@x.com"}, msg.Envelope())

	parsed := parse(t, msg.Data)
	assert.Equal(t, "<c1@x.com>, <c2@x.com>", parsed.Header.Get("Cc"))
	assert.Empty(t, parsed.Header.Get("Bcc"))
	assert.NotContains(t, string(msg.Data), "hidden@x.com")
}

func TestComposeInvalidAddresses(t *testing.T) {
	_, err := New(Defaults{From: "sender@x.com"}).Compose(Input{To: "not an address"})
	assert.Error(t, err)

	_, err = New(Defaults{From: ""}).Compose(Input{To: "a@x.com"})
	assert.Error(t, err)
}

func TestComposeFormatsAddressHeaders(t *testing.T) {
	c := New(Defaults{
		From:    "sender@x.com",
		CC:      `"Team Lead" <lead@x.com>, Zoë <zoe@x.com>`,
		ReplyTo: "Support <support@x.com>",
	})

	msg, err := c.Compose(Input{To: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "lead@x.com", "zoe@x.com"}, msg.Envelope())

	parsed := parse(t, msg.Data)
	cc, err := parsed.Header.AddressList("Cc")
	require.NoError(t, err)
	require.Len(t, cc, 2)
	assert.Equal(t, "Team Lead", cc[0].Name)
	assert.Equal(t, "Zoë", cc[1].Name)
	assert.Contains(t, parsed.Header.Get("Cc"), "=?utf-8?")
	assert.Equal(t, `"Support" <support@x.com>`, parsed.Header.Get("Reply-To"))
}

func TestComposeRejectsBadAddressLists(t *testing.T) {
	tests := []struct {
		name     string
		defaults Defaults
		want     string
	}{
		{name: "cc header injection", defaults: Defaults{CC: "c@x.com\r\nBcc: evil@x.com"}, want: "cc"},
		{name: "bcc garbage", defaults: Defaults{BCC: "not an address"}, want: "bcc"},
		{name: "reply-to injection", defaults: Defaults{ReplyTo: "r@x.com\nX-Injected: 1"}, want: "reply-to"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.defaults.From = "sender@x.com"
			_, err := New(tt.defaults).Compose(Input{To: "a@x.com"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseAddressList(t *testing.T) {
	addrs, err := ParseAddressList("  ")
	require.NoError(t, err)
	assert.Nil(t, addrs)

	addrs, err = ParseAddressList("a@x.com,,B <b@x.com>")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, bareAddresses(addrs))
}

type stubSigner struct {
	err   error
	calls int
}

func (s *stubSigner) Sign(message []byte) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]byte("DKIM-Signature: v=1\r\n"), message...), nil
}

func TestComposeSigning(t *testing.T) {
	signer := &stubSigner{}
	msg, err := New(Defaults{From: "sender@x.com"}, WithSigner(signer)).Compose(Input{To: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, signer.calls)
	assert.True(t, bytes.HasPrefix(msg.Data, []byte("DKIM-Signature:")))

	failing := &stubSigner{err: errors.New("bad key")}
	msg, err = New(Defaults{From: "sender@x.com"}, WithSigner(failing)).Compose(Input{To: "a@x.com"})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(msg.Data, []byte("From:")))
}

func TestMediaType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "report.pdf", want: "application/pdf"},
		{path: "/tmp/photo.PNG", want: "image/png"},
		{path: "archive.gz", want: "application/octet-stream"},
		{path: "backup.tar.gz", want: "application/octet-stream"},
		{path: "bundle.tgz", want: "application/octet-stream"},
		{path: "noext", want: "application/octet-stream"},
		{path: "data.unknownext", want: "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, MediaType(tt.path))
		})
	}
}

func TestParseAttachmentList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty", input: "   ", want: nil},
		{name: "single", input: "file1.pdf", want: []string{"file1.pdf"}},
		{name: "comma separated", input: "file1.pdf,file2.pdf, file3.pdf", want: []string{"file1.pdf", "file2.pdf", "file3.pdf"}},
		{name: "quoted comma", input: `"C:\My Documents,file.pdf",file2.pdf`, want: []string{`C:\My Documents,file.pdf`, "file2.pdf"}},
		{name: "spaces kept inside path", input: "/home/me/My Files/a.pdf", want: []string{"/home/me/My Files/a.pdf"}},
		{name: "blank entries dropped", input: "a.pdf,,b.pdf,", want: []string{"a.pdf", "b.pdf"}},
		{name: "malformed quoting falls back", input: `"a.pdf,b.pdf`, want: []string{`"a.pdf`, "b.pdf"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAttachmentList(tt.input))
		})
	}
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "file.pdf", baseName("/a/b/file.pdf"))
	assert.Equal(t, "file.pdf", baseName(`C:\docs\file.pdf`))
	assert.Equal(t, "file.pdf", baseName("file.pdf"))
}
