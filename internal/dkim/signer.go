// Package dkim signs composed messages and manages the keys used for it.
package dkim

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// signedHeaders are the header fields covered by every signature
var signedHeaders = []string{
	"From", "Reply-To", "To", "Cc", "Subject", "Date",
	"Message-ID", "MIME-Version", "Content-Type",
}

// Signer adds a DKIM-Signature header to outgoing messages
type Signer struct {
	key      crypto.Signer
	domain   string
	selector string
}

// NewSigner creates a signer for domain and selector
func NewSigner(key crypto.Signer, domain, selector string) *Signer {
	return &Signer{
		key:      key,
		domain:   strings.ToLower(domain),
		selector: selector,
	}
}

// NewSignerFromFile loads the private key at keyFile and creates a signer
func NewSignerFromFile(keyFile, domain, selector string) (*Signer, error) {
	key, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(key, domain, selector), nil
}

// Sign returns the message with a relaxed/relaxed signature prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderKeys:             presentHeaders(message),
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return signed.Bytes(), nil
}

// Domain returns the DKIM domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DKIM selector
func (s *Signer) Selector() string {
	return s.selector
}

// DNSName returns the name the public key must be published under
func (s *Signer) DNSName() string {
	return fmt.Sprintf("%s._domainkey.%s", s.selector, s.domain)
}

// DNSRecord returns the TXT record matching the signing key
func (s *Signer) DNSRecord() (string, error) {
	return dnsRecord(s.key)
}

// Verify checks the first signature of message against a known TXT record
// instead of querying DNS.
func Verify(message []byte, record string) error {
	opts := &dkim.VerifyOptions{
		LookupTXT: func(string) ([]string, error) {
			return []string{record}, nil
		},
	}

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(message), opts)
	if err != nil {
		return fmt.Errorf("failed to verify message: %w", err)
	}
	if len(verifications) == 0 {
		return errors.New("message has no DKIM signature")
	}
	return verifications[0].Err
}

// presentHeaders narrows signedHeaders to the fields the message carries
func presentHeaders(message []byte) []string {
	header := message
	if i := bytes.Index(message, []byte("\r\n\r\n")); i >= 0 {
		header = message[:i]
	} else if i := bytes.Index(message, []byte("\n\n")); i >= 0 {
		header = message[:i]
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(string(header), "\n") {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		if name, _, ok := strings.Cut(line, ":"); ok {
			present[strings.ToLower(strings.TrimSpace(name))] = true
		}
	}

	keys := make([]string, 0, len(signedHeaders))
	for _, h := range signedHeaders {
		if present[strings.ToLower(h)] {
			keys = append(keys, h)
		}
	}
	// From is mandatory for dkim.Sign
	if len(keys) == 0 || keys[0] != "From" {
		keys = append([]string{"From"}, keys...)
	}
	return keys
}
