// Package dnscheck checks that a sender domain publishes the records
// receivers look at before accepting bulk mail.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/samber/lo"
)

var ErrInvalidDomain = errors.New("invalid domain name")

var (
	domainRegex   = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks that a DKIM selector is a single DNS label
func ValidateSelector(selector string) error {
	if selector == "" {
		return errors.New("selector is empty")
	}
	if len(selector) > 63 {
		return errors.New("selector too long")
	}
	if !selectorRegex.MatchString(selector) {
		return errors.New("invalid selector format")
	}
	return nil
}

// Status of a single check
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusError    Status = "error"
	StatusNotFound Status = "not_found"
)

// CheckResult represents a single DNS check result
type CheckResult struct {
	Type    string `json:"type"`
	Status  Status `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Report holds the results for one sender domain
type Report struct {
	Domain  string        `json:"domain"`
	Results []CheckResult `json:"results"`
}

// Count returns how many results have the given status
func (r *Report) Count(status Status) int {
	return lo.CountBy(r.Results, func(c CheckResult) bool { return c.Status == status })
}

// Ready reports whether nothing failed or is missing
func (r *Report) Ready() bool {
	return r.Count(StatusError) == 0 && r.Count(StatusNotFound) == 0
}

// TXTResolver looks up TXT records; *net.Resolver satisfies it
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Options selects what CheckSender looks at
type Options struct {
	Domain string
	// Selector enables the DKIM check
	Selector string
	// DKIMRecord is the record the local key expects; when set the published
	// public key must match it
	DKIMRecord string
}

// Checker runs sender domain checks
type Checker struct {
	resolver TXTResolver
}

// New creates a checker; a nil resolver means net.DefaultResolver
func New(resolver TXTResolver) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{resolver: resolver}
}

// CheckSender runs the SPF, DKIM and DMARC checks for a sender domain
func (c *Checker) CheckSender(ctx context.Context, opts Options) (*Report, error) {
	domain := strings.ToLower(strings.TrimSuffix(opts.Domain, "."))
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}

	report := &Report{Domain: domain}
	report.Results = append(report.Results, c.CheckSPF(ctx, domain))
	if opts.Selector != "" {
		if err := ValidateSelector(opts.Selector); err != nil {
			return nil, err
		}
		report.Results = append(report.Results, c.CheckDKIM(ctx, domain, opts.Selector, opts.DKIMRecord))
	}
	report.Results = append(report.Results, c.CheckDMARC(ctx, domain))

	return report, nil
}

func (c *Checker) lookup(ctx context.Context, name string, result *CheckResult, missing string) ([]string, bool) {
	records, err := c.resolver.LookupTXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			result.Status = StatusNotFound
			result.Message = missing
			return nil, false
		}
		result.Status = StatusError
		result.Message = fmt.Sprintf("Lookup failed: %v", err)
		return nil, false
	}
	return records, true
}

// CheckSPF checks SPF record for a domain
func (c *Checker) CheckSPF(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "SPF Record"}
	const missing = "No SPF record found (recommended to add)"

	records, ok := c.lookup(ctx, domain, &result, missing)
	if !ok {
		return result
	}

	spf := lo.Filter(records, func(txt string, _ int) bool { return strings.HasPrefix(txt, "v=spf1") })
	switch len(spf) {
	case 0:
		result.Status = StatusNotFound
		result.Message = missing
		return result
	case 1:
	default:
		result.Status = StatusError
		result.Value = spf[0]
		result.Message = fmt.Sprintf("%d SPF records published, receivers treat this as a permanent error", len(spf))
		return result
	}

	txt := spf[0]
	result.Status = StatusOK
	result.Value = txt
	switch {
	case strings.Contains(txt, "+all"):
		result.Status = StatusWarning
		result.Message = "SPF uses +all (allows any sender) - consider using ~all or -all"
	case strings.Contains(txt, "-all"):
		result.Message = "SPF configured with strict policy (-all)"
	case strings.Contains(txt, "~all"):
		result.Message = "SPF configured with soft fail (~all)"
	}
	return result
}

// CheckDKIM checks the DKIM record published for selector. A non-empty
// expected record must carry the same public key.
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector, expected string) CheckResult {
	result := CheckResult{Type: fmt.Sprintf("DKIM Record (%s._domainkey)", selector)}

	records, ok := c.lookup(ctx, selector+"._domainkey."+domain, &result,
		fmt.Sprintf("No DKIM record found for selector '%s'", selector))
	if !ok {
		return result
	}

	// Long keys are split into several strings
	full := strings.Join(records, "")
	result.Value = truncateString(full, 100)

	tags := parseTags(full)
	if tags["v"] != "" && tags["v"] != "DKIM1" {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DKIM record"
		return result
	}
	published, hasKey := tags["p"]
	if !hasKey || published == "" {
		result.Status = StatusError
		result.Message = "DKIM record missing public key (p=)"
		return result
	}

	if expected != "" && parseTags(expected)["p"] != published {
		result.Status = StatusError
		result.Message = "Published DKIM key does not match the signing key"
		return result
	}

	result.Status = StatusOK
	switch tags["k"] {
	case "", "rsa":
		result.Message = "DKIM configured with RSA key"
	case "ed25519":
		result.Message = "DKIM configured with Ed25519 key"
	default:
		result.Message = fmt.Sprintf("DKIM configured with %s key", tags["k"])
	}
	return result
}

// CheckDMARC checks DMARC record for a domain
func (c *Checker) CheckDMARC(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "DMARC Record"}
	const missing = "No DMARC record found (recommended to add)"

	records, ok := c.lookup(ctx, "_dmarc."+domain, &result, missing)
	if !ok {
		return result
	}

	full := strings.Join(records, "")
	result.Value = full
	if !strings.HasPrefix(full, "v=DMARC1") {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DMARC record"
		return result
	}

	result.Status = StatusOK
	switch parseTags(full)["p"] {
	case "reject":
		result.Message = "DMARC configured with reject policy (strict)"
	case "quarantine":
		result.Message = "DMARC configured with quarantine policy"
	case "none":
		result.Status = StatusWarning
		result.Message = "DMARC configured with none policy (monitoring only)"
	}
	return result
}

// parseTags splits a tag=value; list, dropping whitespace inside values
func parseTags(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(name)] = strings.Join(strings.Fields(value), "")
	}
	return tags
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
