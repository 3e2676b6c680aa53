package config

import (
	"fmt"
	"net/mail"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/mailrun/internal/batch"
	"github.com/foxzi/mailrun/internal/compose"
	"github.com/foxzi/mailrun/internal/dkim"
	"github.com/foxzi/mailrun/internal/dnscheck"
	"github.com/foxzi/mailrun/internal/smtp"
)

// PasswordEnv overrides relay.password when set
const PasswordEnv = "MAILRUN_SMTP_PASSWORD"

// Config is the main configuration structure
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Message MessageConfig `yaml:"message"`
	Timing  TimingConfig  `yaml:"timing"`
	DKIM    DKIMConfig    `yaml:"dkim"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains host-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // EHLO name and Message-ID domain
}

// RelayConfig describes the SMTP relay every batch is submitted to
type RelayConfig struct {
	Preset             string        `yaml:"preset"` // gmail, outlook, yahoo, custom
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Encryption         string        `yaml:"encryption"` // starttls, implicit
	Timeout            time.Duration `yaml:"timeout"`
	RequireTLS         bool          `yaml:"require_tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// MessageConfig holds the batch-wide message defaults
type MessageConfig struct {
	From        string   `yaml:"from"`
	ReplyTo     string   `yaml:"reply_to"`
	Subject     string   `yaml:"subject"`
	Body        string   `yaml:"body"`
	CC          string   `yaml:"cc"`  // comma separated
	BCC         string   `yaml:"bcc"` // comma separated
	Attachments []string `yaml:"attachments"`
}

// TimingConfig controls the pause between two messages
type TimingConfig struct {
	Delay         *time.Duration `yaml:"delay"`          // nil means default, 0 sends back to back
	JitterPercent *int           `yaml:"jitter_percent"` // nil means default
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// SandboxConfig captures messages locally instead of sending them
type SandboxConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Path             string  `yaml:"path"`
	SimulateErrors   bool    `yaml:"simulate_errors"`
	ErrorProbability float64 `yaml:"error_probability"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: 127.0.0.1:9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a validated configuration from YAML
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if pw := os.Getenv(PasswordEnv); pw != "" {
		cfg.Relay.Password = pw
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if p, ok := LookupPreset(c.Relay.Preset); ok {
		if c.Relay.Host == "" {
			c.Relay.Host = p.Host
		}
		if c.Relay.Port == 0 {
			c.Relay.Port = p.Port
		}
		if c.Relay.Encryption == "" {
			c.Relay.Encryption = string(p.Encryption)
		}
	}
	if c.Relay.Port == 0 {
		c.Relay.Port = 587
	}
	if c.Relay.Encryption == "" {
		c.Relay.Encryption = string(smtp.EncryptionStartTLS)
	}
	if c.Relay.Timeout == 0 {
		c.Relay.Timeout = 30 * time.Second
	}

	if c.Timing.Delay == nil {
		delay := 5 * time.Second
		c.Timing.Delay = &delay
	}
	if c.Timing.JitterPercent == nil {
		jitter := 20
		c.Timing.JitterPercent = &jitter
	}

	if c.Sandbox.Path == "" {
		c.Sandbox.Path = "mailrun-sandbox.db"
	}
	if c.Sandbox.SimulateErrors && c.Sandbox.ErrorProbability == 0 {
		c.Sandbox.ErrorProbability = 0.1
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = "127.0.0.1:9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Relay.Preset != "" {
		if _, ok := LookupPreset(c.Relay.Preset); !ok {
			return fmt.Errorf("relay.preset: unknown preset %q", c.Relay.Preset)
		}
	}
	if c.Relay.Host == "" && !c.Sandbox.Enabled {
		return fmt.Errorf("relay.host is required")
	}
	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay.port must be between 1 and 65535")
	}
	if _, err := ParseEncryption(c.Relay.Encryption); err != nil {
		return fmt.Errorf("relay.encryption: %w", err)
	}
	if c.Relay.Username != "" && c.Relay.Password == "" && !c.Sandbox.Enabled {
		return fmt.Errorf("relay.password is required when relay.username is set (or set %s)", PasswordEnv)
	}

	if c.Message.From == "" {
		return fmt.Errorf("message.from is required")
	}
	if _, err := mail.ParseAddress(c.Message.From); err != nil {
		return fmt.Errorf("message.from: %w", err)
	}
	if _, err := compose.ParseAddressList(c.Message.ReplyTo); err != nil {
		return fmt.Errorf("message.reply_to: %w", err)
	}
	if _, err := compose.ParseAddressList(c.Message.CC); err != nil {
		return fmt.Errorf("message.cc: %w", err)
	}
	if _, err := compose.ParseAddressList(c.Message.BCC); err != nil {
		return fmt.Errorf("message.bcc: %w", err)
	}

	timing := c.BatchTiming()
	if timing.Delay < 0 {
		return fmt.Errorf("timing.delay must not be negative")
	}
	if j := timing.JitterPercent; j < 0 || j > 100 {
		return fmt.Errorf("timing.jitter_percent must be between 0 and 100")
	}

	if c.Sandbox.ErrorProbability < 0 || c.Sandbox.ErrorProbability > 1 {
		return fmt.Errorf("sandbox.error_probability must be between 0 and 1")
	}

	if err := c.validateDKIM(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}

	return nil
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	if !c.DKIM.Enabled {
		return nil
	}

	if c.DKIM.Selector == "" {
		return fmt.Errorf("dkim.selector is required when DKIM is enabled")
	}
	if err := dnscheck.ValidateSelector(c.DKIM.Selector); err != nil {
		return fmt.Errorf("dkim.selector: %w", err)
	}
	if c.DKIM.KeyFile == "" {
		return fmt.Errorf("dkim.key_file is required when DKIM is enabled")
	}
	if c.DKIM.Domain == "" {
		return fmt.Errorf("dkim.domain is required when DKIM is enabled")
	}
	if err := dnscheck.ValidateDomain(c.DKIM.Domain); err != nil {
		return fmt.Errorf("dkim.domain: %w", err)
	}

	return nil
}

// BatchTiming returns the pacing between messages; unset values are zero
func (c *Config) BatchTiming() batch.Timing {
	var t batch.Timing
	if c.Timing.Delay != nil {
		t.Delay = *c.Timing.Delay
	}
	if c.Timing.JitterPercent != nil {
		t.JitterPercent = *c.Timing.JitterPercent
	}
	return t
}

// Defaults returns the message section as composer defaults
func (c *Config) Defaults() compose.Defaults {
	return compose.Defaults{
		From:        c.Message.From,
		ReplyTo:     c.Message.ReplyTo,
		Subject:     c.Message.Subject,
		Body:        c.Message.Body,
		CC:          c.Message.CC,
		BCC:         c.Message.BCC,
		Attachments: append([]string(nil), c.Message.Attachments...),
	}
}

// RelayOptions converts the relay section into session options
func (c *Config) RelayOptions() smtp.Options {
	enc, _ := ParseEncryption(c.Relay.Encryption)
	return smtp.Options{
		Host:               c.Relay.Host,
		Port:               c.Relay.Port,
		Username:           c.Relay.Username,
		Password:           c.Relay.Password,
		Encryption:         enc,
		LocalName:          c.Server.Hostname,
		Timeout:            c.Relay.Timeout,
		RequireTLS:         c.Relay.RequireTLS,
		InsecureSkipVerify: c.Relay.InsecureSkipVerify,
	}
}

// Signer loads the DKIM key, or returns nil when signing is disabled
func (c *Config) Signer() (*dkim.Signer, error) {
	if !c.DKIM.Enabled {
		return nil, nil
	}
	return dkim.NewSignerFromFile(c.DKIM.KeyFile, c.DKIM.Domain, c.DKIM.Selector)
}

// ParseEncryption maps a configured encryption name to a session mode.
// upgrade is accepted for starttls, ssl and tls for implicit.
func ParseEncryption(s string) (smtp.Encryption, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "starttls", "upgrade":
		return smtp.EncryptionStartTLS, nil
	case "implicit", "ssl", "tls":
		return smtp.EncryptionImplicit, nil
	default:
		return "", fmt.Errorf("unknown encryption mode %q", s)
	}
}
