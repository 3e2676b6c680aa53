package config

import (
	"sort"
	"strings"

	"github.com/foxzi/mailrun/internal/smtp"
)

// Preset is a well-known relay
type Preset struct {
	Name       string
	Host       string
	Port       int
	Encryption smtp.Encryption
	HelpURL    string
	Help       string
}

// Presets returns the known relay presets sorted by name
func Presets() []Preset {
	presets := []Preset{
		{
			Name:       "custom",
			Port:       587,
			Encryption: smtp.EncryptionStartTLS,
		},
		{
			Name:       "gmail",
			Host:       "smtp.gmail.com",
			Port:       587,
			Encryption: smtp.EncryptionStartTLS,
			HelpURL:    "https://support.google.com/accounts/answer/185833",
			Help:       "Gmail: use an App Password",
		},
		{
			Name:       "outlook",
			Host:       "smtp.office365.com",
			Port:       587,
			Encryption: smtp.EncryptionStartTLS,
			Help:       "Outlook: SMTP AUTH must be enabled for the mailbox",
		},
		{
			Name:       "yahoo",
			Host:       "smtp.mail.yahoo.com",
			Port:       465,
			Encryption: smtp.EncryptionImplicit,
			HelpURL:    "https://help.yahoo.com/kb/SLN15241.html",
			Help:       "Yahoo: generate an app password",
		},
	}
	sort.Slice(presets, func(i, j int) bool { return presets[i].Name < presets[j].Name })
	return presets
}

// LookupPreset finds a preset by case-insensitive name
func LookupPreset(name string) (Preset, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Preset{}, false
	}
	for _, p := range Presets() {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}
