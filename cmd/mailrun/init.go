package main

import (
	"bufio"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/dkim"
)

var (
	initPreset      string
	initHost        string
	initPort        int
	initEncryption  string
	initUsername    string
	initFrom        string
	initHostname    string
	initDelay       time.Duration
	initJitter      int
	initDKIM        bool
	initDKIMDir     string
	initSandboxPath string
	initOutput      string
	initForce       bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a mailrun configuration file",
	Long: `Interactive wizard to create a mailrun configuration file.

Missing values are prompted for. The relay password is never written by the
wizard; put it in the file yourself or export ` + config.PasswordEnv + `.

Examples:
  # Interactive mode - prompts for missing values
  mailrun init

  # Gmail with an app password from the environment
  mailrun init --preset gmail --username me@gmail.com --from me@gmail.com

  # Own relay with DKIM signing
  mailrun init --host smtp.example.com --from news@example.com --dkim -o example.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initPreset, "preset", "", "Relay preset: gmail, outlook, yahoo, custom")
	initCmd.Flags().StringVar(&initHost, "host", "", "Relay hostname")
	initCmd.Flags().IntVar(&initPort, "port", 0, "Relay port (default from preset, else 587)")
	initCmd.Flags().StringVar(&initEncryption, "encryption", "", "starttls or implicit (default from preset)")
	initCmd.Flags().StringVar(&initUsername, "username", "", "Relay username")
	initCmd.Flags().StringVar(&initFrom, "from", "", "Sender address")
	initCmd.Flags().StringVar(&initHostname, "hostname", "", "Name used in EHLO and Message-ID (default: sender domain)")
	initCmd.Flags().DurationVar(&initDelay, "delay", 5*time.Second, "Base delay between messages")
	initCmd.Flags().IntVar(&initJitter, "jitter", 20, "Delay jitter in percent")
	initCmd.Flags().BoolVar(&initDKIM, "dkim", false, "Generate a DKIM key for the sender domain")
	initCmd.Flags().StringVar(&initDKIMDir, "dkim-dir", "dkim", "DKIM keys directory")
	initCmd.Flags().StringVar(&initSandboxPath, "sandbox-path", "mailrun-sandbox.db", "Sandbox database for dry runs")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(cmd.InOrStdin())

	fmt.Println("mailrun Configuration Wizard")
	fmt.Println("============================")
	fmt.Println()

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	if initPreset == "" && initHost == "" {
		names := make([]string, 0, len(config.Presets()))
		for _, p := range config.Presets() {
			names = append(names, p.Name)
		}
		initPreset = prompt(reader, "Relay preset ("+strings.Join(names, ", ")+")", "custom")
	}

	preset, ok := config.LookupPreset(initPreset)
	if initPreset != "" && !ok {
		return fmt.Errorf("unknown preset %q", initPreset)
	}
	if preset.Help != "" {
		fmt.Printf("  %s", preset.Help)
		if preset.HelpURL != "" {
			fmt.Printf(" (%s)", preset.HelpURL)
		}
		fmt.Println()
	}

	if initHost == "" {
		initHost = prompt(reader, "Relay host", preset.Host)
		if initHost == "" {
			return fmt.Errorf("relay host is required")
		}
	}
	if initPort == 0 {
		def := preset.Port
		if def == 0 {
			def = 587
		}
		port, err := strconv.Atoi(prompt(reader, "Relay port", strconv.Itoa(def)))
		if err != nil {
			return fmt.Errorf("invalid port: %w", err)
		}
		initPort = port
	}
	if initEncryption == "" {
		initEncryption = string(preset.Encryption)
		if initEncryption == "" {
			initEncryption = "starttls"
		}
	}
	if _, err := config.ParseEncryption(initEncryption); err != nil {
		return err
	}

	if initFrom == "" {
		initFrom = prompt(reader, "Sender address", initUsername)
		if initFrom == "" {
			return fmt.Errorf("sender address is required")
		}
	}
	senderDomain, err := addressDomain(initFrom)
	if err != nil {
		return err
	}

	if initUsername == "" {
		initUsername = prompt(reader, "Relay username (empty for none)", "")
	}
	if initHostname == "" {
		initHostname = senderDomain
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	var dkimKeyPath, dkimDNSName, dkimDNSRecord string
	if initDKIM {
		kp, err := dkim.GenerateKey(senderDomain, "mailrun", dkim.AlgorithmRSA)
		if err != nil {
			return fmt.Errorf("failed to generate DKIM key: %w", err)
		}

		dkimKeyPath = filepath.Join(initDKIMDir, senderDomain+".key")
		if err := kp.SavePrivateKey(dkimKeyPath); err != nil {
			return fmt.Errorf("failed to save DKIM key: %w", err)
		}

		dkimDNSName = kp.DNSName()
		if dkimDNSRecord, err = kp.DNSRecord(); err != nil {
			return err
		}
		fmt.Printf("  DKIM key saved to: %s\n", dkimKeyPath)
	}

	cfg := generateConfig(senderDomain, dkimKeyPath)

	if err := os.WriteFile(initOutput, []byte(cfg), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	if dkimDNSName != "" {
		printDKIMRecord(dkimDNSName, dkimDNSRecord)
		fmt.Println()
	}

	printNextSteps()
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func addressDomain(addr string) (string, error) {
	a, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("invalid sender address: %w", err)
	}
	_, domain, _ := strings.Cut(a.Address, "@")
	return strings.ToLower(domain), nil
}

func generateConfig(senderDomain, dkimKeyPath string) string {
	presetLine := ""
	if initPreset != "" {
		presetLine = fmt.Sprintf("  preset: %q\n", initPreset)
	}

	authSection := "  # username: \"\"\n  # password: \"\"\n"
	if initUsername != "" {
		authSection = fmt.Sprintf("  username: %q\n  # password: \"\"  # or export %s\n", initUsername, config.PasswordEnv)
	}

	dkimSection := fmt.Sprintf(`dkim:
  enabled: false
  selector: "mailrun"
  domain: %q
  key_file: %q`, senderDomain, filepath.Join(initDKIMDir, senderDomain+".key"))
	if dkimKeyPath != "" {
		dkimSection = fmt.Sprintf(`dkim:
  enabled: true
  selector: "mailrun"
  domain: %q
  key_file: %q`, senderDomain, dkimKeyPath)
	}

	return fmt.Sprintf(`# mailrun configuration
# Generated by: mailrun init

server:
  hostname: %q

relay:
%s  host: %q
  port: %d
  encryption: %q  # starttls or implicit
%s  timeout: 30s
  require_tls: false

message:
  from: %q
  # reply_to: ""
  subject: "Hello"
  body: |
    Hello,

    this message was sent with mailrun.
  # cc: "copy@%s"
  # bcc: "archive@%s"
  # attachments:
  #   - "/path/to/attachment.pdf"

timing:
  delay: %s
  jitter_percent: %d

%s

sandbox:
  enabled: false
  path: %q
  # simulate_errors: true
  # error_probability: 0.1

metrics:
  enabled: false
  listen_addr: "127.0.0.1:9090"
  path: "/metrics"

logging:
  level: "info"
  format: "text"
`,
		initHostname,
		presetLine, initHost,
		initPort,
		initEncryption,
		authSection,
		initFrom,
		senderDomain, senderDomain,
		initDelay, initJitter,
		dkimSection,
		initSandboxPath,
	)
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	if initUsername != "" {
		fmt.Println("1. Provide the relay password:")
		fmt.Printf("   export %s='...'\n", config.PasswordEnv)
		fmt.Println()
	}
	fmt.Println("2. Check the relay connection:")
	fmt.Printf("   mailrun test smtp -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("3. Write a recipient list:")
	fmt.Println("   mailrun template -o recipients.csv")
	fmt.Println()
	fmt.Println("4. Try a dry run, then send:")
	fmt.Printf("   mailrun send -c %s -r recipients.csv --dry-run\n", initOutput)
	fmt.Printf("   mailrun send -c %s -r recipients.csv\n", initOutput)
	fmt.Println()
}
