package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/dkim"
)

var (
	dkimDomain    string
	dkimSelector  string
	dkimAlgorithm string
	dkimKeyFile   string
	dkimOutDir    string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DKIM key pair",
	Long:  `Generate a new DKIM key (RSA 2048-bit or Ed25519) and output the DNS record.`,
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show DKIM DNS record from existing key",
	Long: `Show the DNS TXT record for an existing DKIM private key.
Without --key the dkim section of the config file is used.`,
	RunE: runDKIMShow,
}

var dkimVerifyCmd = &cobra.Command{
	Use:   "verify <message.eml>",
	Short: "Verify the DKIM signature of a message against a local key",
	Args:  cobra.ExactArgs(1),
	RunE:  runDKIMVerify,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "mailrun", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimAlgorithm, "algorithm", dkim.AlgorithmRSA, "Key algorithm (rsa, ed25519)")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimGenerateCmd.MarkFlagRequired("domain")

	for _, c := range []*cobra.Command{dkimShowCmd, dkimVerifyCmd} {
		c.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file")
		c.Flags().StringVar(&dkimDomain, "domain", "", "Domain name")
		c.Flags().StringVar(&dkimSelector, "selector", "mailrun", "DKIM selector")
	}

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd, dkimVerifyCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	kp, err := dkim.GenerateKey(dkimDomain, dkimSelector, dkimAlgorithm)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	keyPath := filepath.Join(dkimOutDir, fmt.Sprintf("%s.%s.key", dkimDomain, dkimSelector))
	if err := kp.SavePrivateKey(keyPath); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	record, err := kp.DNSRecord()
	if err != nil {
		return err
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	printDKIMRecord(kp.DNSName(), record)

	fmt.Printf("\nAdd to your config file:\n\n")
	fmt.Printf("dkim:\n  enabled: true\n  domain: %q\n  selector: %q\n  key_file: %q\n", dkimDomain, dkimSelector, keyPath)

	return nil
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	signer, err := loadSigner()
	if err != nil {
		return err
	}

	record, err := signer.DNSRecord()
	if err != nil {
		return err
	}

	printDKIMRecord(signer.DNSName(), record)
	return nil
}

func runDKIMVerify(cmd *cobra.Command, args []string) error {
	signer, err := loadSigner()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	record, err := signer.DNSRecord()
	if err != nil {
		return err
	}

	if err := dkim.Verify(data, record); err != nil {
		return fmt.Errorf("signature is not valid for %s: %w", signer.DNSName(), err)
	}

	fmt.Printf("Signature is valid for %s\n", signer.DNSName())
	return nil
}

// loadSigner uses --key when given, the config file otherwise
func loadSigner() (*dkim.Signer, error) {
	if dkimKeyFile != "" {
		if dkimDomain == "" {
			return nil, fmt.Errorf("--domain is required with --key")
		}
		return dkim.NewSignerFromFile(dkimKeyFile, dkimDomain, dkimSelector)
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("%w, or pass --key and --domain", err)
	}

	signer, err := cfg.Signer()
	if err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, fmt.Errorf("DKIM is not enabled in %s", cfgFile)
	}
	return signer, nil
}

func printDKIMRecord(name, record string) {
	fmt.Printf("DKIM DNS Record:\n\n")
	fmt.Printf("  Name:  %s\n", name)
	fmt.Printf("  Type:  TXT\n")
	fmt.Printf("  Value: %s\n", record)
}
