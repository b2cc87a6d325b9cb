package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dms-go/internal/encryption"
)

// readPassphrase prompts on the terminal without echo. With confirm set,
// the passphrase is asked twice and must match.
func readPassphrase(prompt string, confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("a terminal is required to enter a passphrase")
	}

	fmt.Fprint(os.Stderr, prompt)
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if !confirm {
		return string(first), nil
	}

	fmt.Fprint(os.Stderr, "Confirm passphrase: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	return string(first), nil
}

func newKeyring() (*encryption.Keyring, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return encryption.NewKeyringFromConfig(cfg.Encryption)
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the owner key pair used to seal switch contents",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the owner key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := newKeyring()
		if err != nil {
			return err
		}
		passphrase, err := readPassphrase("Passphrase for the private key: ", true)
		if err != nil {
			return err
		}
		pub, err := k.Setup(passphrase)
		if err != nil {
			return err
		}
		fmt.Printf("Public key: %s\n", pub)
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the owner public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := newKeyring()
		if err != nil {
			return err
		}
		r, err := k.Recipient()
		if err != nil {
			return err
		}
		fmt.Println(r.String())
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysInitCmd)
	keysCmd.AddCommand(keysShowCmd)
}
