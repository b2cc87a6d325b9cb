package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"filippo.io/age"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"dms-go/internal/dms"
	"dms-go/internal/encryption"
)

// sealFromFlags seals the plaintext read from --file (or stdin) for the
// recipients given on the command line. --self adds the owner key so the
// owner can read the content back with dms open.
func sealFromFlags(cmd *cobra.Command) ([]byte, int, error) {
	file, _ := cmd.Flags().GetString("file")
	to, _ := cmd.Flags().GetStringSlice("to")
	self, _ := cmd.Flags().GetBool("self")
	usePassphrase, _ := cmd.Flags().GetBool("passphrase")

	var plaintext []byte
	var err error
	if file == "" || file == "-" {
		plaintext, err = io.ReadAll(os.Stdin)
	} else {
		plaintext, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading content: %w", err)
	}

	if usePassphrase {
		if len(to) > 0 || self {
			return nil, 0, fmt.Errorf("--passphrase cannot be combined with --to or --self")
		}
		passphrase, err := readPassphrase("Passphrase to seal the content with: ", true)
		if err != nil {
			return nil, 0, err
		}
		sealed, err := encryption.SealWithPassphrase(plaintext, passphrase)
		return sealed, 1, err
	}

	recipients, err := encryption.ParseRecipients(to)
	if err != nil {
		return nil, 0, err
	}
	count := len(recipients)
	if self {
		k, err := newKeyring()
		if err != nil {
			return nil, 0, err
		}
		owner, err := k.Recipient()
		if err != nil {
			return nil, 0, err
		}
		recipients = append(recipients, age.Recipient(owner))
	}
	sealed, err := encryption.Seal(plaintext, recipients...)
	return sealed, count, err
}

func triggerFromFlags(cmd *cobra.Command) (dms.Trigger, error) {
	days, _ := cmd.Flags().GetInt("days")
	at, _ := cmd.Flags().GetString("at")

	switch {
	case at != "" && days != 0:
		return dms.Trigger{}, fmt.Errorf("use either --days or --at, not both")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return dms.Trigger{}, fmt.Errorf("parsing --at: %w", err)
		}
		return dms.FixedAt(t), nil
	default:
		return dms.AfterInactivity(days), nil
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func printSwitch(sw *dms.Switch) {
	fmt.Printf("Switch:     %s\n", sw.ID)
	fmt.Printf("Account:    %s\n", sw.AccountID)
	fmt.Printf("Title:      %s\n", sw.Title)
	fmt.Printf("State:      %s\n", sw.State)
	fmt.Printf("Trigger:    %s\n", sw.Trigger)
	fmt.Printf("Recipients: %d\n", sw.RecipientCount)
	fmt.Printf("Content:    %s (%s, %d/%d relays acked)\n",
		shortID(sw.Content.ContentID), humanize.Bytes(uint64(sw.Content.Size)), len(sw.Content.Acks), len(sw.Content.RelaySet))
	if sw.ReleaseFailures > 0 {
		fmt.Printf("Failures:   %d (%s)\n", sw.ReleaseFailures, sw.LastReleaseError)
	}
	fmt.Printf("Created:    %s\n", humanize.Time(sw.CreatedAt))
}

// switch command
var switchCmd = &cobra.Command{
	Use:   "switch",
	Short: "Manage switches",
}

var switchCreateCmd = &cobra.Command{
	Use:   "create ACCOUNT",
	Short: "Seal content and arm a new switch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		trigger, err := triggerFromFlags(cmd)
		if err != nil {
			return err
		}
		payload, count, err := sealFromFlags(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "CreateSwitch")
		if err != nil {
			return err
		}
		defer a.Close()

		sw, err := a.Service().CreateSwitch(cmd.Context(), dms.SwitchRequest{
			AccountID:      args[0],
			Title:          title,
			Trigger:        trigger,
			RecipientCount: count,
			Payload:        payload,
		})
		if err != nil {
			return err
		}
		printSwitch(sw)
		return nil
	},
}

var switchListCmd = &cobra.Command{
	Use:   "list ACCOUNT",
	Short: "List an account's switches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListSwitches")
		if err != nil {
			return err
		}
		defer a.Close()

		switches, err := a.Service().ListSwitches(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(switches) == 0 {
			fmt.Println("No switches.")
			return nil
		}
		for _, sw := range switches {
			fmt.Printf("%s  %-10s  %-28s  %s\n", sw.ID, sw.State, sw.Trigger, sw.Title)
		}
		return nil
	},
}

var switchShowCmd = &cobra.Command{
	Use:   "show SWITCH",
	Short: "Show a switch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "GetSwitch")
		if err != nil {
			return err
		}
		defer a.Close()

		sw, err := a.Service().GetSwitch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printSwitch(sw)
		return nil
	},
}

var switchEditCmd = &cobra.Command{
	Use:   "edit SWITCH",
	Short: "Replace the sealed content of an ACTIVE switch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, _, err := sealFromFlags(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "EditSwitchContent")
		if err != nil {
			return err
		}
		defer a.Close()

		sw, err := a.Service().EditSwitchContent(cmd.Context(), args[0], payload)
		if err != nil {
			return err
		}
		printSwitch(sw)
		return nil
	},
}

var switchCancelCmd = &cobra.Command{
	Use:   "cancel SWITCH",
	Short: "Cancel a switch that has not triggered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "CancelSwitch")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().CancelSwitch(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Switch cancelled.")
		return nil
	},
}

// open command
var openCmd = &cobra.Command{
	Use:   "open SWITCH",
	Short: "Fetch a switch's content from its relays and decrypt it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		usePassphrase, _ := cmd.Flags().GetBool("passphrase")
		out, _ := cmd.Flags().GetString("out")

		sealed, err := fetchContent(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		var plaintext []byte
		if usePassphrase {
			passphrase, err := readPassphrase("Content passphrase: ", false)
			if err != nil {
				return err
			}
			plaintext, err = encryption.OpenWithPassphrase(sealed, passphrase)
			if err != nil {
				return err
			}
		} else {
			k, err := newKeyring()
			if err != nil {
				return err
			}
			passphrase, err := readPassphrase("Owner key passphrase: ", false)
			if err != nil {
				return err
			}
			identity, err := k.Unlock(passphrase)
			if err != nil {
				return err
			}
			plaintext, err = encryption.Open(sealed, identity)
			if err != nil {
				return err
			}
		}

		if out == "" || out == "-" {
			_, err = os.Stdout.Write(plaintext)
			return err
		}
		return os.WriteFile(out, plaintext, 0600)
	},
}

func fetchContent(ctx context.Context, switchID string) ([]byte, error) {
	a, err := newApp(ctx, "FetchContent")
	if err != nil {
		return nil, err
	}
	defer a.Close()
	return a.Service().FetchContent(ctx, switchID)
}

func addSealFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "-", "File with the plaintext content, - for stdin")
	cmd.Flags().StringSlice("to", nil, "age recipient public key (repeatable)")
	cmd.Flags().Bool("self", false, "Also seal to the owner key so dms open can read it")
	cmd.Flags().Bool("passphrase", false, "Seal with a passphrase instead of recipient keys")
}

func init() {
	switchCmd.AddCommand(switchCreateCmd)
	switchCreateCmd.Flags().String("title", "", "Label shown in listings and notices")
	switchCreateCmd.Flags().Int("days", 0, "Trigger after this many days without a check-in")
	switchCreateCmd.Flags().String("at", "", "Trigger at a fixed time (RFC 3339)")
	addSealFlags(switchCreateCmd)

	switchCmd.AddCommand(switchListCmd)
	switchCmd.AddCommand(switchShowCmd)

	switchCmd.AddCommand(switchEditCmd)
	addSealFlags(switchEditCmd)

	switchCmd.AddCommand(switchCancelCmd)

	openCmd.Flags().Bool("passphrase", false, "Content was sealed with a passphrase")
	openCmd.Flags().StringP("out", "o", "-", "Write plaintext here, - for stdout")
}
