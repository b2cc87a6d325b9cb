package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// account command
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts and check in",
}

var accountCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		tier, _ := cmd.Flags().GetString("tier")
		relays, _ := cmd.Flags().GetStringSlice("relay")

		a, err := newApp(cmd.Context(), "CreateAccount")
		if err != nil {
			return err
		}
		defer a.Close()

		account, err := a.Service().CreateAccount(cmd.Context(), tier, relays)
		if err != nil {
			return err
		}
		fmt.Printf("Account: %s (tier %s, %d relays)\n", account.ID, account.Tier, len(account.ActiveRelayURLs))
		return nil
	},
}

var accountShowCmd = &cobra.Command{
	Use:   "show ACCOUNT",
	Short: "Show an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "GetAccount")
		if err != nil {
			return err
		}
		defer a.Close()

		account, err := a.Service().GetAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Account:       %s\n", account.ID)
		fmt.Printf("Tier:          %s\n", account.Tier)
		fmt.Printf("Last check-in: %s (%s)\n", account.LastCheckInAt.Format("2006-01-02 15:04:05"), humanize.Time(account.LastCheckInAt))
		fmt.Printf("Relays:        %s\n", strings.Join(account.ActiveRelayURLs, ", "))
		return nil
	},
}

var accountCheckInCmd = &cobra.Command{
	Use:   "checkin ACCOUNT",
	Short: "Record activity and reset reminded switches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "CheckIn")
		if err != nil {
			return err
		}
		defer a.Close()

		reset, err := a.Service().CheckIn(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Checked in. %d switch(es) back to ACTIVE.\n", reset)
		return nil
	},
}

var accountRelaysCmd = &cobra.Command{
	Use:   "relays ACCOUNT",
	Short: "Replace the account's relay list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		relays, _ := cmd.Flags().GetStringSlice("relay")

		a, err := newApp(cmd.Context(), "SetRelays")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().SetRelays(cmd.Context(), args[0], relays); err != nil {
			return err
		}
		fmt.Printf("Relays updated (%d).\n", len(relays))
		return nil
	},
}

var accountCodeCmd = &cobra.Command{
	Use:   "code ACCOUNT",
	Short: "Issue a one-time check-in code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "IssueCheckInCode")
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Service().GetAccount(cmd.Context(), args[0]); err != nil {
			return err
		}
		code, err := a.Service().IssueCheckInCode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(code)
		return nil
	},
}

var accountRedeemCmd = &cobra.Command{
	Use:   "redeem CODE",
	Short: "Check in with a one-time code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "RedeemCheckInCode")
		if err != nil {
			return err
		}
		defer a.Close()

		accountID, err := a.Service().RedeemCheckInCode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Checked in account %s.\n", accountID)
		return nil
	},
}

func init() {
	accountCmd.AddCommand(accountCreateCmd)
	accountCreateCmd.Flags().String("tier", "free", "Subscription tier")
	accountCreateCmd.Flags().StringSlice("relay", nil, "Relay URL, in preference order (repeatable)")

	accountCmd.AddCommand(accountShowCmd)
	accountCmd.AddCommand(accountCheckInCmd)

	accountCmd.AddCommand(accountRelaysCmd)
	accountRelaysCmd.Flags().StringSlice("relay", nil, "Relay URL, in preference order (repeatable)")
	accountRelaysCmd.MarkFlagRequired("relay")

	accountCmd.AddCommand(accountCodeCmd)
	accountCmd.AddCommand(accountRedeemCmd)
}
