package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"dms-go/internal/app"
)

// pass command
var passCmd = &cobra.Command{
	Use:       "pass inactivity|release|cleanup",
	Short:     "Run one scheduler pass now",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: app.PassKinds,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "pass-"+args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		op, err := a.RunPass(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("#%d %s %s: %s\n", op.ID, op.Kind, op.Status, op.Summary)
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run passes on their cron schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "serve")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(cmd.Context())
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View scheduler pass history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "history")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No passes recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if !r.FinishedAt.IsZero() {
				duration = r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-10s  %s  %-14s  %-7s  %-8s  %s\n",
				r.ID,
				r.Kind,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				humanize.Time(r.StartedAt),
				r.Status,
				duration,
				r.Summary,
			)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of passes to show")
}
