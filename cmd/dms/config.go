package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dms-go/internal/app"
	"dms-go/internal/config"
)

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and database",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		if err := app.MigrateDatabase(cfg); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Database:   %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Transports: %s\n", strings.Join(cfg.Relay.Transports, ", "))
		fmt.Printf("Quorum:     %s\n", cfg.Relay.Quorum)
		fmt.Printf("Cascade:    %v (margin %s)\n", cfg.Evaluator.ReminderFractions, cfg.Evaluator.TriggerMargin)
		fmt.Printf("Sink:       %s\n", cfg.Delivery.Sink)
		fmt.Printf("Notifiers:  %s\n", strings.Join(cfg.Delivery.Notifiers, ", "))
		fmt.Printf("Schedule:   inactivity=%q release=%q cleanup=%q\n",
			cfg.Schedule.Inactivity, cfg.Schedule.Release, cfg.Schedule.Cleanup)
		for _, t := range cfg.Tiers {
			fmt.Printf("Tier %-6s replication=%d max_switches=%d max_relays=%d\n",
				t.Name, t.ReplicationFactor, t.MaxActiveSwitches, t.MaxRelays)
		}
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the switch database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if err := app.MigrateDatabase(cfg); err != nil {
			return err
		}
		fmt.Println("Database is up to date.")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	dbCmd.AddCommand(dbMigrateCmd)
}
