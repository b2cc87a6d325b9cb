package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"dms-go/internal/app"
	"dms-go/internal/config"
)

func main() {
	// A .env in the working directory may set DMS_HOME and friends.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// loadConfig reads and validates the config at the default path.
func loadConfig() (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := app.LoadConfig(defaults["config_path"])
	if err != nil {
		return nil, "", err
	}
	return cfg, defaults["config_path"], nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "CreateSwitch", "serve").
func newApp(ctx context.Context, operation string) (*app.App, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "dms",
	Short:        "Dead man's switch: release sealed messages after inactivity",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(passCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
}
