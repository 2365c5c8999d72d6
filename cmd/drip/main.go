package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/drip/internal/app"
	"github.com/foxzi/drip/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drip",
	Short: "Drip - email campaign engine",
	Long:  `Drip schedules and delivers timed sequences of mailings to campaign subscribers.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the campaign engine",
	Long:  `Start the sweeper, delivery workers, HTTP API and metrics server.`,
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Process all campaigns once and exit",
	RunE:  runSweep,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("drip version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, sweepCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}
	return application, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}

	return application.Run(context.Background())
}

func runSweep(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	failed := 0
	for _, res := range application.Sweep(cmd.Context()) {
		switch {
		case res.Locked:
			fmt.Printf("%-24s skipped (locked)\n", res.Campaign)
		case res.Err != nil:
			failed++
			fmt.Printf("%-24s processed %d, error: %v\n", res.Campaign, res.Processed, res.Err)
		default:
			fmt.Printf("%-24s processed %d\n", res.Campaign, res.Processed)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d campaign(s) failed", failed)
	}
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Storage:   %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Printf("  Schedule:  %s\n", cfg.Sweep.Schedule)
	if cfg.Delivery.DryRun {
		fmt.Printf("  SMTP:      dry run\n")
	} else {
		fmt.Printf("  SMTP:      %s\n", cfg.SMTP.Addr)
	}
	if cfg.API.Enabled {
		fmt.Printf("  API:       %s\n", cfg.API.ListenAddr)
	}
	fmt.Printf("  Campaigns: %d\n", len(cfg.Campaigns))
	for _, camp := range cfg.Campaigns {
		fmt.Printf("    %s: %d drip(s)\n", camp.Slug, len(camp.Drips))
	}

	return nil
}
