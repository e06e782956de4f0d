package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"kegleveld/internal/config"
	"kegleveld/internal/server"
	"kegleveld/internal/state/paths"
)

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to kegleveld.yaml (default: <state-dir>/kegleveld.yaml)")
	rootCmd.PersistentFlags().String("state-dir", "", "Directory holding the settings database")
	rootCmd.PersistentFlags().Bool("simulate", false, "Drive the flow engine from simulated pulses instead of GPIO")
	rootCmd.PersistentFlags().Int("port", 0, "HTTP listen port")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPrintCmd)
}

var rootCmd = &cobra.Command{
	Use:   "kegleveld",
	Short: "Keg flow metering and calibration daemon",
	Long: `kegleveld counts flow sensor pulses on every tap, turns them into poured
volume with a per-tap K-factor and keeps keg levels in a local SQLite store.
Running it without a subcommand starts the daemon.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the flow monitor and HTTP API",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "kegleveld", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the configuration after defaults, environment and flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

// loadConfig resolves the state root, reads the YAML file and applies the
// environment, then the command-line flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	stateDir, _ := flags.GetString("state-dir")
	paths.SetRoot(stateDir)

	path, _ := flags.GetString("config")
	if path == "" {
		path = paths.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if simulate, _ := flags.GetBool("simulate"); simulate {
		cfg.Simulation.Enabled = true
	}
	if port, _ := flags.GetInt("port"); port != 0 {
		cfg.HTTP.Port = port
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	srv, err := server.NewGinServer(cfg, server.WithGinVersion(version))
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		_ = srv.Stop(context.Background())
		return err
	}

	serveErr := srv.Serve(ctx, func() {
		// Type=notify units wait for this before ordering dependents.
		if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			log.Printf("WARN: Failed to notify systemd of readiness: %v", err)
		} else if sent {
			log.Printf("INFO: Notified systemd that service is ready")
			go watchdog(ctx)
		}
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Printf("INFO: shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		return err
	}
	return serveErr
}

// watchdog pings systemd at half the configured watchdog interval.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
