package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"fieldsync/internal/app"
	"fieldsync/internal/config"
	"fieldsync/internal/model"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a FieldApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "SyncRun", "Daemon").
func newApp(operation string) (*app.FieldApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewFieldApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// withApp runs fn against a fresh FieldApp and records its outcome on the operation.
func withApp(cmd *cobra.Command, operation string, fn func(ctx context.Context, a *app.FieldApp) error) error {
	a, err := newApp(operation)
	if err != nil {
		return err
	}
	defer a.Close()

	err = fn(cmd.Context(), a)
	a.Fail(err)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

var rootCmd = &cobra.Command{
	Use:          "fieldsync",
	Short:        "Offline-first sync client for field inspections",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		deviceID := uuid.New().String()
		cfg := config.NewConfig(deviceID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Device ID: %s\n", deviceID)
		fmt.Printf("Base Dir:  %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		cfg.ApplyDefaults()

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Device ID: %s\n", cfg.DeviceID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Database:  %s\n", cfg.Database.Type)
		fmt.Println("\nEndpoints:")
		for _, ep := range cfg.Endpoints {
			fmt.Printf("  %-12s %-6s priority %d  %s\n", ep.Name, ep.Type, ep.Priority, ep.URL)
		}
		fmt.Printf("\nProbe timeout:     %s\n", cfg.Connection.ProbeTimeout)
		fmt.Printf("Sync interval:     %s\n", cfg.Sync.Interval)
		fmt.Printf("Reference refresh: %s (stale after %s)\n", cfg.Reference.RefreshInterval, cfg.Reference.StaleAfter)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection, queue and reference data state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Status", func(ctx context.Context, a *app.FieldApp) error {
			ov, err := a.Status(ctx)
			if err != nil {
				return err
			}

			conn := ov.Connection
			fmt.Printf("Connection:  %s", conn.CurrentMode)
			if conn.ActiveEndpoint != "" {
				fmt.Printf(" via %s", conn.ActiveEndpoint)
			}
			fmt.Printf(" (checked %s)\n", formatTime(conn.LastCheckedAt))

			fmt.Printf("Queue:       %d pending, %d failed, last sync %s\n",
				ov.Sync.PendingCount, ov.Sync.FailedCount, formatTime(ov.Sync.LastSyncAt))

			ref := ov.Reference
			stale := ""
			if ref.IsStale {
				stale = " [stale]"
			}
			fmt.Printf("Reference:   %d records, synced %s%s\n", ref.TotalRecords, formatTime(ref.LastSyncAt), stale)

			switch c := ov.Credential; {
			case c == nil:
				fmt.Println("Token:       none")
			case c.IsTemporary:
				fmt.Println("Token:       temporary")
			default:
				fmt.Printf("Token:       valid until %s\n", formatTime(c.ValidUntil))
			}
			return nil
		})
	},
}

// connect command
var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Check server connectivity",
}

func printConnection(st model.ConnectionStatus) {
	if !st.IsOnline {
		fmt.Println("Offline: no endpoint reachable")
		return
	}
	fmt.Printf("Online (%s) via %s", st.CurrentMode, st.ActiveEndpoint)
	if st.ResponseTime > 0 {
		fmt.Printf(" in %s", st.ResponseTime.Truncate(time.Millisecond))
	}
	fmt.Println()
}

var connectCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe all endpoints and select the active one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "ConnectCheck", func(ctx context.Context, a *app.FieldApp) error {
			printConnection(a.CheckConnectivity(ctx))
			return nil
		})
	},
}

var connectDiagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Probe every endpoint and print per-endpoint results",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "ConnectDiagnose", func(ctx context.Context, a *app.FieldApp) error {
			for _, r := range a.Diagnose(ctx) {
				state := "down"
				switch {
				case r.Available && r.Unverified:
					state = "reachable (unverified)"
				case r.Available:
					state = "up"
				}
				fmt.Printf("%-12s %-6s %-24s %6s", r.Endpoint.Name, r.Endpoint.Type, state, r.ResponseTime.Truncate(time.Millisecond))
				if r.StatusCode != 0 {
					fmt.Printf("  HTTP %d", r.StatusCode)
				}
				if r.Err != "" {
					fmt.Printf("  %s", r.Err)
				}
				fmt.Println()
			}
			return nil
		})
	},
}

var connectOfflineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Record the offline state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "ConnectOffline", func(ctx context.Context, a *app.FieldApp) error {
			printConnection(a.GoOffline(ctx))
			return nil
		})
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	connectCmd.AddCommand(connectCheckCmd)
	connectCmd.AddCommand(connectDiagnoseCmd)
	connectCmd.AddCommand(connectOfflineCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(refdataCmd)
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(photoCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(daemonCmd)
}
