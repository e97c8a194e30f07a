package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/callmegate/gate/pkg/config"
	"github.com/callmegate/gate/pkg/log"
	"github.com/callmegate/gate/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gate",
	Short: "Gate - Lightweight HTTP request gateway",
	Long: `Gate forwards HTTP requests to stateless worker processes through a
shared Redis store. Gateways capture requests as jobs, workers consume
them from version-tagged queues, and results travel back through
per-request rendezvous lists.

No direct connection between gateway and worker is ever made.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Gate version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(nodesCmd)
}

// loadConfig reads the config file named by --config and applies flag
// overrides, then initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

// connectStore opens and verifies the shared store connection
func connectStore(cmd *cobra.Command, cfg *config.Config) (*store.Client, error) {
	st := store.New(cfg.StoreConfig())
	if err := st.Ping(cmd.Context()); err != nil {
		return nil, fmt.Errorf("failed to connect to store: %v", err)
	}
	return st, nil
}
