// Command basestation runs the sensor base station and its maintenance
// commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/basestation/internal/config"
	"github.com/banshee-data/basestation/internal/version"
)

var (
	configPath string
	dbPath     string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "basestation",
		Short:         "Sensor base station: schedules, receives and stores sensor measurements",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Service config file (.yaml or .json); defaults are used when empty")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "Override storage.path from the config")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSensorsCmd(),
		newCadenceCmd(),
		newExportCmd(),
	)
	return root
}

// loadConfig reads --config, or the defaults when it is empty, and applies
// flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "basestation:", err)
		os.Exit(1)
	}
}
