package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose     bool
	configPath  string
	rootCmd     = &cobra.Command{
		Use:   "devicectl",
		Short: "Control plane for iOS and Android simulators and physical devices",
		Long:  "devicectl discovers iOS and Android simulators and physical devices and drives each through a guarded boot/install/launch/rotate lifecycle.",
	}
)

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json (overrides ~/.devicectl/config.json)")
}

func initLogging() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
