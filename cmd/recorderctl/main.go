// Command recorderctl is the operator tool for the compliance recorder: it
// mints admin tokens and runs maintenance against the configured storage and
// platform without going through the HTTP API.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"compliance-recorder/internal/config"
	"compliance-recorder/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:           "recorderctl",
	Short:         "Operate the compliance recorder",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log := logger.NewWithWriter(cfg.App.Env, os.Stderr)
	slog.SetDefault(log)
	return cfg, log, nil
}
