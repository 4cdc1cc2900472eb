// Package cmd wires the CLI: worker, enqueue, status, events, control, and
// the HTTP status server.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasveiga/grimoire/internal/config"
	"github.com/lucasveiga/grimoire/internal/logging"
	"github.com/lucasveiga/grimoire/internal/queue"
)

var (
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "grimoire",
	Short:         "Durable, resumable content-acquisition pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
}

func openStore() (*queue.Store, error) {
	store, err := queue.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	return store, nil
}
