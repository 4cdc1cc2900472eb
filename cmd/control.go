package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasveiga/grimoire/internal/queue"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the active crawl to stop at the next position boundary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetFlag(cmd.Context(), queue.FlagStopRequested, "1"); err != nil {
			return err
		}
		if err := store.SetFlag(cmd.Context(), queue.FlagRunning, "0"); err != nil {
			return err
		}
		fmt.Println("stop requested")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Allow workers to claim jobs again",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetFlag(cmd.Context(), queue.FlagRunning, "1"); err != nil {
			return err
		}
		if err := store.SetFlag(cmd.Context(), queue.FlagStopRequested, "0"); err != nil {
			return err
		}
		fmt.Println("resumed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(resumeCmd)
}
