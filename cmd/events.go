package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events <job-id>",
	Short: "Show the event log of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		events, err := store.ListEvents(cmd.Context(), args[0], eventsLimit)
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Printf("%s  %-7s %s\n", e.TS.Format("2006-01-02 15:04:05"), e.Level, e.Message)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 200, "maximum events to show")
	rootCmd.AddCommand(eventsCmd)
}
