package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasveiga/grimoire/internal/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts and the active job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		ctx := cmd.Context()

		running, err := store.GetFlag(ctx, queue.FlagRunning, "1")
		if err != nil {
			return err
		}
		stopReq, err := store.GetFlag(ctx, queue.FlagStopRequested, "0")
		if err != nil {
			return err
		}
		fmt.Printf("running: %s  stop requested: %s\n", running, stopReq)

		for _, kind := range []queue.Kind{queue.KindCrawl, queue.KindPublish} {
			fmt.Printf("%s:", kind)
			for _, st := range []queue.Status{queue.StatusQueued, queue.StatusActive, queue.StatusDone, queue.StatusFailed} {
				n, err := store.CountByStatus(ctx, kind, st)
				if err != nil {
					return err
				}
				fmt.Printf("  %s=%d", st, n)
			}
			fmt.Println()
		}

		active, err := store.LatestActive(ctx, queue.KindCrawl)
		if err != nil {
			return err
		}
		if active != nil {
			fmt.Printf("active: %s (%s) position=%d units=%d state=%s worker=%s\n",
				active.ID, active.Target.Name,
				active.Progress.Position, active.Progress.Units, active.Progress.State,
				active.WorkerID,
			)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
