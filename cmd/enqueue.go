package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lucasveiga/grimoire/internal/queue"
)

var enqueueFlags struct {
	id            string
	name          string
	dir           string
	expectedTotal int
	batchSize     int
	forceURL      bool
	seriesURL     string
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <url>",
	Short: "Queue a crawl job for a target URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := args[0]
		name := enqueueFlags.name
		if name == "" {
			name = slug(url)
		}
		dir := enqueueFlags.dir
		if dir == "" {
			dir = filepath.Join(cfg.Output.Root, name)
		}
		id := enqueueFlags.id
		if id == "" {
			id = fmt.Sprintf("crawl-%s-%s", name, uuid.NewString()[:8])
		}

		payload, err := json.Marshal(queue.CrawlPayload{
			ExpectedTotal: enqueueFlags.expectedTotal,
			BatchSize:     enqueueFlags.batchSize,
			ForceURL:      enqueueFlags.forceURL,
			SeriesURL:     enqueueFlags.seriesURL,
		})
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		err = store.Enqueue(cmd.Context(), queue.Job{
			ID:      id,
			Kind:    queue.KindCrawl,
			Target:  queue.Target{URL: url, Name: name, Dir: dir},
			Payload: payload,
		})
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s -> %s\n", id, dir)
		return nil
	},
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

func slug(url string) string {
	s := strings.ToLower(url)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.Trim(slugStrip.ReplaceAllString(s, "-"), "-")
	if len(s) > 60 {
		s = s[:60]
	}
	if s == "" {
		s = "target"
	}
	return s
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueFlags.id, "id", "", "job id (generated when empty)")
	enqueueCmd.Flags().StringVar(&enqueueFlags.name, "name", "", "target name (derived from url when empty)")
	enqueueCmd.Flags().StringVar(&enqueueFlags.dir, "dir", "", "target directory (output root + name when empty)")
	enqueueCmd.Flags().IntVar(&enqueueFlags.expectedTotal, "expected-total", 0, "stop after this many units")
	enqueueCmd.Flags().IntVar(&enqueueFlags.batchSize, "batch-size", 0, "rotate the job after this many units")
	enqueueCmd.Flags().BoolVar(&enqueueFlags.forceURL, "force-url", false, "start at the given url even when a checkpoint exists")
	enqueueCmd.Flags().StringVar(&enqueueFlags.seriesURL, "series-url", "", "series page used for the cover asset")
	rootCmd.AddCommand(enqueueCmd)
}
