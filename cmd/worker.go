package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasveiga/grimoire/internal/engine"
	"github.com/lucasveiga/grimoire/internal/fetch"
	"github.com/lucasveiga/grimoire/internal/profile"
	"github.com/lucasveiga/grimoire/internal/render"
	"github.com/lucasveiga/grimoire/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a crawl worker until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		profiles, err := profile.NewStore(cfg.Output.Profiles)
		if err != nil {
			return err
		}

		var assist *profile.AssistClient
		if cfg.Assist.Enabled {
			assist = profile.NewAssistClient(cfg.Assist.URL, cfg.Assist.MaxCalls, logger)
		}

		downloader := fetch.New(fetch.Options{
			MaxAttempts: cfg.Fetch.MaxRetries,
			RetryBase:   time.Duration(cfg.Fetch.BackoffBaseMs) * time.Millisecond,
			Timeout:     time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
			UserAgent:   cfg.Render.UserAgent,
			RatePerSec:  cfg.Fetch.RPS,
		}, logger)

		eng := engine.New(store, profiles, assist, downloader, engine.Config{
			ReadyTimeout:       time.Duration(cfg.Crawl.ReadyTimeoutSec) * time.Second,
			ScrollMaxCycles:    cfg.Crawl.ScrollMaxCycles,
			ScrollStableCycles: cfg.Crawl.ScrollStableCycles,
			ScrollInterval:     time.Duration(cfg.Crawl.ScrollIntervalMs) * time.Millisecond,
			ExtractRetries:     cfg.Crawl.ExtractRetries,
			BatchSize:          cfg.Crawl.BatchSize,
			AssistAfterBroken:  cfg.Crawl.AssistAfterBroken,
		}, logger)

		newRenderer := func() (render.Renderer, error) {
			return render.NewSession(render.Options{
				Headless:   cfg.Render.Headless,
				UserAgent:  cfg.Render.UserAgent,
				NavTimeout: time.Duration(cfg.Render.NavTimeoutSec) * time.Second,
				NavPerSec:  cfg.Render.NavPerSec,
			}, logger)
		}

		w := worker.New(store, eng, newRenderer, worker.Config{
			Poll:             time.Duration(cfg.Worker.PollSeconds) * time.Second,
			Idle:             time.Duration(cfg.Worker.IdleSeconds) * time.Second,
			ReclaimInterval:  cfg.ReclaimInterval(),
			HeartbeatTimeout: cfg.HeartbeatTimeout(),
			MaxTries:         cfg.Queue.MaxTries,
		}, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
