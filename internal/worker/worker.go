// Package worker polls the job queue, reclaims abandoned work, and
// dispatches claimed crawl jobs to the engine. One worker owns one browser
// session and runs one job at a time.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasveiga/grimoire/internal/checkpoint"
	"github.com/lucasveiga/grimoire/internal/engine"
	"github.com/lucasveiga/grimoire/internal/metrics"
	"github.com/lucasveiga/grimoire/internal/queue"
	"github.com/lucasveiga/grimoire/internal/render"
)

// Store is the slice of the queue the worker drives.
type Store interface {
	ClaimNext(ctx context.Context, kind queue.Kind, workerID string) (*queue.Job, error)
	Complete(ctx context.Context, jobID string, result, summary any) error
	Fail(ctx context.Context, jobID, errMsg string, maxTries int) (int, queue.Status, error)
	ReclaimStale(ctx context.Context, timeout time.Duration) (int64, error)
	GetFlag(ctx context.Context, key, def string) (string, error)
	SetFlag(ctx context.Context, key, value string) error
	LogEvent(ctx context.Context, jobID, level, message string) error
}

// Runner executes one crawl job against a renderer session.
type Runner interface {
	Run(ctx context.Context, job *queue.Job, r render.Renderer) (*engine.Result, *checkpoint.Summary, error)
}

// RendererFactory opens a fresh browser session for a job.
type RendererFactory func() (render.Renderer, error)

// Config tunes the poll loop.
type Config struct {
	Poll             time.Duration
	Idle             time.Duration
	ReclaimInterval  time.Duration
	HeartbeatTimeout time.Duration
	MaxTries         int
}

func (c *Config) applyDefaults() {
	if c.Poll <= 0 {
		c.Poll = 5 * time.Second
	}
	if c.Idle <= 0 {
		c.Idle = 15 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = time.Minute
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Minute
	}
	if c.MaxTries <= 0 {
		c.MaxTries = 5
	}
}

// Worker is one crawl consumer.
type Worker struct {
	id          string
	store       Store
	runner      Runner
	newRenderer RendererFactory
	cfg         Config
	log         *zap.Logger

	lastReclaim time.Time
}

// New builds a worker with a generated identity.
func New(store Store, runner Runner, newRenderer RendererFactory, cfg Config, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.applyDefaults()
	id := fmt.Sprintf("%s-%s", hostname(), uuid.NewString()[:8])
	return &Worker{
		id:          id,
		store:       store,
		runner:      runner,
		newRenderer: newRenderer,
		cfg:         cfg,
		log:         log.With(zap.String("worker_id", id)),
	}
}

// ID returns the worker's identity as recorded on claimed jobs.
func (w *Worker) ID() string { return w.id }

// Run polls until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started",
		zap.Duration("poll", w.cfg.Poll),
		zap.Duration("heartbeat_timeout", w.cfg.HeartbeatTimeout),
	)
	for {
		delay, err := w.Tick(ctx)
		if err != nil {
			w.log.Error("tick failed, backing off", zap.Error(err))
			delay = w.cfg.Idle
		}
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping")
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Tick runs one poll iteration and returns how long to sleep before the
// next one. Zero means a job was processed and the queue should be polled
// again immediately.
func (w *Worker) Tick(ctx context.Context) (time.Duration, error) {
	if time.Since(w.lastReclaim) >= w.cfg.ReclaimInterval {
		w.lastReclaim = time.Now()
		n, err := w.store.ReclaimStale(ctx, w.cfg.HeartbeatTimeout)
		if err != nil {
			return 0, fmt.Errorf("reclaim: %w", err)
		}
		if n > 0 {
			metrics.JobsReclaimed.Add(float64(n))
			w.log.Warn("reclaimed stale jobs", zap.Int64("count", n))
		}
	}

	running, err := w.store.GetFlag(ctx, queue.FlagRunning, "1")
	if err != nil {
		return 0, fmt.Errorf("read run flag: %w", err)
	}
	if running != "1" {
		return w.cfg.Idle, nil
	}

	job, err := w.store.ClaimNext(ctx, queue.KindCrawl, w.id)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return w.cfg.Poll, nil
	}

	w.process(ctx, job)
	return 0, nil
}

func (w *Worker) process(ctx context.Context, job *queue.Job) {
	log := w.log.With(zap.String("job_id", job.ID))
	log.Info("job claimed", zap.String("url", job.Target.URL), zap.Int("tries", job.Tries))
	start := time.Now()

	// A stop request belongs to the previous run; starting a job resets it.
	if err := w.store.SetFlag(ctx, queue.FlagStopRequested, "0"); err != nil {
		log.Warn("clear stop flag", zap.Error(err))
	}

	r, err := w.newRenderer()
	if err != nil {
		w.fail(ctx, job, fmt.Errorf("open renderer: %w", err))
		return
	}
	render.SetLive(r)
	defer func() {
		render.SetLive(nil)
		if cerr := r.Close(); cerr != nil {
			log.Warn("close renderer", zap.Error(cerr))
		}
	}()

	result, summary, err := w.runner.Run(ctx, job, r)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	w.validate(job, result, log)

	if err := w.store.Complete(ctx, job.ID, result, summary); err != nil {
		log.Error("record completion", zap.Error(err))
		return
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Kind), "done").Inc()
	metrics.JobDuration.Observe(time.Since(start).Seconds())
	log.Info("job done",
		zap.String("stop_reason", result.StopReason),
		zap.Int("units", result.Units),
		zap.Int("images", result.Images),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (w *Worker) fail(ctx context.Context, job *queue.Job, jobErr error) {
	tries, status, err := w.store.Fail(ctx, job.ID, jobErr.Error(), w.cfg.MaxTries)
	if err != nil {
		w.log.Error("record failure", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Kind), string(status)).Inc()
	_ = w.store.LogEvent(ctx, job.ID, "error", jobErr.Error())
	w.log.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.Int("tries", tries),
		zap.String("status", string(status)),
		zap.Error(jobErr),
	)
}

// validate cross-checks the result against what actually landed on disk
// and records a warning event on mismatch. Purely diagnostic.
func (w *Worker) validate(job *queue.Job, result *engine.Result, log *zap.Logger) {
	onDisk := countAssets(job.Target.Dir)
	if onDisk < result.Images {
		msg := fmt.Sprintf("validation: %d assets on disk, result claims %d", onDisk, result.Images)
		_ = w.store.LogEvent(context.Background(), job.ID, "warning", msg)
		log.Warn("validation mismatch", zap.Int("on_disk", onDisk), zap.Int("claimed", result.Images))
	}
}

func countAssets(root string) int {
	n := 0
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "pos_") {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, e.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || f.Name() == "meta.json" {
				continue
			}
			n++
		}
	}
	return n
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}
