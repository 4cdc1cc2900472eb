// Package engine runs one crawl job end to end: resuming from a
// checkpoint, walking positions through the renderer, downloading assets,
// and deciding when and why to stop.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasveiga/grimoire/internal/checkpoint"
	"github.com/lucasveiga/grimoire/internal/fetch"
	"github.com/lucasveiga/grimoire/internal/metrics"
	"github.com/lucasveiga/grimoire/internal/profile"
	"github.com/lucasveiga/grimoire/internal/queue"
	"github.com/lucasveiga/grimoire/internal/render"
	"github.com/lucasveiga/grimoire/internal/urlnorm"
)

// Stop reasons recorded in checkpoints and results.
const (
	StopExpectedTotal = "expected-total-reached"
	StopDuplicate     = "duplicate-position"
	StopBlocked       = "blocked"
	StopUserRequested = "user-requested"
	StopEndOfContent  = "end-of-content"
	StopNoProgress    = "advance-did-not-progress"
	StopBatchRotation = "batch-rotation"
)

// Queue is the slice of the job store the engine needs while running.
type Queue interface {
	Heartbeat(ctx context.Context, jobID string, p queue.Progress) error
	GetFlag(ctx context.Context, key, def string) (string, error)
	LogEvent(ctx context.Context, jobID, level, message string) error
	Enqueue(ctx context.Context, job queue.Job) error
}

// Fetcher downloads one asset to a destination path.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) error
}

// Config tunes the crawl loop.
type Config struct {
	ReadyTimeout       time.Duration
	ScrollMaxCycles    int
	ScrollStableCycles int
	ScrollInterval     time.Duration
	ExtractRetries     int
	BatchSize          int
	// AssistAfterBroken is how many consecutive broken positions trigger
	// an assist suggestion; zero disables assist.
	AssistAfterBroken int
}

func (c *Config) applyDefaults() {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.ScrollMaxCycles <= 0 {
		c.ScrollMaxCycles = 40
	}
	if c.ScrollStableCycles <= 0 {
		c.ScrollStableCycles = 3
	}
	if c.ScrollInterval <= 0 {
		c.ScrollInterval = 700 * time.Millisecond
	}
	if c.ExtractRetries <= 0 {
		c.ExtractRetries = 2
	}
}

// Result is the terminal document the worker records on the queue.
type Result struct {
	StopReason     string  `json:"stop_reason"`
	Units          int     `json:"units"`
	Images         int     `json:"images"`
	Broken         []int   `json:"broken,omitempty"`
	Partial        []int   `json:"partial,omitempty"`
	ResumePosition int     `json:"resume_position,omitempty"`
	ContinuedAs    string  `json:"continued_as,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Completed      bool    `json:"completed"`
}

// Engine runs crawl jobs.
type Engine struct {
	q        Queue
	profiles *profile.Store
	assist   *profile.AssistClient
	fetcher  Fetcher
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

// New builds an engine. assist may be nil; a nil logger becomes a no-op.
func New(q Queue, profiles *profile.Store, assist *profile.AssistClient, fetcher Fetcher, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Engine{
		q:        q,
		profiles: profiles,
		assist:   assist,
		fetcher:  fetcher,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Run executes one crawl job against an open renderer session. It returns
// the terminal result and summary; an error means the job failed outside a
// position boundary and should be retried by the queue.
func (e *Engine) Run(ctx context.Context, job *queue.Job, r render.Renderer) (*Result, *checkpoint.Summary, error) {
	start := e.now()
	log := e.log.With(zap.String("job_id", job.ID), zap.String("target", job.Target.Name))

	var payload queue.CrawlPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, nil, fmt.Errorf("decode payload: %w", err)
		}
	}

	cpStore := checkpoint.NewStore(job.Target.Dir)
	cp, err := cpStore.Load()
	if err != nil {
		return nil, nil, err
	}
	fresh := cp == nil
	if fresh {
		cp = &checkpoint.Checkpoint{
			JobID:         job.ID,
			TargetURL:     job.Target.URL,
			ExpectedTotal: payload.ExpectedTotal,
			BatchSize:     payload.BatchSize,
		}
	} else {
		cp.JobID = job.ID
		if payload.ExpectedTotal > 0 {
			cp.ExpectedTotal = payload.ExpectedTotal
		}
		log.Info("resuming from checkpoint",
			zap.Int("last_position", cp.LastPosition),
			zap.Int("completed", len(cp.CompletedUnits)),
		)
	}

	visited := make(map[string]struct{}, len(cp.CompletedUnits))
	for _, u := range cp.CompletedUnits {
		visited[urlnorm.Normalize(u.URL)] = struct{}{}
	}

	startURL := job.Target.URL
	resumed := false
	if !fresh && cp.LastURL != "" && !payload.ForceURL {
		startURL = cp.LastURL
		resumed = true
	}
	if err := r.Navigate(ctx, startURL); err != nil {
		return nil, nil, err
	}
	if resumed {
		// The resume point is the last completed page; step past it before
		// processing, otherwise the duplicate guard fires on our own trail.
		prof := e.profiles.ForURL(startURL)
		clicked, err := r.Advance(ctx, prof.Selectors())
		if err != nil {
			return nil, nil, fmt.Errorf("advance past resume point: %w", err)
		}
		if !clicked {
			return e.finish(ctx, job, cp, cpStore, r, payload, StopEndOfContent, start, 0, 0)
		}
	}

	var (
		position          = cp.LastPosition + 1
		doneThisRun       int
		imagesOK          int
		imagesFailed      int
		consecutiveBroken int
		override          *profile.Profile
		stop              string
	)

	for stop == "" {
		if cp.ExpectedTotal > 0 && len(cp.CompletedUnits) >= cp.ExpectedTotal {
			stop = StopExpectedTotal
			break
		}
		if v, ferr := e.q.GetFlag(ctx, queue.FlagStopRequested, "0"); ferr == nil && v == "1" {
			stop = StopUserRequested
			break
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		cur, err := r.CurrentURL(ctx)
		if err != nil {
			return e.abort(cp, cpStore, fmt.Errorf("read position url: %w", err))
		}
		key := urlnorm.Normalize(cur)
		if _, seen := visited[key]; seen {
			stop = StopDuplicate
			break
		}

		prof := e.profiles.ForURL(cur)
		if override != nil {
			prof = *override
		}
		sel := prof.Selectors()
		partialMin, okMin := prof.Thresholds()

		posStart := e.now()
		_ = e.q.Heartbeat(ctx, job.ID, e.progress(cp, position, "crawling"))

		unit := checkpoint.Unit{Position: position, URL: cur}
		if title, terr := r.Title(ctx); terr == nil {
			unit.Title = title
		}

		urls, best := e.readPosition(ctx, r, sel, log, position)
		unit.Quality = string(Classify(len(urls), partialMin, okMin))

		// Interstitial markers alone never stop a position that yielded
		// content; only an empty position on a marked page is a block.
		if unit.Quality == string(QualityBroken) {
			if blocked, marker, berr := r.Blocked(ctx); berr == nil && blocked {
				unit.Quality = string(QualityBlocked)
				stop = StopBlocked
				_ = e.q.LogEvent(ctx, job.ID, "error", fmt.Sprintf("blocked at position %d: %s", position, marker))
				log.Warn("anti-bot interstitial", zap.Int("position", position), zap.String("marker", marker))
			}
		}

		dir, err := cpStore.UnitDir(position)
		if err != nil {
			return e.abort(cp, cpStore, err)
		}
		unit.Dir = dir

		cookies, _ := r.Cookies(ctx)
		for i, asset := range urls {
			// The stop signal is cooperative per unit, not per position:
			// a request landing mid-download takes effect before the next
			// asset and still checkpoints what was acquired.
			if v, ferr := e.q.GetFlag(ctx, queue.FlagStopRequested, "0"); ferr == nil && v == "1" {
				stop = StopUserRequested
				break
			}
			dest := filepath.Join(dir, fmt.Sprintf("img_%03d%s", i+1, extFromURL(asset)))
			if fi, serr := os.Stat(dest); serr == nil && fi.Size() > 0 {
				unit.Images++
				continue
			}
			if ferr := e.fetcher.Fetch(ctx, fetch.Request{URL: asset, Dest: dest, Referer: cur, Cookies: cookies}); ferr != nil {
				imagesFailed++
				metrics.ImageFailures.Inc()
				log.Warn("asset download failed",
					zap.Int("position", position),
					zap.String("url", asset),
					zap.Error(ferr),
				)
			} else {
				unit.Images++
				imagesOK++
				metrics.ImagesDownloaded.Inc()
			}
			_ = e.q.Heartbeat(ctx, job.ID, e.progress(cp, position, "downloading"))
		}

		if merr := cpStore.WriteUnitMeta(position, &unit); merr != nil {
			log.Warn("write unit meta", zap.Int("position", position), zap.Error(merr))
		}
		metrics.Positions.WithLabelValues(unit.Quality).Inc()
		metrics.PositionDuration.Observe(e.now().Sub(posStart).Seconds())

		cp.CompletedUnits = append(cp.CompletedUnits, unit)
		cp.LastPosition = position
		cp.LastURL = cur
		visited[key] = struct{}{}
		if err := cpStore.Save(cp); err != nil {
			return nil, nil, err
		}

		level := "info"
		if unit.Quality != string(QualityOK) {
			level = "warning"
		}
		_ = e.q.LogEvent(ctx, job.ID, level,
			fmt.Sprintf("position %d %s: %d images", position, unit.Quality, unit.Images))
		log.Info("position done",
			zap.Int("position", position),
			zap.String("quality", unit.Quality),
			zap.Int("images", unit.Images),
		)

		if stop != "" {
			break
		}

		if unit.Quality == string(QualityBroken) {
			consecutiveBroken++
		} else {
			consecutiveBroken = 0
		}
		if e.assist != nil && e.cfg.AssistAfterBroken > 0 && consecutiveBroken >= e.cfg.AssistAfterBroken {
			if sugg, aerr := e.assist.Suggest(ctx, hostOf(cur), unit.Title, best.Wrappers, len(urls)); aerr == nil && sugg != nil {
				log.Info("adopting assist selectors", zap.String("wrapper", sugg.Wrapper))
				override = sugg
				consecutiveBroken = 0
			}
		}

		doneThisRun++
		position++

		clicked, err := r.Advance(ctx, sel)
		if err != nil {
			return e.abort(cp, cpStore, fmt.Errorf("advance: %w", err))
		}
		if !clicked {
			stop = StopEndOfContent
			break
		}
		next, err := r.CurrentURL(ctx)
		if err != nil {
			return e.abort(cp, cpStore, fmt.Errorf("read advanced url: %w", err))
		}
		// Advance landing anywhere on our own trail is a stalled control,
		// including the page we just left: the key was added to visited
		// above, so one membership check covers both.
		if _, seen := visited[urlnorm.Normalize(next)]; seen {
			stop = StopNoProgress
			break
		}

		batch := payload.BatchSize
		if batch <= 0 {
			batch = e.cfg.BatchSize
		}
		if batch > 0 && doneThisRun >= batch {
			stop = StopBatchRotation
			break
		}
	}

	return e.finish(ctx, job, cp, cpStore, r, payload, stop, start, imagesOK, imagesFailed)
}

// readPosition waits for the page, stabilizes it, and extracts asset URLs,
// retrying extraction when it races ahead of a page that clearly has
// content. All failures here degrade the position, never the job.
func (e *Engine) readPosition(ctx context.Context, r render.Renderer, sel render.Selectors, log *zap.Logger, position int) ([]string, render.Stats) {
	if err := r.WaitReady(ctx, sel, 1, e.cfg.ReadyTimeout); err != nil {
		log.Warn("page never became ready", zap.Int("position", position), zap.Error(err))
		return nil, render.Stats{}
	}

	best, err := stabilize(ctx, r, sel, e.cfg.ScrollMaxCycles, e.cfg.ScrollStableCycles, e.cfg.ScrollInterval, log)
	if err != nil {
		log.Warn("stabilization failed", zap.Int("position", position), zap.Error(err))
	}

	urls, err := r.Extract(ctx, sel)
	if err != nil {
		log.Warn("extraction failed", zap.Int("position", position), zap.Error(err))
		return nil, best
	}
	for attempt := 0; attempt < e.cfg.ExtractRetries && len(urls) <= 1 && best.Wrappers >= 5; attempt++ {
		select {
		case <-ctx.Done():
			return urls, best
		case <-time.After(e.cfg.ScrollInterval):
		}
		retried, rerr := r.Extract(ctx, sel)
		if rerr == nil && len(retried) > len(urls) {
			urls = retried
		}
	}
	return urls, best
}

func (e *Engine) progress(cp *checkpoint.Checkpoint, position int, state string) queue.Progress {
	percent := 0
	if cp.ExpectedTotal > 0 {
		percent = len(cp.CompletedUnits) * 100 / cp.ExpectedTotal
		if percent > 100 {
			percent = 100
		}
	}
	return queue.Progress{
		Position: position,
		Percent:  percent,
		Units:    len(cp.CompletedUnits),
		State:    state,
	}
}

// finish handles the terminal bookkeeping for a stop reason: continuation
// or publish enqueues, summary, and checkpoint retention or deletion.
func (e *Engine) finish(ctx context.Context, job *queue.Job, cp *checkpoint.Checkpoint, cpStore *checkpoint.Store, r render.Renderer, payload queue.CrawlPayload, stop string, start time.Time, imagesOK, imagesFailed int) (*Result, *checkpoint.Summary, error) {
	log := e.log.With(zap.String("job_id", job.ID))
	success := stop == StopExpectedTotal || stop == StopEndOfContent

	var continuedAs string
	if stop == StopBatchRotation {
		contID := continuationID(job.ID)
		contPayload, _ := json.Marshal(queue.CrawlPayload{
			ExpectedTotal: cp.ExpectedTotal,
			BatchSize:     cp.BatchSize,
			RequeuedFrom:  job.ID,
		})
		if err := e.q.Enqueue(ctx, queue.Job{
			ID:      contID,
			Kind:    queue.KindCrawl,
			Target:  job.Target,
			Payload: contPayload,
		}); err != nil {
			return e.abort(cp, cpStore, fmt.Errorf("enqueue continuation: %w", err))
		}
		continuedAs = contID
		log.Info("batch rotation", zap.String("continuation", contID))
	}

	if stop == StopEndOfContent {
		e.fetchCover(ctx, job, payload, r, log)
	}

	// Anything with at least one completed position is worth publishing,
	// however the run ended. The flag persists in the retained checkpoint,
	// so rotations and interrupted runs cannot enqueue twice.
	if !cp.DownstreamEnqueued && len(cp.CompletedUnits) > 0 {
		pubPayload, _ := json.Marshal(queue.PublishPayload{SourceJobID: job.ID})
		if err := e.q.Enqueue(ctx, queue.Job{
			ID:      rootID(job.ID) + "-publish",
			Kind:    queue.KindPublish,
			Target:  job.Target,
			Payload: pubPayload,
		}); err != nil {
			return e.abort(cp, cpStore, fmt.Errorf("enqueue publish: %w", err))
		}
		cp.DownstreamEnqueued = true
	}

	cp.StopReason = stop
	cp.StopPosition = cp.LastPosition
	if err := cpStore.Save(cp); err != nil {
		return nil, nil, err
	}

	elapsed := e.now().Sub(start).Seconds()
	summary := e.buildSummary(job, cp, stop, elapsed, imagesOK, imagesFailed)
	if err := cpStore.WriteSummary(summary); err != nil {
		log.Warn("write summary", zap.Error(err))
	}

	if success {
		if err := cpStore.Delete(); err != nil {
			log.Warn("delete checkpoint", zap.Error(err))
		}
	}

	result := &Result{
		StopReason:     stop,
		Units:          len(cp.CompletedUnits),
		Images:         totalImages(cp),
		Broken:         summary.Broken,
		Partial:        summary.Partial,
		ContinuedAs:    continuedAs,
		ElapsedSeconds: elapsed,
		Completed:      success,
	}
	if !success {
		result.ResumePosition = cp.LastPosition + 1
	}
	_ = e.q.LogEvent(ctx, job.ID, "info", fmt.Sprintf("stopped: %s after %d units", stop, result.Units))
	return result, summary, nil
}

// abort flushes the checkpoint best-effort before surfacing a fatal error.
func (e *Engine) abort(cp *checkpoint.Checkpoint, cpStore *checkpoint.Store, err error) (*Result, *checkpoint.Summary, error) {
	if serr := cpStore.Save(cp); serr != nil {
		e.log.Warn("checkpoint flush on abort", zap.Error(serr))
	}
	return nil, nil, err
}

// fetchCover grabs the series cover once the whole target is acquired.
// Strictly best-effort.
func (e *Engine) fetchCover(ctx context.Context, job *queue.Job, payload queue.CrawlPayload, r render.Renderer, log *zap.Logger) {
	if payload.SeriesURL == "" {
		return
	}
	if err := r.Navigate(ctx, payload.SeriesURL); err != nil {
		log.Debug("cover page navigation failed", zap.Error(err))
		return
	}
	urls, err := r.Extract(ctx, render.Selectors{Image: "img"})
	if err != nil || len(urls) == 0 {
		return
	}
	cookies, _ := r.Cookies(ctx)
	dest := filepath.Join(job.Target.Dir, "cover"+extFromURL(urls[0]))
	if err := e.fetcher.Fetch(ctx, fetch.Request{
		URL: urls[0], Dest: dest, Referer: payload.SeriesURL, Cookies: cookies,
	}); err != nil {
		log.Debug("cover download failed", zap.Error(err))
	}
}

func (e *Engine) buildSummary(job *queue.Job, cp *checkpoint.Checkpoint, stop string, elapsed float64, imagesOK, imagesFailed int) *checkpoint.Summary {
	sum := &checkpoint.Summary{
		JobID:          job.ID,
		TargetURL:      job.Target.URL,
		Units:          len(cp.CompletedUnits),
		Images:         totalImages(cp),
		StopReason:     stop,
		ElapsedSeconds: elapsed,
		FinishedAt:     e.now().UTC(),
	}
	for _, u := range cp.CompletedUnits {
		switch Quality(u.Quality) {
		case QualityBroken:
			sum.Broken = append(sum.Broken, u.Position)
		case QualityPartial:
			sum.Partial = append(sum.Partial, u.Position)
		}
	}
	if imagesOK > 0 {
		sum.SecondsPerImage = elapsed / float64(imagesOK)
	}
	if attempted := imagesOK + imagesFailed; attempted > 0 {
		sum.ErrorRate = float64(imagesFailed) / float64(attempted)
	}
	return sum
}

func totalImages(cp *checkpoint.Checkpoint) int {
	n := 0
	for _, u := range cp.CompletedUnits {
		n += u.Images
	}
	return n
}

var contSuffix = regexp.MustCompile(`^(.*)-cont-(\d+)$`)

// continuationID derives the deterministic id of a batch-rotation
// continuation: parent-cont-1, parent-cont-2, and so on.
func continuationID(jobID string) string {
	if m := contSuffix.FindStringSubmatch(jobID); m != nil {
		seq, _ := strconv.Atoi(m[2])
		return fmt.Sprintf("%s-cont-%d", m[1], seq+1)
	}
	return jobID + "-cont-1"
}

// rootID strips any continuation suffix so every batch of a target shares
// one downstream publish job.
func rootID(jobID string) string {
	if m := contSuffix.FindStringSubmatch(jobID); m != nil {
		return m[1]
	}
	return jobID
}

func extFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ".jpg"
	}
	ext := strings.ToLower(filepath.Ext(u.Path))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif", ".avif":
		return ext
	default:
		return ".jpg"
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
