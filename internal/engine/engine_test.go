package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasveiga/grimoire/internal/checkpoint"
	"github.com/lucasveiga/grimoire/internal/fetch"
	"github.com/lucasveiga/grimoire/internal/profile"
	"github.com/lucasveiga/grimoire/internal/queue"
	"github.com/lucasveiga/grimoire/internal/render"
)

// fakePage is one position of a scripted crawl.
type fakePage struct {
	url     string
	images  []string
	blocked bool
}

// fakeRenderer walks a fixed page sequence. Advance moves forward until
// the script runs out; advanceStalls makes clicks land on the same page.
type fakeRenderer struct {
	pages         []fakePage
	idx           int
	advanceStalls bool
}

func (f *fakeRenderer) Navigate(_ context.Context, url string) error {
	for i, p := range f.pages {
		if p.url == url {
			f.idx = i
			return nil
		}
	}
	f.idx = 0
	return nil
}

func (f *fakeRenderer) CurrentURL(context.Context) (string, error) { return f.pages[f.idx].url, nil }
func (f *fakeRenderer) Title(context.Context) (string, error)      { return "Position", nil }

func (f *fakeRenderer) WaitReady(context.Context, render.Selectors, int, time.Duration) error {
	return nil
}
func (f *fakeRenderer) Scroll(context.Context) error { return nil }

func (f *fakeRenderer) Stats(context.Context, render.Selectors) (render.Stats, error) {
	n := len(f.pages[f.idx].images)
	return render.Stats{Wrappers: n, Images: n}, nil
}

func (f *fakeRenderer) Extract(context.Context, render.Selectors) ([]string, error) {
	return f.pages[f.idx].images, nil
}

func (f *fakeRenderer) Advance(context.Context, render.Selectors) (bool, error) {
	if f.advanceStalls {
		return true, nil
	}
	if f.idx+1 >= len(f.pages) {
		return false, nil
	}
	f.idx++
	return true, nil
}

func (f *fakeRenderer) Blocked(context.Context) (bool, string, error) {
	if f.pages[f.idx].blocked {
		return true, "just a moment", nil
	}
	return false, "", nil
}

func (f *fakeRenderer) Screenshot(context.Context) ([]byte, error)       { return nil, nil }
func (f *fakeRenderer) Cookies(context.Context) ([]*http.Cookie, error)  { return nil, nil }
func (f *fakeRenderer) Close() error                                     { return nil }

// fakeQueue records engine-side queue traffic.
type fakeQueue struct {
	flags    map[string]string
	enqueued []queue.Job
	events   []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{flags: map[string]string{}}
}

func (q *fakeQueue) Heartbeat(context.Context, string, queue.Progress) error { return nil }

func (q *fakeQueue) GetFlag(_ context.Context, key, def string) (string, error) {
	if v, ok := q.flags[key]; ok {
		return v, nil
	}
	return def, nil
}

func (q *fakeQueue) LogEvent(_ context.Context, _, _, message string) error {
	q.events = append(q.events, message)
	return nil
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job) error {
	q.enqueued = append(q.enqueued, job)
	return nil
}

// fakeFetcher materializes every requested asset as a small file.
type fakeFetcher struct {
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, req fetch.Request) error {
	f.fetched = append(f.fetched, req.URL)
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o750); err != nil {
		return err
	}
	return os.WriteFile(req.Dest, []byte("img"), 0o640)
}

func fastConfig() Config {
	return Config{
		ReadyTimeout:       time.Second,
		ScrollMaxCycles:    3,
		ScrollStableCycles: 1,
		ScrollInterval:     time.Millisecond,
		ExtractRetries:     1,
	}
}

func testEngine(t *testing.T, q Queue, f Fetcher) *Engine {
	t.Helper()
	profiles, err := profile.NewStore(filepath.Join(t.TempDir(), "profiles.json"))
	require.NoError(t, err)
	return New(q, profiles, nil, f, fastConfig(), nil)
}

func seriesPages(n int) []fakePage {
	pages := make([]fakePage, n)
	for i := range pages {
		pages[i] = fakePage{
			url: "https://reader.example.com/s/ch-" + string(rune('1'+i)),
			images: []string{
				"https://cdn.example.com/ch/" + string(rune('1'+i)) + "/a.jpg",
				"https://cdn.example.com/ch/" + string(rune('1'+i)) + "/b.jpg",
				"https://cdn.example.com/ch/" + string(rune('1'+i)) + "/c.jpg",
			},
		}
	}
	return pages
}

func crawlJob(t *testing.T, dir string, payload queue.CrawlPayload) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{
		ID:      "job-1",
		Kind:    queue.KindCrawl,
		Target:  queue.Target{URL: "https://reader.example.com/s/ch-1", Name: "series", Dir: dir},
		Payload: raw,
	}
}

func TestRunCompletesAtExpectedTotal(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue()
	fetcher := &fakeFetcher{}
	eng := testEngine(t, q, fetcher)
	r := &fakeRenderer{pages: seriesPages(7)}

	job := crawlJob(t, dir, queue.CrawlPayload{ExpectedTotal: 5})
	result, summary, err := eng.Run(context.Background(), job, r)
	require.NoError(t, err)

	assert.Equal(t, StopExpectedTotal, result.StopReason)
	assert.True(t, result.Completed)
	assert.Equal(t, 5, result.Units)
	assert.Equal(t, 15, result.Images)
	assert.Empty(t, result.Broken)
	assert.Len(t, fetcher.fetched, 15)

	// Full success removes the checkpoint and hands off downstream once.
	cp, err := checkpoint.NewStore(dir).Load()
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.Len(t, q.enqueued, 1)
	assert.Equal(t, queue.KindPublish, q.enqueued[0].Kind)
	assert.Equal(t, "job-1-publish", q.enqueued[0].ID)

	require.NotNil(t, summary)
	assert.Equal(t, 5, summary.Units)
	assert.Zero(t, summary.ErrorRate)

	// The summary document survives on disk next to the content.
	saved, err := checkpoint.NewStore(dir).LoadSummary()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, StopExpectedTotal, saved.StopReason)

	for pos := 1; pos <= 5; pos++ {
		unitDir := filepath.Join(dir, "pos_00"+string(rune('0'+pos)))
		entries, err := os.ReadDir(unitDir)
		require.NoError(t, err)
		assert.Len(t, entries, 4, "3 images + meta.json in %s", unitDir)
	}
}

func TestRunStopsWhenAdvanceDoesNotProgress(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue()
	eng := testEngine(t, q, &fakeFetcher{})
	r := &fakeRenderer{pages: seriesPages(3), advanceStalls: true}

	job := crawlJob(t, dir, queue.CrawlPayload{})
	result, _, err := eng.Run(context.Background(), job, r)
	require.NoError(t, err)

	assert.Equal(t, StopNoProgress, result.StopReason)
	assert.False(t, result.Completed)
	assert.Equal(t, 1, result.Units)
	assert.Equal(t, 2, result.ResumePosition)

	// Interrupted crawls keep their checkpoint for resumption, but the
	// completed position is already worth a downstream handoff.
	cp, err := checkpoint.NewStore(dir).Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.LastPosition)
	assert.Equal(t, StopNoProgress, cp.StopReason)
	assert.True(t, cp.DownstreamEnqueued)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, queue.KindPublish, q.enqueued[0].Kind)
	assert.Equal(t, "job-1-publish", q.enqueued[0].ID)
}

func TestRunEndOfContent(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue()
	eng := testEngine(t, q, &fakeFetcher{})
	r := &fakeRenderer{pages: seriesPages(2)}

	result, _, err := eng.Run(context.Background(), crawlJob(t, dir, queue.CrawlPayload{}), r)
	require.NoError(t, err)

	assert.Equal(t, StopEndOfContent, result.StopReason)
	assert.True(t, result.Completed)
	assert.Equal(t, 2, result.Units)

	cp, err := checkpoint.NewStore(dir).Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRunStopsOnBlockedPage(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue()
	eng := testEngine(t, q, &fakeFetcher{})

	// Position 2 is an interstitial: marker present and nothing extracts.
	pages := seriesPages(3)
	pages[1].blocked = true
	pages[1].images = nil
	r := &fakeRenderer{pages: pages}

	result, _, err := eng.Run(context.Background(), crawlJob(t, dir, queue.CrawlPayload{}), r)
	require.NoError(t, err)

	assert.Equal(t, StopBlocked, result.StopReason)
	assert.False(t, result.Completed)
	assert.Equal(t, 2, result.Units, "the blocked position is recorded as terminal")

	cp, err := checkpoint.NewStore(dir).Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.LastPosition)
	require.Len(t, cp.CompletedUnits, 2)
	assert.Equal(t, string(QualityBlocked), cp.CompletedUnits[1].Quality)
}

func TestRunIgnoresMarkerWhenContentExtracts(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue()
	eng := testEngine(t, q, &fakeFetcher{})

	// Every page carries the marker text but still yields a full position;
	// a challenge solved in the background must not stop the crawl.
	pages := seriesPages(3)
	for i := range pages {
		pages[i].blocked = true
	}
	r := &fakeRenderer{pages: pages}

	result, _, err := eng.Run(context.Background(), crawlJob(t, dir, queue.CrawlPayload{}), r)
	require.NoError(t, err)

	assert.Equal(t, StopEndOfContent, result.StopReason)
	assert.True(t, result.Completed)
	assert.Equal(t, 3, result.Units)
	assert.Empty(t, result.Broken)
}

func TestRunHonorsStopFlag(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue()
	q.flags[queue.FlagStopRequested] = "1"
	eng := testEngine(t, q, &fakeFetcher{})
	r := &fakeRenderer{pages: seriesPages(3)}

	result, _, err := eng.Run(context.Background(), crawlJob(t, dir, queue.CrawlPayload{}), r)
	require.NoError(t, err)
	assert.Equal(t, StopUserRequested, result.StopReason)
	assert.Zero(t, result.Units)
}

func TestRunBatchRotation(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue()
	eng := testEngine(t, q, &fakeFetcher{})
	r := &fakeRenderer{pages: seriesPages(5)}

	job := crawlJob(t, dir, queue.CrawlPayload{BatchSize: 2, ExpectedTotal: 5})
	result, _, err := eng.Run(context.Background(), job, r)
	require.NoError(t, err)

	assert.Equal(t, StopBatchRotation, result.StopReason)
	assert.Equal(t, 2, result.Units)
	assert.Equal(t, "job-1-cont-1", result.ContinuedAs)

	// Rotation enqueues the continuation and the one-time publish handoff.
	require.Len(t, q.enqueued, 2)
	cont := q.enqueued[0]
	assert.Equal(t, "job-1-cont-1", cont.ID)
	assert.Equal(t, queue.KindCrawl, cont.Kind)
	assert.Equal(t, queue.KindPublish, q.enqueued[1].Kind)

	var contPayload queue.CrawlPayload
	require.NoError(t, json.Unmarshal(cont.Payload, &contPayload))
	assert.Equal(t, "job-1", contPayload.RequeuedFrom)
	assert.Equal(t, 5, contPayload.ExpectedTotal)

	cp, err := checkpoint.NewStore(dir).Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.LastPosition)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue()
	fetcher := &fakeFetcher{}
	eng := testEngine(t, q, fetcher)
	pages := seriesPages(4)

	// First run rotates out after 2 positions.
	job := crawlJob(t, dir, queue.CrawlPayload{BatchSize: 2})
	result, _, err := eng.Run(context.Background(), job, &fakeRenderer{pages: pages})
	require.NoError(t, err)
	require.Equal(t, StopBatchRotation, result.StopReason)

	// Continuation picks up at position 3 without refetching 1 and 2.
	fetchedBefore := len(fetcher.fetched)
	cont := q.enqueued[0]
	result, _, err = eng.Run(context.Background(), &cont, &fakeRenderer{pages: pages})
	require.NoError(t, err)

	assert.Equal(t, StopEndOfContent, result.StopReason)
	assert.Equal(t, 4, result.Units)
	assert.Equal(t, 6, len(fetcher.fetched)-fetchedBefore, "only positions 3 and 4 fetched")

	cp, err := checkpoint.NewStore(dir).Load()
	require.NoError(t, err)
	assert.Nil(t, cp)

	// Downstream handoff fires exactly once, keyed to the root job id.
	var publishes []queue.Job
	for _, j := range q.enqueued {
		if j.Kind == queue.KindPublish {
			publishes = append(publishes, j)
		}
	}
	require.Len(t, publishes, 1)
	assert.Equal(t, "job-1-publish", publishes[0].ID)
}

func TestRunAdvanceLoopingBackIsNoProgress(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue()
	eng := testEngine(t, q, &fakeFetcher{})

	// The next control loops back to the first page: a stalled control,
	// not a page we happened to land on.
	pages := seriesPages(2)
	pages = append(pages, pages[0])
	r := &fakeRenderer{pages: pages}

	result, _, err := eng.Run(context.Background(), crawlJob(t, dir, queue.CrawlPayload{}), r)
	require.NoError(t, err)
	assert.Equal(t, StopNoProgress, result.StopReason)
	assert.Equal(t, 2, result.Units)
}

func TestRunDuplicatePositionGuard(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue()
	eng := testEngine(t, q, &fakeFetcher{})
	pages := seriesPages(2)

	// Position 1 is already on record; a forced restart at the target URL
	// lands on it directly.
	cpStore := checkpoint.NewStore(dir)
	require.NoError(t, cpStore.Save(&checkpoint.Checkpoint{
		JobID:        "job-1",
		TargetURL:    pages[0].url,
		LastPosition: 1,
		LastURL:      pages[0].url,
		CompletedUnits: []checkpoint.Unit{
			{Position: 1, URL: pages[0].url, Images: 3, Quality: string(QualityOK)},
		},
	}))

	job := crawlJob(t, dir, queue.CrawlPayload{ForceURL: true})
	result, _, err := eng.Run(context.Background(), job, &fakeRenderer{pages: pages})
	require.NoError(t, err)
	assert.Equal(t, StopDuplicate, result.StopReason)
	assert.Equal(t, 1, result.Units)
}

// flagSettingFetcher requests a stop as a side effect of the first
// download, the way an operator pressing stop mid-unit would.
type flagSettingFetcher struct {
	fakeFetcher
	q *fakeQueue
}

func (f *flagSettingFetcher) Fetch(ctx context.Context, req fetch.Request) error {
	f.q.flags[queue.FlagStopRequested] = "1"
	return f.fakeFetcher.Fetch(ctx, req)
}

func TestRunStopRequestInterruptsDownloads(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue()
	fetcher := &flagSettingFetcher{q: q}
	eng := testEngine(t, q, fetcher)
	r := &fakeRenderer{pages: seriesPages(2)}

	result, _, err := eng.Run(context.Background(), crawlJob(t, dir, queue.CrawlPayload{}), r)
	require.NoError(t, err)

	assert.Equal(t, StopUserRequested, result.StopReason)
	assert.Equal(t, 1, result.Units)
	assert.Equal(t, 2, result.ResumePosition)
	assert.Len(t, fetcher.fetched, 1, "remaining assets are skipped once stop is requested")

	// What was acquired before the stop is checkpointed.
	cp, err := checkpoint.NewStore(dir).Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.LastPosition)
	require.Len(t, cp.CompletedUnits, 1)
	assert.Equal(t, 1, cp.CompletedUnits[0].Images)
}

func TestRunSkipsExistingAssets(t *testing.T) {
	dir := t.TempDir()
	q := newFakeQueue()
	fetcher := &fakeFetcher{}
	eng := testEngine(t, q, fetcher)

	// Pre-seed the first asset of position 1.
	unitDir := filepath.Join(dir, "pos_001")
	require.NoError(t, os.MkdirAll(unitDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(unitDir, "img_001.jpg"), []byte("img"), 0o640))

	r := &fakeRenderer{pages: seriesPages(1)}
	result, _, err := eng.Run(context.Background(), crawlJob(t, dir, queue.CrawlPayload{}), r)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Images)
	assert.Len(t, fetcher.fetched, 2, "existing non-empty file is not refetched")
}
