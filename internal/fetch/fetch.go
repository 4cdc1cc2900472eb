// Package fetch downloads media assets referenced by rendered pages. Every
// file is streamed to a temp path, validated, and renamed into place so a
// crash never leaves a truncated asset behind.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRetriesExhausted is returned after every download attempt failed.
var ErrRetriesExhausted = errors.New("download retries exhausted")

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Options tunes a Downloader. Zero values fall back to sane defaults.
type Options struct {
	MaxAttempts int
	RetryBase   time.Duration
	Timeout     time.Duration
	UserAgent   string
	// RatePerSec throttles requests against the origin; zero disables
	// throttling.
	RatePerSec float64
}

// Downloader fetches binary assets over HTTP with per-origin politeness.
type Downloader struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
	log     *zap.Logger
}

// New builds a Downloader. A nil logger is replaced by a no-op one.
func New(opts Options, log *zap.Logger) *Downloader {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}

	return &Downloader{
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: limiter,
		opts:    opts,
		log:     log,
	}
}

// Request describes one asset to fetch. Referer and Cookies carry the
// browsing context the page was rendered under, since most image hosts
// refuse bare requests.
type Request struct {
	URL     string
	Dest    string
	Referer string
	Cookies []*http.Cookie
}

// Fetch downloads one asset to req.Dest. On success the destination file is
// complete and validated; on failure no destination file exists.
func (d *Downloader) Fetch(ctx context.Context, req Request) error {
	var lastErr error
	for attempt := 0; attempt < d.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := d.retryDelay(attempt)
			d.log.Debug("retrying download",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		if err := d.fetchOnce(ctx, req); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrRetriesExhausted, req.URL, lastErr)
}

// retryDelay grows exponentially from the base with up to 50% jitter.
func (d *Downloader) retryDelay(attempt int) time.Duration {
	delay := d.opts.RetryBase << (attempt - 1)
	return delay + time.Duration(rand.Int63n(int64(delay)/2+1))
}

func (d *Downloader) fetchOnce(ctx context.Context, req Request) (err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", d.opts.UserAgent)
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}
	for _, c := range req.Cookies {
		httpReq.AddCookie(c)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("get %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status %d", req.URL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o750); err != nil {
		return fmt.Errorf("create asset directory: %w", err)
	}

	tmp := req.Dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("stream %s: %w", req.URL, err)
	}
	if n == 0 {
		err = fmt.Errorf("get %s: empty body", req.URL)
		return err
	}

	if err = validateImage(tmp); err != nil {
		return err
	}

	if err = os.Rename(tmp, req.Dest); err != nil {
		return fmt.Errorf("finalize %s: %w", req.Dest, err)
	}
	return nil
}

// validateImage sniffs the file content; servers routinely answer image
// URLs with HTML error pages and a 200.
func validateImage(path string) error {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("detect content type: %w", err)
	}
	if !strings.HasPrefix(mt.String(), "image/") {
		return fmt.Errorf("unexpected content type %s", mt.String())
	}
	return nil
}
