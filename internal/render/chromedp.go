package render

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Options configures a chromedp session.
type Options struct {
	Headless  bool
	UserAgent string
	// NavTimeout bounds a single navigation, not the whole crawl.
	NavTimeout time.Duration
	// NavPerSec throttles navigations against the origin; zero disables
	// throttling.
	NavPerSec float64
	Width     int
	Height    int
}

// Session is a chromedp-backed Renderer holding one browser tab for the
// lifetime of a job.
type Session struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	limiter       *rate.Limiter
	opts          Options
	log           *zap.Logger
}

var _ Renderer = (*Session)(nil)

// NewSession launches a browser and opens the tab the session will drive.
func NewSession(opts Options, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 45 * time.Second
	}
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 2000
	}

	allocOpts := chromedp.DefaultExecAllocatorOptions[:]
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(opts.Width, opts.Height),
		chromedp.UserAgent(opts.UserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	warmup := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(opts.UserAgent),
	}
	if err := chromedp.Run(browserCtx, warmup); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	var limiter *rate.Limiter
	if opts.NavPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.NavPerSec), 1)
	}

	return &Session{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		limiter:       limiter,
		opts:          opts,
		log:           log,
	}, nil
}

// Close tears down the tab and the browser process.
func (s *Session) Close() error {
	s.browserCancel()
	s.allocCancel()
	return nil
}

func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	taskCtx, cancel := context.WithTimeout(s.browserCtx, s.opts.NavTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	return chromedp.Run(taskCtx, actions...)
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Navigate loads a URL and waits for body readiness.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("navigation rate limit: %w", err)
		}
	}
	err := s.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	s.log.Debug("navigated", zap.String("url", url))
	return nil
}

// CurrentURL reports the address after any client-side redirects.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// Title reports the current document title.
func (s *Session) Title(ctx context.Context) (string, error) {
	var title string
	if err := s.run(ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return strings.TrimSpace(title), nil
}

// WaitReady polls the wrapper count until it reaches minWrappers. Pages
// that never produce a single wrapper within the window are either broken
// or structured differently than the profile expects; the caller decides.
func (s *Session) WaitReady(ctx context.Context, sel Selectors, minWrappers int, timeout time.Duration) error {
	if minWrappers <= 0 {
		minWrappers = 1
	}
	deadline := time.Now().Add(timeout)
	for {
		st, err := s.Stats(ctx, sel)
		if err != nil {
			return err
		}
		if st.Wrappers >= minWrappers {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("page not ready: %d/%d wrappers after %s", st.Wrappers, minWrappers, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Scroll advances the viewport by 80% of its height so lazy loaders fire
// while keeping overlap between screens.
func (s *Session) Scroll(ctx context.Context) error {
	err := s.run(ctx, chromedp.Evaluate(
		`window.scrollBy(0, Math.floor(window.innerHeight * 0.8)); true`, nil,
	))
	if err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

// Stats counts wrapper elements and images with a usable source.
func (s *Session) Stats(ctx context.Context, sel Selectors) (Stats, error) {
	script := fmt.Sprintf(`(() => {
	const wrappers = document.querySelectorAll(%q).length;
	let images = 0;
	for (const img of document.querySelectorAll(%q)) {
		const src = img.currentSrc || img.src || img.dataset.src || '';
		if (src && !src.startsWith('data:')) images++;
	}
	return {wrappers, images};
})()`, sel.Wrapper, sel.Image)

	var st Stats
	if err := s.run(ctx, chromedp.Evaluate(script, &st)); err != nil {
		return Stats{}, fmt.Errorf("page stats: %w", err)
	}
	return st, nil
}

// Extract resolves the source URL of every content image in document order,
// preferring the loaded source over lazy-load attributes.
func (s *Session) Extract(ctx context.Context, sel Selectors) ([]string, error) {
	script := fmt.Sprintf(`(() => {
	const out = [];
	const seen = new Set();
	for (const img of document.querySelectorAll(%q)) {
		let src = img.currentSrc || img.src || img.dataset.src || img.dataset.lazySrc || '';
		if (!src || src.startsWith('data:')) continue;
		src = new URL(src, document.baseURI).href;
		if (seen.has(src)) continue;
		seen.add(src);
		out.push(src);
	}
	return out;
})()`, sel.Image)

	var urls []string
	if err := s.run(ctx, chromedp.Evaluate(script, &urls)); err != nil {
		return nil, fmt.Errorf("extract images: %w", err)
	}
	return urls, nil
}

// Advance clicks the next-position control if it is present and enabled.
func (s *Session) Advance(ctx context.Context, sel Selectors) (bool, error) {
	if sel.Next == "" {
		return false, nil
	}
	script := fmt.Sprintf(`(() => {
	const el = document.querySelector(%q);
	if (!el) return false;
	if (el.disabled || el.getAttribute('aria-disabled') === 'true') return false;
	const style = window.getComputedStyle(el);
	if (style.display === 'none' || style.visibility === 'hidden') return false;
	el.click();
	return true;
})()`, sel.Next)

	var clicked bool
	if err := s.run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return false, fmt.Errorf("advance: %w", err)
	}
	if clicked {
		// Give the page a beat to start its transition before the caller
		// re-reads the location.
		err := s.run(ctx, chromedp.Sleep(500*time.Millisecond))
		if err != nil {
			return true, fmt.Errorf("advance settle: %w", err)
		}
	}
	return clicked, nil
}

// Markers that identify common anti-bot interstitials.
var blockMarkers = []string{
	"just a moment",
	"checking your browser",
	"verify you are human",
	"access denied",
	"attention required",
	"cf-challenge",
	"captcha",
}

// Blocked inspects the title and visible text for interstitial markers.
func (s *Session) Blocked(ctx context.Context) (bool, string, error) {
	script := `(() => {
	const title = (document.title || '').toLowerCase();
	const body = (document.body ? document.body.innerText : '').slice(0, 2000).toLowerCase();
	return title + "\n" + body;
})()`

	var text string
	if err := s.run(ctx, chromedp.Evaluate(script, &text)); err != nil {
		return false, "", fmt.Errorf("block check: %w", err)
	}
	marker, blocked := matchBlockMarker(text)
	return blocked, marker, nil
}

func matchBlockMarker(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, marker := range blockMarkers {
		if strings.Contains(lower, marker) {
			return marker, true
		}
	}
	return "", false
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

// Cookies exports the browser cookies so asset downloads carry the same
// session the page was rendered under.
func (s *Session) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var out []*http.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, &http.Cookie{
				Name:   c.Name,
				Value:  c.Value,
				Domain: c.Domain,
				Path:   c.Path,
			})
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("export cookies: %w", err)
	}
	return out, nil
}
