// Package render drives a headless browser through the pages of a crawl
// target. The engine talks to the Renderer interface; the chromedp-backed
// implementation lives in this package as well.
package render

import (
	"context"
	"net/http"
	"time"
)

// Stats is a snapshot of the structural counts the stabilization loop
// watches on the current page.
type Stats struct {
	Wrappers int `json:"wrappers"`
	Images   int `json:"images"`
}

// Selectors tells the renderer where content lives on a given host.
type Selectors struct {
	// Wrapper matches the container elements holding one image each.
	Wrapper string `json:"wrapper"`
	// Image matches the image elements to extract, scoped to the page.
	Image string `json:"image"`
	// Next matches the control that advances to the following position.
	Next string `json:"next"`
}

// Renderer is one live browsing session over a crawl target. Implementations
// keep page state between calls; a session serves exactly one job at a time.
type Renderer interface {
	// Navigate loads a URL and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// CurrentURL reports the page URL after any client-side redirects.
	CurrentURL(ctx context.Context) (string, error)
	// Title reports the current document title.
	Title(ctx context.Context) (string, error)
	// WaitReady blocks until at least minWrappers content wrappers exist
	// or the timeout elapses.
	WaitReady(ctx context.Context, sel Selectors, minWrappers int, timeout time.Duration) error
	// Scroll advances the viewport by roughly one screen to trigger lazy
	// loading.
	Scroll(ctx context.Context) error
	// Stats counts content wrappers and loaded images on the page.
	Stats(ctx context.Context, sel Selectors) (Stats, error)
	// Extract returns the resolved source URLs of all content images.
	Extract(ctx context.Context, sel Selectors) ([]string, error)
	// Advance activates the next-position control. It reports false when
	// no such control is present or actionable.
	Advance(ctx context.Context, sel Selectors) (bool, error)
	// Blocked reports whether the page is an anti-bot interstitial, and a
	// short description of the evidence.
	Blocked(ctx context.Context) (bool, string, error)
	// Screenshot captures the current viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// Cookies returns the session's cookies for handing to the asset
	// downloader.
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	// Close tears the session down.
	Close() error
}
