package render

import (
	"context"
	"sync"
)

// live tracks the renderer currently owned by a running job so the HTTP
// layer can serve screenshots of whatever the worker is looking at.
var live struct {
	mu sync.Mutex
	r  Renderer
}

// SetLive publishes (or, with nil, withdraws) the process's active renderer.
func SetLive(r Renderer) {
	live.mu.Lock()
	defer live.mu.Unlock()
	live.r = r
}

// LiveScreenshot captures the active renderer's viewport. It returns
// (nil, nil) when no renderer is live.
func LiveScreenshot(ctx context.Context) ([]byte, error) {
	live.mu.Lock()
	r := live.r
	live.mu.Unlock()
	if r == nil {
		return nil, nil
	}
	return r.Screenshot(ctx)
}
