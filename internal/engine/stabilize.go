package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lucasveiga/grimoire/internal/render"
)

// stabilize scrolls the page in increments until the wrapper and image
// counts stop moving for stableCycles consecutive observations, or until
// maxCycles is spent. It returns the best counts seen, which on lazy pages
// can exceed the final observation.
func stabilize(ctx context.Context, r render.Renderer, sel render.Selectors, maxCycles, stableCycles int, interval time.Duration, log *zap.Logger) (render.Stats, error) {
	var best render.Stats
	var prev render.Stats
	stable := 0

	for cycle := 0; cycle < maxCycles; cycle++ {
		if err := r.Scroll(ctx); err != nil {
			return best, err
		}
		select {
		case <-ctx.Done():
			return best, ctx.Err()
		case <-time.After(interval):
		}

		st, err := r.Stats(ctx, sel)
		if err != nil {
			return best, err
		}
		if st.Wrappers > best.Wrappers {
			best.Wrappers = st.Wrappers
		}
		if st.Images > best.Images {
			best.Images = st.Images
		}

		if st == prev {
			stable++
			if stable >= stableCycles {
				log.Debug("page stabilized",
					zap.Int("cycles", cycle+1),
					zap.Int("wrappers", best.Wrappers),
					zap.Int("images", best.Images),
				)
				return best, nil
			}
		} else {
			stable = 0
			prev = st
		}
	}

	log.Debug("stabilization budget spent",
		zap.Int("wrappers", best.Wrappers),
		zap.Int("images", best.Images),
	)
	return best, nil
}
