package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// waitForRender polls the page until the render check passes.
func (r *Runner) waitForRender(ctx context.Context, page Page) error {
	var last RenderState
	err := poll(ctx, r.opts.PollInterval, r.opts.RenderTimeout, func(ctx context.Context) (bool, error) {
		st, err := page.RenderState(ctx, r.opts.Render)
		if err != nil {
			return false, err
		}
		last = st
		return r.opts.Render.Rendered(st), nil
	})
	if errors.Is(err, errPollTimeout) {
		return fmt.Errorf("%w after %s (tiles=%d, canvases=%d)", ErrRenderTimeout, r.opts.RenderTimeout, last.Tiles, last.Canvases)
	}
	return err
}

// locate picks the capture region: the override selector, then the selector
// chain, then the largest visible media element, then the full page.
func (r *Runner) locate(ctx context.Context, page Page, override string) (Region, error) {
	for _, sel := range r.selectorChain(override) {
		box, err := r.waitVisible(ctx, page, sel)
		if err != nil {
			return Region{}, err
		}
		if !box.Found || !box.Visible {
			continue
		}
		if !r.qualifies(box.Rect) {
			slog.Debug("selector below minimum size", "selector", sel, "width", box.Width, "height", box.Height)
			continue
		}
		return Region{Kind: RegionSelector, Selector: sel, Rect: box.Rect}, nil
	}

	box, marker, err := page.LargestMedia(ctx)
	if err != nil {
		return Region{}, fmt.Errorf("failed to find largest media element: %w", err)
	}
	if box.Found && r.qualifies(box.Rect) {
		return Region{Kind: RegionLargest, Selector: marker, Rect: box.Rect}, nil
	}

	if r.opts.FullPageFallback {
		return Region{Kind: RegionFullPage}, nil
	}
	return Region{}, ErrNoRegion
}

func (r *Runner) selectorChain(override string) []string {
	if override == "" {
		return r.opts.Selectors
	}
	chain := make([]string, 0, len(r.opts.Selectors)+1)
	chain = append(chain, override)
	for _, sel := range r.opts.Selectors {
		if sel != override {
			chain = append(chain, sel)
		}
	}
	return chain
}

// waitVisible gives a present but hidden element up to SelectorTimeout to
// show up. Missing elements are skipped without waiting.
func (r *Runner) waitVisible(ctx context.Context, page Page, sel string) (Box, error) {
	var box Box
	err := poll(ctx, r.opts.PollInterval, r.opts.SelectorTimeout, func(ctx context.Context) (bool, error) {
		var err error
		box, err = page.Measure(ctx, sel)
		if err != nil {
			return false, err
		}
		return !box.Found || box.Visible, nil
	})
	switch {
	case errors.Is(err, errPollTimeout):
		return box, nil
	case err != nil:
		return Box{}, fmt.Errorf("failed to measure %q: %w", sel, err)
	}
	return box, nil
}

func (r *Runner) qualifies(rect Rect) bool {
	return rect.Width >= r.opts.MinRegionWidth && rect.Height >= r.opts.MinRegionHeight
}

// stabilize re-measures an element region until its box has not moved for
// StableWindow and returns the settled region.
func (r *Runner) stabilize(ctx context.Context, page Page, region Region) (Region, error) {
	if region.Kind == RegionFullPage {
		return region, nil
	}

	var (
		last   Rect
		since  time.Time
		seeded bool
	)
	err := poll(ctx, r.opts.PollInterval, r.opts.RenderTimeout, func(ctx context.Context) (bool, error) {
		box, err := page.Measure(ctx, region.Selector)
		if err != nil {
			return false, err
		}
		if !box.Found || !box.Visible {
			seeded = false
			return false, nil
		}
		now := time.Now()
		if !seeded || box.Rect != last {
			last, since, seeded = box.Rect, now, true
			return false, nil
		}
		return now.Sub(since) >= r.opts.StableWindow, nil
	})
	switch {
	case errors.Is(err, errPollTimeout):
		return Region{}, fmt.Errorf("%w: %s kept changing for %s", ErrRenderTimeout, region, r.opts.RenderTimeout)
	case err != nil:
		return Region{}, fmt.Errorf("failed to measure %q: %w", region.Selector, err)
	}

	region.Rect = last
	return region, nil
}
