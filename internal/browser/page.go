package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahrdadan/mapshot/internal/capture"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// PageOptions represents options applied to every page
type PageOptions struct {
	Width             int           `json:"width"`
	Height            int           `json:"height"`
	DeviceScaleFactor float64       `json:"device_scale_factor"`
	IdleWindow        time.Duration `json:"idle_window"`
}

// DefaultPageOptions returns default page options
func DefaultPageOptions() PageOptions {
	return PageOptions{
		Width:             2200,
		Height:            1400,
		DeviceScaleFactor: 2,
		IdleWindow:        500 * time.Millisecond,
	}
}

// regionMarker tags the element picked by LargestMedia so it can be measured
// again with a plain selector.
const regionMarker = "data-mapshot-region"

// Long-lived streams never go idle and would hold navigation open.
var idleExcludeTypes = []proto.NetworkResourceType{
	proto.NetworkResourceTypeWebSocket,
	proto.NetworkResourceTypeEventSource,
	proto.NetworkResourceTypeMedia,
}

// Page adapts a rod page to capture.Page.
type Page struct {
	page *rod.Page
	idle time.Duration
}

var _ capture.Page = (*Page)(nil)

func (p *Page) applyViewport(opts PageOptions) error {
	p.idle = opts.IdleWindow
	if p.idle <= 0 {
		p.idle = DefaultPageOptions().IdleWindow
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil
	}

	scale := opts.DeviceScaleFactor
	if scale <= 0 {
		scale = 1
	}
	if err := p.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             opts.Width,
		Height:            opts.Height,
		DeviceScaleFactor: scale,
	}); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}
	return nil
}

// Navigate loads url and waits for the load event and for network requests,
// map tiles included, to go quiet.
func (p *Page) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	waitIdle := page.WaitRequestIdle(p.idle, nil, nil, idleExcludeTypes)

	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed to wait for page load: %w", err)
	}

	waitIdle()
	return ctx.Err()
}

// RenderState counts loaded tile images and large canvases.
func (p *Page) RenderState(ctx context.Context, check capture.RenderCheck) (capture.RenderState, error) {
	var st capture.RenderState
	err := p.evalJSON(ctx, &st, renderStateJS, check.TilePattern, check.MinCanvasWidth, check.MinCanvasHeight)
	return st, err
}

// Measure reports the document-relative box of the first selector match.
func (p *Page) Measure(ctx context.Context, selector string) (capture.Box, error) {
	var box capture.Box
	err := p.evalJSON(ctx, &box, measureJS, selector)
	return box, err
}

// LargestMedia marks the largest visible canvas or img and measures it.
func (p *Page) LargestMedia(ctx context.Context) (capture.Box, string, error) {
	var box capture.Box
	err := p.evalJSON(ctx, &box, largestMediaJS, regionMarker)
	return box, "[" + regionMarker + "]", err
}

// AddStyle injects a style tag into the document.
func (p *Page) AddStyle(ctx context.Context, css string) error {
	return p.page.Context(ctx).AddStyleTag("", css)
}

// CaptureClip screenshots a document region, including parts outside the
// viewport.
func (p *Page) CaptureClip(ctx context.Context, clip capture.Rect) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			X:      clip.X,
			Y:      clip.Y,
			Width:  clip.Width,
			Height: clip.Height,
			Scale:  1,
		},
		CaptureBeyondViewport: true,
	})
}

// CaptureFullPage screenshots the whole scrollable page.
func (p *Page) CaptureFullPage(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// Close closes the tab.
func (p *Page) Close() error {
	return p.page.Close()
}

func (p *Page) evalJSON(ctx context.Context, out interface{}, js string, args ...interface{}) error {
	res, err := p.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return fmt.Errorf("failed to evaluate script: %w", err)
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), out); err != nil {
		return fmt.Errorf("failed to decode script result: %w", err)
	}
	return nil
}
