package capture

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/ahrdadan/mapshot/internal/retry"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

type fakePage struct {
	mu sync.Mutex

	navErr   error
	navBlock bool

	render      []RenderState
	renderCalls int

	boxes        map[string][]Box
	measureCalls map[string]int

	largest    Box
	largestErr error

	shot    []byte
	shotErr error

	styles   []string
	clips    []Rect
	fullPage int
	closed   bool
}

func newFakePage(shot []byte) *fakePage {
	return &fakePage{
		render:       []RenderState{{Tiles: 6}},
		boxes:        map[string][]Box{},
		measureCalls: map[string]int{},
		shot:         shot,
	}
}

func (p *fakePage) withBox(sel string, boxes ...Box) *fakePage {
	p.boxes[sel] = boxes
	return p
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	if p.navBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.navErr
}

func (p *fakePage) RenderState(ctx context.Context, check RenderCheck) (RenderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.render[min(p.renderCalls, len(p.render)-1)]
	p.renderCalls++
	return st, nil
}

func (p *fakePage) Measure(ctx context.Context, selector string) (Box, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq, ok := p.boxes[selector]
	if !ok || len(seq) == 0 {
		return Box{}, nil
	}
	i := p.measureCalls[selector]
	p.measureCalls[selector]++
	return seq[min(i, len(seq)-1)], nil
}

func (p *fakePage) LargestMedia(ctx context.Context) (Box, string, error) {
	return p.largest, "[data-mapshot-region]", p.largestErr
}

func (p *fakePage) AddStyle(ctx context.Context, css string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.styles = append(p.styles, css)
	return nil
}

func (p *fakePage) CaptureClip(ctx context.Context, clip Rect) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clips = append(p.clips, clip)
	return p.shot, p.shotErr
}

func (p *fakePage) CaptureFullPage(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fullPage++
	return p.shot, p.shotErr
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fakeOpener hands out pages in order and repeats the last one.
type fakeOpener struct {
	pages  []*fakePage
	opened int
}

func (o *fakeOpener) OpenPage(ctx context.Context) (Page, error) {
	if len(o.pages) == 0 {
		return nil, errors.New("no pages")
	}
	p := o.pages[min(o.opened, len(o.pages)-1)]
	o.opened++
	return p, nil
}

type fakePublisher struct {
	results []Result
}

func (f *fakePublisher) Publish(ctx context.Context, runID string, res Result) error {
	f.results = append(f.results, res)
	return nil
}

func visible(w, h float64) Box {
	return Box{Found: true, Visible: true, Rect: Rect{X: 10, Y: 20, Width: w, Height: h}}
}

func testOptions() Options {
	o := DefaultOptions()
	o.NavigationTimeout = time.Second
	o.RenderTimeout = 200 * time.Millisecond
	o.SelectorTimeout = 20 * time.Millisecond
	o.SettleDelay = 0
	o.StableWindow = 4 * time.Millisecond
	o.PollInterval = time.Millisecond
	o.MinBytes = 100
	o.Retry = retry.Policy{Attempts: 2, Backoff: time.Millisecond}
	return o
}

// mapPNG returns a non-blank PNG large enough to pass validation.
func mapPNG(t *testing.T) []byte {
	t.Helper()
	img := imaging.New(200, 120, color.NRGBA{R: 20, G: 90, B: 40, A: 255})
	for y := 0; y < 120; y++ {
		for x := 0; x < 200; x++ {
			if (x*7+y*3)%11 < 4 {
				img.Set(x, y, color.NRGBA{R: 200, G: 180, B: 90, A: 255})
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func blankPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(400, 300, color.White), imaging.PNG))
	return buf.Bytes()
}
