// Package capture drives a browser page through the navigate, wait, locate
// and screenshot steps that turn a client-rendered map page into a PNG file.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahrdadan/mapshot/internal/imagecheck"
	"github.com/ahrdadan/mapshot/internal/retry"
)

var (
	ErrNavigation        = errors.New("navigation failed")
	ErrNavigationTimeout = errors.New("navigation timed out")
	ErrRenderTimeout     = errors.New("map did not finish rendering")
	ErrNoRegion          = errors.New("no capturable element found")
	ErrWrite             = errors.New("failed to write screenshot")
)

// Target is one page to capture and the file it is written to.
type Target struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	OutputPath string `json:"output_path"`
	// Selector, when set, is tried before the configured selector chain.
	Selector string `json:"selector,omitempty"`
}

// Rect is a box in CSS pixels, relative to the document origin.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Pad grows r by p on every side without crossing the document origin.
func (r Rect) Pad(p float64) Rect {
	if p <= 0 {
		return r
	}
	x := max(0, r.X-p)
	y := max(0, r.Y-p)
	return Rect{
		X:      x,
		Y:      y,
		Width:  r.Width + (r.X - x) + p,
		Height: r.Height + (r.Y - y) + p,
	}
}

// Box is the result of measuring a selector on the page.
type Box struct {
	Found   bool `json:"found"`
	Visible bool `json:"visible"`
	Rect
}

// RenderCheck holds the thresholds used to decide that the map has drawn.
type RenderCheck struct {
	// MinTiles is the number of loaded tile images that counts as rendered.
	MinTiles int
	// TilePattern is a case-insensitive regexp matched against img src.
	TilePattern     string
	MinCanvasWidth  int
	MinCanvasHeight int
}

// RenderState is what the page reports for a RenderCheck.
type RenderState struct {
	Tiles    int `json:"tiles"`
	Canvases int `json:"canvases"`
}

// Rendered reports whether s satisfies c.
func (c RenderCheck) Rendered(s RenderState) bool {
	return s.Tiles >= c.MinTiles || s.Canvases > 0
}

// Page is the browser surface the capture routine drives. Every method must
// return once ctx is done.
type Page interface {
	// Navigate loads url and returns once network activity has settled.
	Navigate(ctx context.Context, url string) error
	RenderState(ctx context.Context, check RenderCheck) (RenderState, error)
	// Measure reports the first element matching selector.
	Measure(ctx context.Context, selector string) (Box, error)
	// LargestMedia finds the largest visible canvas or img and returns a
	// selector that matches exactly that element.
	LargestMedia(ctx context.Context) (Box, string, error)
	AddStyle(ctx context.Context, css string) error
	CaptureClip(ctx context.Context, clip Rect) ([]byte, error)
	CaptureFullPage(ctx context.Context) ([]byte, error)
	Close() error
}

// PageOpener hands out a fresh page for every capture attempt.
type PageOpener interface {
	OpenPage(ctx context.Context) (Page, error)
}

// RegionKind says how a capture region was chosen.
type RegionKind string

const (
	RegionSelector RegionKind = "selector"
	RegionLargest  RegionKind = "largest-media"
	RegionFullPage RegionKind = "full-page"
)

// Region is the part of the page that gets captured.
type Region struct {
	Kind     RegionKind `json:"kind"`
	Selector string     `json:"selector,omitempty"`
	Rect     Rect       `json:"rect"`
}

func (r Region) String() string {
	switch r.Kind {
	case RegionFullPage:
		return string(r.Kind)
	default:
		return fmt.Sprintf("%s %q %.0fx%.0f", r.Kind, r.Selector, r.Rect.Width, r.Rect.Height)
	}
}

// DefaultSelectors are tried in order when locating the map.
var DefaultSelectors = []string{
	".leaflet-container",
	".mapboxgl-map",
	".mapboxgl-canvas",
	"#map",
	".map",
	"main",
	"canvas",
	"img",
}

// DefaultHideControlsCSS hides map controls that would otherwise be drawn
// over the captured region.
const DefaultHideControlsCSS = `
.leaflet-control, .mapboxgl-ctrl, [class*="control"] { opacity: 0 !important; pointer-events: none !important; }
.leaflet-bottom.leaflet-right, .mapboxgl-ctrl-bottom-right { display: none !important; }
`

// Options are the capture policy knobs.
type Options struct {
	NavigationTimeout time.Duration
	RenderTimeout     time.Duration
	SelectorTimeout   time.Duration
	SettleDelay       time.Duration
	StableWindow      time.Duration
	PollInterval      time.Duration

	Render RenderCheck

	Selectors        []string
	MinRegionWidth   float64
	MinRegionHeight  float64
	Padding          float64
	FullPageFallback bool

	HideControls    bool
	HideControlsCSS string

	MinBytes    int
	RejectBlank bool

	Retry retry.Policy
}

// DefaultOptions returns the capture policy used by the scripts this tool
// replaces.
func DefaultOptions() Options {
	return Options{
		NavigationTimeout: 60 * time.Second,
		RenderTimeout:     20 * time.Second,
		SelectorTimeout:   3 * time.Second,
		SettleDelay:       300 * time.Millisecond,
		StableWindow:      500 * time.Millisecond,
		PollInterval:      100 * time.Millisecond,
		Render: RenderCheck{
			MinTiles:        4,
			TilePattern:     "(tile|map|leaflet|mapbox|raster|png|jpg)",
			MinCanvasWidth:  800,
			MinCanvasHeight: 600,
		},
		Selectors:        append([]string(nil), DefaultSelectors...),
		MinRegionWidth:   600,
		MinRegionHeight:  400,
		FullPageFallback: true,
		HideControls:     true,
		HideControlsCSS:  DefaultHideControlsCSS,
		MinBytes:         20_000,
		RejectBlank:      true,
		Retry:            retry.Policy{Attempts: 2, Backoff: 2 * time.Second},
	}
}

// Status of a captured target.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Result describes the outcome of one target.
type Result struct {
	Target   string          `json:"target"`
	URL      string          `json:"url"`
	Path     string          `json:"path"`
	Status   Status          `json:"status"`
	Attempts int             `json:"attempts"`
	Region   Region          `json:"region"`
	Image    imagecheck.Info `json:"image"`
	Duration time.Duration   `json:"duration"`
	Error    string          `json:"error,omitempty"`
}

// Report summarizes a run over all targets.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Results    []Result  `json:"results"`
	Error      string    `json:"error,omitempty"`
}

// OK reports whether every target in the run succeeded.
func (r *Report) OK() bool {
	return r != nil && r.Error == ""
}
