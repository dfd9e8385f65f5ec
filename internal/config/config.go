package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ahrdadan/mapshot/internal/browser"
	"github.com/ahrdadan/mapshot/internal/capture"
	"github.com/ahrdadan/mapshot/internal/retry"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/viper"
)

const (
	// Version is the current version of Mapshot
	Version = "1"
	// AppName is the application name
	AppName = "Mapshot"
	// EnvPrefix prefixes every environment variable
	EnvPrefix = "SHOT"
)

// Map is one of the rummage pile maps captured by default.
type Map struct {
	Name string
	URL  string
}

// DefaultMaps are the pages captured when no other targets are configured.
var DefaultMaps = []Map{
	{Name: "kilima", URL: "https://palia.th.gl/rummage-pile?map=kilima-valley"},
	{Name: "bahari", URL: "https://palia.th.gl/rummage-pile?map=bahari-bay"},
	{Name: "elderwood", URL: "https://palia.th.gl/rummage-pile?map=elderwood"},
}

// Config holds all configuration options for a capture run
type Config struct {
	// Output
	OutDir  string
	Targets []capture.Target

	// Browser
	BrowserBin      string
	BrowserURL      string
	BrowserRevision int
	Headless        bool
	Page            browser.PageOptions

	// Capture policy
	Capture capture.Options

	// Results server
	ServeAddr string

	// Events
	NatsURL     string
	NatsSubject string

	Debug bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{
		OutDir:      "docs",
		Headless:    true,
		Page:        browser.DefaultPageOptions(),
		Capture:     capture.DefaultOptions(),
		NatsSubject: "mapshot.captures",
	}
	cfg.Targets = targetsFor(cfg.OutDir, nil)
	return cfg
}

func targetsFor(outDir string, selectors map[string]string) []capture.Target {
	targets := make([]capture.Target, 0, len(DefaultMaps))
	for _, m := range DefaultMaps {
		targets = append(targets, capture.Target{
			Name:       m.Name,
			URL:        m.URL,
			OutputPath: filepath.Join(outDir, m.Name+".png"),
			Selector:   selectors[m.Name],
		})
	}
	return targets
}

// Load reads an optional env file and then the SHOT_* environment. Values
// already set in the process environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromViper builds a config from v, falling back to DefaultConfig for every
// key v does not set. Durations accept Go duration strings ("20s") or a bare
// number of milliseconds ("20000").
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	c := &cfg.Capture
	d := durations{v: v}

	setDefaults(v, cfg)

	cfg.OutDir = v.GetString("out_dir")
	cfg.BrowserBin = v.GetString("browser_bin")
	cfg.BrowserURL = v.GetString("browser_url")
	cfg.BrowserRevision = v.GetInt("browser_revision")
	cfg.Headless = v.GetBool("headless")
	cfg.ServeAddr = v.GetString("serve_addr")
	cfg.NatsURL = v.GetString("nats_url")
	cfg.NatsSubject = v.GetString("nats_subject")
	cfg.Debug = v.GetBool("debug")

	cfg.Page.Width = v.GetInt("viewport_width")
	cfg.Page.Height = v.GetInt("viewport_height")
	cfg.Page.DeviceScaleFactor = v.GetFloat64("device_scale")
	cfg.Page.IdleWindow = d.get("idle_window")

	c.NavigationTimeout = d.get("navigation_timeout")
	c.RenderTimeout = d.get("render_timeout")
	c.SelectorTimeout = d.get("selector_timeout")
	c.SettleDelay = d.get("settle_delay")
	c.StableWindow = d.get("stable_window")
	c.PollInterval = d.get("poll_interval")
	c.Padding = v.GetFloat64("padding")
	c.MinRegionWidth = v.GetFloat64("min_region_width")
	c.MinRegionHeight = v.GetFloat64("min_region_height")
	c.Render.MinTiles = v.GetInt("min_tiles")
	c.Render.TilePattern = v.GetString("tile_pattern")
	c.Render.MinCanvasWidth = v.GetInt("min_canvas_width")
	c.Render.MinCanvasHeight = v.GetInt("min_canvas_height")
	c.HideControls = v.GetBool("hide_controls")
	c.FullPageFallback = v.GetBool("full_page_fallback")
	c.MinBytes = v.GetInt("min_bytes")
	c.RejectBlank = v.GetBool("reject_blank")
	c.Retry = retry.Policy{
		Attempts: v.GetInt("attempts"),
		Backoff:  d.get("retry_backoff"),
	}
	if sels := splitList(v.GetString("selectors")); len(sels) > 0 {
		c.Selectors = sels
	}

	overrides := make(map[string]string)
	for _, m := range DefaultMaps {
		if sel := strings.TrimSpace(v.GetString("selector_" + m.Name)); sel != "" {
			overrides[m.Name] = sel
		}
	}
	cfg.Targets = targetsFor(cfg.OutDir, overrides)

	if err := errors.Join(d.errs...); err != nil {
		return nil, err
	}
	clamp(cfg)
	return cfg, nil
}

// durations reads duration keys and collects the ones that do not parse.
type durations struct {
	v    *viper.Viper
	errs []error
}

func (d *durations) get(key string) time.Duration {
	val, err := parseDuration(d.v.Get(key))
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("%s_%s: %w", EnvPrefix, strings.ToUpper(key), err))
	}
	return val
}

// parseDuration reads a duration string, or a bare integer as milliseconds.
func parseDuration(raw interface{}) (time.Duration, error) {
	switch val := raw.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return val, nil
	case int:
		return time.Duration(val) * time.Millisecond, nil
	case int64:
		return time.Duration(val) * time.Millisecond, nil
	}

	s := strings.TrimSpace(fmt.Sprint(raw))
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	val, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return val, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	c := cfg.Capture
	v.SetDefault("out_dir", cfg.OutDir)
	v.SetDefault("headless", cfg.Headless)
	v.SetDefault("nats_subject", cfg.NatsSubject)
	v.SetDefault("viewport_width", cfg.Page.Width)
	v.SetDefault("viewport_height", cfg.Page.Height)
	v.SetDefault("device_scale", cfg.Page.DeviceScaleFactor)
	v.SetDefault("idle_window", cfg.Page.IdleWindow)
	v.SetDefault("navigation_timeout", c.NavigationTimeout)
	v.SetDefault("render_timeout", c.RenderTimeout)
	v.SetDefault("selector_timeout", c.SelectorTimeout)
	v.SetDefault("settle_delay", c.SettleDelay)
	v.SetDefault("stable_window", c.StableWindow)
	v.SetDefault("poll_interval", c.PollInterval)
	v.SetDefault("padding", c.Padding)
	v.SetDefault("min_region_width", c.MinRegionWidth)
	v.SetDefault("min_region_height", c.MinRegionHeight)
	v.SetDefault("min_tiles", c.Render.MinTiles)
	v.SetDefault("tile_pattern", c.Render.TilePattern)
	v.SetDefault("min_canvas_width", c.Render.MinCanvasWidth)
	v.SetDefault("min_canvas_height", c.Render.MinCanvasHeight)
	v.SetDefault("hide_controls", c.HideControls)
	v.SetDefault("full_page_fallback", c.FullPageFallback)
	v.SetDefault("min_bytes", c.MinBytes)
	v.SetDefault("reject_blank", c.RejectBlank)
	v.SetDefault("attempts", c.Retry.Attempts)
	v.SetDefault("retry_backoff", c.Retry.Backoff)
	v.SetDefault("selectors", strings.Join(c.Selectors, selectorSeparator))
}

// clamp pulls out-of-range knobs back to usable values.
func clamp(cfg *Config) {
	def := DefaultConfig()
	c, dc := &cfg.Capture, def.Capture

	if c.Retry.Attempts < 1 {
		c.Retry.Attempts = 1
	}
	if c.Retry.Attempts > 5 {
		c.Retry.Attempts = 5
	}
	if c.Retry.Backoff < 0 {
		c.Retry.Backoff = 0
	}

	if cfg.Page.Width <= 0 || cfg.Page.Height <= 0 {
		cfg.Page.Width, cfg.Page.Height = def.Page.Width, def.Page.Height
	}
	if cfg.Page.DeviceScaleFactor < 0.5 {
		cfg.Page.DeviceScaleFactor = 0.5
	}
	if cfg.Page.DeviceScaleFactor > 4 {
		cfg.Page.DeviceScaleFactor = 4
	}
	if cfg.Page.IdleWindow <= 0 {
		cfg.Page.IdleWindow = def.Page.IdleWindow
	}

	positive := []struct {
		val *time.Duration
		def time.Duration
	}{
		{&c.NavigationTimeout, dc.NavigationTimeout},
		{&c.RenderTimeout, dc.RenderTimeout},
		{&c.SelectorTimeout, dc.SelectorTimeout},
		{&c.PollInterval, dc.PollInterval},
	}
	for _, p := range positive {
		if *p.val <= 0 {
			*p.val = p.def
		}
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.StableWindow < 0 {
		c.StableWindow = 0
	}

	if c.Padding < 0 {
		c.Padding = 0
	}
	if c.MinBytes < 0 {
		c.MinBytes = 0
	}
	if c.Render.TilePattern == "" {
		c.Render.TilePattern = dc.Render.TilePattern
	}
}

// Validate rejects configurations that cannot produce a run.
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return errors.New("no targets configured")
	}
	for _, t := range c.Targets {
		u, err := url.Parse(t.URL)
		if err != nil {
			return fmt.Errorf("target %s: invalid url: %w", t.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("target %s: unsupported url scheme %q", t.Name, u.Scheme)
		}
		if t.OutputPath == "" {
			return fmt.Errorf("target %s: missing output path", t.Name)
		}
	}
	if len(c.Capture.Selectors) == 0 {
		return errors.New("selector chain is empty")
	}
	return nil
}

// BrowserOptions returns the options for the browser manager.
func (c *Config) BrowserOptions() browser.Options {
	return browser.Options{
		Bin:        c.BrowserBin,
		ControlURL: c.BrowserURL,
		Revision:   c.BrowserRevision,
		Headless:   c.Headless,
		Viewport:   c.Page,
	}
}

// Print logs the effective configuration at debug level.
func (c *Config) Print() {
	buf, err := json.MarshalIndent(c, "", "\t")
	if err != nil {
		slog.Debug("failed to encode config", tint.Err(err))
		return
	}
	slog.Debug("effective config\n" + string(buf))
}

// selectorSeparator splits SHOT_SELECTORS. Commas stay inside a candidate so
// a selector group like ".a, .b" is tried as one entry.
const selectorSeparator = ";"

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, selectorSeparator) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
