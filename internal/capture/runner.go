package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ahrdadan/mapshot/internal/imagecheck"
	"github.com/ahrdadan/mapshot/internal/retry"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// Publisher is notified after every target finishes, successfully or not.
type Publisher interface {
	Publish(ctx context.Context, runID string, res Result) error
}

// Runner captures targets one after another on pages from a shared browser.
type Runner struct {
	opener    PageOpener
	opts      Options
	publisher Publisher
}

// Option configures a Runner.
type Option func(*Runner)

// WithPublisher sends a notification for every finished target.
func WithPublisher(p Publisher) Option {
	return func(r *Runner) {
		r.publisher = p
	}
}

// NewRunner creates a runner that opens pages through opener.
func NewRunner(opener PageOpener, opts Options, options ...Option) *Runner {
	r := &Runner{
		opener: opener,
		opts:   opts,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Run captures targets in order. The first target that fails all of its
// attempts aborts the run; the returned report covers every target that
// was tried.
func (r *Runner) Run(ctx context.Context, targets []Target) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	log := slog.With("run", report.RunID)
	log.Info("run started", "targets", len(targets))

	for _, t := range targets {
		res, err := r.capture(ctx, log.With("target", t.Name), t)
		report.Results = append(report.Results, res)
		r.publish(ctx, log, report.RunID, res)

		if err != nil {
			report.FinishedAt = time.Now()
			report.Error = err.Error()
			return report, fmt.Errorf("target %s: %w", t.Name, err)
		}
	}

	report.FinishedAt = time.Now()
	log.Info("run finished", "targets", len(targets), "elapsed", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	return report, nil
}

// Capture captures a single target, retrying according to the policy.
func (r *Runner) Capture(ctx context.Context, t Target) (Result, error) {
	return r.capture(ctx, slog.With("target", t.Name), t)
}

func (r *Runner) capture(ctx context.Context, log *slog.Logger, t Target) (Result, error) {
	start := time.Now()
	res := Result{
		Target: t.Name,
		URL:    t.URL,
		Path:   t.OutputPath,
	}

	log.Info("capturing", "url", t.URL)
	err := retry.Do(ctx, r.opts.Retry, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		region, info, err := r.attempt(ctx, t)
		if err != nil {
			log.Warn("capture attempt failed", "attempt", attempt, tint.Err(err))
			return err
		}
		res.Region = region
		res.Image = info
		return nil
	})
	res.Duration = time.Since(start)

	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		log.Error("capture failed", "attempts", res.Attempts, tint.Err(err))
		return res, err
	}

	res.Status = StatusOK
	log.Info("wrote screenshot",
		"path", t.OutputPath,
		"size", humanize.Bytes(uint64(res.Image.Bytes)),
		"dimensions", fmt.Sprintf("%dx%d", res.Image.Width, res.Image.Height),
		"region", res.Region.String(),
		"attempts", res.Attempts)
	return res, nil
}

// attempt runs the full pipeline once on a fresh page.
func (r *Runner) attempt(ctx context.Context, t Target) (Region, imagecheck.Info, error) {
	page, err := r.opener.OpenPage(ctx)
	if err != nil {
		return Region{}, imagecheck.Info{}, fmt.Errorf("failed to open page: %w", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			slog.Debug("failed to close page", tint.Err(err))
		}
	}()

	if err := r.navigate(ctx, page, t.URL); err != nil {
		return Region{}, imagecheck.Info{}, err
	}
	if err := r.waitForRender(ctx, page); err != nil {
		return Region{}, imagecheck.Info{}, err
	}
	if err := sleep(ctx, r.opts.SettleDelay); err != nil {
		return Region{}, imagecheck.Info{}, err
	}

	region, err := r.locate(ctx, page, t.Selector)
	if err != nil {
		return Region{}, imagecheck.Info{}, err
	}
	slog.Debug("region located", "target", t.Name, "region", region.String())

	if r.opts.HideControls && r.opts.HideControlsCSS != "" {
		if err := page.AddStyle(ctx, r.opts.HideControlsCSS); err != nil {
			return Region{}, imagecheck.Info{}, fmt.Errorf("failed to hide map controls: %w", err)
		}
	}

	region, err = r.stabilize(ctx, page, region)
	if err != nil {
		return Region{}, imagecheck.Info{}, err
	}

	buf, err := r.screenshot(ctx, page, region)
	if err != nil {
		return Region{}, imagecheck.Info{}, err
	}

	info, err := r.validate(buf)
	if err != nil {
		return Region{}, imagecheck.Info{}, fmt.Errorf("refusing to write %s: %w", t.OutputPath, err)
	}

	if err := writeFile(t.OutputPath, buf); err != nil {
		return Region{}, imagecheck.Info{}, err
	}
	return region, info, nil
}

func (r *Runner) navigate(ctx context.Context, page Page, url string) error {
	nctx := ctx
	if r.opts.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, r.opts.NavigationTimeout)
		defer cancel()
	}

	err := page.Navigate(nctx, url)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || nctx.Err() != nil:
		return fmt.Errorf("%w after %s: %s", ErrNavigationTimeout, r.opts.NavigationTimeout, url)
	default:
		return fmt.Errorf("%w: %s: %w", ErrNavigation, url, err)
	}
}

func (r *Runner) screenshot(ctx context.Context, page Page, region Region) ([]byte, error) {
	var (
		buf []byte
		err error
	)
	if region.Kind == RegionFullPage {
		buf, err = page.CaptureFullPage(ctx)
	} else {
		buf, err = page.CaptureClip(ctx, region.Rect.Pad(r.opts.Padding))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to capture %s: %w", region, err)
	}
	return buf, nil
}

func (r *Runner) validate(buf []byte) (imagecheck.Info, error) {
	if err := imagecheck.Validate(buf, r.opts.MinBytes); err != nil {
		return imagecheck.Info{}, err
	}
	info, err := imagecheck.Inspect(buf)
	if err != nil {
		return imagecheck.Info{}, err
	}
	if r.opts.RejectBlank {
		blank, err := imagecheck.IsBlank(buf)
		if err != nil {
			return imagecheck.Info{}, err
		}
		if blank {
			return imagecheck.Info{}, fmt.Errorf("%w (%dx%d)", imagecheck.ErrBlank, info.Width, info.Height)
		}
	}
	return info, nil
}

func (r *Runner) publish(ctx context.Context, log *slog.Logger, runID string, res Result) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, runID, res); err != nil {
		log.Warn("failed to publish capture event", tint.Err(err))
	}
}

// writeFile replaces path with buf, creating the directory if needed. The
// bytes go to a temporary sibling that is renamed over path.
func writeFile(path string, buf []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}
