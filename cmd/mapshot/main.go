package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahrdadan/mapshot/internal/api"
	"github.com/ahrdadan/mapshot/internal/browser"
	"github.com/ahrdadan/mapshot/internal/capture"
	"github.com/ahrdadan/mapshot/internal/config"
	"github.com/ahrdadan/mapshot/internal/events"
	"github.com/lmittmann/tint"
)

const timeFormat = "2006-01-02 15:04:05.000"

func main() {
	os.Exit(run())
}

// run returns the process exit code. Keeping os.Exit out of here lets every
// deferred cleanup, the browser shutdown in particular, run on failure.
func run() int {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: timeFormat})))

	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("Failed to load config", tint.Err(err))
		return 1
	}

	if cfg.Debug {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: timeFormat,
		})))
		cfg.Print()
	}

	slog.Info(config.AppName, "version", config.Version, "targets", len(cfg.Targets), "out", cfg.OutDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := browser.NewManager(cfg.BrowserOptions())
	if err := manager.Start(ctx); err != nil {
		slog.Error("Failed to start browser", tint.Err(err))
		return 1
	}
	defer func() {
		if err := manager.Stop(); err != nil {
			slog.Warn("Failed to stop browser", tint.Err(err))
		}
	}()

	var options []capture.Option
	if cfg.NatsURL != "" {
		publisher, err := events.Connect(cfg.NatsURL, cfg.NatsSubject)
		if err != nil {
			slog.Error("Failed to set up capture events", tint.Err(err))
			return 1
		}
		defer publisher.Close()
		options = append(options, capture.WithPublisher(publisher))
	}

	runner := capture.NewRunner(manager, cfg.Capture, options...)

	report, err := runner.Run(ctx, cfg.Targets)
	if err != nil {
		slog.Error("Capture failed", tint.Err(err))
		return 1
	}

	if cfg.ServeAddr == "" {
		return 0
	}
	if err := serve(ctx, cfg, runner, report); err != nil {
		slog.Error("Results server failed", tint.Err(err))
		return 1
	}
	return 0
}

// serve exposes the captured images until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, runner *capture.Runner, report *capture.Report) error {
	handler := api.NewHandler(ctx, runner, cfg.Targets, report)
	app := api.NewApp(config.AppName, handler, api.DefaultRouteConfig())

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Serving results", "addr", cfg.ServeAddr)
		errCh <- app.Listen(cfg.ServeAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("Error during shutdown", tint.Err(err))
	}
	handler.Wait()
	return nil
}
