package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod/lib/launcher"
)

// resolveBin picks the Chromium binary: the configured path, then a browser
// installed on the system, then a downloaded build.
func resolveBin(ctx context.Context, bin string, revision int) (string, error) {
	if bin != "" {
		return bin, nil
	}
	if revision == 0 {
		if path, found := launcher.LookPath(); found {
			return path, nil
		}
	}
	return InstallChrome(ctx, revision)
}

// InstallChrome downloads a Chromium build for the current OS/arch into the
// launcher's cache directory and returns its path.
func InstallChrome(ctx context.Context, revision int) (string, error) {
	downloader := launcher.NewBrowser()
	downloader.Context = ctx
	if revision > 0 {
		downloader.Revision = revision
	}

	slog.Info("downloading chromium", "revision", downloader.Revision)
	path, err := downloader.Get()
	if err != nil {
		return "", fmt.Errorf("failed to download chrome: %w", err)
	}

	return path, nil
}
