package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/ahrdadan/mapshot/internal/capture"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/lmittmann/tint"
)

// Options selects and sizes the browser.
type Options struct {
	// Bin is the Chromium binary. When empty the system browser is used, or
	// one is downloaded.
	Bin string
	// ControlURL connects to an already running browser instead of
	// launching one.
	ControlURL string
	Revision   int
	Headless   bool

	Viewport PageOptions
}

// Manager owns the single browser instance used for a run.
type Manager struct {
	opts      Options
	mu        sync.Mutex
	restartMu sync.Mutex
	launcher  *launcher.Launcher
	browser   *rod.Browser
	wsURL     string
	running   bool
}

// NewManager creates a browser manager. Nothing is launched until Start.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts: opts,
	}
}

// Start launches Chromium, or connects to ControlURL, and attaches via CDP.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	if m.opts.ControlURL != "" {
		wsURL, err := launcher.ResolveURL(m.opts.ControlURL)
		if err != nil {
			return fmt.Errorf("failed to resolve browser endpoint %s: %w", m.opts.ControlURL, err)
		}
		browser := rod.New().ControlURL(wsURL)
		if err := browser.Connect(); err != nil {
			return fmt.Errorf("failed to connect to browser: %w", err)
		}
		m.browser = browser
		m.wsURL = wsURL
		m.running = true
		slog.Info("connected to browser", "endpoint", wsURL)
		return nil
	}

	bin, err := resolveBin(ctx, m.opts.Bin, m.opts.Revision)
	if err != nil {
		return err
	}

	l := launcher.New().Bin(bin).Headless(m.opts.Headless)
	wsURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return fmt.Errorf("failed to connect to chrome: %w", err)
	}

	m.launcher = l
	m.browser = browser
	m.wsURL = wsURL
	m.running = true

	slog.Info("chrome started", "bin", bin, "endpoint", wsURL, "headless", m.opts.Headless)
	return nil
}

// Stop closes the browser. It is safe to call more than once.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	var closeErr error
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close browser: %w", err)
		}
	}

	if m.launcher != nil {
		m.launcher.Kill()
		m.launcher.Cleanup()
	}

	m.launcher = nil
	m.browser = nil
	m.wsURL = ""
	m.running = false

	slog.Info("browser stopped")
	return closeErr
}

// IsRunning reports whether the browser is attached.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// GetEndpoint returns the DevTools websocket endpoint.
func (m *Manager) GetEndpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wsURL
}

// NewPage opens a blank tab, restarting the browser once if the connection
// was lost.
func (m *Manager) NewPage(ctx context.Context) (*rod.Page, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	page, err := m.current().Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		if !isConnectionError(err) {
			return nil, fmt.Errorf("failed to create new page: %w", err)
		}

		if restartErr := m.restart(ctx); restartErr != nil {
			return nil, fmt.Errorf("failed to restart browser after connection error: %w", restartErr)
		}

		page, err = m.current().Context(ctx).Page(proto.TargetCreateTarget{})
		if err != nil {
			return nil, fmt.Errorf("failed to create new page: %w", err)
		}
	}

	return page, nil
}

// OpenPage opens a fresh page sized to the configured viewport.
func (m *Manager) OpenPage(ctx context.Context) (capture.Page, error) {
	page, err := m.NewPage(ctx)
	if err != nil {
		return nil, err
	}

	p := &Page{page: page}
	if err := p.applyViewport(m.opts.Viewport); err != nil {
		if closeErr := page.Close(); closeErr != nil {
			slog.Debug("failed to close page", tint.Err(closeErr))
		}
		return nil, err
	}
	return p, nil
}

func (m *Manager) current() *rod.Browser {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser
}

func (m *Manager) ensureStarted(ctx context.Context) error {
	if m.IsRunning() {
		return nil
	}

	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	if m.IsRunning() {
		return nil
	}

	return m.Start(ctx)
}

func (m *Manager) restart(ctx context.Context) error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	if err := m.Stop(); err != nil {
		slog.Warn("failed to stop browser before restart", tint.Err(err))
	}

	return m.Start(ctx)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "eof")
}
