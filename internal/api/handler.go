package api

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahrdadan/mapshot/internal/capture"
	"github.com/gofiber/fiber/v2"
	"github.com/lmittmann/tint"
)

// Runner runs a capture over a list of targets.
type Runner interface {
	Run(ctx context.Context, targets []capture.Target) (*capture.Report, error)
}

// Handler serves captured maps and starts new runs.
type Handler struct {
	ctx     context.Context
	runner  Runner
	targets []capture.Target

	running atomic.Bool
	wg      sync.WaitGroup

	mu   sync.RWMutex
	last *capture.Report
}

// NewHandler creates a new handler. Background runs use ctx, so cancelling
// it aborts a run in progress. last may be nil.
func NewHandler(ctx context.Context, runner Runner, targets []capture.Target, last *capture.Report) *Handler {
	return &Handler{
		ctx:     ctx,
		runner:  runner,
		targets: targets,
		last:    last,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	return c.Status(code).JSON(Response{
		Success: false,
		Error:   err.Error(),
	})
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data: fiber.Map{
			"status":    "ok",
			"running":   h.running.Load(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// ShotInfo describes one target and the file on disk.
type ShotInfo struct {
	Name       string          `json:"name"`
	URL        string          `json:"url"`
	Path       string          `json:"path"`
	Exists     bool            `json:"exists"`
	Size       int64           `json:"size,omitempty"`
	ModifiedAt *time.Time      `json:"modified_at,omitempty"`
	Last       *capture.Result `json:"last,omitempty"`
}

// ListShots lists every target with its file and last result.
func (h *Handler) ListShots(c *fiber.Ctx) error {
	last := h.LastReport()
	shots := make([]ShotInfo, 0, len(h.targets))
	for _, t := range h.targets {
		info := ShotInfo{Name: t.Name, URL: t.URL, Path: t.OutputPath}
		if st, err := os.Stat(t.OutputPath); err == nil {
			mod := st.ModTime().UTC()
			info.Exists = true
			info.Size = st.Size()
			info.ModifiedAt = &mod
		}
		if last != nil {
			for i := range last.Results {
				if last.Results[i].Target == t.Name {
					res := last.Results[i]
					info.Last = &res
				}
			}
		}
		shots = append(shots, info)
	}

	return c.JSON(Response{Success: true, Data: shots})
}

// GetShot sends the PNG of a target.
func (h *Handler) GetShot(c *fiber.Ctx) error {
	name := c.Params("name")
	for _, t := range h.targets {
		if t.Name != name {
			continue
		}
		if _, err := os.Stat(t.OutputPath); errors.Is(err, fs.ErrNotExist) {
			return fiber.NewError(fiber.StatusNotFound, "Screenshot not captured yet")
		} else if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		c.Set(fiber.HeaderCacheControl, "no-cache")
		return c.SendFile(t.OutputPath)
	}
	return fiber.NewError(fiber.StatusNotFound, "Unknown target: "+name)
}

// TriggerRun starts a capture run in the background. Only one run may be in
// progress at a time.
func (h *Handler) TriggerRun(c *fiber.Ctx) error {
	if !h.running.CompareAndSwap(false, true) {
		return fiber.NewError(fiber.StatusConflict, "A run is already in progress")
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.running.Store(false)

		report, err := h.runner.Run(h.ctx, h.targets)
		if err != nil {
			slog.Error("triggered run failed", tint.Err(err))
		}
		if report != nil {
			h.mu.Lock()
			h.last = report
			h.mu.Unlock()
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(Response{
		Success: true,
		Data: fiber.Map{
			"status":  "started",
			"targets": len(h.targets),
		},
	})
}

// LastRun returns the report of the most recent run.
func (h *Handler) LastRun(c *fiber.Ctx) error {
	last := h.LastReport()
	if last == nil {
		return fiber.NewError(fiber.StatusNotFound, "No run has finished yet")
	}
	return c.JSON(Response{Success: last.OK(), Data: last, Error: last.Error})
}

// LastReport returns the most recent finished run, or nil.
func (h *Handler) LastReport() *capture.Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Wait blocks until background runs have finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}
