package api

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	RunLimit  int           // run requests per window
	RunWindow time.Duration // time window for run requests
}

// DefaultRouteConfig returns default route configuration
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		RunLimit:  6,
		RunWindow: time.Minute,
	}
}

// NewApp creates the Fiber app serving the results API.
func NewApp(appName string, handler *Handler, config RouteConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               appName,
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(RequestLogger(slog.Default()))

	SetupRoutes(app, handler, config)
	return app
}

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, handler *Handler, config RouteConfig) {
	app.Use(SecurityHeadersMiddleware())

	app.Get("/health", handler.HealthCheck)

	app.Get("/shots", handler.ListShots)
	app.Get("/shots/:name", handler.GetShot)

	runs := app.Group("/runs")
	runs.Get("/last", handler.LastRun)
	runs.Post("", limiter.New(limiter.Config{
		Max:        config.RunLimit,
		Expiration: config.RunWindow,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(Response{
				Success: false,
				Error:   "Rate limit exceeded",
			})
		},
	}), handler.TriggerRun)
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'self'")

		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("X-Request-ID", requestID)
		c.Locals("requestID", requestID)

		return c.Next()
	}
}

// RequestLogger logs one line per request through log. Handler errors are
// rendered by the app's error handler first so the logged status matches
// the response.
func RequestLogger(log *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		if err := c.Next(); err != nil {
			if herr := c.App().Config().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		level := slog.LevelInfo
		if status >= fiber.StatusInternalServerError {
			level = slog.LevelError
		} else if status >= fiber.StatusBadRequest {
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.IP()),
		}
		if id, ok := c.Locals("requestID").(string); ok {
			attrs = append(attrs, slog.String("request_id", id))
		}
		log.LogAttrs(c.UserContext(), level, "request", attrs...)
		return nil
	}
}
