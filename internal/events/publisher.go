// Package events publishes capture results to NATS so other services can
// pick up freshly written map images.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ahrdadan/mapshot/internal/capture"
	"github.com/ahrdadan/mapshot/internal/imagecheck"
	"github.com/nats-io/nats.go"
)

// Event is the message published for every finished target.
type Event struct {
	RunID    string          `json:"run_id"`
	Target   string          `json:"target"`
	URL      string          `json:"url"`
	Status   capture.Status  `json:"status"`
	Path     string          `json:"path,omitempty"`
	Image    imagecheck.Info `json:"image"`
	Region   capture.Region  `json:"region"`
	Attempts int             `json:"attempts"`
	Duration float64         `json:"duration_seconds"`
	Error    string          `json:"error,omitempty"`
	Time     int64           `json:"time"`
}

// NewEvent converts a capture result into an event.
func NewEvent(runID string, res capture.Result, at time.Time) Event {
	ev := Event{
		RunID:    runID,
		Target:   res.Target,
		URL:      res.URL,
		Status:   res.Status,
		Image:    res.Image,
		Region:   res.Region,
		Attempts: res.Attempts,
		Duration: res.Duration.Seconds(),
		Error:    res.Error,
		Time:     at.Unix(),
	}
	if res.Status == capture.StatusOK {
		ev.Path = res.Path
	}
	return ev
}

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// Publisher sends events on <subject>.<target>.
type Publisher struct {
	nc      conn
	subject string
	mu      sync.Mutex
	closed  bool
}

var _ capture.Publisher = (*Publisher)(nil)

// Connect dials the NATS server at url.
func Connect(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("mapshot"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	slog.Info("publishing capture events", "url", url, "subject", subject)
	return newPublisher(nc, subject), nil
}

func newPublisher(nc conn, subject string) *Publisher {
	return &Publisher{
		nc:      nc,
		subject: strings.TrimSuffix(subject, "."),
	}
}

// Subject returns the subject used for a target.
func (p *Publisher) Subject(target string) string {
	return p.subject + "." + sanitizeToken(target)
}

// Publish sends the result of one target and waits for the server to
// acknowledge the flush.
func (p *Publisher) Publish(ctx context.Context, runID string, res capture.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("publisher closed")
	}

	data, err := json.Marshal(NewEvent(runID, res, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.nc.Publish(p.Subject(res.Target), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.nc.FlushWithContext(fctx); err != nil {
		return fmt.Errorf("failed to flush events: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.nc.Close()
}

// sanitizeToken makes s usable as a single NATS subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
