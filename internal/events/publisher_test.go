package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ahrdadan/mapshot/internal/capture"
	"github.com/ahrdadan/mapshot/internal/imagecheck"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs     []message
	pubErr   error
	flushErr error
	flushes  int
	closed   int
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	if c.pubErr != nil {
		return c.pubErr
	}
	c.msgs = append(c.msgs, message{subject: subj, data: data})
	return nil
}

func (c *fakeConn) FlushWithContext(ctx context.Context) error {
	c.flushes++
	return c.flushErr
}

func (c *fakeConn) Close() {
	c.closed++
}

func okResult() capture.Result {
	return capture.Result{
		Target:   "kilima",
		URL:      "https://palia.th.gl/rummage-pile?map=kilima-valley",
		Path:     "docs/kilima.png",
		Status:   capture.StatusOK,
		Attempts: 1,
		Region:   capture.Region{Kind: capture.RegionSelector, Selector: ".leaflet-container"},
		Image:    imagecheck.Info{Bytes: 48_213, Width: 4400, Height: 2800},
		Duration: 1500 * time.Millisecond,
	}
}

func TestPublish(t *testing.T) {
	nc := &fakeConn{}
	p := newPublisher(nc, "mapshot.captures.")

	require.NoError(t, p.Publish(context.Background(), "run-1", okResult()))

	require.Len(t, nc.msgs, 1)
	assert.Equal(t, "mapshot.captures.kilima", nc.msgs[0].subject)
	assert.Equal(t, 1, nc.flushes)

	var ev Event
	require.NoError(t, json.Unmarshal(nc.msgs[0].data, &ev))
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, capture.StatusOK, ev.Status)
	assert.Equal(t, "docs/kilima.png", ev.Path)
	assert.Equal(t, 48_213, ev.Image.Bytes)
	assert.Equal(t, 1.5, ev.Duration)
	assert.Equal(t, ".leaflet-container", ev.Region.Selector)
}

func TestFailedEventOmitsPath(t *testing.T) {
	res := okResult()
	res.Status = capture.StatusFailed
	res.Error = "navigation timed out"

	ev := NewEvent("run-2", res, time.Unix(1700000000, 0))
	assert.Empty(t, ev.Path)
	assert.Equal(t, "navigation timed out", ev.Error)
	assert.Equal(t, int64(1700000000), ev.Time)
}

func TestPublishErrors(t *testing.T) {
	nc := &fakeConn{pubErr: errors.New("nats: connection closed")}
	p := newPublisher(nc, "mapshot.captures")
	assert.ErrorContains(t, p.Publish(context.Background(), "run", okResult()), "connection closed")

	nc = &fakeConn{flushErr: errors.New("nats: timeout")}
	p = newPublisher(nc, "mapshot.captures")
	assert.ErrorContains(t, p.Publish(context.Background(), "run", okResult()), "flush")
}

func TestCloseIsIdempotent(t *testing.T) {
	nc := &fakeConn{}
	p := newPublisher(nc, "mapshot.captures")

	p.Close()
	p.Close()
	assert.Equal(t, 1, nc.closed)
	assert.Error(t, p.Publish(context.Background(), "run", okResult()))
}

func TestSubjectSanitizesTarget(t *testing.T) {
	p := newPublisher(&fakeConn{}, "maps")

	assert.Equal(t, "maps.kilima", p.Subject("kilima"))
	assert.Equal(t, "maps.kilima_valley", p.Subject("kilima.valley"))
	assert.Equal(t, "maps.a_b_", p.Subject("a b>"))
	assert.Equal(t, "maps._", p.Subject(""))
}
