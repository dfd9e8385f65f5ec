package browser

import (
	"bytes"
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ahrdadan/mapshot/internal/capture"
	"github.com/ahrdadan/mapshot/internal/imagecheck"
	"github.com/disintegration/imaging"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureHTML = `<!doctype html>
<html>
<head>
<style>
	body { margin: 0; height: 3000px; }
	.tile { position: absolute; top: 0; width: 16px; height: 16px; }
</style>
</head>
<body>
	<img class="tile" style="left: 0" src="/tiles/0/0.png">
	<img class="tile" style="left: 16px" src="/tiles/0/1.png">
	<img class="tile" style="left: 32px" src="/tiles/1/0.png">
	<img class="tile" style="left: 48px" src="/tiles/1/1.png">
	<img class="tile" style="display: none" src="/tiles/2/0.png">
	<img class="tile" style="left: 64px" src="/static/logo">

	<canvas id="big" width="900" height="650"
		style="position: absolute; left: 100px; top: 100px; width: 900px; height: 650px"></canvas>
	<canvas id="small" width="100" height="100"
		style="position: absolute; left: 1050px; top: 100px; width: 100px; height: 100px"></canvas>

	<div id="map" style="position: absolute; left: 20px; top: 2000px; width: 800px; height: 500px"></div>
	<div id="hidden" style="visibility: hidden; width: 300px; height: 200px"></div>

	<script>
		const ctx = document.getElementById('big').getContext('2d');
		ctx.fillStyle = '#3a7';
		ctx.fillRect(0, 0, 450, 650);
		ctx.fillStyle = '#a73';
		ctx.fillRect(450, 0, 450, 650);
	</script>
</body>
</html>`

func fixtureServer(t *testing.T) *httptest.Server {
	t.Helper()

	var tile bytes.Buffer
	require.NoError(t, imaging.Encode(&tile, imaging.New(16, 16, color.NRGBA{R: 120, G: 180, B: 90, A: 255}), imaging.PNG))

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(fixtureHTML))
	})
	image := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(tile.Bytes())
	}
	mux.HandleFunc("/tiles/", image)
	mux.HandleFunc("/static/logo", image)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// openFixture starts a real browser on the system and loads the fixture page.
func openFixture(t *testing.T) (context.Context, *Page) {
	t.Helper()
	if testing.Short() {
		t.Skip("browser test skipped in short mode")
	}
	bin, found := launcher.LookPath()
	if !found {
		t.Skip("no Chromium found on this system")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	m := NewManager(Options{
		Bin:      bin,
		Headless: true,
		Viewport: PageOptions{Width: 1200, Height: 900, DeviceScaleFactor: 1, IdleWindow: 200 * time.Millisecond},
	})
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { _ = m.Stop() })

	opened, err := m.OpenPage(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = opened.Close() })

	page, ok := opened.(*Page)
	require.True(t, ok)
	require.NoError(t, page.Navigate(ctx, fixtureServer(t).URL))
	return ctx, page
}

func TestPageAgainstBrowser(t *testing.T) {
	ctx, page := openFixture(t)

	t.Run("render state", func(t *testing.T) {
		st, err := page.RenderState(ctx, capture.DefaultOptions().Render)
		require.NoError(t, err)
		// hidden tile and the logo are not counted
		assert.Equal(t, 4, st.Tiles)
		assert.Equal(t, 1, st.Canvases)
	})

	t.Run("measure is document relative", func(t *testing.T) {
		_, err := page.page.Eval(`() => window.scrollTo(0, 500)`)
		require.NoError(t, err)

		box, err := page.Measure(ctx, "#map")
		require.NoError(t, err)
		assert.True(t, box.Found)
		assert.True(t, box.Visible)
		assert.InDelta(t, 20, box.X, 0.5)
		assert.InDelta(t, 2000, box.Y, 0.5)
		assert.InDelta(t, 800, box.Width, 0.5)
		assert.InDelta(t, 500, box.Height, 0.5)
	})

	t.Run("measure hidden and missing", func(t *testing.T) {
		box, err := page.Measure(ctx, "#hidden")
		require.NoError(t, err)
		assert.True(t, box.Found)
		assert.False(t, box.Visible)

		box, err = page.Measure(ctx, "#nope")
		require.NoError(t, err)
		assert.False(t, box.Found)
	})

	t.Run("largest media is marked", func(t *testing.T) {
		box, selector, err := page.LargestMedia(ctx)
		require.NoError(t, err)
		assert.Equal(t, "["+regionMarker+"]", selector)
		require.True(t, box.Found)
		assert.InDelta(t, 100, box.X, 0.5)
		assert.InDelta(t, 100, box.Y, 0.5)
		assert.InDelta(t, 900, box.Width, 0.5)
		assert.InDelta(t, 650, box.Height, 0.5)

		marked, err := page.Measure(ctx, selector)
		require.NoError(t, err)
		assert.True(t, marked.Visible)
		assert.Equal(t, box.Rect, marked.Rect)
	})

	t.Run("clip screenshot", func(t *testing.T) {
		buf, err := page.CaptureClip(ctx, capture.Rect{X: 100, Y: 100, Width: 900, Height: 650})
		require.NoError(t, err)
		assert.True(t, imagecheck.HasSignature(buf))

		info, err := imagecheck.Inspect(buf)
		require.NoError(t, err)
		assert.Equal(t, 900, info.Width)
		assert.Equal(t, 650, info.Height)

		blank, err := imagecheck.IsBlank(buf)
		require.NoError(t, err)
		assert.False(t, blank)
	})
}
