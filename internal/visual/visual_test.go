package visual

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

var (
	white      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	brandGreen = color.RGBA{R: 40, G: 180, B: 70, A: 255}
	slate      = color.RGBA{R: 60, G: 70, B: 80, A: 255}
)

// banner draws a 100x100 white image whose top rows are filled with fill.
func banner(t *testing.T, fill color.RGBA, rows int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := range 100 {
		for x := range 100 {
			if y < rows {
				img.Set(x, y, fill)
			} else {
				img.Set(x, y, white)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeOCR struct {
	text string
	err  error
}

func (f fakeOCR) Recognize(context.Context, []byte) (string, error) { return f.text, f.err }

func newAnalyzer(t *testing.T, ocr Recognizer) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(DefaultConfig(), tracker.DefaultConfidence(), tracker.NewMatcher(nil), ocr, Options{})
	require.NoError(t, err)
	return a
}

func TestSampleColors(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	img, _, err := image.Decode(bytes.NewReader(banner(t, brandGreen, 20)))
	require.NoError(t, err)

	stats := SampleColors(img, cfg)
	assert.Equal(t, 100, stats.Sampled)
	assert.Equal(t, 80, stats.Background)
	assert.Equal(t, 20, stats.Green)
	assert.InDelta(t, 0.2, stats.GreenRatio, 1e-9)
	assert.Equal(t, "#28b848", stats.Dominant)
}

func TestParseHexColor(t *testing.T) {
	t.Parallel()

	c, err := ParseHexColor("#28B446")
	require.NoError(t, err)
	assert.Equal(t, brandGreen, c)
	assert.Equal(t, "#28b446", HexColor(c))

	_, err = ParseHexColor("#fff")
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Stride = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Background = "white"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxPixels = 0
	require.Error(t, cfg.Validate())
}

type countingOCR struct{ calls atomic.Int32 }

func (c *countingOCR) Recognize(context.Context, []byte) (string, error) {
	c.calls.Add(1)
	return "kiitos varauksesta", nil
}

func TestAnalyzeRejectsOversizedRaster(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxPixels = 100 * 100
	ocr := &countingOCR{}
	a, err := NewAnalyzer(cfg, tracker.DefaultConfidence(), tracker.NewMatcher(nil), ocr, Options{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 400, 300))))
	assert.Empty(t, a.Analyze(context.Background(), tracker.Screenshot{Path: "big.png"}, buf.Bytes()))
	assert.Zero(t, ocr.calls.Load())

	_, err = a.decode(buf.Bytes())
	require.ErrorIs(t, err, ErrRasterTooLarge)

	assert.NotEmpty(t, a.Analyze(context.Background(), tracker.Screenshot{Path: "ok.png"}, banner(t, brandGreen, 20)))
	assert.Equal(t, int32(1), ocr.calls.Load())
}

func TestAnalyzeCombinedBoost(t *testing.T) {
	t.Parallel()

	a := newAnalyzer(t, fakeOCR{text: "Kiitos varauksesta!\nNähdään pian"})
	signals := a.Analyze(context.Background(), tracker.Screenshot{Path: "s/1.png"}, banner(t, brandGreen, 20))
	require.Len(t, signals, 2)

	ocr := signals[0]
	assert.Equal(t, tracker.KindOCRText, ocr.Kind)
	assert.Equal(t, tracker.MethodOCRColorCombined, ocr.DetectionMethod)
	assert.GreaterOrEqual(t, ocr.Confidence, 0.97)
	assert.Equal(t, "kiitos varauksesta", ocr.Keyword)
	assert.Equal(t, "s/1.png", ocr.ScreenshotPath)

	colorSig := signals[1]
	assert.Equal(t, tracker.KindColorHistogram, colorSig.Kind)
	assert.Less(t, colorSig.Confidence, tracker.DefaultConfidence().HighThreshold)
}

func TestAnalyzeOCROnly(t *testing.T) {
	t.Parallel()

	a := newAnalyzer(t, fakeOCR{text: "BOOKING CONFIRMED"})
	signals := a.Analyze(context.Background(), tracker.Screenshot{}, banner(t, slate, 20))
	require.Len(t, signals, 1)
	assert.Equal(t, tracker.MethodOCRText, signals[0].DetectionMethod)
	assert.InDelta(t, 0.95, signals[0].Confidence, 1e-9)
}

func TestAnalyzeColorOnlyStaysBelowThreshold(t *testing.T) {
	t.Parallel()

	a := newAnalyzer(t, fakeOCR{err: errors.New("tesseract exploded")})
	signals := a.Analyze(context.Background(), tracker.Screenshot{}, banner(t, brandGreen, 30))
	require.Len(t, signals, 1)
	assert.Equal(t, tracker.KindColorHistogram, signals[0].Kind)
	assert.Less(t, signals[0].Confidence, 0.9)
}

func TestAnalyzeNoEvidence(t *testing.T) {
	t.Parallel()

	a := newAnalyzer(t, nil)
	assert.Empty(t, a.Analyze(context.Background(), tracker.Screenshot{}, banner(t, slate, 20)))
	assert.Empty(t, a.Analyze(context.Background(), tracker.Screenshot{}, []byte("not an image")))
}

func TestAnalyzeURL(t *testing.T) {
	t.Parallel()

	raster := banner(t, brandGreen, 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shot.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(raster)
	}))
	defer srv.Close()

	a := newAnalyzer(t, nil)
	signals, err := a.AnalyzeURL(context.Background(), tracker.Screenshot{URI: srv.URL + "/shot.png"})
	require.NoError(t, err)
	require.Len(t, signals, 1)

	_, err = a.AnalyzeURL(context.Background(), tracker.Screenshot{URI: srv.URL + "/missing.png"})
	require.Error(t, err)

	_, err = a.AnalyzeURL(context.Background(), tracker.Screenshot{URI: "memory://x"})
	require.ErrorIs(t, err, ErrUnsupportedURL)
}

type gatedEngine struct {
	gate   chan struct{}
	calls  atomic.Int32
	closed atomic.Bool
}

func (g *gatedEngine) Recognize(ctx context.Context, _ []byte) (string, error) {
	g.calls.Add(1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "kiitos varauksesta", nil
}

func (g *gatedEngine) Close() error {
	g.closed.Store(true)
	return nil
}

func TestOCRWorkerDisabled(t *testing.T) {
	t.Parallel()

	w := NewOCRWorker(nil, nil)
	_, err := w.Recognize(context.Background(), nil)
	require.ErrorIs(t, err, ErrOCRDisabled)
	require.NoError(t, w.Close())
}

func TestOCRWorkerDropsWhenBusy(t *testing.T) {
	t.Parallel()

	engine := &gatedEngine{gate: make(chan struct{})}
	w := NewOCRWorker(engine, nil)

	ctx := context.Background()
	first := make(chan error, 1)
	go func() {
		_, err := w.Recognize(ctx, nil)
		first <- err
	}()
	require.Eventually(t, func() bool { return engine.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	queued := make(chan string, 1)
	go func() {
		text, _ := w.Recognize(ctx, nil)
		queued <- text
	}()
	require.Eventually(t, func() bool { return len(w.jobs) == 1 }, time.Second, 5*time.Millisecond)

	_, err := w.Recognize(ctx, nil)
	require.ErrorIs(t, err, ErrOCRBusy)

	close(engine.gate)
	require.NoError(t, <-first)
	assert.Equal(t, "kiitos varauksesta", <-queued)

	require.NoError(t, w.Close())
	assert.True(t, engine.closed.Load())
	_, err = w.Recognize(ctx, nil)
	require.ErrorIs(t, err, ErrOCRClosed)
}
