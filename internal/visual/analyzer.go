// Package visual turns rendered screenshots into OCR and color signals.
package visual

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/clock/system"
	"github.com/JakeFAU/bookingwatch/internal/logging"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// maxFetchBytes bounds rasters fetched by URL.
const maxFetchBytes = 20 << 20

// DefaultMaxPixels caps decoded raster size (a 1920px wide page about 13000px tall).
const DefaultMaxPixels = 25_000_000

var (
	// ErrUnsupportedURL is returned for screenshot URLs the analyzer cannot fetch.
	ErrUnsupportedURL = errors.New("unsupported screenshot url")
	// ErrRasterTooLarge is returned when a raster declares more pixels than Config.MaxPixels.
	ErrRasterTooLarge = errors.New("screenshot exceeds pixel limit")
)

// Config tunes the color heuristics.
type Config struct {
	Stride         int     `mapstructure:"stride"`
	Background     string  `mapstructure:"background"`
	Tolerance      int     `mapstructure:"tolerance"`
	GreenMargin    int     `mapstructure:"green_margin"`
	GreenFloor     int     `mapstructure:"green_floor"`
	GreenThreshold float64 `mapstructure:"green_threshold"`
	MaxPixels      int     `mapstructure:"max_pixels"`

	background color.RGBA
}

// DefaultConfig returns the stock color heuristics.
func DefaultConfig() Config {
	return Config{
		Stride:         10,
		Background:     "#ffffff",
		Tolerance:      16,
		GreenMargin:    40,
		GreenFloor:     120,
		GreenThreshold: 0.05,
		MaxPixels:      DefaultMaxPixels,
	}
}

// Validate checks ranges and parses the background color.
func (c *Config) Validate() error {
	if c.Stride <= 0 {
		return errors.New("visual.stride must be positive")
	}
	if c.GreenThreshold <= 0 || c.GreenThreshold > 1 {
		return errors.New("visual.green_threshold must be within (0,1]")
	}
	if c.MaxPixels <= 0 {
		return errors.New("visual.max_pixels must be positive")
	}
	if c.Tolerance < 0 || c.GreenMargin < 0 || c.GreenFloor < 0 || c.GreenFloor > 255 {
		return errors.New("visual tolerance, green_margin and green_floor must be within 0..255")
	}
	bg, err := ParseHexColor(c.Background)
	if err != nil {
		return fmt.Errorf("visual.background: %w", err)
	}
	c.background = bg
	return nil
}

// Recognizer is the OCR surface the analyzer needs.
type Recognizer interface {
	Recognize(ctx context.Context, raster []byte) (string, error)
}

// Analyzer runs the OCR and color paths over one raster.
type Analyzer struct {
	cfg        Config
	confidence tracker.Confidence
	matcher    *tracker.Matcher
	ocr        Recognizer
	clock      tracker.Clock
	client     *http.Client
	logger     *zap.Logger
}

// Options groups optional Analyzer collaborators.
type Options struct {
	Clock      tracker.Clock
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewAnalyzer validates cfg and builds an Analyzer. ocr may be nil.
func NewAnalyzer(cfg Config, confidence tracker.Confidence, matcher *tracker.Matcher, ocr Recognizer, opts Options) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if matcher == nil {
		matcher = tracker.NewMatcher(nil)
	}
	clock := opts.Clock
	if clock == nil {
		clock = system.New()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Analyzer{
		cfg:        cfg,
		confidence: confidence,
		matcher:    matcher,
		ocr:        ocr,
		clock:      clock,
		client:     client,
		logger:     logging.OrNop(opts.Logger).Named("visual"),
	}, nil
}

// Analyze returns the OCR signal (if a keyword is read) followed by the color signal (if the
// green ratio clears the threshold). Decode and OCR failures are logged and yield fewer signals.
func (a *Analyzer) Analyze(ctx context.Context, shot tracker.Screenshot, raster []byte) []tracker.Signal {
	img, err := a.decode(raster)
	if err != nil {
		a.logger.Warn("decode screenshot", zap.String("path", shot.Path), zap.Error(err))
		return nil
	}
	stats := SampleColors(img, a.cfg)
	greenHit := stats.GreenRatio >= a.cfg.GreenThreshold
	now := a.clock.Now()

	var signals []tracker.Signal
	if text, ok := a.recognize(ctx, shot, raster); ok {
		if keyword, matched := a.matcher.Match(text); matched {
			sig := tracker.Signal{
				Kind:            tracker.KindOCRText,
				Source:          tracker.SourceScreenshot,
				Confidence:      a.confidence.OCRText,
				DetectionMethod: tracker.MethodOCRText,
				Keyword:         keyword,
				Text:            excerpt(text, keyword),
				GreenRatio:      stats.GreenRatio,
				DominantColor:   stats.Dominant,
				ScreenshotPath:  shot.Path,
				ObservedAt:      now,
			}
			if greenHit {
				sig.DetectionMethod = tracker.MethodOCRColorCombined
				sig.Confidence = max(a.confidence.OCRColorCombined, a.confidence.OCRText, a.confidence.ColorOnly)
			}
			signals = append(signals, sig)
		}
	}

	if greenHit {
		signals = append(signals, tracker.Signal{
			Kind:            tracker.KindColorHistogram,
			Source:          tracker.SourceScreenshot,
			Confidence:      a.confidence.ColorOnly,
			DetectionMethod: tracker.MethodColorHistogram,
			GreenRatio:      stats.GreenRatio,
			DominantColor:   stats.Dominant,
			ScreenshotPath:  shot.Path,
			ObservedAt:      now,
		})
	}
	return signals
}

// decode reads the header first so oversized rasters are rejected before any bitmap is allocated.
func (a *Analyzer) decode(raster []byte) (image.Image, error) {
	hdr, _, err := image.DecodeConfig(bytes.NewReader(raster))
	if err != nil {
		return nil, err
	}
	if hdr.Width <= 0 || hdr.Height <= 0 || int64(hdr.Width)*int64(hdr.Height) > int64(a.cfg.MaxPixels) {
		return nil, fmt.Errorf("%w: %dx%d", ErrRasterTooLarge, hdr.Width, hdr.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(raster))
	return img, err
}

// AnalyzeURL fetches shot.URI and analyzes it. Used when the raster was uploaded directly to
// blob storage and only a signed URL is at hand.
func (a *Analyzer) AnalyzeURL(ctx context.Context, shot tracker.Screenshot) ([]tracker.Signal, error) {
	raster, err := a.fetch(ctx, shot.URI)
	if err != nil {
		return nil, err
	}
	return a.Analyze(ctx, shot, raster), nil
}

func (a *Analyzer) recognize(ctx context.Context, shot tracker.Screenshot, raster []byte) (string, bool) {
	if a.ocr == nil {
		return "", false
	}
	text, err := a.ocr.Recognize(ctx, raster)
	switch {
	case err == nil:
		return strings.ToLower(text), true
	case errors.Is(err, ErrOCRDisabled), errors.Is(err, ErrOCRBusy):
		a.logger.Debug("ocr skipped", zap.String("path", shot.Path), zap.Error(err))
	default:
		a.logger.Warn("ocr failed", zap.String("path", shot.Path), zap.Error(err))
	}
	return "", false
}

func (a *Analyzer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") && !strings.HasPrefix(rawURL, "file://") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build screenshot request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch screenshot: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			a.logger.Debug("close screenshot body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch screenshot: status %d", resp.StatusCode)
	}
	raster, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read screenshot: %w", err)
	}
	if len(raster) > maxFetchBytes {
		return nil, fmt.Errorf("screenshot exceeds %d bytes", maxFetchBytes)
	}
	return raster, nil
}

// NewFileClient returns an HTTP client that also serves file:// URLs rooted at root,
// matching the signed URLs issued by the local blob store.
func NewFileClient(root string, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.RegisterProtocol("file", http.NewFileTransport(http.Dir(root)))
	return &http.Client{Transport: transport, Timeout: timeout}
}

func excerpt(text, keyword string) string {
	idx := strings.Index(text, keyword)
	if idx < 0 {
		return ""
	}
	start := max(0, idx-40)
	end := min(len(text), idx+len(keyword)+40)
	return strings.Join(strings.Fields(strings.ToValidUTF8(text[start:end], "")), " ")
}
