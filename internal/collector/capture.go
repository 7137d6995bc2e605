package collector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/clock/system"
	"github.com/JakeFAU/bookingwatch/internal/logging"
	"github.com/JakeFAU/bookingwatch/internal/metrics"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// Capture interval bounds.
const (
	MinCaptureInterval = 15 * time.Second
	MaxCaptureInterval = 30 * time.Second
)

var (
	// ErrCaptureBusy is returned when a capture is already in flight.
	ErrCaptureBusy = errors.New("capture already in flight")
	// ErrCaptureSkipped is returned for non-confirmation captures once the session converted.
	ErrCaptureSkipped = errors.New("capture skipped: session converted")
	// ErrNotImage is returned for rasters that are neither PNG nor JPEG.
	ErrNotImage = errors.New("raster is not a png or jpeg image")
)

// Capturer grabs the current rendered page.
type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// FrameAnalyzer turns one raster into zero or more signals.
type FrameAnalyzer interface {
	Analyze(ctx context.Context, shot tracker.Screenshot, raster []byte) []tracker.Signal
}

// CaptureConfig tunes PeriodicCapture.
type CaptureConfig struct {
	Interval time.Duration
	Prefix   string
}

// ClampInterval keeps the capture interval within [MinCaptureInterval, MaxCaptureInterval].
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d < MinCaptureInterval:
		return MinCaptureInterval
	case d > MaxCaptureInterval:
		return MaxCaptureInterval
	default:
		return d
	}
}

// PeriodicCapture screenshots the page on start, on a timer and on demand, with one capture in flight.
type PeriodicCapture struct {
	sessionID string
	capturer  Capturer
	blobs     tracker.BlobStore
	analyzer  FrameAnalyzer
	sink      tracker.SignalSink
	state     tracker.ConversionState
	clock     tracker.Clock
	logger    *zap.Logger
	interval  time.Duration
	prefix    string
	onUpload  func(tracker.Screenshot)

	inflight    chan struct{}
	hashMu      sync.Mutex
	lastHash    string
	confirmOnce sync.Once

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// CaptureDeps groups PeriodicCapture collaborators.
type CaptureDeps struct {
	SessionID string
	Capturer  Capturer
	Blobs     tracker.BlobStore
	Analyzer  FrameAnalyzer
	Sink      tracker.SignalSink
	State     tracker.ConversionState
	Clock     tracker.Clock
	Logger    *zap.Logger
	OnUpload  func(tracker.Screenshot)
}

// NewPeriodicCapture builds the capture loop; Capturer may be nil when rasters arrive via Ingest.
func NewPeriodicCapture(cfg CaptureConfig, deps CaptureDeps) *PeriodicCapture {
	clock := deps.Clock
	if clock == nil {
		clock = system.New()
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "screenshots"
	}
	return &PeriodicCapture{
		sessionID: deps.SessionID,
		capturer:  deps.Capturer,
		blobs:     deps.Blobs,
		analyzer:  deps.Analyzer,
		sink:      deps.Sink,
		state:     deps.State,
		clock:     clock,
		logger:    logging.OrNop(deps.Logger).Named("capture").With(zap.String("session_id", deps.SessionID)),
		interval:  ClampInterval(cfg.Interval),
		prefix:    prefix,
		onUpload:  deps.OnUpload,
		inflight:  make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Interval returns the effective, clamped interval.
func (p *PeriodicCapture) Interval() time.Duration {
	return p.interval
}

// Start captures once immediately and then on every tick until Stop or ctx is done.
func (p *PeriodicCapture) Start(ctx context.Context) {
	if p.capturer == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.tick(ctx, tracker.ReasonPageLoad)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.tick(ctx, tracker.ReasonPeriodic)
			}
		}
	}()
}

// Trigger requests an immediate capture without blocking; it is dropped when one is in flight.
func (p *PeriodicCapture) Trigger(ctx context.Context, reason tracker.ScreenshotReason) {
	if p.capturer == nil || p.stopped() || !p.acquire(reason) {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release()
		p.captureAndProcess(ctx, reason)
	}()
}

// CaptureConfirmation takes the single audit capture after conversion. It waits for any
// in-flight capture, bypasses the converted check and does not analyze the raster.
func (p *PeriodicCapture) CaptureConfirmation(ctx context.Context) {
	if p.capturer == nil || p.stopped() {
		return
	}
	p.confirmOnce.Do(func() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			select {
			case p.inflight <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer p.release()
			raster, err := p.capturer.Capture(ctx)
			if err != nil {
				metrics.ObserveCapture("failed")
				p.logger.Warn("confirmation capture failed", zap.Error(err))
				return
			}
			if _, err := p.process(ctx, raster, tracker.ReasonConfirmation, false); err != nil {
				p.logger.Warn("confirmation upload failed", zap.Error(err))
			}
		}()
	})
}

// Ingest processes a raster supplied by the caller (screenshot beacons).
func (p *PeriodicCapture) Ingest(ctx context.Context, raster []byte, reason tracker.ScreenshotReason) (tracker.Screenshot, error) {
	if reason != tracker.ReasonConfirmation && p.converted() {
		metrics.ObserveCapture("skipped")
		return tracker.Screenshot{}, ErrCaptureSkipped
	}
	if !p.acquire(reason) {
		return tracker.Screenshot{}, ErrCaptureBusy
	}
	defer p.release()
	return p.process(ctx, raster, reason, reason != tracker.ReasonConfirmation)
}

// Stop ends the timer loop and waits for in-flight captures.
func (p *PeriodicCapture) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *PeriodicCapture) tick(ctx context.Context, reason tracker.ScreenshotReason) {
	if !p.acquire(reason) {
		return
	}
	defer p.release()
	p.captureAndProcess(ctx, reason)
}

// acquire claims the single capture slot without waiting.
func (p *PeriodicCapture) acquire(reason tracker.ScreenshotReason) bool {
	if reason != tracker.ReasonConfirmation && p.converted() {
		metrics.ObserveCapture("skipped")
		return false
	}
	select {
	case p.inflight <- struct{}{}:
		return true
	default:
		metrics.ObserveCapture("dropped")
		p.logger.Debug("capture dropped: in flight", zap.String("reason", string(reason)))
		return false
	}
}

func (p *PeriodicCapture) release() {
	<-p.inflight
}

// captureAndProcess runs with the capture slot held.
func (p *PeriodicCapture) captureAndProcess(ctx context.Context, reason tracker.ScreenshotReason) {
	raster, err := p.capturer.Capture(ctx)
	if err != nil {
		metrics.ObserveCapture("failed")
		p.logger.Warn("capture failed", zap.String("reason", string(reason)), zap.Error(err))
		return
	}
	if _, err := p.process(ctx, raster, reason, true); err != nil {
		p.logger.Warn("capture processing failed", zap.String("reason", string(reason)), zap.Error(err))
	}
}

func (p *PeriodicCapture) process(ctx context.Context, raster []byte, reason tracker.ScreenshotReason, analyze bool) (tracker.Screenshot, error) {
	mt := mimetype.Detect(raster)
	if !mt.Is("image/png") && !mt.Is("image/jpeg") {
		metrics.ObserveCapture("failed")
		return tracker.Screenshot{}, ErrNotImage
	}

	sum := sha256.Sum256(raster)
	hash := hex.EncodeToString(sum[:])
	now := p.clock.Now()
	shot := tracker.Screenshot{
		Path:    fmt.Sprintf("%s/%s/%d-%s%s", p.prefix, p.sessionID, now.UnixMilli(), reason, mt.Extension()),
		Reason:  reason,
		Hash:    hash,
		TakenAt: now,
	}

	uri, err := p.blobs.PutObject(ctx, shot.Path, mt.String(), bytes.NewReader(raster))
	if err != nil {
		metrics.ObserveCapture("failed")
		return tracker.Screenshot{}, fmt.Errorf("upload screenshot: %w", err)
	}
	shot.URI = uri
	metrics.ObserveCapture("ok")

	p.hashMu.Lock()
	duplicate := hash == p.lastHash
	p.lastHash = hash
	p.hashMu.Unlock()

	if analyze && !duplicate && p.analyzer != nil {
		shot.Analyzed = true
		for _, signal := range p.analyzer.Analyze(ctx, shot, raster) {
			decision := p.sink.Propose(ctx, signal)
			metrics.ObserveSignal(string(signal.Kind), string(decision))
		}
	} else if duplicate {
		metrics.ObserveCapture("duplicate")
	}

	if p.onUpload != nil {
		p.onUpload(shot)
	}
	p.logger.Debug("screenshot stored",
		zap.String("path", shot.Path),
		zap.String("reason", string(reason)),
		zap.Bool("analyzed", shot.Analyzed),
	)
	return shot, nil
}

func (p *PeriodicCapture) converted() bool {
	return p.state != nil && p.state.IsConverted()
}

func (p *PeriodicCapture) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}
