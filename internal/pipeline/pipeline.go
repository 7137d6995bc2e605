// Package pipeline wires one session's collectors, visual analyzer and aggregator together and
// keeps a registry of live sessions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/aggregator"
	"github.com/JakeFAU/bookingwatch/internal/clock/system"
	"github.com/JakeFAU/bookingwatch/internal/collector"
	"github.com/JakeFAU/bookingwatch/internal/logging"
	"github.com/JakeFAU/bookingwatch/internal/metrics"
	"github.com/JakeFAU/bookingwatch/internal/scanner"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
	"github.com/JakeFAU/bookingwatch/internal/visual"
)

// historyTimeout bounds the lookup of a session's stored conversion.
const historyTimeout = 5 * time.Second

// ErrSessionClosed is returned for evidence that arrives after the pipeline was torn down.
var ErrSessionClosed = errors.New("session closed")

// Recorder is the persistence surface a pipeline writes through.
type Recorder interface {
	aggregator.Gateway
	RecordInteraction(evt tracker.Interaction) string
}

// ObjectReader is implemented by blob stores whose URIs are not fetchable over HTTP.
type ObjectReader interface {
	ReadObject(ctx context.Context, path string) ([]byte, error)
}

// EngineFactory opens a fresh OCR engine. A nil factory (or a nil engine) disables OCR.
type EngineFactory func() (visual.Engine, error)

// Config holds the per-session tuning shared by every pipeline.
type Config struct {
	Confidence     tracker.Confidence
	Visual         visual.Config
	Keywords       []string
	MaxDepth       int
	AllowedOrigins []string
	Capture        collector.CaptureConfig
	TieWindow      time.Duration
	SignedURLTTL   time.Duration
}

// Deps groups collaborators shared across sessions.
type Deps struct {
	Recorder   Recorder
	Blobs      tracker.BlobStore
	History    tracker.ConversionReader
	NewOCR     EngineFactory
	HTTPClient *http.Client
	Clock      tracker.Clock
	Logger     *zap.Logger
}

// Pipeline is one session's detection chain. Every method is safe for concurrent use.
type Pipeline struct {
	session  tracker.Session
	recorder Recorder
	blobs    tracker.BlobStore
	clock    tracker.Clock
	logger   *zap.Logger
	urlTTL   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	feed     *collector.ConsoleFeed
	console  *collector.ConsoleInterceptor
	messages *collector.PostMessageListener
	capture  *collector.PeriodicCapture
	ocr      *visual.OCRWorker
	analyzer *visual.Analyzer
	agg      *aggregator.Aggregator

	lastSeen  atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
}

// New builds the chain for session. capturer may be nil when rasters only arrive through
// Screenshot. The pipeline is inert until Start.
func New(session tracker.Session, cfg Config, deps Deps, capturer collector.Capturer) (*Pipeline, error) {
	if session.ID == "" {
		return nil, errors.New("session id is required")
	}
	if deps.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if deps.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = system.New()
	}
	logger := logging.OrNop(deps.Logger).With(zap.String("session_id", session.ID))

	var engine visual.Engine
	if deps.NewOCR != nil {
		e, err := deps.NewOCR()
		if err != nil {
			// OCR is best effort; the color path still runs.
			logger.Warn("ocr engine unavailable", zap.Error(err))
		} else {
			engine = e
		}
	}
	ocr := visual.NewOCRWorker(engine, logger)

	matcher := tracker.NewMatcher(cfg.Keywords)
	analyzer, err := visual.NewAnalyzer(cfg.Visual, cfg.Confidence, matcher, ocr, visual.Options{
		Clock:      clock,
		HTTPClient: deps.HTTPClient,
		Logger:     logger,
	})
	if err != nil {
		_ = ocr.Close()
		return nil, fmt.Errorf("build analyzer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		session:  session,
		recorder: deps.Recorder,
		blobs:    deps.Blobs,
		clock:    clock,
		logger:   logger.Named("pipeline"),
		urlTTL:   cfg.SignedURLTTL,
		ctx:      ctx,
		cancel:   cancel,
		feed:     collector.NewConsoleFeed(),
		ocr:      ocr,
		analyzer: analyzer,
	}
	p.agg = aggregator.New(session, aggregator.Config{
		Confidence: cfg.Confidence,
		TieWindow:  cfg.TieWindow,
	}, deps.Recorder, clock, logger)
	if deps.History != nil {
		p.resume(deps.History)
	}

	detector := collector.NewDetector(scanner.New(cfg.MaxDepth), matcher, cfg.Confidence, clock)
	p.console = collector.NewConsoleInterceptor(p.feed, detector, p.agg, p.onSignal, logger)
	p.messages, err = collector.NewPostMessageListener(cfg.AllowedOrigins, detector, p.agg, p.onSignal, logger)
	if err != nil {
		cancel()
		_ = ocr.Close()
		return nil, err
	}
	p.capture = collector.NewPeriodicCapture(cfg.Capture, collector.CaptureDeps{
		SessionID: session.ID,
		Capturer:  capturer,
		Blobs:     deps.Blobs,
		Analyzer:  analyzer,
		Sink:      p.agg,
		State:     p.agg,
		Clock:     clock,
		Logger:    logger,
		OnUpload:  p.agg.RecordScreenshot,
	})
	p.agg.SetConfirmationCapturer(p.capture)
	p.touch()
	return p, nil
}

// resume marks the session converted when a row already exists. A failed lookup leaves the
// session idle; the store's monotonic merge still keeps the row consistent.
func (p *Pipeline) resume(history tracker.ConversionReader) {
	ctx, cancel := context.WithTimeout(p.ctx, historyTimeout)
	defer cancel()
	rec, found, err := history.LoadConversion(ctx, p.session.ID)
	switch {
	case err != nil:
		p.logger.Warn("stored conversion lookup failed", zap.Error(err))
	case found:
		p.agg.Resume(rec)
	}
}

// Start installs the console interceptor and begins periodic capture.
func (p *Pipeline) Start() error {
	if p.closed.Load() {
		return ErrSessionClosed
	}
	if err := p.console.Install(p.ctx); err != nil {
		return fmt.Errorf("install console interceptor: %w", err)
	}
	p.capture.Start(p.ctx)
	p.logger.Info("session started", zap.String("fingerprint", p.session.Fingerprint))
	return nil
}

// Session returns the identity this pipeline serves.
func (p *Pipeline) Session() tracker.Session {
	return p.session
}

// LastSeen reports when evidence last arrived.
func (p *Pipeline) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load()).UTC()
}

// Console feeds one console call to the interceptor.
func (p *Pipeline) Console(call collector.ConsoleCall) error {
	if p.closed.Load() {
		return ErrSessionClosed
	}
	p.touch()
	if call.At.IsZero() {
		call.At = p.clock.Now()
	}
	p.feed.Publish(call)
	return nil
}

// Message runs one window message through the origin filter and detector.
func (p *Pipeline) Message(ctx context.Context, msg collector.Message) (tracker.Decision, error) {
	if p.closed.Load() {
		return tracker.DecisionIgnored, ErrSessionClosed
	}
	p.touch()
	return p.messages.Handle(ctx, msg), nil
}

// Screenshot stores and analyzes a raster supplied by the caller.
func (p *Pipeline) Screenshot(ctx context.Context, raster []byte, reason tracker.ScreenshotReason) (tracker.Screenshot, error) {
	if p.closed.Load() {
		return tracker.Screenshot{}, ErrSessionClosed
	}
	p.touch()
	if reason == "" {
		reason = tracker.ReasonBeacon
	}
	return p.capture.Ingest(ctx, raster, reason)
}

// AnalyzeStored analyzes a raster that was uploaded straight to blob storage under path.
// Like periodic captures it is skipped once the session converted.
func (p *Pipeline) AnalyzeStored(ctx context.Context, path string) ([]tracker.Decision, error) {
	if p.closed.Load() {
		return nil, ErrSessionClosed
	}
	p.touch()
	if p.agg.IsConverted() {
		return nil, collector.ErrCaptureSkipped
	}
	uri, err := p.blobs.SignedURL(ctx, path, p.urlTTL)
	if err != nil {
		return nil, fmt.Errorf("sign screenshot url: %w", err)
	}
	shot := tracker.Screenshot{
		Path:     path,
		URI:      uri,
		Reason:   tracker.ReasonBeacon,
		Analyzed: true,
		TakenAt:  p.clock.Now(),
	}
	var signals []tracker.Signal
	if reader, ok := p.blobs.(ObjectReader); ok {
		raster, rerr := reader.ReadObject(ctx, path)
		if rerr != nil {
			return nil, fmt.Errorf("read %s: %w", path, rerr)
		}
		signals = p.analyzer.Analyze(ctx, shot, raster)
	} else if signals, err = p.analyzer.AnalyzeURL(ctx, shot); err != nil {
		return nil, fmt.Errorf("analyze %s: %w", path, err)
	}
	p.agg.RecordScreenshot(shot)
	decisions := make([]tracker.Decision, 0, len(signals))
	for _, signal := range signals {
		decision := p.agg.Propose(ctx, signal)
		metrics.ObserveSignal(string(signal.Kind), string(decision))
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

// Interaction forwards evt to the interaction log and returns its id.
func (p *Pipeline) Interaction(evt tracker.Interaction) (string, error) {
	if p.closed.Load() {
		return "", ErrSessionClosed
	}
	p.touch()
	evt.SessionID = p.session.ID
	if evt.At.IsZero() {
		evt.At = p.clock.Now()
	}
	return p.recorder.RecordInteraction(evt), nil
}

// Step appends a booking-flow step to the session log.
func (p *Pipeline) Step(step tracker.BookingStep) error {
	if p.closed.Load() {
		return ErrSessionClosed
	}
	p.touch()
	p.agg.RecordStep(step)
	return nil
}

// Snapshot returns the aggregator state.
func (p *Pipeline) Snapshot() aggregator.Snapshot {
	return p.agg.Snapshot()
}

// Converted reports whether the session committed a conversion.
func (p *Pipeline) Converted() bool {
	return p.agg.IsConverted()
}

// Close tears the chain down in order: capture loop, console interceptor, message listener,
// OCR worker, aggregator. In-flight captures get until ctx is done before they are cancelled.
// Only the first call has an effect.
func (p *Pipeline) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)

		stopped := make(chan struct{})
		go func() {
			p.capture.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			p.logger.Warn("capture still in flight at close; cancelling")
			p.cancel()
			<-stopped
		}

		p.console.Uninstall()
		p.messages.Close()
		if cerr := p.ocr.Close(); cerr != nil {
			err = fmt.Errorf("close ocr worker: %w", cerr)
		}
		p.agg.Close(context.WithoutCancel(ctx))
		p.cancel()
		p.logger.Info("session closed", zap.Bool("converted", p.agg.IsConverted()))
	})
	return err
}

// onSignal requests an immediate capture whenever a collector raises a signal.
func (p *Pipeline) onSignal(_ context.Context, _ tracker.Signal, decision tracker.Decision) {
	if decision == tracker.DecisionIgnored || p.closed.Load() {
		return
	}
	p.capture.Trigger(p.ctx, tracker.ReasonSignal)
}

func (p *Pipeline) touch() {
	p.lastSeen.Store(p.clock.Now().UnixNano())
}
