// Package aggregator fuses signals into at most one conversion record per session.
package aggregator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/clock/system"
	"github.com/JakeFAU/bookingwatch/internal/logging"
	"github.com/JakeFAU/bookingwatch/internal/metrics"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// DefaultTieWindow batches qualifying signals that arrive together before the first write.
const DefaultTieWindow = 50 * time.Millisecond

// State is the aggregator lifecycle.
type State int

// Aggregator states.
const (
	StateIdle State = iota
	StateSignalReceived
	StateConverted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSignalReceived:
		return "signal_received"
	case StateConverted:
		return "converted"
	default:
		return "unknown"
	}
}

// Gateway receives the conversion record. Calls must not block on I/O.
type Gateway interface {
	UpsertConversion(ctx context.Context, record tracker.ConversionRecord)
}

// ConfirmationCapturer takes the final audit screenshot after conversion.
type ConfirmationCapturer interface {
	CaptureConfirmation(ctx context.Context)
}

// Config tunes the aggregator.
type Config struct {
	Confidence tracker.Confidence
	TieWindow  time.Duration
}

// Snapshot is a point-in-time copy of the aggregator state.
type Snapshot struct {
	SessionID   string                    `json:"session_id"`
	State       string                    `json:"state"`
	Converted   bool                      `json:"converted"`
	Candidate   *tracker.Signal           `json:"candidate,omitempty"`
	Winner      *tracker.Signal           `json:"winner,omitempty"`
	Record      *tracker.ConversionRecord `json:"record,omitempty"`
	Steps       int                       `json:"steps"`
	Signals     int                       `json:"signals"`
	Upserts     int                       `json:"upserts"`
	Screenshots []string                  `json:"screenshots,omitempty"`
}

// Aggregator is the single owner of the converted flag. Its mutex is the only ordering point
// between collectors.
type Aggregator struct {
	session tracker.Session
	cfg     Config
	gateway Gateway
	clock   tracker.Clock
	logger  *zap.Logger

	converted atomic.Bool

	mu          sync.Mutex
	state       State
	closed      bool
	candidate   *tracker.Signal
	pending     []tracker.Signal
	timer       *time.Timer
	winner      *tracker.Signal
	record      *tracker.ConversionRecord
	client      *tracker.ClientData
	steps       []tracker.BookingStep
	provenance  []tracker.Provenance
	screenshots []string
	signals     int
	upserts     int
	capturer    ConfirmationCapturer
}

// New creates an idle aggregator for session.
func New(session tracker.Session, cfg Config, gateway Gateway, clock tracker.Clock, logger *zap.Logger) *Aggregator {
	if clock == nil {
		clock = system.New()
	}
	if cfg.TieWindow < 0 {
		cfg.TieWindow = 0
	}
	return &Aggregator{
		session: session,
		cfg:     cfg,
		gateway: gateway,
		clock:   clock,
		logger:  logging.OrNop(logger).Named("aggregator").With(zap.String("session_id", session.ID)),
	}
}

// SetConfirmationCapturer wires the capture loop after construction (the two reference each other).
func (a *Aggregator) SetConfirmationCapturer(c ConfirmationCapturer) {
	a.mu.Lock()
	a.capturer = c
	a.mu.Unlock()
}

// Resume starts the aggregator in Converted from a row already stored for this session, so a
// session reopened after eviction never repeats its first transition. It is a no-op once any
// signal has been proposed.
func (a *Aggregator) Resume(record tracker.ConversionRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.state != StateIdle || a.signals > 0 {
		return
	}
	ind := record.SuccessIndicators
	winner := tracker.Signal{
		Kind:            ind.SignalKind,
		Confidence:      record.ConfidenceScore,
		DetectionMethod: record.DetectionMethod,
		Client:          record.ClientContactData,
		Keyword:         ind.Keyword,
		GreenRatio:      ind.GreenRatio,
		ObservedAt:      record.UpdatedAt,
	}
	rec := record
	a.winner = &winner
	a.record = &rec
	a.client = record.ClientContactData
	a.steps = append([]tracker.BookingStep(nil), ind.Steps...)
	a.provenance = append([]tracker.Provenance(nil), ind.Provenance...)
	a.screenshots = append([]string(nil), ind.Screenshots...)
	a.state = StateConverted
	a.converted.Store(true)
	a.logger.Info("resumed stored conversion", zap.String("detection_method", record.DetectionMethod))
}

// IsConverted reports whether a conversion has been committed.
func (a *Aggregator) IsConverted() bool {
	return a.converted.Load()
}

// Propose records signal and returns the decision taken on it.
func (a *Aggregator) Propose(ctx context.Context, signal tracker.Signal) tracker.Decision {
	if signal.ObservedAt.IsZero() {
		signal.ObservedAt = a.clock.Now()
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return tracker.DecisionIgnored
	}
	a.signals++
	a.steps = append(a.steps, tracker.BookingStep{Step: "signal:" + string(signal.Kind), At: signal.ObservedAt})
	a.provenance = append(a.provenance, tracker.Provenance{
		Kind:            signal.Kind,
		DetectionMethod: signal.DetectionMethod,
		Confidence:      signal.Confidence,
		ObservedAt:      signal.ObservedAt,
	})
	if signal.Client != nil && a.client == nil {
		a.client = signal.Client
	}

	if a.state == StateConverted {
		if signal.Kind != tracker.KindStructuredClientData || !signal.Outranks(*a.winner) {
			a.mu.Unlock()
			return tracker.DecisionAudit
		}
		s := signal
		a.winner = &s
		a.client = signal.Client
		record := a.buildRecordLocked()
		a.upserts++
		a.mu.Unlock()

		a.logger.Info("conversion upgraded", zap.String("detection_method", signal.DetectionMethod))
		metrics.ObserveConversion(signal.DetectionMethod)
		a.gateway.UpsertConversion(context.WithoutCancel(ctx), record)
		return tracker.DecisionUpgraded
	}

	if signal.Confidence < a.cfg.Confidence.HighThreshold {
		if a.state == StateIdle {
			a.state = StateSignalReceived
		}
		if a.candidate == nil || signal.Outranks(*a.candidate) {
			s := signal
			a.candidate = &s
		}
		a.mu.Unlock()
		return tracker.DecisionCandidate
	}

	a.pending = append(a.pending, signal)
	if a.state == StateIdle {
		a.state = StateSignalReceived
	}
	if a.cfg.TieWindow == 0 {
		a.mu.Unlock()
		if a.commit(context.WithoutCancel(ctx)) {
			return tracker.DecisionConverted
		}
		return tracker.DecisionAudit
	}
	if a.timer == nil {
		detached := context.WithoutCancel(ctx)
		a.timer = time.AfterFunc(a.cfg.TieWindow, func() { a.commit(detached) })
	}
	a.mu.Unlock()
	return tracker.DecisionPending
}

// Flush commits any pending qualifying signals immediately.
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
	a.commit(ctx)
}

// RecordStep appends a booking-flow step to the log carried in the record.
func (a *Aggregator) RecordStep(step tracker.BookingStep) {
	if step.At.IsZero() {
		step.At = a.clock.Now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.steps = append(a.steps, step)
}

// RecordScreenshot notes an uploaded screenshot path.
func (a *Aggregator) RecordScreenshot(shot tracker.Screenshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.screenshots = append(a.screenshots, shot.Path)
}

// Close flushes pending signals and discards every later proposal. It is idempotent.
func (a *Aggregator) Close(ctx context.Context) {
	a.Flush(ctx)
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := Snapshot{
		SessionID:   a.session.ID,
		State:       a.state.String(),
		Converted:   a.state == StateConverted,
		Steps:       len(a.steps),
		Signals:     a.signals,
		Upserts:     a.upserts,
		Screenshots: append([]string(nil), a.screenshots...),
	}
	if a.candidate != nil {
		c := *a.candidate
		snap.Candidate = &c
	}
	if a.winner != nil {
		w := *a.winner
		snap.Winner = &w
	}
	if a.record != nil {
		r := *a.record
		snap.Record = &r
	}
	return snap
}

// commit persists the best pending signal. It reports whether this call made the conversion.
func (a *Aggregator) commit(ctx context.Context) bool {
	a.mu.Lock()
	if a.closed || a.state == StateConverted || len(a.pending) == 0 {
		a.mu.Unlock()
		return false
	}
	best := a.pending[0]
	for _, s := range a.pending[1:] {
		if s.Outranks(best) {
			best = s
		}
	}
	a.pending = nil
	a.timer = nil
	a.winner = &best
	a.state = StateConverted
	a.converted.Store(true)
	record := a.buildRecordLocked()
	a.upserts++
	capturer := a.capturer
	a.mu.Unlock()

	a.logger.Info("conversion detected",
		zap.String("detection_method", best.DetectionMethod),
		zap.Float64("confidence", record.ConfidenceScore),
	)
	metrics.ObserveConversion(best.DetectionMethod)
	a.gateway.UpsertConversion(ctx, record)
	if capturer != nil {
		capturer.CaptureConfirmation(ctx)
	}
	return true
}

// buildRecordLocked renders the record from the current winner; confidence never decreases.
func (a *Aggregator) buildRecordLocked() tracker.ConversionRecord {
	w := a.winner
	score := w.Confidence
	if a.record != nil && a.record.ConfidenceScore > score {
		score = a.record.ConfidenceScore
	}
	screenshots := append([]string(nil), a.screenshots...)
	if w.ScreenshotPath != "" {
		screenshots = appendUnique(screenshots, w.ScreenshotPath)
	}
	rec := tracker.ConversionRecord{
		SessionID:                   a.session.ID,
		Fingerprint:                 a.session.Fingerprint,
		BookingConfirmationDetected: w.Rank() >= tracker.RankText || (a.record != nil && a.record.BookingConfirmationDetected),
		EstimatedConversion:         true,
		ConfidenceScore:             score,
		DetectionMethod:             w.DetectionMethod,
		ClientContactData:           a.client,
		SuccessIndicators: tracker.SuccessIndicators{
			DetectionMethod: w.DetectionMethod,
			SignalKind:      w.Kind,
			Keyword:         w.Keyword,
			GreenRatio:      w.GreenRatio,
			Steps:           append([]tracker.BookingStep(nil), a.steps...),
			Provenance:      append([]tracker.Provenance(nil), a.provenance...),
			Screenshots:     screenshots,
		},
		UpdatedAt: a.clock.Now(),
	}
	a.record = &rec
	return rec
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
