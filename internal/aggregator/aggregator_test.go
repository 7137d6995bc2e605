package aggregator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bookingwatch/internal/clock/system"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

type recordingGateway struct {
	mu      sync.Mutex
	records []tracker.ConversionRecord
}

func (g *recordingGateway) UpsertConversion(_ context.Context, record tracker.ConversionRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records = append(g.records, record)
}

func (g *recordingGateway) all() []tracker.ConversionRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]tracker.ConversionRecord(nil), g.records...)
}

type countingCapturer struct{ calls atomic.Int32 }

func (c *countingCapturer) CaptureConfirmation(context.Context) { c.calls.Add(1) }

var (
	conf    = tracker.DefaultConfidence()
	session = tracker.Session{ID: "bw_1", Fingerprint: "abc"}
)

func structured() tracker.Signal {
	return tracker.Signal{
		Kind:            tracker.KindStructuredClientData,
		Source:          tracker.SourceConsole,
		Confidence:      conf.Structured,
		DetectionMethod: tracker.MethodConsoleStructured,
		Client:          &tracker.ClientData{ClientName: "Maija", ClientEmail: "maija@example.fi"},
	}
}

func ocrText() tracker.Signal {
	return tracker.Signal{
		Kind:            tracker.KindOCRText,
		Source:          tracker.SourceScreenshot,
		Confidence:      conf.OCRText,
		DetectionMethod: tracker.MethodOCRText,
		Keyword:         "kiitos varauksesta",
		ScreenshotPath:  "shots/bw_1/1-periodic.png",
	}
}

func combined() tracker.Signal {
	s := ocrText()
	s.DetectionMethod = tracker.MethodOCRColorCombined
	s.Confidence = conf.OCRColorCombined
	return s
}

func colorOnly() tracker.Signal {
	return tracker.Signal{
		Kind:            tracker.KindColorHistogram,
		Source:          tracker.SourceScreenshot,
		Confidence:      conf.ColorOnly,
		DetectionMethod: tracker.MethodColorHistogram,
		GreenRatio:      0.3,
	}
}

func newAggregator(window time.Duration) (*Aggregator, *recordingGateway, *countingCapturer) {
	gw := &recordingGateway{}
	capt := &countingCapturer{}
	agg := New(session, Config{Confidence: conf, TieWindow: window}, gw, nil, nil)
	agg.SetConfirmationCapturer(capt)
	return agg, gw, capt
}

func TestColorOnlyIsCandidate(t *testing.T) {
	t.Parallel()

	agg, gw, capt := newAggregator(0)
	assert.Equal(t, tracker.DecisionCandidate, agg.Propose(context.Background(), colorOnly()))
	assert.False(t, agg.IsConverted())
	assert.Empty(t, gw.all())
	assert.Zero(t, capt.calls.Load())

	snap := agg.Snapshot()
	assert.Equal(t, "signal_received", snap.State)
	require.NotNil(t, snap.Candidate)
	assert.Equal(t, tracker.KindColorHistogram, snap.Candidate.Kind)
}

func TestFirstQualifyingSignalConverts(t *testing.T) {
	t.Parallel()

	agg, gw, capt := newAggregator(0)
	agg.RecordStep(tracker.BookingStep{Step: "service_selected", Service: "Hiustenleikkaus"})
	agg.Propose(context.Background(), colorOnly())
	assert.Equal(t, tracker.DecisionConverted, agg.Propose(context.Background(), ocrText()))
	assert.True(t, agg.IsConverted())

	records := gw.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "bw_1", rec.SessionID)
	assert.Equal(t, "abc", rec.Fingerprint)
	assert.True(t, rec.BookingConfirmationDetected)
	assert.True(t, rec.EstimatedConversion)
	assert.InDelta(t, conf.OCRText, rec.ConfidenceScore, 1e-9)
	assert.Equal(t, tracker.MethodOCRText, rec.DetectionMethod)
	assert.Nil(t, rec.ClientContactData)
	assert.Equal(t, []string{"service_selected", "signal:color_histogram", "signal:ocr_text"}, stepNames(rec.SuccessIndicators.Steps))
	assert.Len(t, rec.SuccessIndicators.Provenance, 2)
	assert.Equal(t, []string{"shots/bw_1/1-periodic.png"}, rec.SuccessIndicators.Screenshots)
	assert.Equal(t, int32(1), capt.calls.Load())

	assert.Equal(t, tracker.DecisionAudit, agg.Propose(context.Background(), combined()))
	assert.Len(t, gw.all(), 1, "non-structured signals after conversion are audit only")
}

func TestStructuredUpgradesInPlace(t *testing.T) {
	t.Parallel()

	agg, gw, capt := newAggregator(0)
	agg.Propose(context.Background(), combined())
	assert.Equal(t, tracker.DecisionUpgraded, agg.Propose(context.Background(), structured()))
	assert.Equal(t, tracker.DecisionAudit, agg.Propose(context.Background(), structured()), "equal structured evidence does not rewrite")

	records := gw.all()
	require.Len(t, records, 2)
	assert.Equal(t, records[0].SessionID, records[1].SessionID)
	assert.Equal(t, tracker.MethodConsoleStructured, records[1].DetectionMethod)
	require.NotNil(t, records[1].ClientContactData)
	assert.Equal(t, "Maija", records[1].ClientContactData.ClientName)
	assert.GreaterOrEqual(t, records[1].ConfidenceScore, records[0].ConfidenceScore)
	assert.Equal(t, int32(1), capt.calls.Load(), "upgrade does not take another confirmation capture")
}

func TestConfidenceNeverDecreases(t *testing.T) {
	t.Parallel()

	agg, gw, _ := newAggregator(0)
	agg.Propose(context.Background(), combined())

	weak := structured()
	weak.Confidence = 0.5
	assert.Equal(t, tracker.DecisionUpgraded, agg.Propose(context.Background(), weak), "rank beats raw confidence")

	records := gw.all()
	require.Len(t, records, 2)
	assert.InDelta(t, conf.OCRColorCombined, records[1].ConfidenceScore, 1e-9)
}

func TestTieBreakIsOrderIndependent(t *testing.T) {
	t.Parallel()

	orders := map[string][]tracker.Signal{
		"structured before ocr":   {structured(), ocrText()},
		"structured after ocr":    {ocrText(), structured()},
		"structured before color": {structured(), colorOnly()},
		"structured after color":  {colorOnly(), structured()},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			agg, gw, _ := newAggregator(time.Hour)
			for _, s := range order {
				want := tracker.DecisionPending
				if s.Kind == tracker.KindColorHistogram {
					want = tracker.DecisionCandidate
				}
				assert.Equal(t, want, agg.Propose(context.Background(), s))
			}
			assert.False(t, agg.IsConverted())

			agg.Flush(context.Background())
			records := gw.all()
			require.Len(t, records, 1)
			assert.Equal(t, tracker.MethodConsoleStructured, records[0].DetectionMethod)
			require.NotNil(t, records[0].ClientContactData)
		})
	}
}

func TestTieWindowTimerCommits(t *testing.T) {
	t.Parallel()

	agg, gw, capt := newAggregator(10 * time.Millisecond)
	agg.Propose(context.Background(), ocrText())
	agg.Propose(context.Background(), combined())

	require.Eventually(t, agg.IsConverted, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return capt.calls.Load() == 1 }, time.Second, 2*time.Millisecond)
	records := gw.all()
	require.Len(t, records, 1)
	assert.Equal(t, tracker.MethodOCRColorCombined, records[0].DetectionMethod)
}

func TestAtMostOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	for _, window := range []time.Duration{0, 5 * time.Millisecond} {
		agg, gw, capt := newAggregator(window)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range 64 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if i%2 == 0 {
					agg.Propose(context.Background(), ocrText())
				} else {
					agg.Propose(context.Background(), combined())
				}
			}()
		}
		close(start)
		wg.Wait()
		agg.Flush(context.Background())

		require.Eventually(t, agg.IsConverted, time.Second, 2*time.Millisecond)
		assert.Len(t, gw.all(), 1, "window %s", window)
		assert.Equal(t, int32(1), capt.calls.Load(), "window %s", window)
	}
}

func TestCloseDiscardsLaterProposals(t *testing.T) {
	t.Parallel()

	agg, gw, _ := newAggregator(time.Hour)
	agg.Propose(context.Background(), ocrText())
	agg.Close(context.Background())
	agg.Close(context.Background())
	require.Len(t, gw.all(), 1, "close flushes pending signals")

	assert.Equal(t, tracker.DecisionIgnored, agg.Propose(context.Background(), structured()))
	agg.RecordStep(tracker.BookingStep{Step: "late"})
	assert.Len(t, gw.all(), 1)
	assert.Equal(t, 1, agg.Snapshot().Signals)
}

func TestSnapshotCopies(t *testing.T) {
	t.Parallel()

	agg, _, _ := newAggregator(0)
	agg.RecordScreenshot(tracker.Screenshot{Path: "a.png"})
	agg.Propose(context.Background(), structured())

	snap := agg.Snapshot()
	assert.True(t, snap.Converted)
	require.NotNil(t, snap.Record)
	require.NotNil(t, snap.Winner)
	assert.Equal(t, 1, snap.Upserts)
	assert.Equal(t, []string{"a.png"}, snap.Screenshots)

	snap.Screenshots[0] = "mutated"
	assert.Equal(t, []string{"a.png"}, agg.Snapshot().Screenshots)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "converted", StateConverted.String())
	assert.Equal(t, "unknown", State(9).String())
}

func stepNames(steps []tracker.BookingStep) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Step)
	}
	return out
}

func TestResumeStartsConverted(t *testing.T) {
	t.Parallel()

	agg, gw, capt := newAggregator(0)
	agg.Resume(tracker.ConversionRecord{
		SessionID:                   session.ID,
		BookingConfirmationDetected: true,
		EstimatedConversion:         true,
		ConfidenceScore:             conf.OCRText,
		DetectionMethod:             tracker.MethodOCRText,
		SuccessIndicators: tracker.SuccessIndicators{
			DetectionMethod: tracker.MethodOCRText,
			SignalKind:      tracker.KindOCRText,
			Screenshots:     []string{"shots/bw_1/1-periodic.png"},
		},
	})
	require.True(t, agg.IsConverted())
	snap := agg.Snapshot()
	assert.Equal(t, "converted", snap.State)
	assert.Equal(t, []string{"shots/bw_1/1-periodic.png"}, snap.Screenshots)

	assert.Equal(t, tracker.DecisionAudit, agg.Propose(context.Background(), combined()))
	assert.Empty(t, gw.all())

	assert.Equal(t, tracker.DecisionUpgraded, agg.Propose(context.Background(), structured()))
	records := gw.all()
	require.Len(t, records, 1)
	assert.Equal(t, tracker.MethodConsoleStructured, records[0].DetectionMethod)
	assert.True(t, records[0].BookingConfirmationDetected)
	assert.Zero(t, capt.calls.Load())
}

func TestResumeIgnoredOnceSignalsArrived(t *testing.T) {
	t.Parallel()

	agg, _, _ := newAggregator(0)
	agg.Propose(context.Background(), colorOnly())
	agg.Resume(tracker.ConversionRecord{SessionID: session.ID, ConfidenceScore: conf.OCRText})
	assert.False(t, agg.IsConverted())
	assert.Equal(t, "signal_received", agg.Snapshot().State)
}

func TestDefaultClockIsSystemClock(t *testing.T) {
	t.Parallel()

	agg, gw, _ := newAggregator(0)
	assert.IsType(t, &system.Clock{}, agg.clock)

	agg.Propose(context.Background(), structured())
	records := gw.all()
	require.Len(t, records, 1)
	assert.Equal(t, time.UTC, records[0].UpdatedAt.Location())
	assert.Zero(t, records[0].UpdatedAt.Nanosecond()%int(time.Microsecond))
}
