// Package persistence writes conversion records and interaction events without blocking callers.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/clock/system"
	"github.com/JakeFAU/bookingwatch/internal/logging"
	"github.com/JakeFAU/bookingwatch/internal/metrics"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// DefaultWriteTimeout bounds one conversion upsert.
const DefaultWriteTimeout = 10 * time.Second

// DefaultPublishRetention is how long a published session stays suppressed from republishing.
// It outlives session eviction so a returning session id is never announced twice.
const DefaultPublishRetention = 24 * time.Hour

const tracerName = "github.com/JakeFAU/bookingwatch/internal/persistence"

// ConversionEvent is the payload published after a session first converts.
type ConversionEvent struct {
	SessionID       string              `json:"session_id"`
	Fingerprint     string              `json:"fingerprint"`
	DetectionMethod string              `json:"detection_method"`
	ConfidenceScore float64             `json:"confidence_score"`
	Client          *tracker.ClientData `json:"client_contact_data,omitempty"`
	DetectedAt      time.Time           `json:"detected_at"`
}

// Attributes exposes filterable message attributes to the pubsub publisher.
func (e ConversionEvent) Attributes() map[string]string {
	return map[string]string{
		"session_id":       e.SessionID,
		"detection_method": e.DetectionMethod,
	}
}

// Config tunes the gateway.
type Config struct {
	WriteTimeout     time.Duration
	PublishRetention time.Duration
	Topic            string
	Hub              HubConfig
}

// Deps groups gateway collaborators. Publisher and InteractionSinks are optional.
type Deps struct {
	Conversions      tracker.ConversionStore
	Publisher        tracker.Publisher
	IDs              tracker.IDGenerator
	Clock            tracker.Clock
	Logger           *zap.Logger
	InteractionSinks []Sink
}

// Gateway performs fire-and-forget writes. Errors are logged and counted, never returned.
type Gateway struct {
	conversions tracker.ConversionStore
	publisher   tracker.Publisher
	topic       string
	ids         tracker.IDGenerator
	clock       tracker.Clock
	logger      *zap.Logger
	timeout     time.Duration
	hub         *Hub

	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	retention   time.Duration
	publishedMu sync.Mutex
	published   map[string]time.Time
	prunedAt    time.Time
}

// NewGateway builds a Gateway and starts its interaction hub.
func NewGateway(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Conversions == nil {
		return nil, errors.New("conversion store is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = system.New()
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	retention := cfg.PublishRetention
	if retention <= 0 {
		retention = DefaultPublishRetention
	}
	logger := logging.OrNop(deps.Logger).Named("persistence")
	return &Gateway{
		conversions: deps.Conversions,
		publisher:   deps.Publisher,
		topic:       cfg.Topic,
		ids:         deps.IDs,
		clock:       clock,
		logger:      logger,
		timeout:     timeout,
		hub:         NewHub(cfg.Hub, logger, deps.InteractionSinks...),
		retention:   retention,
		published:   make(map[string]time.Time),
	}, nil
}

// UpsertConversion writes record on a tracked goroutine and returns immediately.
// Concurrent writes for one session are safe: the stores merge monotonically.
func (g *Gateway) UpsertConversion(ctx context.Context, record tracker.ConversionRecord) {
	if g.closed.Load() {
		g.logger.Warn("conversion dropped: gateway closed", zap.String("session_id", record.SessionID))
		metrics.ObservePersistence("conversion", "dropped")
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		writeCtx, span := otel.Tracer(tracerName).Start(writeCtx, "conversion.upsert")
		defer span.End()
		span.SetAttributes(
			attribute.String("session_id", record.SessionID),
			attribute.String("detection_method", record.DetectionMethod),
		)

		if err := g.conversions.UpsertConversion(writeCtx, record); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upsert failed")
			metrics.ObservePersistence("conversion", "error")
			g.logger.Error("conversion upsert failed",
				zap.String("session_id", record.SessionID),
				zap.String("detection_method", record.DetectionMethod),
				zap.Error(err),
			)
			return
		}
		metrics.ObservePersistence("conversion", "ok")
		g.logger.Info("conversion stored",
			zap.String("session_id", record.SessionID),
			zap.String("detection_method", record.DetectionMethod),
			zap.Float64("confidence", record.ConfidenceScore),
		)
		g.publish(writeCtx, record)
	}()
}

// RecordInteraction assigns an id, queues the event and returns the id immediately.
// An empty id means the event could not be accepted.
func (g *Gateway) RecordInteraction(evt tracker.Interaction) string {
	if g.closed.Load() {
		return ""
	}
	if evt.ID == "" {
		id, err := g.ids.NewID()
		if err != nil {
			g.logger.Warn("interaction id generation failed", zap.Error(err))
			return ""
		}
		evt.ID = id
	}
	if evt.At.IsZero() {
		evt.At = g.clock.Now()
	}
	if !g.hub.Emit(evt) {
		return ""
	}
	return evt.ID
}

// Close waits for in-flight conversion writes and drains the interaction hub.
func (g *Gateway) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		g.closed.Store(true)
		done := make(chan struct{})
		go func() {
			g.wg.Wait()
			close(done)
		}()
		var errs []error
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("conversion writes wait: %w", ctx.Err()))
		}
		if err := g.hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		g.closeErr = errors.Join(errs...)
	})
	return g.closeErr
}

func (g *Gateway) publish(ctx context.Context, record tracker.ConversionRecord) {
	if g.publisher == nil || g.topic == "" {
		return
	}
	if !g.claimPublish(record.SessionID) {
		return
	}

	msgID, err := g.publisher.Publish(ctx, g.topic, ConversionEvent{
		SessionID:       record.SessionID,
		Fingerprint:     record.Fingerprint,
		DetectionMethod: record.DetectionMethod,
		ConfidenceScore: record.ConfidenceScore,
		Client:          record.ClientContactData,
		DetectedAt:      record.UpdatedAt,
	})
	if err != nil {
		metrics.ObservePersistence("publish", "error")
		g.logger.Warn("conversion publish failed", zap.String("session_id", record.SessionID), zap.Error(err))
		return
	}
	metrics.ObservePersistence("publish", "ok")
	g.logger.Debug("conversion published", zap.String("session_id", record.SessionID), zap.String("message_id", msgID))
}

// claimPublish reports whether sessionID has not been published within the retention window
// and marks it published.
func (g *Gateway) claimPublish(sessionID string) bool {
	now := g.clock.Now()
	g.publishedMu.Lock()
	defer g.publishedMu.Unlock()
	if now.Sub(g.prunedAt) >= time.Minute {
		for id, at := range g.published {
			if now.Sub(at) >= g.retention {
				delete(g.published, id)
			}
		}
		g.prunedAt = now
	}
	if at, done := g.published[sessionID]; done && now.Sub(at) < g.retention {
		return false
	}
	g.published[sessionID] = now
	return true
}
