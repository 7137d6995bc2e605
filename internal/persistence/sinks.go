package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/logging"
	"github.com/JakeFAU/bookingwatch/internal/metrics"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// StoreSink writes interaction batches to an InteractionStore.
type StoreSink struct {
	store tracker.InteractionStore
}

// NewStoreSink wraps store.
func NewStoreSink(store tracker.InteractionStore) *StoreSink {
	return &StoreSink{store: store}
}

// Consume inserts the batch.
func (s *StoreSink) Consume(ctx context.Context, batch []tracker.Interaction) error {
	if s == nil || s.store == nil {
		return nil
	}
	if err := s.store.RecordInteractions(ctx, batch); err != nil {
		return fmt.Errorf("record interactions: %w", err)
	}
	metrics.ObservePersistence("interaction", "ok")
	return nil
}

// Close implements Sink; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

// LogSink logs every interaction; handy when no durable store is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger)}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []tracker.Interaction) error {
	for _, evt := range batch {
		s.logger.Debug("interaction",
			zap.String("interaction_id", evt.ID),
			zap.String("session_id", evt.SessionID),
			zap.String("type", evt.Type),
			zap.String("selector", evt.Selector),
			zap.Float64("offset_seconds", evt.TimestampOffsetSeconds),
		)
	}
	return nil
}

// Close implements Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
