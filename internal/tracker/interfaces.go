package tracker

import (
	"context"
	"io"
	"time"
)

// BlobStore writes raw screenshots and hands out readable URLs. Implementations never overwrite.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// ConversionStore upserts the conversion row keyed by session id.
type ConversionStore interface {
	UpsertConversion(ctx context.Context, record ConversionRecord) error
}

// ConversionReader loads a session's stored row so a reopened session resumes converted.
type ConversionReader interface {
	LoadConversion(ctx context.Context, sessionID string) (ConversionRecord, bool, error)
}

// InteractionStore appends interaction events.
type InteractionStore interface {
	RecordInteractions(ctx context.Context, batch []Interaction) error
}

// Publisher pushes conversion notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// SignalSink accepts proposed signals. The aggregator is the only implementation in production.
type SignalSink interface {
	Propose(ctx context.Context, signal Signal) Decision
}

// ConversionState is the read-only view of the converted flag handed to collectors.
type ConversionState interface {
	IsConverted() bool
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
