// Package postgres provides Postgres-backed conversion and interaction stores.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultConversionsTable  = "conversions"
	defaultInteractionsTable = "interactions"
	interactionColumns       = 10
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN               string
	ConversionsTable  string
	InteractionsTable string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	ConnectRetries    uint64
	Migrate           bool
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store writes conversion rows and interaction events into Postgres.
type Store struct {
	pool         execCloser
	conversions  string
	interactions string
	newBackOff   func() backoff.BackOff
}

// New connects to Postgres, waits for it to answer and optionally creates the tables.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.ConversionsTable, cfg.InteractionsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.waitReady(ctx, cfg.ConnectRetries); err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, conversionsTable, interactionsTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if conversionsTable == "" {
		conversionsTable = defaultConversionsTable
	}
	if interactionsTable == "" {
		interactionsTable = defaultInteractionsTable
	}
	for _, table := range []string{conversionsTable, interactionsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Store{
		pool:         pool,
		conversions:  conversionsTable,
		interactions: interactionsTable,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping reports whether the pool can reach Postgres.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *Store) waitReady(ctx context.Context, retries uint64) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), retries), ctx)
	if err := backoff.Retry(func() error { return s.pool.Ping(ctx) }, policy); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the conversion and interaction tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	session_id TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL DEFAULT '',
	booking_confirmation_detected BOOLEAN NOT NULL DEFAULT FALSE,
	estimated_conversion BOOLEAN NOT NULL DEFAULT FALSE,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	detection_method TEXT NOT NULL DEFAULT '',
	client_contact_data JSONB,
	success_indicators JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS %[2]s (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	interaction_type TEXT NOT NULL,
	selector TEXT,
	text TEXT,
	coords JSONB,
	timestamp_offset_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	iframe_url TEXT,
	payload JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s_session_idx ON %[2]s (session_id, created_at);
`, s.conversions, s.interactions)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// UpsertConversion inserts or merges the session's conversion row. The merge never lowers
// confidence or clears a flag, so out-of-order writes for one session converge.
func (s *Store) UpsertConversion(ctx context.Context, record tracker.ConversionRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("conversion store is not configured")
	}
	if record.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	clientJSON, err := marshalNullable(record.ClientContactData)
	if err != nil {
		return fmt.Errorf("marshal client contact data: %w", err)
	}
	indicatorsJSON, err := json.Marshal(record.SuccessIndicators)
	if err != nil {
		return fmt.Errorf("marshal success indicators: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	session_id,
	fingerprint,
	booking_confirmation_detected,
	estimated_conversion,
	confidence_score,
	detection_method,
	client_contact_data,
	success_indicators,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (session_id) DO UPDATE SET
	booking_confirmation_detected = %[1]s.booking_confirmation_detected OR EXCLUDED.booking_confirmation_detected,
	estimated_conversion = %[1]s.estimated_conversion OR EXCLUDED.estimated_conversion,
	confidence_score = GREATEST(%[1]s.confidence_score, EXCLUDED.confidence_score),
	detection_method = CASE WHEN EXCLUDED.confidence_score >= %[1]s.confidence_score
		THEN EXCLUDED.detection_method ELSE %[1]s.detection_method END,
	success_indicators = CASE WHEN EXCLUDED.confidence_score >= %[1]s.confidence_score
		THEN EXCLUDED.success_indicators ELSE %[1]s.success_indicators END,
	fingerprint = CASE WHEN EXCLUDED.confidence_score >= %[1]s.confidence_score AND EXCLUDED.fingerprint <> ''
		THEN EXCLUDED.fingerprint ELSE %[1]s.fingerprint END,
	client_contact_data = COALESCE(EXCLUDED.client_contact_data, %[1]s.client_contact_data),
	updated_at = GREATEST(%[1]s.updated_at, EXCLUDED.updated_at)`, s.conversions)

	args := []any{
		record.SessionID,
		record.Fingerprint,
		record.BookingConfirmationDetected,
		record.EstimatedConversion,
		record.ConfidenceScore,
		record.DetectionMethod,
		clientJSON,
		indicatorsJSON,
		record.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert conversion: %w", err)
	}
	return nil
}

// LoadConversion implements tracker.ConversionReader; a missing row is not an error.
func (s *Store) LoadConversion(ctx context.Context, sessionID string) (tracker.ConversionRecord, bool, error) {
	if s == nil || s.pool == nil {
		return tracker.ConversionRecord{}, false, fmt.Errorf("conversion store is not configured")
	}
	query := fmt.Sprintf(`
SELECT fingerprint, booking_confirmation_detected, estimated_conversion, confidence_score,
	detection_method, client_contact_data, success_indicators, updated_at
FROM %s WHERE session_id = $1`, s.conversions)

	rec := tracker.ConversionRecord{SessionID: sessionID}
	var clientJSON, indicatorsJSON []byte
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&rec.Fingerprint,
		&rec.BookingConfirmationDetected,
		&rec.EstimatedConversion,
		&rec.ConfidenceScore,
		&rec.DetectionMethod,
		&clientJSON,
		&indicatorsJSON,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.ConversionRecord{}, false, nil
	}
	if err != nil {
		return tracker.ConversionRecord{}, false, fmt.Errorf("load conversion: %w", err)
	}
	if len(clientJSON) > 0 && string(clientJSON) != "null" {
		rec.ClientContactData = &tracker.ClientData{}
		if err := json.Unmarshal(clientJSON, rec.ClientContactData); err != nil {
			return tracker.ConversionRecord{}, false, fmt.Errorf("decode client contact data: %w", err)
		}
	}
	if len(indicatorsJSON) > 0 {
		if err := json.Unmarshal(indicatorsJSON, &rec.SuccessIndicators); err != nil {
			return tracker.ConversionRecord{}, false, fmt.Errorf("decode success indicators: %w", err)
		}
	}
	return rec, true, nil
}

// RecordInteractions inserts the batch in one statement. Re-delivered ids are ignored.
func (s *Store) RecordInteractions(ctx context.Context, batch []tracker.Interaction) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("interaction store is not configured")
	}
	if len(batch) == 0 {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, `
INSERT INTO %s (
	id,
	session_id,
	interaction_type,
	selector,
	text,
	coords,
	timestamp_offset_seconds,
	iframe_url,
	payload,
	created_at
) VALUES `, s.interactions)

	args := make([]any, 0, len(batch)*interactionColumns)
	for i, evt := range batch {
		coords, err := marshalNullable(evt.Coords)
		if err != nil {
			return fmt.Errorf("marshal coords: %w", err)
		}
		payload, err := marshalNullable(evt.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		if i > 0 {
			b.WriteString(",")
		}
		base := i * interactionColumns
		b.WriteString("(")
		for col := 1; col <= interactionColumns; col++ {
			if col > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", base+col)
		}
		b.WriteString(")")
		args = append(args,
			evt.ID,
			evt.SessionID,
			evt.Type,
			evt.Selector,
			evt.Text,
			coords,
			evt.TimestampOffsetSeconds,
			evt.IframeURL,
			payload,
			evt.At,
		)
	}
	b.WriteString(" ON CONFLICT (id) DO NOTHING")

	if _, err := s.pool.Exec(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert interactions: %w", err)
	}
	return nil
}

// marshalNullable maps nil pointers and empty maps to SQL NULL.
func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case *tracker.ClientData:
		if val == nil {
			return nil, nil
		}
	case *tracker.Coords:
		if val == nil {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
