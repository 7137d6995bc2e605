// Package sqlite stores conversions and interactions in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// timeLayout is fixed width so text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a database/sql backed conversion and interaction store.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and its directory) and ensures the schema exists.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps upserts serialized and makes :memory: databases usable.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversions (
  session_id TEXT PRIMARY KEY,
  fingerprint TEXT NOT NULL DEFAULT '',
  booking_confirmation_detected INTEGER NOT NULL DEFAULT 0,
  estimated_conversion INTEGER NOT NULL DEFAULT 0,
  confidence_score REAL NOT NULL DEFAULT 0,
  detection_method TEXT NOT NULL DEFAULT '',
  client_contact_data TEXT,
  success_indicators TEXT NOT NULL DEFAULT '{}',
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS interactions (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  interaction_type TEXT NOT NULL,
  selector TEXT,
  text TEXT,
  coords TEXT,
  timestamp_offset_seconds REAL NOT NULL DEFAULT 0,
  iframe_url TEXT,
  payload TEXT,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS interactions_session_idx ON interactions (session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// UpsertConversion inserts or merges the session's row with the same monotonic rules as Postgres.
func (s *Store) UpsertConversion(ctx context.Context, record tracker.ConversionRecord) error {
	if record.SessionID == "" {
		return errors.New("session id is required")
	}
	client, err := nullableJSON(record.ClientContactData, record.ClientContactData == nil)
	if err != nil {
		return fmt.Errorf("marshal client contact data: %w", err)
	}
	indicators, err := json.Marshal(record.SuccessIndicators)
	if err != nil {
		return fmt.Errorf("marshal success indicators: %w", err)
	}
	const stmt = `
INSERT INTO conversions (session_id, fingerprint, booking_confirmation_detected, estimated_conversion,
  confidence_score, detection_method, client_contact_data, success_indicators, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  booking_confirmation_detected=max(conversions.booking_confirmation_detected, excluded.booking_confirmation_detected),
  estimated_conversion=max(conversions.estimated_conversion, excluded.estimated_conversion),
  detection_method=CASE WHEN excluded.confidence_score >= conversions.confidence_score
    THEN excluded.detection_method ELSE conversions.detection_method END,
  success_indicators=CASE WHEN excluded.confidence_score >= conversions.confidence_score
    THEN excluded.success_indicators ELSE conversions.success_indicators END,
  fingerprint=CASE WHEN excluded.confidence_score >= conversions.confidence_score AND excluded.fingerprint <> ''
    THEN excluded.fingerprint ELSE conversions.fingerprint END,
  confidence_score=max(conversions.confidence_score, excluded.confidence_score),
  client_contact_data=COALESCE(excluded.client_contact_data, conversions.client_contact_data),
  updated_at=max(conversions.updated_at, excluded.updated_at);
`
	_, err = s.db.ExecContext(ctx, stmt,
		record.SessionID,
		record.Fingerprint,
		record.BookingConfirmationDetected,
		record.EstimatedConversion,
		record.ConfidenceScore,
		record.DetectionMethod,
		client,
		string(indicators),
		record.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert conversion: %w", err)
	}
	return nil
}

// RecordInteractions inserts the batch in one transaction, ignoring ids already stored.
func (s *Store) RecordInteractions(ctx context.Context, batch []tracker.Interaction) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const stmt = `
INSERT INTO interactions (id, session_id, interaction_type, selector, text, coords,
  timestamp_offset_seconds, iframe_url, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`
	for _, evt := range batch {
		coords, err := nullableJSON(evt.Coords, evt.Coords == nil)
		if err != nil {
			return fmt.Errorf("marshal coords: %w", err)
		}
		payload, err := nullableJSON(evt.Payload, len(evt.Payload) == 0)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, stmt,
			evt.ID,
			evt.SessionID,
			evt.Type,
			evt.Selector,
			evt.Text,
			coords,
			evt.TimestampOffsetSeconds,
			evt.IframeURL,
			payload,
			evt.At.UTC().Format(timeLayout),
		); err != nil {
			return fmt.Errorf("insert interaction %s: %w", evt.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit interactions: %w", err)
	}
	return nil
}

// Conversion loads the stored row for sessionID. It returns sql.ErrNoRows when absent.
func (s *Store) Conversion(ctx context.Context, sessionID string) (tracker.ConversionRecord, error) {
	const query = `
SELECT session_id, fingerprint, booking_confirmation_detected, estimated_conversion, confidence_score,
  detection_method, client_contact_data, success_indicators, updated_at
FROM conversions WHERE session_id = ?;
`
	var (
		rec        tracker.ConversionRecord
		client     sql.NullString
		indicators string
		updatedAt  string
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&rec.SessionID,
		&rec.Fingerprint,
		&rec.BookingConfirmationDetected,
		&rec.EstimatedConversion,
		&rec.ConfidenceScore,
		&rec.DetectionMethod,
		&client,
		&indicators,
		&updatedAt,
	)
	if err != nil {
		return tracker.ConversionRecord{}, fmt.Errorf("load conversion: %w", err)
	}
	if client.Valid {
		rec.ClientContactData = &tracker.ClientData{}
		if err := json.Unmarshal([]byte(client.String), rec.ClientContactData); err != nil {
			return tracker.ConversionRecord{}, fmt.Errorf("decode client contact data: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(indicators), &rec.SuccessIndicators); err != nil {
		return tracker.ConversionRecord{}, fmt.Errorf("decode success indicators: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return tracker.ConversionRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return rec, nil
}

// LoadConversion implements tracker.ConversionReader; a missing row is not an error.
func (s *Store) LoadConversion(ctx context.Context, sessionID string) (tracker.ConversionRecord, bool, error) {
	rec, err := s.Conversion(ctx, sessionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return tracker.ConversionRecord{}, false, nil
	case err != nil:
		return tracker.ConversionRecord{}, false, err
	}
	return rec, true, nil
}

// CountInteractions reports how many interactions are stored for sessionID.
func (s *Store) CountInteractions(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count interactions: %w", err)
	}
	return n, nil
}

func nullableJSON(v any, isNull bool) (sql.NullString, error) {
	if isNull {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
