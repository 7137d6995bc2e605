package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/bookingwatch/internal/storage"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// RecordStore keeps one conversion row per session plus an append-only interaction log.
type RecordStore struct {
	mu           sync.RWMutex
	conversions  map[string]tracker.ConversionRecord
	interactions []tracker.Interaction
	seen         map[string]struct{}
	upserts      int
}

// NewRecordStore returns an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		conversions: make(map[string]tracker.ConversionRecord),
		seen:        make(map[string]struct{}),
	}
}

// UpsertConversion merges record into the session's row.
func (s *RecordStore) UpsertConversion(ctx context.Context, record tracker.ConversionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.SessionID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if existing, ok := s.conversions[record.SessionID]; ok {
		s.conversions[record.SessionID] = storage.MergeConversion(existing, record)
		return nil
	}
	s.conversions[record.SessionID] = record
	return nil
}

// RecordInteractions appends the batch, skipping ids already stored.
func (s *RecordStore) RecordInteractions(ctx context.Context, batch []tracker.Interaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		if _, dup := s.seen[evt.ID]; dup {
			continue
		}
		s.seen[evt.ID] = struct{}{}
		s.interactions = append(s.interactions, evt)
	}
	return nil
}

// Conversion returns the stored row for sessionID.
func (s *RecordStore) Conversion(sessionID string) (tracker.ConversionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conversions[sessionID]
	return rec, ok
}

// LoadConversion implements tracker.ConversionReader.
func (s *RecordStore) LoadConversion(ctx context.Context, sessionID string) (tracker.ConversionRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return tracker.ConversionRecord{}, false, err
	}
	rec, ok := s.Conversion(sessionID)
	return rec, ok, nil
}

// Interactions returns the events stored for sessionID in arrival order.
func (s *RecordStore) Interactions(sessionID string) []tracker.Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracker.Interaction
	for _, evt := range s.interactions {
		if evt.SessionID == sessionID {
			out = append(out, evt)
		}
	}
	return out
}

// Upserts reports how many upsert calls were accepted.
func (s *RecordStore) Upserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}
