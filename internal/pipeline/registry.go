package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/clock/system"
	"github.com/JakeFAU/bookingwatch/internal/logging"
	"github.com/JakeFAU/bookingwatch/internal/metrics"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// DefaultIdleTimeout evicts sessions that stopped sending evidence.
const DefaultIdleTimeout = 30 * time.Minute

// ErrRegistryClosed is returned by Open after Close.
var ErrRegistryClosed = errors.New("registry closed")

// Factory builds and starts the pipeline for a new session.
type Factory func(session tracker.Session) (*Pipeline, error)

// Registry owns the live pipelines keyed by session id.
type Registry struct {
	factory Factory
	idle    time.Duration
	clock   tracker.Clock
	logger  *zap.Logger
	onEvict []func(sessionID string)

	mu       sync.Mutex
	sessions map[string]*Pipeline
	closed   bool
}

// NewRegistry builds an empty registry. onEvict callbacks run after a pipeline is closed.
func NewRegistry(factory Factory, idle time.Duration, clock tracker.Clock, logger *zap.Logger, onEvict ...func(sessionID string)) *Registry {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if clock == nil {
		clock = system.New()
	}
	return &Registry{
		factory:  factory,
		idle:     idle,
		clock:    clock,
		logger:   logging.OrNop(logger).Named("registry"),
		onEvict:  onEvict,
		sessions: make(map[string]*Pipeline),
	}
}

// Open returns the live pipeline for session.ID, creating it on first use. created reports
// whether this call built it.
func (r *Registry) Open(session tracker.Session) (p *Pipeline, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrRegistryClosed
	}
	if existing, ok := r.sessions[session.ID]; ok {
		return existing, false, nil
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = r.clock.Now()
	}
	p, err = r.factory(session)
	if err != nil {
		return nil, false, err
	}
	r.sessions[session.ID] = p
	metrics.IncActiveSessions()
	r.logger.Debug("session opened", zap.String("session_id", session.ID))
	return p, true, nil
}

// Get returns the live pipeline for id.
func (r *Registry) Get(id string) (*Pipeline, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.sessions[id]
	return p, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove closes and forgets the session. It reports whether the session was live.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	p, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.evict(ctx, id, p)
	return true
}

// Sweep closes every session idle for longer than the idle timeout and returns how many.
func (r *Registry) Sweep(ctx context.Context) int {
	cutoff := r.clock.Now().Add(-r.idle)
	r.mu.Lock()
	var stale []*Pipeline
	for id, p := range r.sessions {
		if p.LastSeen().Before(cutoff) {
			stale = append(stale, p)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, p := range stale {
		r.evict(ctx, p.Session().ID, p)
	}
	if len(stale) > 0 {
		r.logger.Info("idle sessions evicted", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Run sweeps on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = r.idle / 2
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Close tears down every live session; later Opens fail.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	all := r.sessions
	r.sessions = make(map[string]*Pipeline)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for id, p := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.evict(ctx, id, p)
		}()
	}
	wg.Wait()
}

func (r *Registry) evict(ctx context.Context, id string, p *Pipeline) {
	if err := p.Close(ctx); err != nil {
		r.logger.Warn("close session", zap.String("session_id", id), zap.Error(err))
	}
	metrics.DecActiveSessions()
	for _, fn := range r.onEvict {
		fn(id)
	}
}
