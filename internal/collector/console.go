package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/logging"
	"github.com/JakeFAU/bookingwatch/internal/metrics"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// ErrAlreadyInstalled is returned when Install is called twice or after Uninstall.
var ErrAlreadyInstalled = errors.New("console interceptor already installed")

// ConsoleCall is one console invocation observed in the page.
type ConsoleCall struct {
	Method string    `json:"method"`
	Args   []any     `json:"args"`
	At     time.Time `json:"at"`
}

// ConsoleSource delivers console calls. Subscribers observe calls; they never alter them.
type ConsoleSource interface {
	SubscribeConsole(fn func(ConsoleCall)) (unsubscribe func())
}

// SignalHook is notified after a collector proposes a signal.
type SignalHook func(ctx context.Context, signal tracker.Signal, decision tracker.Decision)

// ConsoleInterceptor inspects every console call for booking evidence.
type ConsoleInterceptor struct {
	source   ConsoleSource
	detector *Detector
	sink     tracker.SignalSink
	onSignal SignalHook
	logger   *zap.Logger

	mu          sync.Mutex
	unsubscribe func()
	installed   bool
	removed     atomic.Bool
	removeOnce  sync.Once
}

// NewConsoleInterceptor builds an interceptor; it does nothing until Install.
func NewConsoleInterceptor(source ConsoleSource, detector *Detector, sink tracker.SignalSink, onSignal SignalHook, logger *zap.Logger) *ConsoleInterceptor {
	return &ConsoleInterceptor{
		source:   source,
		detector: detector,
		sink:     sink,
		onSignal: onSignal,
		logger:   logging.OrNop(logger).Named("console"),
	}
}

// Install subscribes to the console source. ctx scopes every proposal made by the handler.
func (c *ConsoleInterceptor) Install(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.installed || c.removed.Load() {
		return ErrAlreadyInstalled
	}
	c.unsubscribe = c.source.SubscribeConsole(func(call ConsoleCall) {
		c.Handle(ctx, call)
	})
	c.installed = true
	return nil
}

// Uninstall restores the source to its pre-install state. Only the first call has an effect.
func (c *ConsoleInterceptor) Uninstall() {
	c.removeOnce.Do(func() {
		c.removed.Store(true)
		c.mu.Lock()
		unsubscribe := c.unsubscribe
		c.unsubscribe = nil
		c.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
	})
}

// Handle inspects one call. Calls after Uninstall are ignored and panics never escape.
func (c *ConsoleInterceptor) Handle(ctx context.Context, call ConsoleCall) {
	if c.removed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("console handler panic", zap.Any("panic", r))
		}
	}()

	signal, ok := c.detector.Detect(tracker.SourceConsole, call.Args)
	if !ok {
		return
	}
	decision := c.sink.Propose(ctx, signal)
	metrics.ObserveSignal(string(signal.Kind), string(decision))
	c.logger.Debug("console signal",
		zap.String("method", call.Method),
		zap.String("detection_method", signal.DetectionMethod),
		zap.String("decision", string(decision)),
	)
	if c.onSignal != nil {
		c.onSignal(ctx, signal, decision)
	}
}

// ConsoleFeed is an in-process ConsoleSource fed by the ingest API.
type ConsoleFeed struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(ConsoleCall)
}

// NewConsoleFeed returns an empty feed.
func NewConsoleFeed() *ConsoleFeed {
	return &ConsoleFeed{subs: make(map[int]func(ConsoleCall))}
}

// SubscribeConsole registers fn and returns its unsubscribe function.
func (f *ConsoleFeed) SubscribeConsole(fn func(ConsoleCall)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Publish delivers call to every subscriber on the caller's goroutine.
func (f *ConsoleFeed) Publish(call ConsoleCall) {
	f.mu.RLock()
	subs := make([]func(ConsoleCall), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.RUnlock()
	for _, fn := range subs {
		fn(call)
	}
}

// Subscribers reports the number of live subscriptions.
func (f *ConsoleFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
