package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/logging"
	"github.com/JakeFAU/bookingwatch/internal/metrics"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// Message is one window message event.
type Message struct {
	Origin string    `json:"origin"`
	Data   any       `json:"data"`
	At     time.Time `json:"at"`
}

// PostMessageListener accepts window messages from allow-listed origins only.
type PostMessageListener struct {
	allowed  map[string]struct{}
	detector *Detector
	sink     tracker.SignalSink
	onSignal SignalHook
	logger   *zap.Logger
	closed   atomic.Bool
}

// NewPostMessageListener normalizes the allow-list; any malformed entry is an error.
func NewPostMessageListener(allowedOrigins []string, detector *Detector, sink tracker.SignalSink, onSignal SignalHook, logger *zap.Logger) (*PostMessageListener, error) {
	normalized := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		n, err := NormalizeOrigin(origin)
		if err != nil {
			return nil, fmt.Errorf("allowed origin %q: %w", origin, err)
		}
		normalized = append(normalized, n)
	}
	return &PostMessageListener{
		allowed: lo.SliceToMap(lo.Uniq(normalized), func(o string) (string, struct{}) {
			return o, struct{}{}
		}),
		detector: detector,
		sink:     sink,
		onSignal: onSignal,
		logger:   logging.OrNop(logger).Named("postmessage"),
	}, nil
}

// Allowed reports whether origin passes the allow-list.
func (l *PostMessageListener) Allowed(origin string) bool {
	n, err := NormalizeOrigin(origin)
	if err != nil {
		return false
	}
	_, ok := l.allowed[n]
	return ok
}

// Handle inspects one message. Messages from other origins have no effect beyond a metric.
func (l *PostMessageListener) Handle(ctx context.Context, msg Message) (decision tracker.Decision) {
	if l.closed.Load() {
		return tracker.DecisionIgnored
	}
	if !l.Allowed(msg.Origin) {
		metrics.ObserveOriginRejected()
		return tracker.DecisionIgnored
	}

	decision = tracker.DecisionIgnored
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("message handler panic", zap.Any("panic", r))
			decision = tracker.DecisionIgnored
		}
	}()

	signal, ok := l.detector.Detect(tracker.SourcePostMessage, []any{DecodePayload(msg.Data)})
	if !ok {
		return decision
	}
	decision = l.sink.Propose(ctx, signal)
	metrics.ObserveSignal(string(signal.Kind), string(decision))
	l.logger.Debug("message signal",
		zap.String("origin", msg.Origin),
		zap.String("detection_method", signal.DetectionMethod),
		zap.String("decision", string(decision)),
	)
	if l.onSignal != nil {
		l.onSignal(ctx, signal, decision)
	}
	return decision
}

// Close stops the listener; later messages are ignored.
func (l *PostMessageListener) Close() {
	l.closed.Store(true)
}

// DecodePayload parses string payloads that hold JSON objects or arrays.
func DecodePayload(data any) any {
	s, ok := data.(string)
	if !ok {
		return data
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return data
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return data
	}
	return decoded
}

// NormalizeOrigin reduces an origin to lower-case scheme://host[:port], dropping default ports.
func NormalizeOrigin(origin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if scheme == "" || host == "" {
		return "", fmt.Errorf("origin %q needs a scheme and host", origin)
	}
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return scheme + "://" + host + ":" + port, nil
	}
	return scheme + "://" + host, nil
}
