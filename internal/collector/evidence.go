// Package collector turns raw console calls, window messages and screenshots into signals.
package collector

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/JakeFAU/bookingwatch/internal/clock/system"
	"github.com/JakeFAU/bookingwatch/internal/scanner"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// Detector applies the structured scan first and the keyword fallback second.
type Detector struct {
	scanner    scanner.Scanner
	matcher    *tracker.Matcher
	confidence tracker.Confidence
	clock      tracker.Clock
}

// NewDetector wires a scanner and keyword matcher into a Detector.
func NewDetector(sc scanner.Scanner, matcher *tracker.Matcher, confidence tracker.Confidence, clock tracker.Clock) *Detector {
	if matcher == nil {
		matcher = tracker.NewMatcher(nil)
	}
	if clock == nil {
		clock = system.New()
	}
	return &Detector{scanner: sc, matcher: matcher, confidence: confidence, clock: clock}
}

// Detect inspects the arguments of one console call or message and returns at most one signal.
func (d *Detector) Detect(source tracker.Source, args []any) (tracker.Signal, bool) {
	now := d.clock.Now()
	for _, arg := range args {
		data := d.scanner.Scan(arg, 0)
		if data == nil {
			continue
		}
		return tracker.Signal{
			Kind:            tracker.KindStructuredClientData,
			Source:          source,
			Confidence:      d.confidence.Structured,
			DetectionMethod: structuredMethod(source),
			Client:          data,
			ObservedAt:      now,
		}, true
	}

	text := tracker.PlainText(joinArgs(args, d.scanner.MaxDepth))
	keyword, ok := d.matcher.Match(text)
	if !ok {
		return tracker.Signal{}, false
	}
	return tracker.Signal{
		Kind:            textKind(source),
		Source:          source,
		Confidence:      d.confidence.Text,
		DetectionMethod: textMethod(source),
		Keyword:         keyword,
		Text:            truncate(text, 512),
		ObservedAt:      now,
	}, true
}

// JoinArgs renders arguments the way a console line reads: strings verbatim, everything else as JSON.
// Nested maps and slices are rendered at most scanner.DefaultMaxDepth levels deep.
func JoinArgs(args []any) string {
	return joinArgs(args, scanner.DefaultMaxDepth)
}

func joinArgs(args []any, maxDepth int) string {
	if maxDepth <= 0 {
		maxDepth = scanner.DefaultMaxDepth
	}
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		switch v := arg.(type) {
		case nil:
			parts = append(parts, "null")
		case string:
			parts = append(parts, v)
		case fmt.Stringer:
			parts = append(parts, v.String())
		default:
			var b strings.Builder
			renderValue(&b, v, 0, maxDepth)
			parts = append(parts, b.String())
		}
	}
	return strings.Join(parts, " ")
}

// renderValue writes v as JSON, cutting maps and slices off below maxDepth. Self-referential
// values therefore terminate, and anything json cannot encode is written as its type name.
func renderValue(b *strings.Builder, v any, depth, maxDepth int) {
	switch val := v.(type) {
	case map[string]any:
		if depth >= maxDepth {
			b.WriteString(`"{...}"`)
			return
		}
		keys := lo.Keys(val)
		slices.Sort(keys)
		b.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSON(b, key)
			b.WriteByte(':')
			renderValue(b, val[key], depth+1, maxDepth)
		}
		b.WriteByte('}')
	case []any:
		if depth >= maxDepth {
			b.WriteString(`"[...]"`)
			return
		}
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			renderValue(b, item, depth+1, maxDepth)
		}
		b.WriteByte(']')
	default:
		writeJSON(b, val)
	}
}

func writeJSON(b *strings.Builder, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		b.WriteString(strconv.Quote(fmt.Sprintf("%T", v)))
		return
	}
	b.Write(raw)
}

func structuredMethod(source tracker.Source) string {
	if source == tracker.SourcePostMessage {
		return tracker.MethodMessageStructured
	}
	return tracker.MethodConsoleStructured
}

func textMethod(source tracker.Source) string {
	if source == tracker.SourcePostMessage {
		return tracker.MethodMessageText
	}
	return tracker.MethodConsoleText
}

func textKind(source tracker.Source) tracker.SignalKind {
	if source == tracker.SourcePostMessage {
		return tracker.KindPostMessage
	}
	return tracker.KindConsoleArgument
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
