// Package tracker defines core types shared across the conversion pipeline.
package tracker

import (
	"time"
)

// SignalKind tags the variant carried by a Signal.
type SignalKind string

// Signal kinds produced by the collectors and the visual analyzer.
const (
	KindConsoleArgument      SignalKind = "console_argument"
	KindPostMessage          SignalKind = "post_message"
	KindOCRText              SignalKind = "ocr_text"
	KindColorHistogram       SignalKind = "color_histogram"
	KindStructuredClientData SignalKind = "structured_client_data"
)

// Source names the raw evidence channel a signal came from.
type Source string

// Evidence channels.
const (
	SourceConsole     Source = "console"
	SourcePostMessage Source = "post_message"
	SourceScreenshot  Source = "screenshot"
)

// Detection methods recorded on the conversion row.
const (
	MethodConsoleStructured = "console_structured_data"
	MethodConsoleText       = "console_text_analysis"
	MethodMessageStructured = "postmessage_structured_data"
	MethodMessageText       = "postmessage_text_analysis"
	MethodOCRText           = "ocr_text_analysis"
	MethodOCRColorCombined  = "ocr_color_combined"
	MethodColorHistogram    = "color_histogram"
)

// Evidence ranks. Higher ranks always beat lower ranks regardless of raw confidence.
const (
	RankNone = iota
	RankColor
	RankText
	RankTextWithColor
	RankStructured
)

// Session identifies one browsing session (one tab load).
type Session struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	StartedAt   time.Time `json:"started_at"`
}

// ClientData is the customer contact shape emitted by the widget itself.
type ClientData struct {
	ClientName  string         `json:"clientName"`
	ClientPhone string         `json:"clientPhone,omitempty"`
	ClientEmail string         `json:"clientEmail,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// Signal is one unit of weak evidence about a possible conversion.
type Signal struct {
	Kind            SignalKind  `json:"kind"`
	Source          Source      `json:"source"`
	Confidence      float64     `json:"confidence"`
	DetectionMethod string      `json:"detection_method"`
	Keyword         string      `json:"keyword,omitempty"`
	Text            string      `json:"text,omitempty"`
	Client          *ClientData `json:"client,omitempty"`
	GreenRatio      float64     `json:"green_ratio,omitempty"`
	DominantColor   string      `json:"dominant_color,omitempty"`
	ScreenshotPath  string      `json:"screenshot_path,omitempty"`
	ObservedAt      time.Time   `json:"observed_at"`
}

// Rank reports the evidence class of the signal.
func (s Signal) Rank() int {
	switch s.Kind {
	case KindStructuredClientData:
		return RankStructured
	case KindOCRText:
		if s.DetectionMethod == MethodOCRColorCombined {
			return RankTextWithColor
		}
		return RankText
	case KindConsoleArgument, KindPostMessage:
		return RankText
	case KindColorHistogram:
		return RankColor
	default:
		return RankNone
	}
}

// Outranks reports whether s is stronger evidence than other: rank first, then confidence.
func (s Signal) Outranks(other Signal) bool {
	if s.Rank() != other.Rank() {
		return s.Rank() > other.Rank()
	}
	return s.Confidence > other.Confidence
}

// BookingStep is one entry of the in-memory interaction log embedded in the record.
type BookingStep struct {
	Step       string    `json:"step"`
	Service    string    `json:"service,omitempty"`
	Specialist string    `json:"specialist,omitempty"`
	Date       string    `json:"date,omitempty"`
	Time       string    `json:"time,omitempty"`
	Price      string    `json:"price,omitempty"`
	Duration   string    `json:"duration,omitempty"`
	At         time.Time `json:"at"`
}

// Provenance records one signal that contributed to the record.
type Provenance struct {
	Kind            SignalKind `json:"kind"`
	DetectionMethod string     `json:"detection_method"`
	Confidence      float64    `json:"confidence"`
	ObservedAt      time.Time  `json:"observed_at"`
}

// SuccessIndicators is the audit blob stored with the conversion.
type SuccessIndicators struct {
	DetectionMethod string        `json:"detection_method"`
	SignalKind      SignalKind    `json:"signal_kind"`
	Keyword         string        `json:"keyword,omitempty"`
	GreenRatio      float64       `json:"green_ratio,omitempty"`
	Steps           []BookingStep `json:"steps"`
	Provenance      []Provenance  `json:"provenance"`
	Screenshots     []string      `json:"screenshots,omitempty"`
}

// ConversionRecord is the single persisted row per session, keyed by SessionID.
type ConversionRecord struct {
	SessionID                   string            `json:"session_id"`
	Fingerprint                 string            `json:"fingerprint"`
	BookingConfirmationDetected bool              `json:"booking_confirmation_detected"`
	EstimatedConversion         bool              `json:"estimated_conversion"`
	ConfidenceScore             float64           `json:"confidence_score"`
	DetectionMethod             string            `json:"detection_method"`
	ClientContactData           *ClientData       `json:"client_contact_data"`
	SuccessIndicators           SuccessIndicators `json:"success_indicators"`
	UpdatedAt                   time.Time         `json:"updated_at"`
}

// ScreenshotReason explains why a capture was taken.
type ScreenshotReason string

// Capture reasons.
const (
	ReasonPageLoad     ScreenshotReason = "page_load"
	ReasonPeriodic     ScreenshotReason = "periodic"
	ReasonSignal       ScreenshotReason = "signal"
	ReasonConfirmation ScreenshotReason = "confirmation"
	ReasonBeacon       ScreenshotReason = "beacon"
)

// Screenshot describes one uploaded capture.
type Screenshot struct {
	Path     string           `json:"path"`
	URI      string           `json:"uri"`
	Reason   ScreenshotReason `json:"reason"`
	Analyzed bool             `json:"analyzed"`
	Hash     string           `json:"hash"`
	TakenAt  time.Time        `json:"taken_at"`
}

// Coords is a click position in CSS pixels.
type Coords struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Interaction is one discrete tracked interaction event (append-only).
type Interaction struct {
	ID                     string         `json:"id"`
	SessionID              string         `json:"session_id"`
	Type                   string         `json:"type"`
	Selector               string         `json:"selector,omitempty"`
	Text                   string         `json:"text,omitempty"`
	Coords                 *Coords        `json:"coords,omitempty"`
	TimestampOffsetSeconds float64        `json:"timestamp_offset_seconds"`
	IframeURL              string         `json:"iframe_url,omitempty"`
	Payload                map[string]any `json:"payload,omitempty"`
	At                     time.Time      `json:"at"`
}

// Decision is the aggregator's verdict on one proposed signal.
type Decision string

// Aggregator decisions.
const (
	DecisionIgnored   Decision = "ignored"
	DecisionCandidate Decision = "candidate"
	DecisionPending   Decision = "pending"
	DecisionConverted Decision = "converted"
	DecisionUpgraded  Decision = "upgraded"
	DecisionAudit     Decision = "audit"
)
