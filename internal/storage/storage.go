// Package storage contains helpers shared by the blob and record backends.
package storage

import (
	"errors"
	"path"
	"strings"

	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// ErrObjectExists is returned when a write would replace an existing object.
var ErrObjectExists = errors.New("object already exists")

// ErrInvalidPath is returned for empty, absolute or escaping object paths.
var ErrInvalidPath = errors.New("invalid object path")

// CleanPath normalizes an object path to slash-separated relative form.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", ErrInvalidPath
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

// MergeConversion folds incoming into existing the way the SQL backends' upserts do.
// Confidence and the boolean flags never go backwards. Method, indicators and fingerprint
// follow the record with the higher (or equal) confidence; client data is kept once known.
func MergeConversion(existing, incoming tracker.ConversionRecord) tracker.ConversionRecord {
	out := existing
	out.BookingConfirmationDetected = existing.BookingConfirmationDetected || incoming.BookingConfirmationDetected
	out.EstimatedConversion = existing.EstimatedConversion || incoming.EstimatedConversion
	if incoming.ConfidenceScore >= existing.ConfidenceScore {
		out.ConfidenceScore = incoming.ConfidenceScore
		out.DetectionMethod = incoming.DetectionMethod
		out.SuccessIndicators = incoming.SuccessIndicators
		if incoming.Fingerprint != "" {
			out.Fingerprint = incoming.Fingerprint
		}
	}
	if incoming.ClientContactData != nil {
		out.ClientContactData = incoming.ClientContactData
	}
	if incoming.UpdatedAt.After(existing.UpdatedAt) {
		out.UpdatedAt = incoming.UpdatedAt
	}
	return out
}
