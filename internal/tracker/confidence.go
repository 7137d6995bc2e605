package tracker

import (
	"errors"
	"fmt"
)

// Confidence holds the tunable scores assigned to each evidence class.
// The numbers are empirical; only their ordering is enforced.
type Confidence struct {
	Structured       float64 `mapstructure:"structured"`
	OCRColorCombined float64 `mapstructure:"ocr_color_combined"`
	OCRText          float64 `mapstructure:"ocr_text"`
	Text             float64 `mapstructure:"text"`
	ColorOnly        float64 `mapstructure:"color_only"`
	HighThreshold    float64 `mapstructure:"high_threshold"`
}

// DefaultConfidence returns the stock confidence table.
func DefaultConfidence() Confidence {
	return Confidence{
		Structured:       0.99,
		OCRColorCombined: 0.98,
		OCRText:          0.95,
		Text:             0.95,
		ColorOnly:        0.6,
		HighThreshold:    0.9,
	}
}

// Validate enforces structured > ocr+color > text-only > color-only and the threshold split.
func (c Confidence) Validate() error {
	for name, v := range map[string]float64{
		"structured":         c.Structured,
		"ocr_color_combined": c.OCRColorCombined,
		"ocr_text":           c.OCRText,
		"text":               c.Text,
		"color_only":         c.ColorOnly,
		"high_threshold":     c.HighThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("detection.%s must be within [0,1], got %v", name, v)
		}
	}
	if c.Structured <= c.OCRColorCombined {
		return errors.New("detection.structured must exceed detection.ocr_color_combined")
	}
	if c.OCRColorCombined <= c.OCRText || c.OCRColorCombined <= c.Text {
		return errors.New("detection.ocr_color_combined must exceed text-only confidences")
	}
	if c.Text <= c.ColorOnly || c.OCRText <= c.ColorOnly {
		return errors.New("text-only confidences must exceed detection.color_only")
	}
	if c.ColorOnly >= c.HighThreshold {
		return errors.New("detection.color_only must stay below detection.high_threshold")
	}
	if c.Text < c.HighThreshold || c.OCRText < c.HighThreshold {
		return errors.New("text-only confidences must reach detection.high_threshold")
	}
	return nil
}
