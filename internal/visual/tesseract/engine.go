//go:build cgo

// Package tesseract adapts gosseract to the visual OCR engine interface.
package tesseract

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// Available reports whether this build links libtesseract.
const Available = true

// Engine wraps one tesseract client. It must be driven from a single goroutine.
type Engine struct {
	client *gosseract.Client
}

// New creates a client for the given languages (for example "fin", "eng").
func New(languages []string) (*Engine, error) {
	client := gosseract.NewClient()
	if len(languages) > 0 {
		if err := client.SetLanguage(languages...); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("set ocr languages: %w", err)
		}
	}
	return &Engine{client: client}, nil
}

// Recognize returns the text found in the encoded image.
func (e *Engine) Recognize(ctx context.Context, raster []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := e.client.SetImageFromBytes(raster); err != nil {
		return "", fmt.Errorf("load ocr image: %w", err)
	}
	text, err := e.client.Text()
	if err != nil {
		return "", fmt.Errorf("ocr text: %w", err)
	}
	return text, nil
}

// Close releases the tesseract client.
func (e *Engine) Close() error {
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("close ocr client: %w", err)
	}
	return nil
}
