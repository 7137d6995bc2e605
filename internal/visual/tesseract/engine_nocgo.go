//go:build !cgo

// Package tesseract adapts gosseract to the visual OCR engine interface.
package tesseract

import (
	"context"
	"errors"
)

// Available reports whether this build links libtesseract.
const Available = false

// ErrUnavailable is returned when the binary was built without cgo.
var ErrUnavailable = errors.New("tesseract requires a cgo build")

// Engine is a placeholder in non-cgo builds.
type Engine struct{}

// New always fails without cgo.
func New(_ []string) (*Engine, error) {
	return nil, ErrUnavailable
}

// Recognize always fails without cgo.
func (*Engine) Recognize(context.Context, []byte) (string, error) {
	return "", ErrUnavailable
}

// Close is a no-op.
func (*Engine) Close() error {
	return nil
}
