package visual

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/logging"
	"github.com/JakeFAU/bookingwatch/internal/metrics"
)

var (
	// ErrOCRDisabled is returned when no OCR engine is configured.
	ErrOCRDisabled = errors.New("ocr disabled")
	// ErrOCRBusy is returned when a job is already queued behind the running one.
	ErrOCRBusy = errors.New("ocr worker busy")
	// ErrOCRClosed is returned after the worker has been stopped.
	ErrOCRClosed = errors.New("ocr worker closed")
)

// Engine recognizes text in an encoded image. Implementations need not be goroutine-safe.
type Engine interface {
	Recognize(ctx context.Context, raster []byte) (string, error)
	Close() error
}

type ocrJob struct {
	ctx    context.Context
	raster []byte
	result chan ocrResult
}

type ocrResult struct {
	text string
	err  error
}

// OCRWorker owns one engine on a single goroutine. At most one job waits behind the running one.
type OCRWorker struct {
	engine Engine
	logger *zap.Logger
	jobs   chan ocrJob

	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewOCRWorker starts the worker goroutine. A nil engine yields a disabled worker.
func NewOCRWorker(engine Engine, logger *zap.Logger) *OCRWorker {
	w := &OCRWorker{
		engine: engine,
		logger: logging.OrNop(logger).Named("ocr"),
		jobs:   make(chan ocrJob, 1),
		done:   make(chan struct{}),
	}
	if engine != nil {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

// Enabled reports whether an engine is attached.
func (w *OCRWorker) Enabled() bool {
	return w != nil && w.engine != nil
}

// Recognize submits raster and waits for the text. It never queues more than one job.
func (w *OCRWorker) Recognize(ctx context.Context, raster []byte) (string, error) {
	if !w.Enabled() {
		return "", ErrOCRDisabled
	}
	job := ocrJob{ctx: ctx, raster: raster, result: make(chan ocrResult, 1)}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return "", ErrOCRClosed
	}
	select {
	case w.jobs <- job:
		w.mu.RUnlock()
	default:
		w.mu.RUnlock()
		metrics.ObserveOCRJob("dropped")
		return "", ErrOCRBusy
	}

	select {
	case res := <-job.result:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-w.done:
		return "", ErrOCRClosed
	}
}

// Close stops the worker after the running job and releases the engine.
func (w *OCRWorker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.done)
		w.mu.Unlock()
		w.wg.Wait()
		if w.engine != nil {
			err = w.engine.Close()
		}
	})
	return err
}

func (w *OCRWorker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case job := <-w.jobs:
			w.handle(job)
		}
	}
}

func (w *OCRWorker) handle(job ocrJob) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("ocr engine panic", zap.Any("panic", r))
			job.result <- ocrResult{err: errors.New("ocr engine panic")}
		}
	}()
	if err := job.ctx.Err(); err != nil {
		metrics.ObserveOCRJob("canceled")
		job.result <- ocrResult{err: err}
		return
	}
	text, err := w.engine.Recognize(job.ctx, job.raster)
	if err != nil {
		metrics.ObserveOCRJob("failed")
		w.logger.Warn("ocr recognition failed", zap.Error(err))
		job.result <- ocrResult{err: err}
		return
	}
	metrics.ObserveOCRJob("ok")
	job.result <- ocrResult{text: text}
}
