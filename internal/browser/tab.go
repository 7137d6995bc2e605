// Package browser drives one Chrome tab over the DevTools protocol and exposes its console,
// window messages and rendered pixels as raw evidence.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/collector"
	"github.com/JakeFAU/bookingwatch/internal/logging"
	"github.com/JakeFAU/bookingwatch/internal/session"
)

const (
	defaultNavTimeout = 45 * time.Second
	eventBuffer       = 256
)

// Config controls the Chrome instance.
type Config struct {
	Headless      bool
	UserAgent     string
	NavTimeout    time.Duration
	WindowWidth   int
	WindowHeight  int
	WarmupRetries uint64
}

// Tab is one live browser tab. Events raised before Attach are buffered.
type Tab struct {
	cfg         Config
	logger      *zap.Logger
	ctx         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc

	events     chan any
	attachOnce sync.Once
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// Open starts Chrome, opens a tab and installs the message bridge. Startup is retried with
// exponential backoff.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Tab, error) {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = defaultNavTimeout
	}
	logger = logging.OrNop(logger).Named("browser")

	var tab *Tab
	op := func() error {
		t, err := launch(cfg, logger)
		if err != nil {
			return err
		}
		tab = t
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.WarmupRetries), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		logger.Warn("browser warmup failed; retrying", zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return tab, nil
}

func launch(cfg Config, logger *zap.Logger) (*Tab, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	t := &Tab{
		cfg:         cfg,
		logger:      logger,
		ctx:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		events:      make(chan any, eventBuffer),
	}
	chromedp.ListenTarget(tabCtx, t.listen)

	// The first Run allocates the browser and must not carry a timeout.
	if err := chromedp.Run(tabCtx); err != nil {
		t.Close()
		return nil, fmt.Errorf("allocate browser: %w", err)
	}
	runCtx, cancel := context.WithTimeout(tabCtx, cfg.NavTimeout)
	defer cancel()
	if err := chromedp.Run(runCtx, t.setupAction()); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tab) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := runtime.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable runtime domain: %w", err)
		}
		if err := runtime.AddBinding(bindingName).Do(ctx); err != nil {
			return fmt.Errorf("add message binding: %w", err)
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(messageBridgeScript).Do(ctx); err != nil {
			return fmt.Errorf("install message bridge: %w", err)
		}
		if t.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(t.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// listen runs on the chromedp event goroutine and must not block.
func (t *Tab) listen(ev any) {
	switch ev.(type) {
	case *runtime.EventConsoleAPICalled, *runtime.EventBindingCalled:
	default:
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("browser event dropped: buffer full")
	}
}

// Attach starts delivering console calls and window messages. Only the first call has an effect.
func (t *Tab) Attach(onConsole func(collector.ConsoleCall), onMessage func(collector.Message)) {
	t.attachOnce.Do(func() {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for {
				select {
				case <-t.ctx.Done():
					return
				case ev := <-t.events:
					t.dispatch(ev, onConsole, onMessage)
				}
			}
		}()
	})
}

func (t *Tab) dispatch(ev any, onConsole func(collector.ConsoleCall), onMessage func(collector.Message)) {
	now := time.Now().UTC()
	switch e := ev.(type) {
	case *runtime.EventConsoleAPICalled:
		if onConsole == nil {
			return
		}
		args := make([]any, 0, len(e.Args))
		for _, arg := range e.Args {
			args = append(args, t.argValue(arg))
		}
		onConsole(collector.ConsoleCall{Method: string(e.Type), Args: args, At: now})
	case *runtime.EventBindingCalled:
		if e.Name != bindingName || onMessage == nil {
			return
		}
		msg, err := decodeBinding(e.Payload, now)
		if err != nil {
			t.logger.Debug("message bridge payload rejected", zap.Error(err))
			return
		}
		onMessage(msg)
	}
}

// argValue pulls object arguments by value so nested client data survives.
func (t *Tab) argValue(arg *runtime.RemoteObject) any {
	if !needsSerialization(arg) {
		return remoteValue(arg)
	}
	var out any
	ctx, cancel := context.WithTimeout(t.ctx, 5*time.Second)
	defer cancel()
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exc, err := runtime.CallFunctionOn(serializeArgFunction).
			WithObjectID(arg.ObjectID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return errors.New(exc.Text)
		}
		out = remoteValue(res)
		return nil
	}))
	if err != nil {
		t.logger.Debug("console argument serialization failed", zap.Error(err))
		return remoteValue(arg)
	}
	return out
}

// Navigate loads rawURL and waits for the body.
func (t *Tab) Navigate(ctx context.Context, rawURL string) error {
	runCtx, cancel := t.scoped(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return nil
}

// Location returns the tab's current URL.
func (t *Tab) Location(ctx context.Context) (string, error) {
	runCtx, cancel := t.scoped(ctx)
	defer cancel()
	var loc string
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// Fingerprint evaluates the device fingerprint inputs in the page.
func (t *Tab) Fingerprint(ctx context.Context) (session.FingerprintInputs, error) {
	runCtx, cancel := t.scoped(ctx)
	defer cancel()
	var in session.FingerprintInputs
	if err := chromedp.Run(runCtx, chromedp.Evaluate(fingerprintScript, &in)); err != nil {
		return session.FingerprintInputs{}, fmt.Errorf("evaluate fingerprint: %w", err)
	}
	return in, nil
}

// ReplaceURL rewrites the address bar (history.replaceState) without reloading.
func (t *Tab) ReplaceURL(ctx context.Context, rawURL string) error {
	expr, err := replaceStateExpression(rawURL)
	if err != nil {
		return err
	}
	runCtx, cancel := t.scoped(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expr, nil)); err != nil {
		return fmt.Errorf("replace url: %w", err)
	}
	return nil
}

// Capture takes a full-page PNG screenshot.
func (t *Tab) Capture(ctx context.Context) ([]byte, error) {
	runCtx, cancel := t.scoped(ctx)
	defer cancel()
	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

// Done is closed when the tab or browser goes away.
func (t *Tab) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close closes the tab and the browser process.
func (t *Tab) Close() {
	t.closeOnce.Do(func() {
		t.tabCancel()
		t.allocCancel()
		t.wg.Wait()
	})
}

// scoped derives a tab context bounded by the navigation timeout and cancelled with ctx.
func (t *Tab) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(t.ctx, t.cfg.NavTimeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}
