package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/browser"
	"github.com/JakeFAU/bookingwatch/internal/collector"
	"github.com/JakeFAU/bookingwatch/internal/pipeline"
	"github.com/JakeFAU/bookingwatch/internal/session"
)

const watchCloseTimeout = 30 * time.Second

type watchOptions struct {
	timeout       time.Duration
	stopOnConvert bool
}

// newWatchCmd creates the 'watch' subcommand, which drives one Chrome tab.
func newWatchCmd() *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch <url>",
		Short: "Opens a booking page in Chrome and watches it for a completed booking",
		Long: `Opens the URL in a Chrome tab, tags the tab with a session id and feeds its
console output, window messages and periodic screenshots to a detection
pipeline. The session summary is printed as JSON when the tab closes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchCommand(cmd, args[0], opts)
		},
	}
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "stop watching after this long (0 waits for the tab to close)")
	cmd.Flags().BoolVar(&opts.stopOnConvert, "stop-on-conversion", false, "stop as soon as a conversion is committed")
	return cmd
}

func runWatchCommand(cmd *cobra.Command, target string, opts *watchOptions) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	if u, err := url.Parse(target); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid url %q", target)
	}
	logger := e.app.Logger().Named("watch")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	bc := e.cfg.Browser
	tab, err := browser.Open(ctx, browser.Config{
		Headless:      bc.Headless,
		UserAgent:     bc.UserAgent,
		NavTimeout:    bc.NavTimeout,
		WindowWidth:   bc.WindowWidth,
		WindowHeight:  bc.WindowHeight,
		WarmupRetries: bc.WarmupRetries,
	}, logger)
	if err != nil {
		return err
	}
	defer tab.Close()

	if err := tab.Navigate(ctx, target); err != nil {
		return err
	}
	p, err := startSession(ctx, e, tab, target, logger)
	if err != nil {
		return err
	}

	tab.Attach(
		func(call collector.ConsoleCall) {
			if err := p.Console(call); err != nil {
				logger.Debug("console call dropped", zap.Error(err))
			}
		},
		func(msg collector.Message) {
			if _, err := p.Message(ctx, msg); err != nil {
				logger.Debug("window message dropped", zap.Error(err))
			}
		},
	)

	waitForEnd(ctx, tab, p, opts.stopOnConvert, logger)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), watchCloseTimeout)
	defer cancel()
	closeErr := p.Close(closeCtx)

	snap := p.Snapshot()
	logger.Info("session finished",
		zap.String("session_id", snap.SessionID),
		zap.Bool("converted", snap.Converted),
		zap.Int("signals", snap.Signals),
	)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return closeErr
}

// startSession resolves the tab's identity, writes the session id into its address bar and
// starts a pipeline that captures through the tab.
func startSession(ctx context.Context, e *env, tab *browser.Tab, target string, logger *zap.Logger) (*pipeline.Pipeline, error) {
	loc, err := tab.Location(ctx)
	if err != nil {
		logger.Warn("location unavailable; using target url", zap.Error(err))
		loc = target
	}
	inputs, err := tab.Fingerprint(ctx)
	if err != nil {
		logger.Warn("fingerprint inputs unavailable", zap.Error(err))
	}
	sess, err := e.app.Resolver().Resolve(loc, inputs)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	tagged, err := session.WithSessionParam(loc, e.cfg.Tracker.SessionParam, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("tag url: %w", err)
	}
	if tagged != loc {
		if err := tab.ReplaceURL(ctx, tagged); err != nil {
			logger.Warn("session id not written to url", zap.Error(err))
		}
	}
	p, err := e.app.NewPipeline(sess, tab)
	if err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	logger.Info("watching session",
		zap.String("session_id", sess.ID),
		zap.String("fingerprint", sess.Fingerprint),
		zap.String("url", tagged),
	)
	return p, nil
}

func waitForEnd(ctx context.Context, tab *browser.Tab, p *pipeline.Pipeline, stopOnConvert bool, logger *zap.Logger) {
	var converted <-chan time.Time
	if stopOnConvert {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		converted = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tab.Done():
			logger.Info("browser tab closed")
			return
		case <-converted:
			if p.Converted() {
				return
			}
		}
	}
}
