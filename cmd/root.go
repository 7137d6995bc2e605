// Package cmd defines and implements the CLI commands for the bookingwatch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bookingwatch/internal/collector"
	"github.com/JakeFAU/bookingwatch/internal/config"
	"github.com/JakeFAU/bookingwatch/internal/pipeline"
	"github.com/JakeFAU/bookingwatch/internal/server"
	"github.com/JakeFAU/bookingwatch/internal/session"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// envKey is the key for storing the command environment in the context.
type envKey struct{}

// App defines the application interface that commands use.
// Tests inject a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	NewPipeline(sess tracker.Session, capturer collector.Capturer) (*pipeline.Pipeline, error)
	Resolver() *session.Resolver
	Logger() *zap.Logger
}

// env is what PersistentPreRunE hands to subcommands.
type env struct {
	cfg config.Config
	app App
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command. The returned function closes the
// application if a subcommand built one; it is safe to call either way.
func newRootCmd() (*cobra.Command, func(context.Context) error) {
	var (
		cfgFile string
		envFile string
		built   App
	)
	cmd := &cobra.Command{
		Use:   "bookingwatch",
		Short: "Detects completed bookings in embedded booking widgets.",
		Long: `bookingwatch observes a booking flow (console output, cross-frame messages
and periodic screenshots), decides whether a booking was completed and records
one conversion per session.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application once flags are parsed and before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			built = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), envKey{}, &env{cfg: cfg, app: appInstance}))
			return nil
		},
	}
	closeApp := func(ctx context.Context) error {
		if built == nil {
			return nil
		}
		return built.Close(ctx)
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading config (default .env when present)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWatchCmd())
	return cmd, closeApp
}

// loadEnvFile loads path into the process environment. Without a path a missing .env is not an error.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey{}).(*env)
	if !ok || e == nil || e.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return e, nil
}

// execute runs the CLI with args and always releases the application afterwards.
func execute(ctx context.Context, args []string, out io.Writer) error {
	root, closeApp := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	err := root.ExecuteContext(ctx)
	if cerr := closeApp(context.WithoutCancel(ctx)); cerr != nil {
		err = errors.Join(err, fmt.Errorf("shutdown: %w", cerr))
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	if err := execute(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "bookingwatch: %v\n", err)
		os.Exit(1)
	}
}
