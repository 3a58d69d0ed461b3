package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"campaign-pipeline/internal/app"
	"campaign-pipeline/internal/config"
	"campaign-pipeline/internal/logging"
)

var (
	profile string
	verbose bool
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "adpipe",
	Short: "Drive an ad campaign through intake, research, ideas and generation",
	Long: `adpipe walks one campaign per profile through the generation service:

  start          submit product info (intake -> research)
  research       run market research (research -> ideas)
  skip-research  continue without research
  ideas          generate candidate ad ideas
  select         submit chosen ideas for image generation
  watch          poll generation jobs until the campaign settles

Progress is saved after every step, so any command can be re-run after a
restart and picks up where the campaign left off.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&profile, "profile", "p", "", "Session profile (default: PIPELINE_PROFILE or \"default\")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Timeout for stage submissions")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(researchCmd)
	rootCmd.AddCommand(skipResearchCmd)
	rootCmd.AddCommand(ideasCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}

// withApp builds the pipeline, restores the profile's campaign without
// polling and runs fn.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	return run(ctx, false, fn)
}

// withTracking is withApp for commands that follow generation: a generating
// campaign resumes polling before fn runs.
func withTracking(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	return run(ctx, true, fn)
}

func run(ctx context.Context, track bool, fn func(ctx context.Context, a *app.App) error) error {
	cfg := config.Load()
	if profile != "" {
		cfg.Profile = profile
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	logger := logging.New(cfg)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	restore := a.Pipeline.Restore
	if track {
		restore = a.Pipeline.Resume
	}
	if _, err := restore(ctx); err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	logger.Debug("session ready", zap.String("profile", cfg.Profile), zap.Bool("tracking", a.Pipeline.Tracking()))
	return fn(ctx, a)
}
