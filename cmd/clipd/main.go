package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/heimdex/clipd/internal/api"
	"github.com/heimdex/clipd/internal/blob"
	"github.com/heimdex/clipd/internal/config"
	"github.com/heimdex/clipd/internal/fetch"
	"github.com/heimdex/clipd/internal/ffmpeg"
	"github.com/heimdex/clipd/internal/logging"
	"github.com/heimdex/clipd/internal/pipeline"
	"github.com/heimdex/clipd/internal/scratch"
)

const (
	shutdownTimeout = 10 * time.Second
	jobCancelWait   = 15 * time.Second
	janitorInterval = 10 * time.Minute
	minScratchAge   = time.Hour
)

type options struct {
	envFile  string
	port     int
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "clipd",
		Short:        "Cut, merge and publish video highlights over HTTP",
		Version:      config.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, opts)
		},
	}
	root.SilenceErrors = true

	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file to load before reading config")
	root.PersistentFlags().IntVar(&opts.port, "port", 0, "Listen port (overrides CLIPD_PORT)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides CLIPD_LOG_LEVEL)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, opts)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check the media tool and blob credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doctor(cmd, opts)
		},
	})

	return root
}

// loadConfig merges the env file into the environment, then reads config and
// applies flag overrides. A missing default env file is fine; a missing file
// the user asked for is not.
func loadConfig(cmd *cobra.Command, opts *options) (*config.EnvConfig, error) {
	if err := godotenv.Load(opts.envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.envFile, err)
		}
	}

	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("port") {
		if err := cfg.SetPort(opts.port); err != nil {
			return nil, err
		}
	}
	if opts.logLevel != "" {
		cfg.SetLogLevel(opts.logLevel)
	}
	return cfg, nil
}

func newRunner(cfg config.Config, logger *slog.Logger) *ffmpeg.Runner {
	return ffmpeg.NewRunner(ffmpeg.Config{
		Binary:  cfg.FFmpegPath(),
		Timeout: cfg.ToolTimeout(),
		Profile: ffmpeg.Profile{
			VideoCodec: cfg.VideoCodec(),
			Preset:     cfg.Preset(),
			CRF:        cfg.CRF(),
			AudioCodec: cfg.AudioCodec(),
		},
		Logger: logger,
	})
}

// staleScratchAge is how old a job directory must be before the janitor may
// remove it. A live job touches its directory at least once per download or
// tool invocation.
func staleScratchAge(cfg config.Config) time.Duration {
	return max(minScratchAge, 2*(cfg.ToolTimeout()+cfg.DownloadTimeout()))
}

func serve(cmd *cobra.Command, opts *options) error {
	startTime := time.Now()

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting clipd",
		"version", config.Version,
		"commit", config.GitCommit,
		"addr", cfg.Addr(),
		"scratch_dir", cfg.ScratchDir(),
	)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scratchLogger := logging.WithComponent(logger, "scratch")
	mgr, err := scratch.NewManager(cfg.ScratchDir(), scratchLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize scratch dir: %w", err)
	}
	janitor := scratch.NewJanitor(mgr, janitorInterval, staleScratchAge(cfg), scratchLogger)
	go janitor.Start(sigCtx)

	runner := newRunner(cfg, logging.WithComponent(logger, "ffmpeg"))
	doc := ffmpeg.NewCachedDoctor(runner, logger)
	if caps := doc.Refresh(cmd.Context()); caps.Available {
		logger.Info("media tool detected", "path", caps.Path, "version", caps.Version)
	} else {
		logger.Warn("media tool unavailable, jobs will fail until it is installed", "path", caps.Path, "error", caps.Error)
	}

	publisher := blob.NewClient(blob.Options{
		BaseURL: cfg.BlobBaseURL(),
		Token:   cfg.BlobToken(),
		Logger:  logging.WithComponent(logger, "blob"),
	})
	if err := publisher.Ready(); err != nil {
		logger.Warn("blob credential missing, /merge will be rejected", "env", config.EnvBlobToken)
	} else {
		logger.Info("blob publishing enabled", "base_url", cfg.BlobBaseURL(), "token", logging.SanitizeToken(cfg.BlobToken()))
	}

	svc := pipeline.NewService(pipeline.Options{
		Fetcher: fetch.New(fetch.Options{
			Timeout:  cfg.DownloadTimeout(),
			MaxBytes: cfg.MaxDownloadBytes(),
			Logger:   logging.WithComponent(logger, "fetch"),
		}),
		Tool:       runner,
		Publisher:  publisher,
		Scratch:    mgr,
		BlobPrefix: cfg.BlobPrefix(),
		Logger:     logger,
	})

	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	apiServer := api.NewServer(api.ServerConfig{
		Addr:        cfg.Addr(),
		Jobs:        svc,
		Doctor:      doc,
		Publisher:   publisher,
		Janitor:     janitor,
		APIToken:    cfg.APIToken(),
		Version:     config.Version,
		Logger:      logger,
		StartTime:   startTime,
		BaseContext: jobsCtx,
	})
	if cfg.APIToken() != "" {
		logger.Info("bearer auth enabled for job endpoints")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-sigCtx.Done():
		logger.Info("received shutdown signal")
	}

	logger.Info("initiating graceful shutdown")
	if err := drain(logger, apiServer, svc, cancelJobs, shutdownTimeout, jobCancelWait); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type jobTracker interface {
	Wait(ctx context.Context) error
	Active() int
}

// drain stops the server and gives in-flight requests drainTimeout to finish.
// Jobs still running after that are cancelled, and drain waits up to
// cancelWait for them to kill their tool processes and release scratch.
func drain(logger *slog.Logger, srv shutdowner, jobs jobTracker, cancelJobs context.CancelFunc, drainTimeout, cancelWait time.Duration) error {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("in-flight jobs did not finish in time, cancelling", "error", err, "active", jobs.Active())
		cancelJobs()
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cancelWait)
	defer waitCancel()
	if err := jobs.Wait(waitCtx); err != nil {
		logger.Error("jobs still running at exit", "active", jobs.Active())
		return fmt.Errorf("wait for cancelled jobs: %w", err)
	}
	return nil
}

func doctor(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	return runDoctor(cmd.Context(), cmd.OutOrStdout(), cfg)
}

func runDoctor(ctx context.Context, out io.Writer, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	caps := ffmpeg.NewCachedDoctor(newRunner(cfg, logging.Discard()), nil).Get(ctx)

	fmt.Fprintf(out, "media tool:   %s\n", caps.Path)
	if caps.Available {
		fmt.Fprintf(out, "version:      %s\n", caps.Version)
	} else {
		fmt.Fprintf(out, "error:        %s\n", caps.Error)
	}

	blobStatus := "configured"
	if cfg.BlobToken() == "" {
		blobStatus = "missing (" + config.EnvBlobToken + ")"
	}
	fmt.Fprintf(out, "blob token:   %s\n", blobStatus)
	fmt.Fprintf(out, "scratch dir:  %s\n", cfg.ScratchDir())

	if !caps.Available {
		return fmt.Errorf("media tool %s is not usable", caps.Path)
	}
	return nil
}
