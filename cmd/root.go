// Package cmd implements the CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ptrus/dep-validator/api"
	"github.com/ptrus/dep-validator/config"
	"github.com/ptrus/dep-validator/db"
	"github.com/ptrus/dep-validator/events"
	"github.com/ptrus/dep-validator/executor"
	"github.com/ptrus/dep-validator/gitref"
	"github.com/ptrus/dep-validator/hostlimit"
	"github.com/ptrus/dep-validator/metrics"
	"github.com/ptrus/dep-validator/pyindex"
	"github.com/ptrus/dep-validator/session"
	"github.com/ptrus/dep-validator/worker"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "dep-validator",
		Short: "Source and package dependency validator",
		Long: `Validates that the git references and package versions declared in a
configuration folder exist on their remotes, and serves a live status panel.`,
		RunE:          run,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.AddCommand(newCheckCmd(), newDoctorCmd())
}

// exitError ends the process with a specific exit code without printing.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Println(err)
		os.Exit(1)
	}
}

// newLogger creates the JSON logger at the configured level.
func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// engine is the validation stack shared by every command.
type engine struct {
	provider *metrics.Provider
	metrics  *metrics.Metrics
	limiter  *hostlimit.Limiter
	refs     *gitref.Checker
	index    *pyindex.Checker
	worker   *worker.Worker
	logger   *slog.Logger
}

const metricsFlushTimeout = 5 * time.Second

func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	provider, err := metrics.NewProvider(ctx, metrics.ProviderConfig{
		OTLPEndpoint:   cfg.Metrics.OTLPEndpoint,
		OTLPInsecure:   cfg.Metrics.OTLPInsecure,
		ExportInterval: cfg.Metrics.ExportIntervalDuration(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create meter provider: %w", err)
	}
	if cfg.Metrics.OTLPEndpoint != "" {
		logger.Info("exporting metrics", "otlp_endpoint", cfg.Metrics.OTLPEndpoint)
	}

	m, err := metrics.New(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	v := cfg.Validation
	backoff := executor.Backoff{Base: v.BackoffBase(), Jitter: v.BackoffJitter()}
	limiter := hostlimit.New(v.MaxRequestsPerHost)

	exec := executor.New(executor.Config{
		MaxRetries: v.MaxRetries,
		Backoff:    backoff,
		Metrics:    m,
	}, logger)

	refs := gitref.New(gitref.Config{
		Timeout:       v.GitTimeoutDuration(),
		AllowFullScan: v.AllowFullScan(),
	}, exec, limiter, logger)

	index, err := pyindex.New(pyindex.Config{
		Timeout:   v.IndexTimeoutDuration(),
		Retries:   v.IndexRetries,
		Backoff:   backoff,
		CacheTTL:  v.IndexCacheTTLDuration(),
		UserAgent: v.UserAgent,
		UserEnv:   v.IndexUserEnv,
		PassEnv:   v.IndexPassEnv,
	}, limiter, m, logger)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create package index checker: %w", err)
	}

	return &engine{
		provider: provider,
		metrics:  m,
		limiter:  limiter,
		refs:     refs,
		index:    index,
		worker:   worker.New(v.ParallelJobs, refs, index, m, logger),
		logger:   logger,
	}, nil
}

// Close releases the index cache and flushes pending metric exports.
func (e *engine) Close() {
	e.index.Close()

	ctx, cancel := context.WithTimeout(context.Background(), metricsFlushTimeout)
	defer cancel()
	if err := e.provider.Shutdown(ctx); err != nil {
		e.logger.Warn("failed to flush metrics", "error", err)
	}
}

func run(_ *cobra.Command, _ []string) error {
	// Load configuration.
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger.
	logger := newLogger(os.Stdout, cfg.Logging.Level)
	logger.Info("loaded configuration",
		"listen_addr", cfg.Server.ListenAddr,
		"db_path", cfg.DB.Path,
		"parallel_jobs", cfg.Validation.ParallelJobs,
		"max_requests_per_host", cfg.Validation.MaxRequestsPerHost)

	// Initialize database.
	database, err := db.New(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		_ = database.Close()
	}()

	if err := database.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("database initialized")

	eng, err := newEngine(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	// Events fan out to the snapshot and the panel.
	bus := events.NewBus(cfg.Events.Buffer, logger, eng.metrics)
	hub := api.NewHub(logger, cfg.Server.AllowedOrigins)
	bus.Subscribe(db.NewRecorder(database, logger))
	bus.Subscribe(hub)

	sess := session.New(eng.worker, bus, database, logger)
	server := api.New(cfg, database, sess, hub, eng.provider, logger)

	// Setup signal handling.
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Use errgroup to manage the server and the event bus.
	g, gCtx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		if err := bus.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("event bus error: %w", err)
		}
		return nil
	})

	// Start API server.
	g.Go(func() error {
		if err := server.Run(gCtx); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if root := cfg.Workspace.Root; root != "" {
		if _, err := sess.SelectFolder(sigCtx, root); err != nil {
			logger.Warn("failed to load configured folder", "path", root, "error", err)
		}
	}

	// Wait for all goroutines to complete or error.
	if err := g.Wait(); err != nil {
		logger.Error("service error", "error", err)
		return err
	}

	bus.Close()
	logger.Info("server stopped gracefully")
	return nil
}
