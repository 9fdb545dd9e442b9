// Package executor runs external verification commands with timeouts and
// retries transient failures with exponential backoff.
package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ptrus/dep-validator/metrics"
)

// Retry defaults.
const (
	DefaultMaxRetries = 3
	NoRetries         = -1 // Options.MaxRetries value that disables retries.

	DefaultBackoffBase   = 600 * time.Millisecond
	DefaultBackoffJitter = 300 * time.Millisecond

	// MaxBackoff bounds the exponential part of a single wait.
	MaxBackoff = 5 * time.Minute
)

// timedOutMarker is appended to stderr when an attempt is killed on timeout.
const timedOutMarker = "command timed out"

// promptEnv disables interactive credential prompts and makes stalled
// transfers fail instead of hanging.
var promptEnv = []string{
	"GIT_TERMINAL_PROMPT=0",
	"GIT_HTTP_LOW_SPEED_LIMIT=1000",
	"GIT_HTTP_LOW_SPEED_TIME=10",
}

// Result is the outcome of running a command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool // The last attempt was killed after exceeding its timeout.
	Attempts int
}

// Options configures a single RunWithRetries call.
type Options struct {
	Dir        string
	Env        []string      // Extra KEY=VALUE pairs, applied last.
	Timeout    time.Duration // Per attempt; zero means no timeout.
	MaxRetries int           // Zero selects the executor default, NoRetries disables retries.
}

// Runner executes a single attempt of a command.
type Runner interface {
	Run(ctx context.Context, argv []string, dir string, env []string, timeout time.Duration) Result
}

// Backoff computes the delay before a retry: Base*2^attempt plus uniform jitter.
type Backoff struct {
	Base   time.Duration
	Jitter time.Duration
}

// Delay returns the wait before retry number attempt (0-indexed). The
// exponential part never exceeds MaxBackoff.
func (b Backoff) Delay(attempt int) time.Duration {
	var d time.Duration
	if b.Base > 0 {
		shift := uint(max(attempt, 0))
		d = MaxBackoff
		if shift < 32 && b.Base <= MaxBackoff>>shift {
			d = b.Base << shift
		}
	}
	if b.Jitter > 0 {
		d += rand.N(b.Jitter)
	}
	return d
}

// Config holds executor construction parameters. Zero fields take defaults.
type Config struct {
	MaxRetries int
	Backoff    Backoff
	Classifier Classifier
	Runner     Runner
	Metrics    *metrics.Metrics
}

// Executor runs commands and retries transient failures.
type Executor struct {
	runner     Runner
	classifier Classifier
	backoff    Backoff
	maxRetries int
	logger     *slog.Logger
	metrics    *metrics.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a new executor.
func New(cfg Config, logger *slog.Logger) *Executor {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = Backoff{Base: DefaultBackoffBase, Jitter: DefaultBackoffJitter}
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultClassifier
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		runner:     cfg.Runner,
		classifier: cfg.Classifier,
		backoff:    cfg.Backoff,
		maxRetries: max(cfg.MaxRetries, 0),
		logger:     logger,
		metrics:    cfg.Metrics,
		sleep:      sleepContext,
	}
}

// RunWithRetries runs argv and retries while the latest failure is transient,
// up to the configured number of retries. It never returns an error: failures
// are reported through the exit code and stderr of the last attempt.
func (e *Executor) RunWithRetries(ctx context.Context, argv []string, opts Options) Result {
	retries := e.maxRetries
	switch {
	case opts.MaxRetries == NoRetries:
		retries = 0
	case opts.MaxRetries > 0:
		retries = opts.MaxRetries
	}
	env := environ(opts.Env)

	var res Result
	for attempt := 0; ; attempt++ {
		res = e.runner.Run(ctx, argv, opts.Dir, env, opts.Timeout)
		res.Attempts = attempt + 1

		class := e.classifier.Classify(res)
		e.metrics.CommandAttempt(ctx, commandName(argv), class.String())

		if class != Transient || attempt >= retries {
			break
		}

		delay := e.backoff.Delay(attempt)
		e.logger.Debug("transient command failure, retrying",
			"command", commandName(argv),
			"attempt", attempt+1,
			"exit_code", res.ExitCode,
			"delay", delay)
		e.metrics.CommandRetry(ctx, commandName(argv))

		if err := e.sleep(ctx, delay); err != nil {
			res.Stderr = appendLine(res.Stderr, err.Error())
			break
		}
	}

	return res
}

// ExecRunner runs commands as child processes.
type ExecRunner struct{}

// Run implements Runner. The process is killed when the timeout expires.
func (ExecRunner) Run(ctx context.Context, argv []string, dir string, env []string, timeout time.Duration) Result {
	if len(argv) == 0 {
		return Result{ExitCode: 1, Stderr: "empty command"}
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...) //nolint:gosec // argv is built by the checkers, not by users.
	cmd.Dir = dir
	cmd.Env = env
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res
	}

	if timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.Stderr = appendLine(res.Stderr, timedOutMarker)
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr) && exitErr.ExitCode() > 0:
		res.ExitCode = exitErr.ExitCode()
	case errors.As(err, &exitErr):
		// Killed by a signal.
		res.ExitCode = 1
	default:
		res.ExitCode = 1
		res.Stderr = appendLine(res.Stderr, err.Error())
	}
	return res
}

func environ(extra []string) []string {
	env := os.Environ()
	env = append(env, promptEnv...)
	return append(env, extra...)
}

func commandName(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	if len(argv) > 1 && argv[0] == "git" {
		return "git " + argv[1]
	}
	return argv[0]
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
