// Package gitref checks that a branch, tag or ref exists on a remote git repository.
package gitref

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ptrus/dep-validator/executor"
	"github.com/ptrus/dep-validator/hostlimit"
	"github.com/ptrus/dep-validator/models"
)

// Status strings reported by CheckRef.
const (
	StatusInvalid          = "invalid (missing git_url/git_ref)"
	StatusBranchFound      = "OK (branch found)"
	StatusTagFound         = "OK (tag found)"
	StatusRefMatched       = "OK (ref matched)"
	StatusNotFound         = "missing (not found as branch/tag/ref)"
	StatusFoundByScan      = "OK (ref found by scan)"
	StatusMissingAfterScan = "missing (ref not found)"
)

// CommandRunner runs a command with transient-failure retries.
type CommandRunner interface {
	RunWithRetries(ctx context.Context, argv []string, opts executor.Options) executor.Result
}

// Config holds reference checker settings.
type Config struct {
	Timeout       time.Duration // Per git attempt.
	AllowFullScan bool          // List every ref when the targeted query returns nothing.
}

// Checker verifies git refs with `git ls-remote`.
type Checker struct {
	cfg     Config
	runner  CommandRunner
	limiter *hostlimit.Limiter
	logger  *slog.Logger
}

// New creates a new reference checker. A nil limiter disables per-host limiting.
func New(cfg Config, runner CommandRunner, limiter *hostlimit.Limiter, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		cfg:     cfg,
		runner:  runner,
		limiter: limiter,
		logger:  logger,
	}
}

// NormalizeShortRef strips a leading refs/heads/ or refs/tags/ prefix.
func NormalizeShortRef(ref string) string {
	if s, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return s
	}
	if s, ok := strings.CutPrefix(ref, "refs/tags/"); ok {
		return s
	}
	return ref
}

// CheckRef reports whether gitRef exists on the remote at gitURL. It never
// fails: command errors are reported as an access error outcome.
func (c *Checker) CheckRef(ctx context.Context, gitURL, gitRef string) models.Outcome {
	gitURL = strings.TrimSpace(gitURL)
	gitRef = strings.TrimSpace(gitRef)
	if gitURL == "" || gitRef == "" {
		return models.Outcome{Status: StatusInvalid}
	}

	short := NormalizeShortRef(gitRef)
	heads := "refs/heads/" + short
	tags := "refs/tags/" + short

	res, err := c.lsRemote(ctx, gitURL, heads, tags, short)
	if err != nil {
		return accessError(err.Error())
	}
	if res.ExitCode != 0 {
		return accessError(res.Stderr)
	}

	if out := strings.TrimSpace(res.Stdout); out != "" {
		lines := strings.FieldsFunc(out, func(r rune) bool { return r == '\n' || r == '\r' })
		for _, l := range lines {
			if strings.HasSuffix(l, heads) {
				return models.Outcome{OK: true, Status: StatusBranchFound}
			}
		}
		for _, l := range lines {
			if strings.HasSuffix(l, tags) || strings.Contains(l, tags+"^{}") {
				return models.Outcome{OK: true, Status: StatusTagFound}
			}
		}
		return models.Outcome{OK: true, Status: StatusRefMatched}
	}

	if !c.cfg.AllowFullScan {
		return models.Outcome{Status: StatusNotFound}
	}

	c.logger.Debug("targeted ls-remote returned nothing, scanning all refs", "git_url", gitURL, "ref", short)

	res, err = c.lsRemote(ctx, gitURL)
	if err != nil {
		return accessError(err.Error())
	}
	if res.ExitCode != 0 {
		return accessError(res.Stderr)
	}

	// Bare substring match: "v1" also hits "v10".
	if strings.Contains(res.Stdout, heads) ||
		strings.Contains(res.Stdout, tags) ||
		strings.Contains(res.Stdout, short) {
		return models.Outcome{OK: true, Status: StatusFoundByScan}
	}
	return models.Outcome{Status: StatusMissingAfterScan}
}

// lsRemote runs git ls-remote while holding a slot for the remote's host.
// The slot is kept across retries of the same call. The URL follows "--" so
// a value starting with "-" is never parsed as an option.
func (c *Checker) lsRemote(ctx context.Context, gitURL string, refspecs ...string) (executor.Result, error) {
	argv := append([]string{"git", "ls-remote", "--", gitURL}, refspecs...)

	var res executor.Result
	err := c.limiter.Do(ctx, gitURL, func() error {
		res = c.runner.RunWithRetries(ctx, argv, executor.Options{Timeout: c.cfg.Timeout})
		return nil
	})
	return res, err
}

func accessError(stderr string) models.Outcome {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = "unknown error"
	}
	return models.Outcome{
		Status:   models.PrefixAccessError + ": " + msg,
		RawError: stderr,
	}
}
