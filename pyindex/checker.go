package pyindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ptrus/dep-validator/credentials"
	"github.com/ptrus/dep-validator/executor"
	"github.com/ptrus/dep-validator/hostlimit"
	"github.com/ptrus/dep-validator/metrics"
	"github.com/ptrus/dep-validator/models"
)

// Status strings reported by CheckPackageVersion.
const (
	StatusInvalid         = "invalid (missing name/url/version)"
	StatusVersionFound    = "OK (version found)"
	StatusVersionNotFound = "missing (version not found)"
	StatusProjectNotFound = "missing (project not in index)"
)

// maxPageSize limits how much of an index page is read.
const maxPageSize = 10 * 1024 * 1024

// Config holds package index checker settings.
type Config struct {
	Timeout   time.Duration // Per HTTP request.
	Retries   int           // Retries after 429, 5xx or transport failures.
	Backoff   executor.Backoff
	CacheTTL  time.Duration // Zero disables the page cache.
	UserAgent string
	UserEnv   string // Env var holding the index username.
	PassEnv   string // Env var holding the index password.

	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
}

// Checker looks up package versions on simple package indexes.
type Checker struct {
	cfg     Config
	client  *http.Client
	limiter *hostlimit.Limiter
	cache   *pageCache
	metrics *metrics.Metrics
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a new package index checker.
func New(cfg Config, limiter *hostlimit.Limiter, m *metrics.Metrics, logger *slog.Logger) (*Checker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "dep-validator/1.0"
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	var cache *pageCache
	if cfg.CacheTTL > 0 {
		var err error
		if cache, err = newPageCache(cfg.CacheTTL); err != nil {
			return nil, fmt.Errorf("failed to create index page cache: %w", err)
		}
	}

	return &Checker{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		cache:   cache,
		metrics: m,
		logger:  logger,
		sleep:   sleepContext,
	}, nil
}

// Close releases the page cache.
func (c *Checker) Close() {
	c.cache.close()
}

// CheckPackageVersion reports whether pkg.Version of pkg.Name is published on
// pkg.IndexURL. It never fails: every problem becomes a terminal status.
func (c *Checker) CheckPackageVersion(ctx context.Context, pkg models.PackageSpec) models.PackageStatus {
	name := strings.TrimSpace(pkg.Name)
	base := strings.TrimSpace(pkg.IndexURL)
	version := strings.TrimSpace(pkg.Version)
	if name == "" || base == "" || version == "" {
		c.logger.Debug("package entry incomplete", "name", pkg.Name, "url", pkg.IndexURL, "version", pkg.Version)
		return models.NewPackageStatus(false, StatusInvalid)
	}

	pageURL := IndexPageURL(base, name)
	auth := credentials.IndexAuthFromEnv(c.cfg.UserEnv, c.cfg.PassEnv)

	c.logger.Debug("checking package version",
		"package", name,
		"version", version,
		"url", pageURL,
		"basic_auth", auth.Valid())

	p, err := c.fetch(ctx, pageURL, auth)
	if err != nil {
		c.logger.Debug("index request failed", "package", name, "error", err)
		return models.NewPackageStatus(false, models.PrefixAccessError+": "+err.Error())
	}

	c.logger.Debug("index response", "package", name, "status", p.status, "body_length", len(p.body))

	switch {
	case p.status == http.StatusNotFound:
		return models.NewPackageStatus(false, StatusProjectNotFound)
	case p.status < 200 || p.status > 299:
		c.logger.Debug("index error response", "package", name, "snippet", headSnippet(p.body))
		return models.NewPackageStatus(false, fmt.Sprintf("%s: HTTP %d", models.PrefixAccessError, p.status))
	}

	if !VersionExistsInHTML(p.body, name, version) {
		if snippet, ok := snippetAround(p.body, name); ok {
			c.logger.Debug("version not found on index page", "package", name, "around_project", snippet)
		} else {
			c.logger.Debug("project name not found literally on index page", "package", name)
		}
		return models.NewPackageStatus(false, StatusVersionNotFound)
	}

	return models.NewPackageStatus(true, StatusVersionFound)
}

// fetch returns the index page at pageURL, from the cache when possible.
// 429, 5xx and transient transport failures are retried with backoff while
// holding the host slot.
func (c *Checker) fetch(ctx context.Context, pageURL string, auth credentials.IndexAuth) (page, error) {
	key := auth.User + "|" + pageURL
	if p, ok := c.cache.get(key); ok {
		return p, nil
	}

	host := hostlimit.HostKey(pageURL)

	var p page
	err := c.limiter.Do(ctx, pageURL, func() error {
		for attempt := 0; ; attempt++ {
			var err error
			p, err = c.get(ctx, pageURL, auth)

			retry := attempt < c.cfg.Retries
			switch {
			case err != nil:
				c.metrics.IndexRequest(ctx, host, "error")
				if !retry || !isTransient(err) {
					return err
				}
			default:
				c.metrics.IndexRequest(ctx, host, strconv.Itoa(p.status))
				if !retry || (p.status != http.StatusTooManyRequests && p.status < 500) {
					return nil
				}
			}

			delay := c.cfg.Backoff.Delay(attempt)
			c.logger.Debug("transient index failure, retrying",
				"url", pageURL,
				"attempt", attempt+1,
				"status", p.status,
				"error", err,
				"delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}
	})
	if err != nil {
		return page{}, err
	}

	c.cache.set(key, p)
	return p, nil
}

func (c *Checker) get(ctx context.Context, pageURL string, auth credentials.IndexAuth) (page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return page{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")
	if auth.Valid() {
		req.SetBasicAuth(auth.User, auth.Pass)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return page{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return page{}, fmt.Errorf("failed to read index page: %w", err)
	}

	return page{status: resp.StatusCode, body: string(body)}, nil
}

// isTransient classifies transport errors by type rather than by message.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

func headSnippet(body string) string {
	if len(body) > 200 {
		body = body[:200]
	}
	return strings.Join(strings.Fields(body), " ")
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
