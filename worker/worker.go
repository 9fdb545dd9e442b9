// Package worker implements the validation orchestrator: a fixed-size pool of
// workers claiming repositories or packages from a shared cursor.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ptrus/dep-validator/events"
	"github.com/ptrus/dep-validator/metrics"
	"github.com/ptrus/dep-validator/models"
)

// RefChecker verifies that a git ref exists.
type RefChecker interface {
	CheckRef(ctx context.Context, gitURL, gitRef string) models.Outcome
}

// PackageChecker verifies that a package version is published.
type PackageChecker interface {
	CheckPackageVersion(ctx context.Context, pkg models.PackageSpec) models.PackageStatus
}

// RepoResult is the terminal status of one repository in a batch.
type RepoResult struct {
	Repository models.Repository `json:"repository"`
	Status     models.RepoStatus `json:"status"`
}

// RepoBatch is the outcome of one repository batch.
type RepoBatch struct {
	ID             string       `json:"id"`
	AnyMissing     bool         `json:"any_missing"`
	AnyAccessError bool         `json:"any_access_error"`
	Results        []RepoResult `json:"results"`
}

// PackageResult is the terminal status of one package in a batch.
type PackageResult struct {
	Package models.PackageSpec   `json:"package"`
	Status  models.PackageStatus `json:"status"`
}

// ManifestBatch is the outcome of validating the packages of one manifest.
type ManifestBatch struct {
	ID           string          `json:"id"`
	ManifestPath string          `json:"manifest_path"`
	AnyIssues    bool            `json:"any_issues"`
	Results      []PackageResult `json:"results"`
}

// Worker runs validation batches.
type Worker struct {
	parallel int
	refs     RefChecker
	packages PackageChecker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a new orchestrator running at most parallel checks at once.
func New(parallel int, refs RefChecker, packages PackageChecker, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if parallel < 1 {
		parallel = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		parallel: parallel,
		refs:     refs,
		packages: packages,
		metrics:  m,
		logger:   logger,
	}
}

// ValidateRepos checks every repository, emitting one repoStatus event per
// repository as it completes and a summary event once all have completed.
// Repositories sharing a name are checked once.
func (w *Worker) ValidateRepos(ctx context.Context, repos []models.Repository, sink events.Sink) RepoBatch {
	batch := RepoBatch{ID: uuid.NewString()}
	start := time.Now()

	repos = dedupe(repos, func(r models.Repository) string { return r.Name })
	batch.Results = make([]RepoResult, len(repos))

	w.logger.Info("validating repositories", "batch_id", batch.ID, "count", len(repos))

	var anyMissing, anyAccessError atomic.Bool
	w.pool(ctx, len(repos), func(ctx context.Context, i int) {
		repo := repos[i]
		outcome := w.checkRepo(ctx, repo)

		status := models.RepoStatus{
			Status:    outcome.Status,
			Severity:  models.SeverityOf(outcome.OK, outcome.Status),
			Timestamp: time.Now(),
		}
		switch status.Severity {
		case models.SeverityAccessError:
			anyAccessError.Store(true)
		case models.SeverityMissing:
			anyMissing.Store(true)
		}
		batch.Results[i] = RepoResult{Repository: repo, Status: status}

		w.metrics.CheckOutcome(ctx, "repo", resultLabel(outcome.OK, status.Status))
		w.logger.Debug("repository checked",
			"batch_id", batch.ID,
			"name", repo.Name,
			"status", status.Status,
			"severity", status.Severity)

		sink.Emit(events.Event{
			Type:    events.TypeRepoStatus,
			BatchID: batch.ID,
			Payload: events.RepoStatus{
				Name:      repo.Name,
				GitURL:    repo.GitURL,
				GitRef:    repo.GitRef,
				Status:    status.Status,
				Severity:  status.Severity,
				Timestamp: status.Timestamp,
			},
		})
	})

	batch.AnyMissing = anyMissing.Load()
	batch.AnyAccessError = anyAccessError.Load()

	sink.Emit(events.Event{
		Type:    events.TypeSummary,
		BatchID: batch.ID,
		Payload: events.Summary{AnyMissing: batch.AnyMissing, AnyAccessError: batch.AnyAccessError},
	})

	w.metrics.BatchDuration(ctx, "repos", time.Since(start).Seconds())
	w.logger.Info("repository validation finished",
		"batch_id", batch.ID,
		"any_missing", batch.AnyMissing,
		"any_access_error", batch.AnyAccessError,
		"duration", time.Since(start))

	return batch
}

// ValidateManifest checks the packages of one manifest, emitting one
// pipPackageStatus event per package and a pipConfigSummary event at the end.
// Packages sharing a name are checked once.
func (w *Worker) ValidateManifest(ctx context.Context, manifest *models.PackageManifest, sink events.Sink) ManifestBatch {
	batch := ManifestBatch{ID: uuid.NewString(), ManifestPath: manifest.ManifestPath}
	start := time.Now()

	pkgs := dedupe(manifest.Packages, func(p models.PackageSpec) string { return p.Name })
	batch.Results = make([]PackageResult, len(pkgs))

	w.logger.Info("validating packages",
		"batch_id", batch.ID,
		"manifest", manifest.ManifestPath,
		"count", len(pkgs))

	var anyIssues atomic.Bool
	w.pool(ctx, len(pkgs), func(ctx context.Context, i int) {
		pkg := pkgs[i]
		status := w.checkPackage(ctx, pkg)
		valid := status.IsValid()
		if !valid {
			anyIssues.Store(true)
		}
		batch.Results[i] = PackageResult{Package: pkg, Status: status}

		w.metrics.CheckOutcome(ctx, "package", resultLabel(valid, status.Status))
		w.logger.Debug("package checked",
			"batch_id", batch.ID,
			"manifest", manifest.ManifestPath,
			"package", pkg.Name,
			"status", status.Status)

		sink.Emit(events.Event{
			Type:    events.TypePackageStatus,
			BatchID: batch.ID,
			Payload: events.PackageStatus{
				ManifestPath: manifest.ManifestPath,
				PkgName:      pkg.Name,
				Status:       status.Status,
				Valid:        valid,
				Timestamp:    status.Timestamp,
			},
		})
	})

	batch.AnyIssues = anyIssues.Load()

	sink.Emit(events.Event{
		Type:    events.TypeManifestSummary,
		BatchID: batch.ID,
		Payload: events.ManifestSummary{
			ManifestPath: manifest.ManifestPath,
			AnyIssues:    batch.AnyIssues,
			Timestamp:    time.Now(),
		},
	})

	w.metrics.BatchDuration(ctx, "packages", time.Since(start).Seconds())
	w.logger.Info("package validation finished",
		"batch_id", batch.ID,
		"manifest", manifest.ManifestPath,
		"any_issues", batch.AnyIssues,
		"duration", time.Since(start))

	return batch
}

// ValidateManifests runs one package batch per manifest, one manifest at a time.
func (w *Worker) ValidateManifests(ctx context.Context, manifests []*models.PackageManifest, sink events.Sink) []ManifestBatch {
	batches := make([]ManifestBatch, 0, len(manifests))
	for _, m := range manifests {
		batches = append(batches, w.ValidateManifest(ctx, m, sink))
	}
	return batches
}

// pool runs fn for indexes [0, n) on min(parallel, n) goroutines. Each
// goroutine claims the next unclaimed index until none are left. It returns
// after every fn call has returned.
func (w *Worker) pool(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	var cursor atomic.Int64
	var g errgroup.Group

	for range min(w.parallel, n) {
		g.Go(func() error {
			for {
				i := int(cursor.Add(1) - 1)
				if i >= n {
					return nil
				}
				fn(ctx, i)
			}
		})
	}
	_ = g.Wait()
}

// checkRepo runs the ref check, converting a panic into an access error.
func (w *Worker) checkRepo(ctx context.Context, repo models.Repository) (outcome models.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("repository check panicked", "name", repo.Name, "panic", r)
			outcome = models.Outcome{Status: fmt.Sprintf("%s: %v", models.PrefixAccessError, r)}
		}
	}()
	return w.refs.CheckRef(ctx, repo.GitURL, repo.GitRef)
}

// checkPackage runs the package check, converting a panic into an access error.
func (w *Worker) checkPackage(ctx context.Context, pkg models.PackageSpec) (status models.PackageStatus) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("package check panicked", "package", pkg.Name, "panic", r)
			status = models.NewPackageStatus(false, fmt.Sprintf("%s: %v", models.PrefixAccessError, r))
		}
	}()
	status = w.packages.CheckPackageVersion(ctx, pkg)
	if status.Valid == nil {
		status.Valid = new(bool)
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	return status
}

// dedupe keeps the first item of each identity, preserving order.
func dedupe[T any](items []T, key func(T) string) []T {
	seen := make(map[string]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		k := key(it)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

func resultLabel(ok bool, status string) string {
	switch {
	case ok:
		return "ok"
	case strings.HasPrefix(status, models.PrefixAccessError):
		return "access_error"
	case strings.HasPrefix(status, models.PrefixInvalid):
		return "invalid"
	default:
		return "missing"
	}
}
