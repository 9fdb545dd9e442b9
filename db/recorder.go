package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/ptrus/dep-validator/events"
	"github.com/ptrus/dep-validator/models"
)

const recordTimeout = 5 * time.Second

// Recorder is an events.Sink that writes status events into the snapshot.
type Recorder struct {
	db     *DB
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to db.
func NewRecorder(db *DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger}
}

// Emit implements events.Sink.
func (r *Recorder) Emit(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	var err error
	switch p := e.Payload.(type) {
	case events.RepoStatus:
		err = r.db.SetRepoStatus(ctx, p.Name, models.RepoStatus{
			Status:    p.Status,
			Severity:  p.Severity,
			Timestamp: p.Timestamp,
		})
	case events.PackageStatus:
		valid := p.Valid
		err = r.db.SetPackageStatus(ctx, p.ManifestPath, p.PkgName, models.PackageStatus{
			Valid:     &valid,
			Status:    p.Status,
			Timestamp: p.Timestamp,
		})
	case events.ManifestSummary:
		err = r.db.SetManifestSummary(ctx, p.ManifestPath, p.AnyIssues, p.Timestamp)
	default:
		return
	}

	if err != nil {
		r.logger.Error("failed to record event", "type", e.Type, "batch_id", e.BatchID, "error", err)
	}
}
