package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ptrus/dep-validator/models"
	"github.com/ptrus/dep-validator/workspace"
)

// RepoView is a repository with its latest status.
type RepoView struct {
	models.Repository
	Status models.RepoStatus `json:"status"`
}

// PackageView is a package with its latest status.
type PackageView struct {
	models.PackageSpec
	Status models.PackageStatus `json:"status"`
}

// ManifestView is a manifest with its packages and the summary of its latest
// validation. AnyIssues is nil until the manifest has been validated.
type ManifestView struct {
	ToolName     string        `json:"tool_name"`
	ToolVersion  string        `json:"tool_version"`
	ManifestPath string        `json:"manifest_path"`
	Analyze      bool          `json:"analyze"`
	Errors       []string      `json:"errors,omitempty"`
	AnyIssues    *bool         `json:"any_issues"`
	UpdatedAt    *time.Time    `json:"updated_at,omitempty"`
	Packages     []PackageView `json:"packages"`
}

// ReplaceWorkspace discards the previous snapshot and stores every input of
// ws as not validated.
func (db *DB) ReplaceWorkspace(ctx context.Context, ws *workspace.Workspace) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, table := range []string{"packages", "manifests", "repositories"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for i, r := range ws.Repositories {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO repositories (name, position, git_url, git_ref, status)
			VALUES (?, ?, ?, ?, ?)
		`, r.Name, i, r.GitURL, r.GitRef, models.StatusNotValidated)
		if err != nil {
			return fmt.Errorf("failed to insert repository %q: %w", r.Name, err)
		}
	}

	for i, m := range ws.Manifests {
		errs, err := json.Marshal(nonNil(m.Errors))
		if err != nil {
			return fmt.Errorf("failed to encode manifest errors: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO manifests (path, position, tool_name, tool_version, analyze, errors)
			VALUES (?, ?, ?, ?, ?, ?)
		`, m.ManifestPath, i, m.ToolName, m.ToolVersion, m.Analyze, string(errs))
		if err != nil {
			return fmt.Errorf("failed to insert manifest %q: %w", m.ManifestPath, err)
		}

		// Duplicate package names keep the first entry.
		for j, p := range m.Packages {
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO packages (manifest_path, name, position, type, index_url, version, status)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, m.ManifestPath, p.Name, j, p.Type, p.IndexURL, p.Version, models.StatusNotValidated)
			if err != nil {
				return fmt.Errorf("failed to insert package %q: %w", p.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workspace: %w", err)
	}
	return nil
}

// MarkReposRunning sets the named repositories to running.
func (db *DB) MarkReposRunning(ctx context.Context, names []string) error {
	for _, name := range names {
		_, err := db.ExecContext(ctx, `
			UPDATE repositories SET status = ?, severity = ?, updated_at = ?
			WHERE name = ?
		`, models.StatusRunning, models.SeverityInfo, time.Now(), name)
		if err != nil {
			return fmt.Errorf("failed to mark repository %q running: %w", name, err)
		}
	}
	return nil
}

// MarkPackagesRunning sets the named packages of a manifest to running.
func (db *DB) MarkPackagesRunning(ctx context.Context, manifestPath string, names []string) error {
	for _, name := range names {
		_, err := db.ExecContext(ctx, `
			UPDATE packages SET status = ?, valid = NULL, updated_at = ?
			WHERE manifest_path = ? AND name = ?
		`, models.StatusRunning, time.Now(), manifestPath, name)
		if err != nil {
			return fmt.Errorf("failed to mark package %q running: %w", name, err)
		}
	}
	return nil
}

// SetRepoStatus stores the latest status of a repository.
func (db *DB) SetRepoStatus(ctx context.Context, name string, status models.RepoStatus) error {
	_, err := db.ExecContext(ctx, `
		UPDATE repositories SET status = ?, severity = ?, updated_at = ?
		WHERE name = ?
	`, status.Status, status.Severity, status.Timestamp, name)
	if err != nil {
		return fmt.Errorf("failed to set repository status: %w", err)
	}
	return nil
}

// SetPackageStatus stores the latest status of a package.
func (db *DB) SetPackageStatus(ctx context.Context, manifestPath, name string, status models.PackageStatus) error {
	var valid sql.NullBool
	if status.Valid != nil {
		valid = sql.NullBool{Bool: *status.Valid, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		UPDATE packages SET status = ?, valid = ?, updated_at = ?
		WHERE manifest_path = ? AND name = ?
	`, status.Status, valid, status.Timestamp, manifestPath, name)
	if err != nil {
		return fmt.Errorf("failed to set package status: %w", err)
	}
	return nil
}

// SetManifestSummary stores the outcome of the latest package batch of a manifest.
func (db *DB) SetManifestSummary(ctx context.Context, manifestPath string, anyIssues bool, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE manifests SET any_issues = ?, updated_at = ?
		WHERE path = ?
	`, anyIssues, at, manifestPath)
	if err != nil {
		return fmt.Errorf("failed to set manifest summary: %w", err)
	}
	return nil
}

// ListRepositories returns every repository in declaration order.
func (db *DB) ListRepositories(ctx context.Context) ([]RepoView, error) {
	query := `
		SELECT name, git_url, git_ref, status, severity, updated_at
		FROM repositories
		ORDER BY position ASC
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query repositories: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	repos := []RepoView{}
	for rows.Next() {
		var r RepoView
		var updated sql.NullTime
		err := rows.Scan(
			&r.Name,
			&r.GitURL,
			&r.GitRef,
			&r.Status.Status,
			&r.Status.Severity,
			&updated,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		if updated.Valid {
			r.Status.Timestamp = updated.Time
		}
		repos = append(repos, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return repos, nil
}

// ListManifests returns every manifest with its packages, in discovery order.
func (db *DB) ListManifests(ctx context.Context) ([]ManifestView, error) {
	manifests, err := db.listManifestRows(ctx)
	if err != nil {
		return nil, err
	}

	// Packages are read after the manifest rows are closed: an in-memory
	// database has a single connection.
	byPath := make(map[string]*ManifestView, len(manifests))
	for i := range manifests {
		byPath[manifests[i].ManifestPath] = &manifests[i]
	}

	rows, err := db.QueryContext(ctx, `
		SELECT manifest_path, name, type, index_url, version, status, valid, updated_at
		FROM packages
		ORDER BY manifest_path, position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var path string
		var p PackageView
		var valid sql.NullBool
		var updated sql.NullTime
		err := rows.Scan(
			&path,
			&p.Name,
			&p.Type,
			&p.IndexURL,
			&p.Version,
			&p.Status.Status,
			&valid,
			&updated,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		if valid.Valid {
			p.Status.Valid = &valid.Bool
		}
		if updated.Valid {
			p.Status.Timestamp = updated.Time
		}
		if m, ok := byPath[path]; ok {
			m.Packages = append(m.Packages, p)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return manifests, nil
}

func (db *DB) listManifestRows(ctx context.Context) ([]ManifestView, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT path, tool_name, tool_version, analyze, errors, any_issues, updated_at
		FROM manifests
		ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query manifests: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	manifests := []ManifestView{}
	for rows.Next() {
		var m ManifestView
		var errs string
		var anyIssues sql.NullBool
		var updated sql.NullTime
		err := rows.Scan(
			&m.ManifestPath,
			&m.ToolName,
			&m.ToolVersion,
			&m.Analyze,
			&errs,
			&anyIssues,
			&updated,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan manifest: %w", err)
		}
		if err := json.Unmarshal([]byte(errs), &m.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode manifest errors: %w", err)
		}
		if anyIssues.Valid {
			m.AnyIssues = &anyIssues.Bool
		}
		if updated.Valid {
			m.UpdatedAt = &updated.Time
		}
		m.Packages = []PackageView{}
		manifests = append(manifests, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return manifests, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
