// Package models defines the data models for the dependency validator.
package models

import (
	"strings"
	"time"
)

// Severity classifies a repository status for display.
type Severity string

// Severity constants.
const (
	SeverityInfo        Severity = "info"
	SeverityMissing     Severity = "missing"
	SeverityAccessError Severity = "access_error"
)

// Status text prefixes and fixed status strings.
const (
	StatusNotValidated = "Not validated"
	StatusRunning      = "running"

	PrefixAccessError = "access error"
	PrefixMissing     = "missing"
	PrefixInvalid     = "invalid"
)

// Repository is a source repository reference declared in ic-source-code.yml.
type Repository struct {
	Name   string `json:"name"`
	GitURL string `json:"git_url"` // e.g., https://git.example/core.git or git@host:owner/repo.git
	GitRef string `json:"git_ref"` // Branch, tag, or full ref name.
}

// RepoStatus is the outcome of the latest validation run for a repository.
// A new run replaces it.
type RepoStatus struct {
	Status    string    `json:"status"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// PackageSpec is one entry of a pip-config.yml packages list.
type PackageSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	IndexURL string `json:"url"`
	Version  string `json:"version"`
}

// PackageStatus is the outcome of the latest validation run for a package.
// Valid is nil until the package has been validated.
type PackageStatus struct {
	Valid     *bool     `json:"valid"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// PackageManifest is a pip-config.yml for one tool version directory.
type PackageManifest struct {
	ToolName     string        `json:"tool_name"`
	ToolVersion  string        `json:"tool_version"`
	ManifestPath string        `json:"manifest_path"`
	Analyze      bool          `json:"analyze"` // False when the file could not be parsed.
	Errors       []string      `json:"errors,omitempty"`
	Packages     []PackageSpec `json:"packages"`
}

// Outcome is the transient result of a single check.
type Outcome struct {
	OK       bool
	Status   string
	RawError string
}

// SeverityOf maps a repository check outcome to its display severity.
func SeverityOf(ok bool, status string) Severity {
	switch {
	case strings.HasPrefix(status, PrefixAccessError):
		return SeverityAccessError
	case !ok && strings.HasPrefix(status, PrefixMissing):
		return SeverityMissing
	default:
		return SeverityInfo
	}
}

// NewPackageStatus builds a terminal package status stamped with now.
func NewPackageStatus(valid bool, status string) PackageStatus {
	return PackageStatus{Valid: &valid, Status: status, Timestamp: time.Now()}
}

// IsValid reports whether the package status is a positive result.
func (s PackageStatus) IsValid() bool {
	return s.Valid != nil && *s.Valid
}
