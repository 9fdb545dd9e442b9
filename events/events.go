// Package events defines the status events streamed to observers and a
// bounded bus that fans them out.
package events

import (
	"time"

	"github.com/ptrus/dep-validator/models"
)

// Type tags an event.
type Type string

// Event types.
const (
	TypeRepoStatus      Type = "repoStatus"
	TypeSummary         Type = "summary"
	TypePackageStatus   Type = "pipPackageStatus"
	TypeManifestSummary Type = "pipConfigSummary"
	TypeStatus          Type = "status"
	TypeFolderSelected  Type = "folderSelected"
	TypeSourceCodeRepos Type = "sourceCodeRepos"
	TypePipConfigs      Type = "pipConfigs"
)

// Event is the envelope for everything sent to observers.
type Event struct {
	Type    Type   `json:"type"`
	BatchID string `json:"batch_id,omitempty"`
	Payload any    `json:"payload"`
}

// RepoStatus reports the outcome of one repository check.
type RepoStatus struct {
	Name      string          `json:"name"`
	GitURL    string          `json:"git_url"`
	GitRef    string          `json:"git_ref"`
	Status    string          `json:"status"`
	Severity  models.Severity `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Summary closes a repository batch.
type Summary struct {
	AnyMissing     bool `json:"anyMissing"`
	AnyAccessError bool `json:"anyAccessError"`
}

// PackageStatus reports the outcome of one package check.
type PackageStatus struct {
	ManifestPath string    `json:"manifestPath"`
	PkgName      string    `json:"pkgName"`
	Status       string    `json:"status"`
	Valid        bool      `json:"valid"`
	Timestamp    time.Time `json:"timestamp"`
}

// ManifestSummary closes the batch of one manifest.
type ManifestSummary struct {
	ManifestPath string    `json:"manifestPath"`
	AnyIssues    bool      `json:"anyIssues"`
	Timestamp    time.Time `json:"timestamp"`
}

// StatusText is a human-readable progress message.
type StatusText struct {
	Text string `json:"text"`
}

// FolderSelected announces a newly loaded configuration folder.
type FolderSelected struct {
	Path string `json:"path"`
}

// Sink receives events. Emit must not block for long.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Status builds a progress message event.
func Status(text string) Event {
	return Event{Type: TypeStatus, Payload: StatusText{Text: text}}
}
