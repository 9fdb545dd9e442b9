package api

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ptrus/dep-validator/session"
)

//go:embed index.html
var indexHTML []byte

// serveIndex serves the status panel.
func (s *Server) serveIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write(indexHTML)
}

// handleListRepos returns every repository with its latest status.
func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.snapshot.ListRepositories(r.Context())
	if err != nil {
		s.logger.Error("failed to list repositories", "error", err)
		http.Error(w, "Failed to load repositories", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

// handleMetrics returns the cumulative engine metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	points, err := s.metrics.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("failed to collect metrics", "error", err)
		http.Error(w, "Failed to collect metrics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// handleListManifests returns every manifest with its packages and their latest status.
func (s *Server) handleListManifests(w http.ResponseWriter, r *http.Request) {
	manifests, err := s.snapshot.ListManifests(r.Context())
	if err != nil {
		s.logger.Error("failed to list manifests", "error", err)
		http.Error(w, "Failed to load manifests", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, manifests)
}

// handleRepoRows renders the repository table body.
func (s *Server) handleRepoRows(w http.ResponseWriter, r *http.Request) {
	repos, err := s.snapshot.ListRepositories(r.Context())
	if err != nil {
		s.logger.Error("failed to list repositories", "error", err)
		http.Error(w, "Failed to load repositories", http.StatusInternalServerError)
		return
	}
	s.renderFragment(w, "repo-rows", repos)
}

// handleManifestCards renders one card per manifest.
func (s *Server) handleManifestCards(w http.ResponseWriter, r *http.Request) {
	manifests, err := s.snapshot.ListManifests(r.Context())
	if err != nil {
		s.logger.Error("failed to list manifests", "error", err)
		http.Error(w, "Failed to load manifests", http.StatusInternalServerError)
		return
	}
	s.renderFragment(w, "manifest-cards", manifests)
}

// FolderRequest selects a configuration folder.
type FolderRequest struct {
	Path string `json:"path"`
}

// FolderResponse describes the loaded folder.
type FolderResponse struct {
	Path         string   `json:"path"`
	Repositories int      `json:"repositories"`
	Manifests    int      `json:"manifests"`
	Errors       []string `json:"errors,omitempty"`
}

// handleSelectFolder handles POST /api/folder.
func (s *Server) handleSelectFolder(w http.ResponseWriter, r *http.Request) {
	var req FolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		http.Error(w, "Missing required field: path", http.StatusBadRequest)
		return
	}

	ws, err := s.session.SelectFolder(r.Context(), req.Path)
	if err != nil {
		s.logger.Warn("failed to select folder", "path", req.Path, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, FolderResponse{
		Path:         ws.Root,
		Repositories: len(ws.Repositories),
		Manifests:    len(ws.Manifests),
		Errors:       ws.Errors,
	})
}

// CommandResponse acknowledges a started validation command.
type CommandResponse struct {
	Command string `json:"command"`
}

// handleValidateAllRepos handles POST /api/validate/repos.
func (s *Server) handleValidateAllRepos(w http.ResponseWriter, r *http.Request) {
	run, err := s.session.ValidateAllRepos(r.Context())
	s.respondCommand(w, run, err)
}

// handleValidateRepo handles POST /api/validate/repos/{name}.
func (s *Server) handleValidateRepo(w http.ResponseWriter, r *http.Request) {
	run, err := s.session.ValidateRepo(r.Context(), chi.URLParam(r, "name"))
	s.respondCommand(w, run, err)
}

// handleValidateAllManifests handles POST /api/validate/manifests.
func (s *Server) handleValidateAllManifests(w http.ResponseWriter, r *http.Request) {
	run, err := s.session.ValidateAllManifests(r.Context())
	s.respondCommand(w, run, err)
}

// ManifestRequest names a manifest to validate.
type ManifestRequest struct {
	ManifestPath string `json:"manifest_path"`
}

// handleValidateManifest handles POST /api/validate/manifest.
func (s *Server) handleValidateManifest(w http.ResponseWriter, r *http.Request) {
	var req ManifestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ManifestPath == "" {
		http.Error(w, "Missing required field: manifest_path", http.StatusBadRequest)
		return
	}

	run, err := s.session.ValidateManifest(r.Context(), req.ManifestPath)
	s.respondCommand(w, run, err)
}

func (s *Server) respondCommand(w http.ResponseWriter, run *session.Run, err error) {
	if err != nil {
		http.Error(w, err.Error(), commandErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusAccepted, CommandResponse{Command: run.Command})
}

func commandErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownRepository), errors.Is(err, session.ErrUnknownManifest):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBatchRunning):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoFolder), errors.Is(err, session.ErrNotLoaded):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) renderFragment(w http.ResponseWriter, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("failed to render fragment", "template", name, "error", err)
		http.Error(w, "Failed to render", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	_, _ = w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
