package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ptrus/dep-validator/events"
	"github.com/ptrus/dep-validator/models"
	"github.com/ptrus/dep-validator/worker"
	"github.com/ptrus/dep-validator/workspace"
)

// fakeValidator records what it was asked to validate. When gate is set each
// batch blocks until gate is closed.
type fakeValidator struct {
	gate chan struct{}

	mu        sync.Mutex
	repos     [][]string
	manifests []string
}

func (f *fakeValidator) wait() {
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeValidator) ValidateRepos(_ context.Context, repos []models.Repository, sink events.Sink) worker.RepoBatch {
	f.wait()
	var names []string
	for _, r := range repos {
		names = append(names, r.Name)
	}
	f.mu.Lock()
	f.repos = append(f.repos, names)
	f.mu.Unlock()
	sink.Emit(events.Event{Type: events.TypeSummary, Payload: events.Summary{}})
	return worker.RepoBatch{ID: "batch"}
}

func (f *fakeValidator) ValidateManifest(_ context.Context, m *models.PackageManifest, sink events.Sink) worker.ManifestBatch {
	f.wait()
	f.mu.Lock()
	f.manifests = append(f.manifests, m.ManifestPath)
	f.mu.Unlock()
	sink.Emit(events.Event{Type: events.TypeManifestSummary, Payload: events.ManifestSummary{ManifestPath: m.ManifestPath}})
	return worker.ManifestBatch{ID: "batch", ManifestPath: m.ManifestPath}
}

func (f *fakeValidator) ValidateManifests(ctx context.Context, ms []*models.PackageManifest, sink events.Sink) []worker.ManifestBatch {
	var out []worker.ManifestBatch
	for _, m := range ms {
		out = append(out, f.ValidateManifest(ctx, m, sink))
	}
	return out
}

type fakeStore struct {
	mu       sync.Mutex
	replaced int
	running  []string
}

func (f *fakeStore) ReplaceWorkspace(context.Context, *workspace.Workspace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced++
	return nil
}

func (f *fakeStore) MarkReposRunning(_ context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append(f.running, names...)
	return nil
}

func (f *fakeStore) MarkPackagesRunning(_ context.Context, path string, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.running = append(f.running, path+"#"+n)
	}
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newFolder lays out a configuration folder with two repositories and two
// manifests, returning its root and the maya manifest path.
func newFolder(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	venv := filepath.Join(root, "tools", "venv-configs")
	writeFile(t, filepath.Join(venv, workspace.SourceCodeFile), `
core:
  git_url: https://git.example/core.git
  git_ref: main
plugins:
  git_url: https://git.example/plugins.git
  git_ref: v2.0.0
`)
	maya := filepath.Join(venv, "maya", "2024", workspace.PipConfigFile)
	writeFile(t, maya, "packages:\n  - name: numpy\n    url: https://pypi.example/simple\n    version: '1.26.4'\n")
	writeFile(t, filepath.Join(venv, "nuke", "15", workspace.PipConfigFile), "packages:\n  - name: pyside\n    url: https://pypi.example/simple\n    version: '6.5'\n")
	return root, maya
}

func newTestSession(v Validator, store Store) (*Session, *events.Collector) {
	sink := &events.Collector{}
	return New(v, sink, store, slog.New(slog.NewTextHandler(io.Discard, nil))), sink
}

func statusTexts(c *events.Collector) []string {
	var out []string
	for _, e := range c.OfType(events.TypeStatus) {
		out = append(out, e.Payload.(events.StatusText).Text)
	}
	return out
}

func TestCommandsRequireFolder(t *testing.T) {
	s, _ := newTestSession(&fakeValidator{}, nil)
	ctx := context.Background()

	if _, err := s.ValidateAllRepos(ctx); !errors.Is(err, ErrNoFolder) {
		t.Errorf("ValidateAllRepos: expected ErrNoFolder, got %v", err)
	}
	if _, err := s.ValidateRepo(ctx, "core"); !errors.Is(err, ErrNoFolder) {
		t.Errorf("ValidateRepo: expected ErrNoFolder, got %v", err)
	}
	if _, err := s.ValidateManifest(ctx, "/x"); !errors.Is(err, ErrNoFolder) {
		t.Errorf("ValidateManifest: expected ErrNoFolder, got %v", err)
	}
	if _, err := s.ValidateAllManifests(ctx); !errors.Is(err, ErrNoFolder) {
		t.Errorf("ValidateAllManifests: expected ErrNoFolder, got %v", err)
	}
}

func TestSelectFolderEmitsLoadedInputs(t *testing.T) {
	root, _ := newFolder(t)
	store := &fakeStore{}
	s, sink := newTestSession(&fakeValidator{}, store)

	ws, err := s.SelectFolder(context.Background(), root)
	if err != nil {
		t.Fatalf("SelectFolder failed: %v", err)
	}

	got := sink.Events()
	if len(got) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(got))
	}
	if got[0].Type != events.TypeFolderSelected || got[0].Payload.(events.FolderSelected).Path != ws.Root {
		t.Errorf("Unexpected first event %+v", got[0])
	}
	if repos, ok := got[1].Payload.([]models.Repository); got[1].Type != events.TypeSourceCodeRepos || !ok || len(repos) != 2 {
		t.Errorf("Unexpected repositories event %+v", got[1])
	}
	if ms, ok := got[2].Payload.([]*models.PackageManifest); got[2].Type != events.TypePipConfigs || !ok || len(ms) != 2 {
		t.Errorf("Unexpected manifests event %+v", got[2])
	}
	if store.replaced != 1 {
		t.Errorf("Expected the store to be replaced once, got %d", store.replaced)
	}
}

func TestSelectFolderMissingPath(t *testing.T) {
	s, sink := newTestSession(&fakeValidator{}, nil)

	if _, err := s.SelectFolder(context.Background(), filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("Expected error for a missing folder")
	}
	if _, ok := s.Workspace(); ok {
		t.Error("Expected no workspace after a failed selection")
	}
	if n := len(sink.Events()); n != 0 {
		t.Errorf("Expected no events, got %d", n)
	}
}

func TestValidateAllRepos(t *testing.T) {
	root, _ := newFolder(t)
	v, store := &fakeValidator{}, &fakeStore{}
	s, sink := newTestSession(v, store)
	if _, err := s.SelectFolder(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	run, err := s.ValidateAllRepos(context.Background())
	if err != nil {
		t.Fatalf("ValidateAllRepos failed: %v", err)
	}
	run.Wait()

	want := []string{"Validating 2 repositories...", "Validation finished for all repositories."}
	got := statusTexts(sink)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected status texts %q, got %q", want, got)
	}
	if run.Repos().ID != "batch" {
		t.Errorf("Expected the batch result, got %+v", run.Repos())
	}
	if len(v.repos) != 1 || len(v.repos[0]) != 2 {
		t.Errorf("Expected one batch of two repositories, got %v", v.repos)
	}
	if len(store.running) != 2 {
		t.Errorf("Expected both repositories marked running, got %v", store.running)
	}
}

func TestValidateRepo(t *testing.T) {
	root, _ := newFolder(t)
	v := &fakeValidator{}
	s, sink := newTestSession(v, nil)
	if _, err := s.SelectFolder(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ValidateRepo(context.Background(), "absent"); !errors.Is(err, ErrUnknownRepository) {
		t.Errorf("Expected ErrUnknownRepository, got %v", err)
	}

	run, err := s.ValidateRepo(context.Background(), "plugins")
	if err != nil {
		t.Fatalf("ValidateRepo failed: %v", err)
	}
	run.Wait()

	got := statusTexts(sink)
	if len(got) != 2 || got[0] != `Validating repository "plugins"...` || got[1] != `Validation finished for "plugins".` {
		t.Errorf("Unexpected status texts %q", got)
	}
	if len(v.repos) != 1 || len(v.repos[0]) != 1 || v.repos[0][0] != "plugins" {
		t.Errorf("Expected only plugins to be validated, got %v", v.repos)
	}
}

func TestValidateManifest(t *testing.T) {
	root, maya := newFolder(t)
	v, store := &fakeValidator{}, &fakeStore{}
	s, sink := newTestSession(v, store)
	if _, err := s.SelectFolder(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ValidateManifest(context.Background(), "/nowhere/pip-config.yml"); !errors.Is(err, ErrUnknownManifest) {
		t.Errorf("Expected ErrUnknownManifest, got %v", err)
	}

	run, err := s.ValidateManifest(context.Background(), maya)
	if err != nil {
		t.Fatalf("ValidateManifest failed: %v", err)
	}
	run.Wait()

	got := statusTexts(sink)
	if len(got) != 2 || got[0] != `Validating packages for "maya"...` || got[1] != `Package validation finished for "maya".` {
		t.Errorf("Unexpected status texts %q", got)
	}
	if len(run.Manifests()) != 1 || run.Manifests()[0].ManifestPath != maya {
		t.Errorf("Unexpected batches %+v", run.Manifests())
	}
	if len(store.running) != 1 || store.running[0] != maya+"#numpy" {
		t.Errorf("Expected numpy marked running, got %v", store.running)
	}
}

func TestValidateAllManifests(t *testing.T) {
	root, _ := newFolder(t)
	v := &fakeValidator{}
	s, sink := newTestSession(v, nil)
	if _, err := s.SelectFolder(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	run, err := s.ValidateAllManifests(context.Background())
	if err != nil {
		t.Fatalf("ValidateAllManifests failed: %v", err)
	}
	run.Wait()

	got := statusTexts(sink)
	if len(got) != 2 || got[0] != "Validating 2 PIP configurations..." ||
		got[1] != "Package validation finished for all PIP configurations." {
		t.Errorf("Unexpected status texts %q", got)
	}
	if len(v.manifests) != 2 {
		t.Errorf("Expected 2 manifests validated, got %v", v.manifests)
	}

	// The final status text follows every manifest summary.
	all := sink.Events()
	if all[len(all)-1].Type != events.TypeStatus {
		t.Errorf("Expected a status text last, got %s", all[len(all)-1].Type)
	}
}

func TestEmptyFolderHasNothingToValidate(t *testing.T) {
	s, _ := newTestSession(&fakeValidator{}, nil)
	if _, err := s.SelectFolder(context.Background(), t.TempDir()); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ValidateAllRepos(context.Background()); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Expected ErrNotLoaded for repositories, got %v", err)
	}
	if _, err := s.ValidateAllManifests(context.Background()); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Expected ErrNotLoaded for manifests, got %v", err)
	}
}

func TestSameCommandCannotRunTwice(t *testing.T) {
	root, _ := newFolder(t)
	v := &fakeValidator{gate: make(chan struct{})}
	s, _ := newTestSession(v, nil)
	if _, err := s.SelectFolder(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	first, err := s.ValidateAllRepos(context.Background())
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if _, err := s.ValidateAllRepos(context.Background()); !errors.Is(err, ErrBatchRunning) {
		t.Errorf("Expected ErrBatchRunning, got %v", err)
	}

	// A different command is not blocked.
	other, err := s.ValidateRepo(context.Background(), "core")
	if err != nil {
		t.Errorf("Expected a different command to start, got %v", err)
	}

	close(v.gate)
	first.Wait()
	if other != nil {
		other.Wait()
	}

	again, err := s.ValidateAllRepos(context.Background())
	if err != nil {
		t.Fatalf("Expected the command to start again after completion, got %v", err)
	}
	again.Wait()
}

func TestRunSurvivesCallerCancellation(t *testing.T) {
	root, _ := newFolder(t)
	v := &fakeValidator{gate: make(chan struct{})}
	s, sink := newTestSession(v, nil)
	if _, err := s.SelectFolder(context.Background(), root); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := s.ValidateAllRepos(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	close(v.gate)
	s.Wait()

	if n := len(sink.OfType(events.TypeSummary)); n != 1 {
		t.Errorf("Expected the batch to complete with a summary, got %d", n)
	}
}
