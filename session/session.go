// Package session holds the state behind the display surface: the selected
// configuration folder, its loaded inputs, and the validate commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ptrus/dep-validator/events"
	"github.com/ptrus/dep-validator/models"
	"github.com/ptrus/dep-validator/worker"
	"github.com/ptrus/dep-validator/workspace"
)

// Command errors.
var (
	ErrNoFolder          = errors.New("no folder selected")
	ErrNotLoaded         = errors.New("nothing to validate")
	ErrUnknownRepository = errors.New("unknown repository")
	ErrUnknownManifest   = errors.New("unknown manifest")
	ErrBatchRunning      = errors.New("validation already running")
)

// Validator runs validation batches.
type Validator interface {
	ValidateRepos(ctx context.Context, repos []models.Repository, sink events.Sink) worker.RepoBatch
	ValidateManifest(ctx context.Context, manifest *models.PackageManifest, sink events.Sink) worker.ManifestBatch
	ValidateManifests(ctx context.Context, manifests []*models.PackageManifest, sink events.Sink) []worker.ManifestBatch
}

// Store keeps a snapshot of the loaded inputs and their statuses.
type Store interface {
	ReplaceWorkspace(ctx context.Context, ws *workspace.Workspace) error
	MarkReposRunning(ctx context.Context, names []string) error
	MarkPackagesRunning(ctx context.Context, manifestPath string, names []string) error
}

// Run is a validation command running in the background.
type Run struct {
	Command string

	done      chan struct{}
	repos     worker.RepoBatch
	manifests []worker.ManifestBatch
}

// Wait blocks until the run has emitted its final event.
func (r *Run) Wait() {
	<-r.done
}

// Done is closed when the run completes.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Repos returns the repository batch; valid after Wait.
func (r *Run) Repos() worker.RepoBatch {
	return r.repos
}

// Manifests returns the manifest batches; valid after Wait.
func (r *Run) Manifests() []worker.ManifestBatch {
	return r.manifests
}

// Session is the command surface of the display collaborator.
type Session struct {
	validator Validator
	sink      events.Sink
	store     Store
	logger    *slog.Logger

	mu      sync.Mutex
	ws      *workspace.Workspace
	running map[string]struct{}
	wg      sync.WaitGroup
}

// New creates a new session. store may be nil.
func New(validator Validator, sink events.Sink, store Store, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		validator: validator,
		sink:      sink,
		store:     store,
		logger:    logger,
		running:   make(map[string]struct{}),
	}
}

// SelectFolder loads path, discarding the previously loaded inputs and statuses.
func (s *Session) SelectFolder(ctx context.Context, path string) (*workspace.Workspace, error) {
	ws, err := workspace.Load(path)
	if err != nil {
		return nil, err
	}

	if s.store != nil {
		if err := s.store.ReplaceWorkspace(ctx, ws); err != nil {
			return nil, fmt.Errorf("failed to store workspace: %w", err)
		}
	}

	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()

	s.logger.Info("folder selected",
		"path", ws.Root,
		"repositories", len(ws.Repositories),
		"manifests", len(ws.Manifests),
		"errors", len(ws.Errors))

	s.sink.Emit(events.Event{Type: events.TypeFolderSelected, Payload: events.FolderSelected{Path: ws.Root}})
	s.sink.Emit(events.Event{Type: events.TypeSourceCodeRepos, Payload: ws.Repositories})
	s.sink.Emit(events.Event{Type: events.TypePipConfigs, Payload: ws.Manifests})

	return ws, nil
}

// Workspace returns the loaded workspace, if any.
func (s *Session) Workspace() (*workspace.Workspace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws, s.ws != nil
}

// ValidateAllRepos starts validation of every loaded repository.
func (s *Session) ValidateAllRepos(ctx context.Context) (*Run, error) {
	ws, err := s.workspace()
	if err != nil {
		return nil, err
	}
	if len(ws.Repositories) == 0 {
		return nil, fmt.Errorf("%w: no repositories loaded", ErrNotLoaded)
	}

	repos := ws.Repositories
	mark := func(ctx context.Context) { s.markReposRunning(ctx, repos) }
	return s.start(ctx, "repos", mark, func(ctx context.Context, run *Run) {
		s.sink.Emit(events.Status(fmt.Sprintf("Validating %d repositories...", len(repos))))
		run.repos = s.validator.ValidateRepos(ctx, repos, s.sink)
		s.sink.Emit(events.Status("Validation finished for all repositories."))
	})
}

// ValidateRepo starts validation of the repository called name.
func (s *Session) ValidateRepo(ctx context.Context, name string) (*Run, error) {
	ws, err := s.workspace()
	if err != nil {
		return nil, err
	}
	repo, ok := ws.Repository(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRepository, name)
	}

	mark := func(ctx context.Context) { s.markReposRunning(ctx, []models.Repository{repo}) }
	return s.start(ctx, "repo:"+name, mark, func(ctx context.Context, run *Run) {
		s.sink.Emit(events.Status(fmt.Sprintf("Validating repository %q...", repo.Name)))
		run.repos = s.validator.ValidateRepos(ctx, []models.Repository{repo}, s.sink)
		s.sink.Emit(events.Status(fmt.Sprintf("Validation finished for %q.", repo.Name)))
	})
}

// ValidateManifest starts validation of the packages of the manifest at path.
func (s *Session) ValidateManifest(ctx context.Context, path string) (*Run, error) {
	ws, err := s.workspace()
	if err != nil {
		return nil, err
	}
	m, ok := ws.Manifest(path)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownManifest, path)
	}

	mark := func(ctx context.Context) { s.markPackagesRunning(ctx, m) }
	return s.start(ctx, "manifest:"+path, mark, func(ctx context.Context, run *Run) {
		s.sink.Emit(events.Status(fmt.Sprintf("Validating packages for %q...", m.ToolName)))
		run.manifests = []worker.ManifestBatch{s.validator.ValidateManifest(ctx, m, s.sink)}
		s.sink.Emit(events.Status(fmt.Sprintf("Package validation finished for %q.", m.ToolName)))
	})
}

// ValidateAllManifests starts validation of every loaded manifest, one after another.
func (s *Session) ValidateAllManifests(ctx context.Context) (*Run, error) {
	ws, err := s.workspace()
	if err != nil {
		return nil, err
	}
	if len(ws.Manifests) == 0 {
		return nil, fmt.Errorf("%w: no PIP configurations loaded", ErrNotLoaded)
	}

	manifests := ws.Manifests
	mark := func(ctx context.Context) {
		for _, m := range manifests {
			s.markPackagesRunning(ctx, m)
		}
	}
	return s.start(ctx, "manifests", mark, func(ctx context.Context, run *Run) {
		s.sink.Emit(events.Status(fmt.Sprintf("Validating %d PIP configurations...", len(manifests))))
		run.manifests = s.validator.ValidateManifests(ctx, manifests, s.sink)
		s.sink.Emit(events.Status("Package validation finished for all PIP configurations."))
	})
}

// Wait blocks until every started run has completed.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) workspace() (*workspace.Workspace, error) {
	ws, ok := s.Workspace()
	if !ok {
		return nil, ErrNoFolder
	}
	return ws, nil
}

// start claims command, marks its items running and runs fn in the
// background. A run is not cancelled with ctx: once started it completes.
func (s *Session) start(ctx context.Context, command string, mark func(ctx context.Context), fn func(ctx context.Context, run *Run)) (*Run, error) {
	s.mu.Lock()
	if _, busy := s.running[command]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBatchRunning, command)
	}
	s.running[command] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	run := &Run{Command: command, done: make(chan struct{})}
	runCtx := context.WithoutCancel(ctx)
	mark(runCtx)

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, command)
			s.mu.Unlock()
			close(run.done)
		}()
		fn(runCtx, run)
	}()

	return run, nil
}

func (s *Session) markReposRunning(ctx context.Context, repos []models.Repository) {
	if s.store == nil {
		return
	}
	names := make([]string, 0, len(repos))
	for _, r := range repos {
		names = append(names, r.Name)
	}
	if err := s.store.MarkReposRunning(ctx, names); err != nil {
		s.logger.Error("failed to mark repositories running", "error", err)
	}
}

func (s *Session) markPackagesRunning(ctx context.Context, m *models.PackageManifest) {
	if s.store == nil {
		return
	}
	names := make([]string, 0, len(m.Packages))
	for _, p := range m.Packages {
		names = append(names, p.Name)
	}
	if err := s.store.MarkPackagesRunning(ctx, m.ManifestPath, names); err != nil {
		s.logger.Error("failed to mark packages running", "manifest", m.ManifestPath, "error", err)
	}
}
