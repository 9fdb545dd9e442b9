package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ptrus/dep-validator/config"
	"github.com/ptrus/dep-validator/db"
	"github.com/ptrus/dep-validator/events"
	"github.com/ptrus/dep-validator/metrics"
	"github.com/ptrus/dep-validator/models"
	"github.com/ptrus/dep-validator/session"
	"github.com/ptrus/dep-validator/worker"
	"github.com/ptrus/dep-validator/workspace"
)

// gatedValidator reports every item as found once gate is closed.
type gatedValidator struct {
	gate chan struct{}
}

func (v *gatedValidator) ValidateRepos(_ context.Context, repos []models.Repository, sink events.Sink) worker.RepoBatch {
	<-v.gate
	for _, r := range repos {
		sink.Emit(events.Event{Type: events.TypeRepoStatus, Payload: events.RepoStatus{
			Name: r.Name, Status: "OK (branch found)", Severity: models.SeverityInfo, Timestamp: time.Now(),
		}})
	}
	return worker.RepoBatch{}
}

func (v *gatedValidator) ValidateManifest(_ context.Context, m *models.PackageManifest, _ events.Sink) worker.ManifestBatch {
	<-v.gate
	return worker.ManifestBatch{ManifestPath: m.ManifestPath}
}

func (v *gatedValidator) ValidateManifests(ctx context.Context, ms []*models.PackageManifest, sink events.Sink) []worker.ManifestBatch {
	var out []worker.ManifestBatch
	for _, m := range ms {
		out = append(out, v.ValidateManifest(ctx, m, sink))
	}
	return out
}

type testEnv struct {
	server  *Server
	session *session.Session
	hub     *Hub
	gate    chan struct{}
	root    string
	maya    string
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	database, err := db.New(db.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	hub := NewHub(logger, nil)
	sess := session.New(&gatedValidator{gate: gate}, db.NewRecorder(database, logger), database, logger)
	t.Cleanup(func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
		sess.Wait()
	})

	provider, err := metrics.NewProvider(context.Background(), metrics.ProviderConfig{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	m, err := metrics.New(provider)
	if err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	venv := filepath.Join(root, "tools", "venv-configs")
	writeFile(t, filepath.Join(venv, workspace.SourceCodeFile),
		"core:\n  git_url: https://git.example/core.git\n  git_ref: main\n"+
			"plugins:\n  git_url: https://git.example/plugins.git\n  git_ref: v2\n")
	maya := filepath.Join(venv, "maya", "2024", workspace.PipConfigFile)
	writeFile(t, maya, "packages:\n  - name: numpy\n    url: https://pypi.example/simple\n    version: '1.26.4'\n")

	return &testEnv{
		server:  New(config.Default(), database, sess, hub, provider, logger),
		session: sess,
		hub:     hub,
		gate:    gate,
		root:    root,
		maya:    maya,
		metrics: m,
	}
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

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) selectFolder(t *testing.T) {
	t.Helper()
	body, _ := json.Marshal(FolderRequest{Path: e.root})
	if rec := e.do(t, http.MethodPost, "/api/folder", string(body)); rec.Code != http.StatusOK {
		t.Fatalf("Failed to select folder: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthAndIndex(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("Unexpected health response %d %q", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Dependency Validator") {
		t.Errorf("Unexpected index response %d", rec.Code)
	}
}

func TestSelectFolder(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"missing path", `{"path": "  "}`, http.StatusBadRequest},
		{"absent folder", `{"path": "` + filepath.Join(env.root, "absent") + `"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/api/folder", tt.body); rec.Code != tt.code {
				t.Errorf("Expected %d, got %d", tt.code, rec.Code)
			}
		})
	}

	body, _ := json.Marshal(FolderRequest{Path: env.root})
	rec := env.do(t, http.MethodPost, "/api/folder", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp FolderResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Repositories != 2 || resp.Manifests != 1 {
		t.Errorf("Unexpected response %+v", resp)
	}

	rec = env.do(t, http.MethodGet, "/api/repos", "")
	var repos []db.RepoView
	if err := json.NewDecoder(rec.Body).Decode(&repos); err != nil {
		t.Fatal(err)
	}
	if len(repos) != 2 || repos[0].Name != "core" || repos[0].Status.Status != models.StatusNotValidated {
		t.Errorf("Unexpected repositories %+v", repos)
	}

	rec = env.do(t, http.MethodGet, "/api/manifests", "")
	var manifests []db.ManifestView
	if err := json.NewDecoder(rec.Body).Decode(&manifests); err != nil {
		t.Fatal(err)
	}
	if len(manifests) != 1 || manifests[0].ToolName != "maya" || len(manifests[0].Packages) != 1 {
		t.Errorf("Unexpected manifests %+v", manifests)
	}
}

func TestValidateCommandStatuses(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodPost, "/api/validate/repos", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 before a folder is selected, got %d", rec.Code)
	}

	env.selectFolder(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"unknown repository", http.MethodPost, "/api/validate/repos/absent", "", http.StatusNotFound},
		{"manifest without body", http.MethodPost, "/api/validate/manifest", "{}", http.StatusBadRequest},
		{"unknown manifest", http.MethodPost, "/api/validate/manifest", `{"manifest_path": "/nowhere"}`, http.StatusNotFound},
		{"all repositories", http.MethodPost, "/api/validate/repos", "", http.StatusAccepted},
		{"all repositories again", http.MethodPost, "/api/validate/repos", "", http.StatusConflict},
		{"one repository", http.MethodPost, "/api/validate/repos/core", "", http.StatusAccepted},
		{"all manifests", http.MethodPost, "/api/validate/manifests", "", http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.code {
				t.Errorf("Expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}

	body, _ := json.Marshal(ManifestRequest{ManifestPath: env.maya})
	rec := env.do(t, http.MethodPost, "/api/validate/manifest", string(body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	var resp CommandResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Command != "manifest:"+env.maya {
		t.Errorf("Unexpected command %q", resp.Command)
	}

	// While blocked every repository reads as running.
	rec = env.do(t, http.MethodGet, "/api/repos", "")
	var repos []db.RepoView
	_ = json.NewDecoder(rec.Body).Decode(&repos)
	for _, r := range repos {
		if r.Status.Status != models.StatusRunning {
			t.Errorf("%s: expected running, got %q", r.Name, r.Status.Status)
		}
	}

	close(env.gate)
	env.session.Wait()

	rec = env.do(t, http.MethodGet, "/htmx/repos", "")
	if !strings.Contains(rec.Body.String(), "OK (branch found)") {
		t.Errorf("Expected rendered statuses, got %s", rec.Body.String())
	}
}

func TestFragmentsWithoutFolder(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/htmx/repos", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "No repositories loaded") {
		t.Errorf("Unexpected repository fragment %d %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/htmx/manifests", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "No PIP configurations loaded") {
		t.Errorf("Unexpected manifest fragment %d %s", rec.Code, rec.Body.String())
	}
}

func TestManifestFragment(t *testing.T) {
	env := newTestEnv(t)
	env.selectFolder(t)

	rec := env.do(t, http.MethodGet, "/htmx/manifests", "")
	body := rec.Body.String()
	for _, want := range []string{"maya", "2024", "numpy", models.StatusNotValidated} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected fragment to contain %q", want)
		}
	}
}

func TestHubStreamsEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, srv.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	for env.hub.ConnectionCount() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("Connection never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	env.hub.Emit(events.Status("Validating 2 repositories..."))

	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var got struct {
		Type    events.Type       `json:"type"`
		Payload events.StatusText `json:"payload"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != events.TypeStatus || got.Payload.Text != "Validating 2 repositories..." {
		t.Errorf("Unexpected message %s", data)
	}

	// Answer the close handshake.
	go func() { _, _, _ = c.Read(ctx) }()
	env.hub.Close()
	if n := env.hub.ConnectionCount(); n != 0 {
		t.Errorf("Expected no connections after Close, got %d", n)
	}
}

func TestHubEmitWithoutConnections(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	hub.Emit(events.Status("nobody listens"))
	hub.Emit(events.Event{Type: "bad", Payload: make(chan int)})
}

func TestHubChecksOrigin(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), []string{"http://panel.example:3000"})
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	defer hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{"no origin header", "", false},
		{"allowed origin", "http://panel.example:3000", false},
		{"foreign origin", "http://evil.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			c, resp, err := websocket.Dial(ctx, srv.URL, &websocket.DialOptions{HTTPHeader: header})
			if tt.wantErr {
				if err == nil {
					_ = c.CloseNow()
					t.Fatal("Expected the upgrade to be rejected")
				}
				if resp == nil || resp.StatusCode != http.StatusForbidden {
					t.Errorf("Expected 403, got %+v", resp)
				}
				return
			}
			if err != nil {
				t.Fatalf("Dial failed: %v", err)
			}
			_ = c.Close(websocket.StatusNormalClosure, "")
		})
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"http://localhost:3000", "https://panel.example", "*"})
	want := []string{"localhost:3000", "panel.example", "*"}
	if !slices.Equal(got, want) {
		t.Errorf("originPatterns() = %v, want %v", got, want)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.metrics.CheckOutcome(context.Background(), "repo", "missing")

	rec := env.do(t, http.MethodGet, "/api/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var points []metrics.Point
	if err := json.Unmarshal(rec.Body.Bytes(), &points); err != nil {
		t.Fatalf("Failed to decode metrics: %v", err)
	}
	found := false
	for _, p := range points {
		if p.Name == "depvalidator.check.outcomes" && p.Attributes["result"] == "missing" && p.Value == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected the recorded outcome in %+v", points)
	}
}

func TestMetricsEndpointDisabled(t *testing.T) {
	env := newTestEnv(t)
	srv := New(config.Default(), nil, env.session, env.hub, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without a metrics source, got %d", rec.Code)
	}
}

func TestCommandErrorStatus(t *testing.T) {
	if got := commandErrorStatus(io.EOF); got != http.StatusInternalServerError {
		t.Errorf("Expected 500 for an unexpected error, got %d", got)
	}
}
