package executor

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedRunner returns queued results in order, repeating the last one.
type scriptedRunner struct {
	mu      sync.Mutex
	results []Result
	calls   int
	envs    [][]string
}

func (r *scriptedRunner) Run(_ context.Context, _ []string, _ string, env []string, _ time.Duration) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	idx := min(r.calls, len(r.results)-1)
	r.calls++
	return r.results[idx]
}

func newTestExecutor(runner Runner, maxRetries int) (*Executor, *[]time.Duration) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(Config{
		MaxRetries: maxRetries,
		Backoff:    Backoff{Base: 600 * time.Millisecond, Jitter: 300 * time.Millisecond},
		Runner:     runner,
	}, logger)

	var delays []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return e, &delays
}

var (
	ok        = Result{ExitCode: 0, Stdout: "abc\trefs/heads/main\n"}
	transient = Result{ExitCode: 128, Stderr: "fatal: unable to access: Could not resolve host: git.example"}
	fatal     = Result{ExitCode: 128, Stderr: "remote: Repository not found."}
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want Class
	}{
		{"success", ok, Succeeded},
		{"success with transient text", Result{ExitCode: 0, Stderr: "warning: rate limit close"}, Succeeded},
		{"dns failure", transient, Transient},
		{"http 429", Result{ExitCode: 128, Stderr: "error: RPC failed; HTTP 429"}, Transient},
		{"5xx", Result{ExitCode: 128, Stderr: "The requested URL returned error: 502"}, Transient},
		{"early eof", Result{ExitCode: 128, Stderr: "fatal: early EOF"}, Transient},
		{"ssh gateway drop", Result{ExitCode: 255, Stderr: "Connection closed by 10.0.0.1 port 22"}, Transient},
		{"timed out flag", Result{ExitCode: 1, TimedOut: true}, Transient},
		{"not found", fatal, Fatal},
		{"permission beats timeout", Result{ExitCode: 128, Stderr: "Permission denied (publickey).\nOperation timed out"}, Fatal},
		{"auth beats rate limit", Result{ExitCode: 128, Stdout: "rate limit", Stderr: "fatal: Authentication failed"}, Fatal},
		{"unknown failure", Result{ExitCode: 2, Stderr: "something odd"}, Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultClassifier.Classify(tt.res); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunWithRetriesAttempts(t *testing.T) {
	tests := []struct {
		name         string
		results      []Result
		maxRetries   int
		wantAttempts int
		wantExit     int
	}{
		{"first try succeeds", []Result{ok}, 3, 1, 0},
		{"two transient then success", []Result{transient, transient, ok}, 3, 3, 0},
		{"transient until exhausted", []Result{transient}, 3, 4, 128},
		{"exhausted with one retry", []Result{transient}, 1, 2, 128},
		{"fatal stops immediately", []Result{fatal, ok}, 3, 1, 128},
		{"transient then fatal", []Result{transient, fatal, ok}, 3, 2, 128},
		{"retries disabled", []Result{transient, ok}, NoRetries, 1, 128},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &scriptedRunner{results: tt.results}
			e, delays := newTestExecutor(runner, 3)

			res := e.RunWithRetries(context.Background(), []string{"git", "ls-remote", "x"}, Options{MaxRetries: tt.maxRetries})

			if runner.calls != tt.wantAttempts {
				t.Errorf("Expected %d attempts, got %d", tt.wantAttempts, runner.calls)
			}
			if res.Attempts != tt.wantAttempts {
				t.Errorf("Expected Result.Attempts %d, got %d", tt.wantAttempts, res.Attempts)
			}
			if res.ExitCode != tt.wantExit {
				t.Errorf("Expected exit code %d, got %d", tt.wantExit, res.ExitCode)
			}
			if len(*delays) != tt.wantAttempts-1 {
				t.Errorf("Expected %d backoff sleeps, got %d", tt.wantAttempts-1, len(*delays))
			}
		})
	}
}

func TestRunWithRetriesBackoffGrows(t *testing.T) {
	runner := &scriptedRunner{results: []Result{transient}}
	e, delays := newTestExecutor(runner, 3)

	e.RunWithRetries(context.Background(), []string{"git", "ls-remote"}, Options{})

	if len(*delays) != 3 {
		t.Fatalf("Expected 3 delays, got %d", len(*delays))
	}
	for k, d := range *delays {
		lo := (600 * time.Millisecond) << k
		hi := lo + 300*time.Millisecond
		if d < lo || d >= hi {
			t.Errorf("Delay %d = %v, want in [%v, %v)", k, d, lo, hi)
		}
	}
}

func TestRunWithRetriesStopsOnCancelledSleep(t *testing.T) {
	runner := &scriptedRunner{results: []Result{transient}}
	e, _ := newTestExecutor(runner, 3)
	e.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := e.RunWithRetries(ctx, []string{"git", "ls-remote"}, Options{})
	if runner.calls != 1 {
		t.Errorf("Expected 1 attempt after cancellation, got %d", runner.calls)
	}
	if !strings.Contains(res.Stderr, "context canceled") {
		t.Errorf("Expected cancellation in stderr, got %q", res.Stderr)
	}
}

func TestRunWithRetriesSetsPromptEnv(t *testing.T) {
	runner := &scriptedRunner{results: []Result{ok}}
	e, _ := newTestExecutor(runner, 3)

	e.RunWithRetries(context.Background(), []string{"git"}, Options{Env: []string{"GIT_HTTP_LOW_SPEED_TIME=30"}})

	env := runner.envs[0]
	if !containsEntry(env, "GIT_TERMINAL_PROMPT=0") {
		t.Error("Expected GIT_TERMINAL_PROMPT=0 in environment")
	}
	// Caller values come last so they win over the defaults.
	if env[len(env)-1] != "GIT_HTTP_LOW_SPEED_TIME=30" {
		t.Errorf("Expected caller env last, got %q", env[len(env)-1])
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	res := ExecRunner{}.Run(context.Background(), []string{"sleep", "5"}, "", nil, 100*time.Millisecond)

	if !res.TimedOut {
		t.Fatal("Expected TimedOut to be set")
	}
	if res.ExitCode == 0 {
		t.Error("Expected non-zero exit code")
	}
	if !strings.Contains(res.Stderr, timedOutMarker) {
		t.Errorf("Expected timeout marker in stderr, got %q", res.Stderr)
	}
	if DefaultClassifier.Classify(res) != Transient {
		t.Error("Expected timed out attempt to be transient")
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	res := ExecRunner{}.Run(context.Background(), []string{"dep-validator-no-such-binary"}, "", nil, time.Second)
	if res.ExitCode == 0 {
		t.Fatal("Expected failure for missing binary")
	}
	if res.Stderr == "" {
		t.Error("Expected start error in stderr")
	}
}

func TestBackoffDelayWithoutJitter(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond}
	if got := b.Delay(0); got != 100*time.Millisecond {
		t.Errorf("Delay(0) = %v", got)
	}
	if got := b.Delay(3); got != 800*time.Millisecond {
		t.Errorf("Delay(3) = %v", got)
	}
}

func TestBackoffDelayIsCapped(t *testing.T) {
	b := Backoff{Base: DefaultBackoffBase, Jitter: DefaultBackoffJitter}
	for _, attempt := range []int{12, 20, 33, 34, 63, 64, 1000} {
		d := b.Delay(attempt)
		if d < MaxBackoff || d >= MaxBackoff+DefaultBackoffJitter {
			t.Errorf("Delay(%d) = %v, want in [%v, %v)", attempt, d, MaxBackoff, MaxBackoff+DefaultBackoffJitter)
		}
	}
	if got := (Backoff{}).Delay(40); got != 0 {
		t.Errorf("Delay without a base = %v, want 0", got)
	}
}

func containsEntry(env []string, entry string) bool {
	for _, e := range env {
		if e == entry {
			return true
		}
	}
	return false
}
