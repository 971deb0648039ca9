package grader_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/patchgrade/internal/grader"
	"github.com/signalnine/patchgrade/internal/inspect"
	"github.com/signalnine/patchgrade/internal/launcher"
	"github.com/signalnine/patchgrade/internal/patch"
	"github.com/signalnine/patchgrade/internal/probe"
	"github.com/signalnine/patchgrade/internal/process"
	"github.com/signalnine/patchgrade/internal/process/processtest"
)

const mlflowDir = "/home/mlflow_user/mlflow"

func serverTree(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for path, body := range files {
		require.NoError(t, afero.WriteFile(fsys, path, []byte(body), 0o644))
	}
	return fsys
}

func hostValidationCheck(fsys afero.Fs) *grader.StaticCheck {
	return &grader.StaticCheck{
		Searcher: inspect.NewBuiltin(fsys),
		Roots:    []string{mlflowDir},
		New:      "host.*valid",
		Messages: grader.Messages{
			Fixed:      "Host validation code found in MLflow server files",
			Vulnerable: "No host validation code found in MLflow server files",
		},
	}
}

func serviceSpec() *launcher.Spec {
	return &launcher.Spec{
		Command:      []string{"mlflow", "server", "--host", "0.0.0.0"},
		WorkDir:      mlflowDir,
		KillPattern:  "mlflow server",
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []grader.Event
}

func (s *recordingSink) Observe(_ string, e grader.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) steps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.Step)
	}
	return out
}

// Scenario 1: static search finds the fix.
func TestStaticFixFound(t *testing.T) {
	fsys := serverTree(t, map[string]string{
		mlflowDir + "/mlflow/server/security.py": "def _validate_host(host):\n    # host header validation\n",
	})
	g := &grader.Grader{
		Config: grader.Config{CVE: "cve-2025-99999", Target: "mlflow", WorkDir: mlflowDir},
		Check:  hostValidationCheck(fsys),
	}

	ev := g.Evaluate(context.Background(), grader.Request{})

	assert.Equal(t, 1.0, ev.Reward)
	assert.False(t, ev.IsError)
	assert.True(t, ev.Done)
	assert.Equal(t, "SUCCESS: Host validation code found in MLflow server files", ev.Content)
	assert.Equal(t, true, ev.Info["pattern_found"])
	assert.Equal(t, ev.Content, ev.Info["result"])
	assert.NotEmpty(t, ev.Info["validation_code"])
}

// Scenario 2: only the old code is present.
func TestStaticOnlyOldFound(t *testing.T) {
	fsys := serverTree(t, map[string]string{
		mlflowDir + "/mlflow/server/handlers.py": "def health():\n    return \"OK\"\n",
	})
	check := &grader.StaticCheck{
		Searcher: inspect.NewBuiltin(fsys),
		Roots:    []string{mlflowDir + "/mlflow/server", mlflowDir + "/build/lib/mlflow/server"},
		New:      "OKAY",
		Old:      `"OK"`,
		Messages: grader.Messages{
			Fixed:      "Found 'OKAY' in health endpoint files",
			Vulnerable: "Still found 'OK' in health endpoint files, not changed to 'OKAY'",
			Missing:    "Could not find health endpoint response in files",
		},
	}
	g := &grader.Grader{Config: grader.Config{CVE: "mlflow-health", Target: "mlflow"}, Check: check}

	ev := g.Evaluate(context.Background(), grader.Request{})

	assert.Equal(t, 0.0, ev.Reward)
	assert.False(t, ev.IsError)
	assert.Equal(t, "FAIL: Still found 'OK' in health endpoint files, not changed to 'OKAY'", ev.Content)
	assert.Equal(t, []string{mlflowDir + "/mlflow/server/handlers.py"}, ev.Info["files_with_old"])
}

func TestStaticNeitherFound(t *testing.T) {
	fsys := serverTree(t, map[string]string{mlflowDir + "/mlflow/server/app.py": "pass\n"})
	check := &grader.StaticCheck{
		Searcher: inspect.NewBuiltin(fsys),
		Roots:    []string{mlflowDir},
		New:      "OKAY",
		Old:      `"OK"`,
		Messages: grader.Messages{Missing: "Could not find health endpoint response in files"},
	}
	ev := (&grader.Grader{Check: check}).Evaluate(context.Background(), grader.Request{})
	assert.Equal(t, 0.0, ev.Reward)
	assert.False(t, ev.IsError)
	assert.Equal(t, "FAIL: Could not find health endpoint response in files", ev.Content)
}

func TestStaticSearchTimeoutIsError(t *testing.T) {
	r := processtest.NewRunner().On("grep", &process.Result{ExitCode: -1}, process.ErrTimeout)
	check := &grader.StaticCheck{Searcher: inspect.NewGrep(r), Roots: []string{mlflowDir}, New: "host.*valid"}

	ev := (&grader.Grader{Check: check}).Evaluate(context.Background(), grader.Request{})
	assert.True(t, ev.IsError)
	assert.Equal(t, 0.0, ev.Reward)
	assert.Contains(t, ev.Content, "timed out")
}

// Scenario 3: every attempt dies with address-in-use.
func TestLaunchExhaustsRetries(t *testing.T) {
	starter := processtest.NewStarter(processtest.Script{
		ExitCode: 1,
		Stderr:   "[Errno 98] Address already in use",
	})
	l := launcher.New(processtest.NewRunner(), starter)
	check := &countingCheck{}
	g := &grader.Grader{
		Config:   grader.Config{CVE: "cve-2025-99999", Target: "mlflow", Service: serviceSpec()},
		Check:    check,
		Launcher: l,
	}

	ev := g.Evaluate(context.Background(), grader.Request{Restart: true})

	assert.Equal(t, 0.0, ev.Reward)
	assert.True(t, ev.IsError)
	assert.Equal(t, 3, ev.Info["retry_count"])
	assert.Equal(t, "port-in-use", ev.Info["failure_reason"])
	assert.Contains(t, ev.Content, "Address already in use")
	assert.Zero(t, check.calls, "check must not run after a failed launch")
}

// Scenarios 4 and 5: forged Host header against a live service.
func TestLiveHostProbe(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		want      float64
		wantClass string
	}{
		{"rejected", http.StatusBadRequest, 1.0, "fixed"},
		{"accepted", http.StatusOK, 0.0, "vulnerable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				mu   sync.Mutex
				host string
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				host = r.Host
				mu.Unlock()
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			starter := processtest.NewStarter(processtest.Script{Alive: true})
			sink := &recordingSink{}
			g := &grader.Grader{
				Config: grader.Config{CVE: "cve-2025-99999", Target: "mlflow", Service: serviceSpec()},
				Check: &grader.LiveCheck{
					Request:    probe.Request{URL: srv.URL + "/", Headers: map[string]string{"Host": "evil.com"}},
					Classifier: probe.StatusClassifier{Fixed: []int{400}, Vulnerable: []int{200}},
				},
				Launcher: launcher.New(processtest.NewRunner(), starter),
				Sink:     sink,
			}

			ev := g.Evaluate(context.Background(), grader.Request{Restart: true})

			assert.Equal(t, tt.want, ev.Reward)
			assert.False(t, ev.IsError)
			mu.Lock()
			assert.Equal(t, "evil.com", host)
			mu.Unlock()
			assert.Equal(t, tt.wantClass, ev.Info["classification"])
			assert.Equal(t, tt.status, ev.Info["status_code"])
			assert.Equal(t, 1, ev.Info["retry_count"])
			assert.Equal(t, []string{grader.StepLaunch, grader.StepCheck}, sink.steps())
		})
	}
}

func TestLiveUnexpectedStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := &grader.Grader{Check: &grader.LiveCheck{
		Request:    probe.Request{URL: srv.URL},
		Classifier: probe.StatusClassifier{Fixed: []int{400}, Vulnerable: []int{200}},
	}}
	ev := g.Evaluate(context.Background(), grader.Request{})
	assert.True(t, ev.IsError)
	assert.Equal(t, 0.0, ev.Reward)
	assert.Equal(t, "ambiguous", ev.Info["classification"])
}

// Scenario 6: patch apply fails before anything else runs.
func TestPatchFailureShortCircuits(t *testing.T) {
	runner := processtest.NewRunner().On("git apply", &process.Result{
		ExitCode: 1,
		Stderr:   "error: corrupt patch at line 3",
	}, nil)
	starter := processtest.NewStarter(processtest.Script{Alive: true})
	check := &countingCheck{}
	g := &grader.Grader{
		Config:   grader.Config{CVE: "cve-2025-99999", Target: "mlflow", WorkDir: mlflowDir, Service: serviceSpec()},
		Check:    check,
		Patcher:  &patch.Applier{Runner: runner, Fs: afero.NewMemMapFs()},
		Launcher: launcher.New(runner, starter),
	}

	ev := g.Evaluate(context.Background(), grader.Request{Patch: "garbage", Restart: true})

	assert.True(t, ev.IsError)
	assert.Equal(t, 0.0, ev.Reward)
	assert.Equal(t, "Failed to apply patch: error: corrupt patch at line 3", ev.Content)
	assert.Equal(t, "patch", ev.Info["failed_step"])
	assert.Empty(t, starter.Started)
	assert.Zero(t, runner.Count("pkill"))
	assert.Zero(t, check.calls)
}

func TestPatchAppliedThenChecked(t *testing.T) {
	runner := processtest.NewRunner()
	check := &countingCheck{class: probe.Fixed}
	g := &grader.Grader{
		Config:  grader.Config{CVE: "x", WorkDir: mlflowDir},
		Check:   check,
		Patcher: &patch.Applier{Runner: runner, Fs: afero.NewMemMapFs()},
	}
	ev := g.Evaluate(context.Background(), grader.Request{Patch: "--- a/x\n+++ b/x\n"})
	assert.False(t, ev.IsError)
	assert.Equal(t, 1.0, ev.Reward)
	assert.Equal(t, true, ev.Info["patch_applied"])
	assert.Equal(t, 1, check.calls)
}

func TestRestartWithoutServiceIsError(t *testing.T) {
	g := &grader.Grader{Config: grader.Config{Target: "mlflow"}, Check: &countingCheck{}}
	ev := g.Evaluate(context.Background(), grader.Request{Restart: true})
	assert.True(t, ev.IsError)
	assert.Contains(t, ev.Content, "no service is configured")
}

func TestBuildFailureStopsBeforeLaunch(t *testing.T) {
	runner := processtest.NewRunner().On("go build", &process.Result{ExitCode: 1, Stderr: "undefined: foo"}, nil)
	starter := processtest.NewStarter(processtest.Script{Alive: true})
	g := &grader.Grader{
		Config: grader.Config{
			CVE: "minio-admin-info", Target: "minio", WorkDir: "/src/minio",
			Service: serviceSpec(),
			Build:   &process.Cmd{Args: []string{"go", "build", "-o", "minio"}},
		},
		Check:    &countingCheck{},
		Launcher: launcher.New(runner, starter),
		Runner:   runner,
	}
	ev := g.Evaluate(context.Background(), grader.Request{Restart: true})
	assert.True(t, ev.IsError)
	assert.Equal(t, "Build failed: undefined: foo", ev.Content)
	assert.Equal(t, 1, ev.Info["build_returncode"])
	assert.Empty(t, starter.Started)
	assert.Equal(t, "/src/minio", runner.Calls[0].Dir)
}

func TestAlwaysRestartAndStopAfter(t *testing.T) {
	runner := processtest.NewRunner().On("pkill", &process.Result{ExitCode: 0}, nil)
	starter := processtest.NewStarter(processtest.Script{Alive: true})
	sink := &recordingSink{}
	g := &grader.Grader{
		Config: grader.Config{
			CVE: "minio-admin-info", Target: "minio",
			Service:       serviceSpec(),
			AlwaysRestart: true,
			StopAfter:     true,
		},
		Check:    &countingCheck{class: probe.Partial},
		Launcher: launcher.New(runner, starter),
		Sink:     sink,
	}

	ev := g.Evaluate(context.Background(), grader.Request{})

	assert.Equal(t, 0.5, ev.Reward)
	assert.False(t, ev.IsError)
	assert.Equal(t, []string{grader.StepLaunch, grader.StepCheck, grader.StepStop}, sink.steps())
	assert.Equal(t, 2, runner.Count("pkill -f mlflow server"))
	events, ok := ev.Info["events"].([]grader.Event)
	require.True(t, ok)
	assert.Len(t, events, 3)
}

func TestPanickingCheckBecomesError(t *testing.T) {
	g := &grader.Grader{Config: grader.Config{CVE: "x"}, Check: panicCheck{}}
	ev := g.Evaluate(context.Background(), grader.Request{})
	assert.True(t, ev.IsError)
	assert.Equal(t, 0.0, ev.Reward)
	assert.Contains(t, ev.Content, "internal error during check")
}

func TestCheckIsIdempotent(t *testing.T) {
	fsys := serverTree(t, map[string]string{mlflowDir + "/app.py": "validate host\n"})
	g := &grader.Grader{Check: &grader.StaticCheck{Searcher: inspect.NewBuiltin(fsys), Roots: []string{mlflowDir}, New: "validate"}}
	first := g.Evaluate(context.Background(), grader.Request{})
	second := g.Evaluate(context.Background(), grader.Request{})
	assert.Equal(t, first.Reward, second.Reward)
	assert.Equal(t, first.Content, second.Content)
	assert.NotEqual(t, first.ID(), second.ID())
}

type countingCheck struct {
	calls int
	class probe.Classification
}

func (c *countingCheck) Kind() string { return "counting" }

func (c *countingCheck) Check(context.Context) *grader.Observation {
	c.calls++
	class := c.class
	if class == "" {
		class = probe.Vulnerable
	}
	return &grader.Observation{Class: class, Summary: "counted"}
}

type panicCheck struct{}

func (panicCheck) Kind() string { return "panic" }

func (panicCheck) Check(context.Context) *grader.Observation { panic("boom") }
