package stages_test

import (
	"context"
	"math"
	"testing"

	"github.com/signalnine/patchgrade/internal/process"
	"github.com/signalnine/patchgrade/internal/process/processtest"
	"github.com/signalnine/patchgrade/internal/stages"
)

func TestParsePassRate(t *testing.T) {
	tests := []struct {
		name   string
		output string
		exit   int
		want   float64
	}{
		{"exit zero", "", 0, 1.0},
		{"no output", "", 1, 0.0},
		{"pytest summary", "===== 8 passed, 2 failed in 1.23s =====", 1, 0.8},
		{"pytest with errors", "= 3 failed, 6 passed, 1 error in 2.00s =", 1, 0.6},
		{"junit", `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="tests" tests="10" failures="2" errors="1" time="1.234">
</testsuite>`, 1, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stages.ParsePassRate(tt.output, tt.exit)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	r := processtest.NewRunner().
		On("sh -c pip install -e .", &process.Result{Stdout: "Successfully installed mlflow"}, nil).
		On("sh -c pytest tests/server", &process.Result{ExitCode: 1, Stdout: "== 4 passed, 1 failed =="}, nil)

	rep := stages.Run(context.Background(), r, []stages.Stage{
		{Name: "install", Command: "pip install -e ."},
		{Name: "server tests", Command: "pytest tests/server"},
		{Name: "lint", Command: "ruff check mlflow/server"},
	})

	if rep.OverallSuccess {
		t.Error("expected overall failure")
	}
	if len(rep.Stages) != 2 {
		t.Fatalf("expected 2 stages run, got %d", len(rep.Stages))
	}
	if r.Count("sh -c ruff") != 0 {
		t.Error("lint stage should not run after a failure")
	}
	if got := rep.Stages[1].PassRate; math.Abs(got-0.8) > 0.001 {
		t.Errorf("stage pass rate: got %f, want 0.8", got)
	}
	if rep.Summary != `1/3 stages passed; "server tests" failed` {
		t.Errorf("summary: got %q", rep.Summary)
	}
}

func TestRunAllPass(t *testing.T) {
	rep := stages.Run(context.Background(), processtest.NewRunner(), []stages.Stage{
		{Name: "a", Command: "true"},
		{Name: "b", Command: "true"},
	})
	if !rep.OverallSuccess || rep.PassRate != 1.0 {
		t.Errorf("got %+v", rep)
	}
	if rep.Summary != "2/2 stages passed" {
		t.Errorf("summary: got %q", rep.Summary)
	}
}

func TestRunTimeoutRecordsError(t *testing.T) {
	r := processtest.NewRunner().On("sh -c sleep", &process.Result{ExitCode: -1, Stdout: "partial"}, process.ErrTimeout)
	rep := stages.Run(context.Background(), r, []stages.Stage{{Name: "slow", Command: "sleep 100"}})
	st := rep.Stages[0]
	if st.Success || st.ReturnCode != -1 || st.Error == "" {
		t.Errorf("got %+v", st)
	}
	if st.Stdout != "partial" {
		t.Errorf("stdout: got %q", st.Stdout)
	}
}

func TestRunNoStages(t *testing.T) {
	rep := stages.Run(context.Background(), processtest.NewRunner(), nil)
	if rep.OverallSuccess {
		t.Error("no stages should not count as success")
	}
}
