// Package stages runs a CVE module's unit-test stages in order and scores the
// output.
package stages

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/signalnine/patchgrade/internal/process"
)

const outputTail = 4000

type Stage struct {
	Name    string
	Command string // run with sh -c
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

type StageResult struct {
	Name       string  `json:"name"`
	Command    string  `json:"command"`
	Success    bool    `json:"success"`
	ReturnCode int     `json:"returncode"`
	Stdout     string  `json:"stdout,omitempty"`
	Stderr     string  `json:"stderr,omitempty"`
	Error      string  `json:"error,omitempty"`
	PassRate   float64 `json:"pass_rate"`
	DurationMS int64   `json:"duration_ms"`
}

type Report struct {
	Stages         []StageResult `json:"stages"`
	OverallSuccess bool          `json:"overall_success"`
	Summary        string        `json:"summary"`
	PassRate       float64       `json:"pass_rate"`
}

// Run executes stages in order and stops at the first failure. Later stages
// usually depend on earlier ones (install before test).
func Run(ctx context.Context, r process.Runner, stages []Stage) *Report {
	rep := &Report{}
	if len(stages) == 0 {
		rep.Summary = "no test stages configured"
		return rep
	}
	for _, st := range stages {
		res := runStage(ctx, r, st)
		rep.Stages = append(rep.Stages, res)
		if !res.Success {
			break
		}
	}

	passed := 0
	var rate float64
	for _, s := range rep.Stages {
		if s.Success {
			passed++
		}
		rate += s.PassRate
	}
	rep.PassRate = rate / float64(len(stages))
	rep.OverallSuccess = passed == len(stages)
	rep.Summary = fmt.Sprintf("%d/%d stages passed", passed, len(stages))
	if !rep.OverallSuccess {
		last := rep.Stages[len(rep.Stages)-1]
		rep.Summary += fmt.Sprintf("; %q failed", last.Name)
	}
	return rep
}

func runStage(ctx context.Context, r process.Runner, st Stage) StageResult {
	res := StageResult{Name: st.Name, Command: st.Command}
	start := time.Now()
	out, err := r.Run(ctx, &process.Cmd{
		Args:    []string{"sh", "-c", st.Command},
		Dir:     st.Dir,
		Env:     st.Env,
		Timeout: st.Timeout,
	})
	res.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		res.ReturnCode = -1
		res.Error = err.Error()
		if out != nil {
			res.Stdout = process.Tail(out.Stdout, outputTail)
			res.Stderr = process.Tail(out.Stderr, outputTail)
		}
		return res
	}
	res.ReturnCode = out.ExitCode
	res.Success = out.ExitCode == 0
	res.Stdout = process.Tail(out.Stdout, outputTail)
	res.Stderr = process.Tail(out.Stderr, outputTail)
	res.PassRate = ParsePassRate(out.Stdout+"\n"+out.Stderr, out.ExitCode)
	return res
}

var (
	pytestPassed = regexp.MustCompile(`(\d+) passed`)
	pytestFailed = regexp.MustCompile(`(\d+) (failed|errors?)\b`)
)

// ParsePassRate interprets test output and exit code as a pass rate in
// [0, 1]. A zero exit code is 1.0 regardless of output.
func ParsePassRate(output string, exitCode int) float64 {
	if exitCode == 0 {
		return 1.0
	}
	if strings.Contains(output, "<testsuite") {
		return parseJUnitXML(output)
	}
	for _, line := range strings.Split(output, "\n") {
		m := pytestPassed.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		passed, _ := strconv.Atoi(m[1])
		failed := 0
		for _, f := range pytestFailed.FindAllStringSubmatch(line, -1) {
			n, _ := strconv.Atoi(f[1])
			failed += n
		}
		if total := passed + failed; total > 0 {
			return float64(passed) / float64(total)
		}
	}
	return 0.0
}

func parseJUnitXML(output string) float64 {
	var tests, failures, errors int
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "<testsuite") {
			continue
		}
		tests, _ = strconv.Atoi(extractAttr(line, "tests"))
		failures, _ = strconv.Atoi(extractAttr(line, "failures"))
		errors, _ = strconv.Atoi(extractAttr(line, "errors"))
		if tests > 0 {
			passed := max(tests-failures-errors, 0)
			return float64(passed) / float64(tests)
		}
	}
	return 0.0
}

func extractAttr(line, attr string) string {
	key := " " + attr + `="`
	idx := strings.Index(line, key)
	if idx < 0 {
		return ""
	}
	start := idx + len(key)
	end := strings.Index(line[start:], `"`)
	if end < 0 {
		return ""
	}
	return line[start : start+end]
}
