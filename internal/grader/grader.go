// Package grader runs one evaluation of a CVE fix:
//
//	INIT -> PATCHING? -> LAUNCHING? -> PROBING -> DONE
//
// Any step may short-circuit to DONE with an error result. Evaluate never
// returns a Go error and never panics; every failure becomes a
// result.Evaluation with IsError set.
package grader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/signalnine/patchgrade/internal/launcher"
	"github.com/signalnine/patchgrade/internal/patch"
	"github.com/signalnine/patchgrade/internal/process"
	"github.com/signalnine/patchgrade/internal/result"
)

// Step names used in events.
const (
	StepPatch  = "patch"
	StepBuild  = "build"
	StepLaunch = "launch"
	StepCheck  = "check"
	StepStop   = "stop"
)

// Event records one finished step.
type Event struct {
	Step       string `json:"step"`
	Outcome    string `json:"outcome"`
	DurationMS int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}

// EventSink receives events as they happen, in addition to the copy returned
// in the evaluation metadata.
type EventSink interface {
	Observe(cve string, e Event)
}

type Patcher interface {
	Apply(ctx context.Context, diff, dir string) (*patch.Result, error)
}

type Launcher interface {
	Launch(ctx context.Context, spec launcher.Spec) *launcher.Outcome
	Stop(ctx context.Context, killPattern string) bool
}

// Config is the per-CVE snapshot a Grader works from.
type Config struct {
	CVE     string
	Target  string
	WorkDir string
	// Service is nil when the target has no launchable service.
	Service *launcher.Spec
	// Build runs before every launch; nil skips it.
	Build *process.Cmd
	// Clean lists globs, relative to WorkDir, removed before Build. Stray
	// test files left in the tree would otherwise break the build.
	Clean []string
	// AlwaysRestart restarts even when the request does not ask for it.
	AlwaysRestart bool
	// StopAfter kills the service once the check has run.
	StopAfter bool
}

type Request struct {
	Patch   string `json:"patch,omitempty"`
	Restart bool   `json:"restart,omitempty"`
}

type Grader struct {
	Config   Config
	Check    Check
	Patcher  Patcher
	Launcher Launcher
	Runner   process.Runner
	Sink     EventSink
	// Fs is where Clean removes files. The OS filesystem when nil.
	Fs afero.Fs
}

// evaluation carries the state of one Evaluate call.
type evaluation struct {
	g        *Grader
	events   []Event
	metadata map[string]any
	step     string
	launched bool
	stopped  bool
}

func (g *Grader) Evaluate(ctx context.Context, req Request) (out result.Evaluation) {
	ev := &evaluation{g: g, metadata: map[string]any{
		"cve":    g.Config.CVE,
		"target": g.Config.Target,
	}}
	defer func() {
		if r := recover(); r != nil {
			out = ev.fail(fmt.Sprintf("internal error during %s: %v", ev.step, r))
		}
	}()
	return ev.run(ctx, req)
}

func (ev *evaluation) run(ctx context.Context, req Request) result.Evaluation {
	g := ev.g
	if g.Check == nil {
		return ev.fail("no check configured for " + g.Config.CVE)
	}

	if req.Patch != "" {
		if res := ev.applyPatch(ctx, req.Patch); res != nil {
			return *res
		}
	}

	if req.Restart || g.Config.AlwaysRestart {
		if g.Config.Service == nil {
			return ev.fail("restart requested but no service is configured for " + g.Config.Target)
		}
		if g.Config.Build != nil {
			if res := ev.build(ctx); res != nil {
				return *res
			}
		}
		if res := ev.launch(ctx); res != nil {
			return *res
		}
		if g.Config.StopAfter {
			// Covers a panicking check; the normal path stops below.
			defer ev.stop()
		}
	}
	stopAfter := g.Config.StopAfter && ev.launched

	ev.step = StepCheck
	start := time.Now()
	obs := g.Check.Check(ctx)
	score, verdict := ScoreOf(obs)
	ev.emit(Event{
		Step:       StepCheck,
		Outcome:    string(obs.Class),
		DurationMS: time.Since(start).Milliseconds(),
		Detail:     g.Check.Kind(),
	})
	for k, v := range score.Metadata {
		ev.metadata[k] = v
	}
	if stopAfter {
		ev.stop()
	}
	ev.metadata["check"] = g.Check.Kind()
	ev.metadata["events"] = ev.events
	return Score{Value: score.Value, Summary: score.Summary, Metadata: ev.metadata}.Evaluation(verdict)
}

func (ev *evaluation) applyPatch(ctx context.Context, diff string) *result.Evaluation {
	g := ev.g
	ev.step = StepPatch
	start := time.Now()
	if g.Patcher == nil {
		r := ev.fail("a patch was supplied but no patcher is configured")
		return &r
	}
	res, err := g.Patcher.Apply(ctx, diff, g.Config.WorkDir)
	dur := time.Since(start).Milliseconds()
	if err != nil {
		ev.emit(Event{Step: StepPatch, Outcome: "error", DurationMS: dur, Detail: err.Error()})
		r := ev.fail("Failed to apply patch: " + err.Error())
		return &r
	}
	ev.metadata["patch_exit_code"] = res.ExitCode
	if !res.Applied {
		ev.metadata["patch_stderr"] = res.Stderr
		ev.emit(Event{Step: StepPatch, Outcome: "failed", DurationMS: dur})
		r := ev.fail("Failed to apply patch: " + res.Stderr)
		return &r
	}
	ev.emit(Event{Step: StepPatch, Outcome: "ok", DurationMS: dur})
	ev.metadata["patch_applied"] = true
	return nil
}

func (ev *evaluation) build(ctx context.Context) *result.Evaluation {
	g := ev.g
	ev.step = StepBuild
	start := time.Now()
	cmd := *g.Config.Build
	if cmd.Dir == "" {
		cmd.Dir = g.Config.WorkDir
	}
	if err := ev.clean(cmd.Dir); err != nil {
		ev.emit(Event{Step: StepBuild, Outcome: "error", DurationMS: time.Since(start).Milliseconds(), Detail: err.Error()})
		r := ev.fail("Build failed: " + err.Error())
		return &r
	}
	res, err := g.Runner.Run(ctx, &cmd)
	dur := time.Since(start).Milliseconds()
	ev.metadata["build_command"] = cmd.String()
	if err != nil {
		ev.emit(Event{Step: StepBuild, Outcome: "error", DurationMS: dur, Detail: err.Error()})
		r := ev.fail("Build failed: " + err.Error())
		return &r
	}
	ev.metadata["build_returncode"] = res.ExitCode
	if res.ExitCode != 0 {
		ev.metadata["build_stderr"] = process.Tail(strings.TrimSpace(res.Stderr), 2000)
		ev.emit(Event{Step: StepBuild, Outcome: "failed", DurationMS: dur})
		r := ev.fail("Build failed: " + process.Tail(strings.TrimSpace(res.Stderr), 500))
		return &r
	}
	ev.emit(Event{Step: StepBuild, Outcome: "ok", DurationMS: dur})
	return nil
}

func (ev *evaluation) clean(dir string) error {
	if len(ev.g.Config.Clean) == 0 {
		return nil
	}
	fsys := ev.g.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	var removed []string
	for _, pattern := range ev.g.Config.Clean {
		matches, err := afero.Glob(fsys, filepath.Join(dir, pattern))
		if err != nil {
			return fmt.Errorf("clean %q: %w", pattern, err)
		}
		for _, m := range matches {
			if err := fsys.Remove(m); err != nil {
				return fmt.Errorf("removing %s: %w", m, err)
			}
			removed = append(removed, m)
		}
	}
	if len(removed) > 0 {
		ev.metadata["build_cleaned"] = removed
	}
	return nil
}

func (ev *evaluation) launch(ctx context.Context) *result.Evaluation {
	g := ev.g
	ev.step = StepLaunch
	spec := *g.Config.Service
	out := g.Launcher.Launch(ctx, spec)
	ev.metadata["retry_count"] = out.RetryCount
	e := Event{Step: StepLaunch, DurationMS: out.Duration.Milliseconds(), Attempts: out.RetryCount}
	if out.Success {
		ev.launched = true
		ev.metadata["pid"] = out.PID
		e.Outcome = "ok"
		ev.emit(e)
		return nil
	}

	e.Outcome = "failed"
	detail := "service did not start"
	if a := out.LastAttempt; a != nil {
		ev.metadata["last_attempt"] = a
		ev.metadata["failure_reason"] = string(a.Reason)
		e.Detail = string(a.Reason)
		switch {
		case a.StderrTail != "":
			detail = strings.TrimSpace(a.StderrTail)
		case a.Error != "":
			detail = a.Error
		}
	}
	ev.emit(e)
	r := ev.fail(fmt.Sprintf("Failed to restart %s service: %s", g.Config.Target, detail))
	return &r
}

// stop kills the service once. It uses a fresh context so a canceled
// evaluation still cleans up.
func (ev *evaluation) stop() {
	if ev.stopped {
		return
	}
	ev.stopped = true
	g := ev.g
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	killed := g.Launcher.Stop(ctx, g.Config.Service.KillPattern)
	outcome := "ok"
	if !killed {
		outcome = "not-running"
	}
	ev.emit(Event{Step: StepStop, Outcome: outcome, DurationMS: time.Since(start).Milliseconds()})
}

func (ev *evaluation) emit(e Event) {
	ev.events = append(ev.events, e)
	if ev.g.Sink != nil {
		ev.g.Sink.Observe(ev.g.Config.CVE, e)
	}
}

func (ev *evaluation) fail(msg string) result.Evaluation {
	ev.metadata["failed_step"] = ev.step
	ev.metadata["events"] = ev.events
	return result.Error(msg, ev.metadata)
}
