// Package launcher restarts a target service: it kills any running instance,
// starts a fresh one in the background and retries only when the new
// instance died because its port was still bound.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/signalnine/patchgrade/internal/process"
)

// FailureReason classifies why a launch attempt died.
type FailureReason string

const (
	ReasonPortInUse FailureReason = "port-in-use"
	ReasonCrash     FailureReason = "crash"
	ReasonUnknown   FailureReason = "unknown"
)

// DefaultPortInUse matches the usual "address already in use" diagnostics of
// Python, Go and Node servers.
var DefaultPortInUse = regexp.MustCompile(`(?i)address already in use|EADDRINUSE|port \d+ is (already )?in use`)

// stderrTail is how much of a dead instance's stderr is kept on an Attempt.
const stderrTail = 2000

// killTimeout bounds the best-effort pkill.
const killTimeout = 10 * time.Second

// Spec describes how to (re)start one service.
type Spec struct {
	Command      []string
	WorkDir      string
	Env          map[string]string
	KillPattern  string // passed to pkill -f; empty skips the kill step
	MaxRetries   int
	RetryBackoff time.Duration
	StartupGrace time.Duration
	ReleaseGrace time.Duration // wait after killing so the OS releases the port
	ReadyAddr    string        // optional host:port that must accept connections
	ReadyTimeout time.Duration
	PortInUse    *regexp.Regexp
}

// Attempt is one try at starting the service.
type Attempt struct {
	Index      int           `json:"index"`
	PID        int           `json:"pid,omitempty"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Reason     FailureReason `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Outcome is the launcher's verdict. Process is set only on success.
type Outcome struct {
	Success     bool          `json:"success"`
	PID         int           `json:"pid,omitempty"`
	RetryCount  int           `json:"retry_count"`
	LastAttempt *Attempt      `json:"last_attempt,omitempty"`
	Killed      bool          `json:"killed_previous"`
	Duration    time.Duration `json:"-"`

	Process process.Process `json:"-"`
}

// Launcher restarts services. Sleep is swappable for tests.
type Launcher struct {
	Runner  process.Runner
	Starter process.Starter
	Sleep   func(ctx context.Context, d time.Duration) error
}

func New(r process.Runner, s process.Starter) *Launcher {
	return &Launcher{Runner: r, Starter: s, Sleep: sleepCtx}
}

var errPortInUse = errors.New("port in use")

// Launch kills the previous instance and starts a new one. It never blocks
// longer than the sum of its configured waits.
func (l *Launcher) Launch(ctx context.Context, spec Spec) *Outcome {
	start := time.Now()
	out := &Outcome{}
	defer func() { out.Duration = time.Since(start) }()

	if len(spec.Command) == 0 {
		out.LastAttempt = &Attempt{Reason: ReasonUnknown, Error: "no service command configured"}
		return out
	}
	maxRetries := spec.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	pattern := spec.PortInUse
	if pattern == nil {
		pattern = DefaultPortInUse
	}

	out.Killed = l.killExisting(ctx, spec.KillPattern)
	if err := l.sleep(ctx, spec.ReleaseGrace); err != nil {
		out.LastAttempt = &Attempt{Reason: ReasonUnknown, Error: err.Error()}
		return out
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(spec.RetryBackoff), uint64(maxRetries-1)),
		ctx,
	)
	op := func() error {
		out.RetryCount++
		attempt, proc := l.attempt(ctx, spec, out.RetryCount, pattern)
		if proc != nil {
			out.Success = true
			out.PID = proc.PID()
			out.Process = proc
			out.LastAttempt = nil
			return nil
		}
		out.LastAttempt = attempt
		if attempt.Reason == ReasonPortInUse {
			return errPortInUse
		}
		return backoff.Permanent(fmt.Errorf("launch attempt %d: %s", attempt.Index, attempt.Reason))
	}
	_ = backoff.Retry(op, policy)
	return out
}

func (l *Launcher) attempt(ctx context.Context, spec Spec, index int, portInUse *regexp.Regexp) (*Attempt, process.Process) {
	a := &Attempt{Index: index}
	proc, err := l.Starter.Start(ctx, &process.Cmd{
		Args: spec.Command,
		Dir:  spec.WorkDir,
		Env:  spec.Env,
	})
	if err != nil {
		a.Reason = ReasonCrash
		a.Error = err.Error()
		return a, nil
	}
	a.PID = proc.PID()

	if err := l.sleep(ctx, spec.StartupGrace); err != nil {
		proc.Kill()
		a.Reason = ReasonUnknown
		a.Error = err.Error()
		return a, nil
	}

	if proc.Exited() {
		if code, ok := proc.ExitCode(); ok {
			a.ExitCode = &code
		}
		a.StderrTail = process.Tail(proc.Stderr(), stderrTail)
		a.Reason = ClassifyFailure(proc.Stderr(), portInUse)
		return a, nil
	}

	if spec.ReadyAddr != "" {
		if err := waitForPort(ctx, spec.ReadyAddr, spec.ReadyTimeout, proc); err != nil {
			proc.Kill()
			a.StderrTail = process.Tail(proc.Stderr(), stderrTail)
			a.Reason = ReasonUnknown
			a.Error = err.Error()
			return a, nil
		}
	}
	return a, proc
}

// ClassifyFailure maps the stderr of a dead instance to a FailureReason.
func ClassifyFailure(stderr string, portInUse *regexp.Regexp) FailureReason {
	if portInUse == nil {
		portInUse = DefaultPortInUse
	}
	if portInUse.MatchString(stderr) {
		return ReasonPortInUse
	}
	return ReasonCrash
}

// Stop kills all instances matching the pattern.
func (l *Launcher) Stop(ctx context.Context, killPattern string) bool {
	return l.killExisting(ctx, killPattern)
}

// killExisting runs pkill -f. Exit status 1 means nothing matched, which is
// not an error. Reports whether something was killed.
func (l *Launcher) killExisting(ctx context.Context, pattern string) bool {
	if pattern == "" {
		return false
	}
	res, err := l.Runner.Run(ctx, &process.Cmd{
		Args:    []string{"pkill", "-f", pattern},
		Timeout: killTimeout,
	})
	if err != nil {
		return false
	}
	return res.ExitCode == 0
}

func (l *Launcher) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if l.Sleep == nil {
		return sleepCtx(ctx, d)
	}
	return l.Sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForPort polls addr until it accepts a TCP connection, the process
// dies, or timeout elapses.
func waitForPort(ctx context.Context, addr string, timeout time.Duration, proc process.Process) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if proc.Exited() {
			return fmt.Errorf("process exited before %s was ready", addr)
		}
		if err := sleepCtx(ctx, 250*time.Millisecond); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s not ready after %s", addr, timeout)
}
