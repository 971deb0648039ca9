// Package processtest provides scripted process.Runner and process.Starter
// doubles for tests that must not spawn real commands.
package processtest

import (
	"context"
	"strings"
	"sync"

	"github.com/signalnine/patchgrade/internal/process"
)

// Response is what the Runner returns for a matching command.
type Response struct {
	Result *process.Result
	Err    error
}

// Runner answers Run calls from a table keyed by command prefix. The longest
// matching prefix wins. Unmatched commands return exit code 0 and no output.
type Runner struct {
	mu        sync.Mutex
	responses map[string]Response
	Calls     []*process.Cmd
}

func NewRunner() *Runner {
	return &Runner{responses: map[string]Response{}}
}

// On registers a response for commands whose rendered form starts with prefix.
func (r *Runner) On(prefix string, res *process.Result, err error) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[prefix] = Response{Result: res, Err: err}
	return r
}

func (r *Runner) Run(_ context.Context, cmd *process.Cmd) (*process.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, cmd)
	line := strings.Join(cmd.Args, " ")
	best := ""
	var resp *Response
	for prefix, candidate := range r.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) >= len(best) {
			c := candidate
			best, resp = prefix, &c
		}
	}
	if resp == nil {
		return &process.Result{}, nil
	}
	if resp.Err != nil {
		return resp.Result, resp.Err
	}
	out := *resp.Result
	return &out, nil
}

// Count returns how many recorded calls start with prefix.
func (r *Runner) Count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.Calls {
		if strings.HasPrefix(strings.Join(c.Args, " "), prefix) {
			n++
		}
	}
	return n
}

// Script describes how one started process behaves.
type Script struct {
	Alive    bool // still running when polled
	ExitCode int
	Stderr   string
	StartErr error
}

// Starter hands out Processes following Scripts in order. Once the scripts
// run out the last one is repeated.
type Starter struct {
	mu      sync.Mutex
	scripts []Script
	nextPID int
	Started []*Process
}

func NewStarter(scripts ...Script) *Starter {
	return &Starter{scripts: scripts, nextPID: 1000}
}

func (s *Starter) Start(_ context.Context, cmd *process.Cmd) (process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.Started)
	if idx >= len(s.scripts) {
		idx = len(s.scripts) - 1
	}
	sc := s.scripts[idx]
	if sc.StartErr != nil {
		s.Started = append(s.Started, nil)
		return nil, sc.StartErr
	}
	s.nextPID++
	p := &Process{pid: s.nextPID, script: sc, cmd: cmd, done: make(chan struct{})}
	if !sc.Alive {
		close(p.done)
	}
	s.Started = append(s.Started, p)
	return p, nil
}

// Process is a fake background process.
type Process struct {
	mu     sync.Mutex
	pid    int
	script Script
	cmd    *process.Cmd
	done   chan struct{}
	killed bool
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Cmd() *process.Cmd { return p.cmd }

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) ExitCode() (int, bool) {
	if !p.Exited() {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return -1, true
	}
	return p.script.ExitCode, true
}

func (p *Process) Stderr() string { return p.script.Stderr }

func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.killed && p.script.Alive {
		p.killed = true
		close(p.done)
	}
	return nil
}

// Killed reports whether Kill stopped a running process.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}
