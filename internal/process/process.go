// Package process runs external commands, either blocking with a timeout or
// detached in the background for long-lived services.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
)

// ErrTimeout is returned (wrapped) when a blocking command exceeds Cmd.Timeout.
var ErrTimeout = errors.New("command timed out")

// stderrTailSize bounds how much of a service log Stderr returns.
const stderrTailSize = 8 * 1024

type Cmd struct {
	Args    []string
	Dir     string
	Env     map[string]string // overrides applied on top of the current environment
	Timeout time.Duration
}

// String renders the command the way a shell user would type it.
func (c *Cmd) String() string {
	return shellescape.QuoteCommand(c.Args)
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes a command to completion. A non-zero exit status is not an
// error; it is reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, cmd *Cmd) (*Result, error)
}

// Process is a handle on a command started in the background.
type Process interface {
	PID() int
	Exited() bool
	ExitCode() (code int, ok bool)
	Stderr() string
	Done() <-chan struct{}
	Kill() error
}

// Starter launches a command without waiting for it to finish.
type Starter interface {
	Start(ctx context.Context, cmd *Cmd) (Process, error)
}

// Local runs commands on the host with os/exec.
type Local struct {
	// LogDir receives one log file per started service. os.TempDir when
	// empty.
	LogDir string
}

var (
	_ Runner  = Local{}
	_ Starter = Local{}
)

func (Local) Run(ctx context.Context, c *Cmd) (*Result, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = MergeEnv(os.Environ(), c.Env)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == nil && runCtx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, fmt.Errorf("%s after %s: %w", c, c.Timeout, ErrTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("running %s: %w", c, err)
	}
	return res, nil
}

// Start launches the command detached from ctx and from the caller: the
// service gets its own process group and writes stderr to a log file under
// LogDir, so it survives the launching process. Stop it with Kill.
func (l Local) Start(_ context.Context, c *Cmd) (Process, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	dir := l.LogDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	logFile, err := os.CreateTemp(dir, filepath.Base(c.Args[0])+"-*.log")
	if err != nil {
		return nil, fmt.Errorf("creating service log: %w", err)
	}
	// The child holds its own descriptor once started.
	defer logFile.Close()

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = MergeEnv(os.Environ(), c.Env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c, err)
	}
	p := &localProcess{cmd: cmd, log: logFile.Name(), done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type localProcess struct {
	cmd  *exec.Cmd
	log  string
	done chan struct{}
}

func (p *localProcess) PID() int { return p.cmd.Process.Pid }

func (p *localProcess) Done() <-chan struct{} { return p.done }

func (p *localProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *localProcess) ExitCode() (int, bool) {
	if !p.Exited() {
		return 0, false
	}
	return p.cmd.ProcessState.ExitCode(), true
}

// Stderr returns the tail of the service log.
func (p *localProcess) Stderr() string {
	tail, err := readTail(p.log, stderrTailSize)
	if err != nil {
		return ""
	}
	return tail
}

// LogPath is the file the service writes its output to.
func (p *localProcess) LogPath() string { return p.log }

func (p *localProcess) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := killGroup(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing pid %d: %w", p.PID(), err)
	}
	<-p.done
	return nil
}

func readTail(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if off := info.Size() - n; off > 0 {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return "", err
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, n))
	return string(data), err
}

// MergeEnv returns base with overrides applied. Keys in overrides replace
// existing entries; new keys are appended in sorted order.
func MergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// Tail returns at most the last n bytes of s.
func Tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
