// Package docker runs one-shot commands in a throwaway container. Sandbox
// adapts it to process.Runner so searches and test stages can execute
// inside the target's image instead of on the host.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"

	"github.com/signalnine/patchgrade/internal/process"
)

type RunOpts struct {
	Image   string
	Command []string
	WorkDir string
	Env     map[string]string
	Timeout time.Duration
	Mounts  []Mount
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type RunResult struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Stdout   string
	Stderr   string
}

// ParseMount reads "host:container[:ro]".
func ParseMount(spec string) (Mount, error) {
	parts := strings.Split(spec, ":")
	switch {
	case len(parts) == 2:
		return Mount{Source: parts[0], Target: parts[1]}, nil
	case len(parts) == 3 && parts[2] == "ro":
		return Mount{Source: parts[0], Target: parts[1], ReadOnly: true}, nil
	}
	return Mount{}, fmt.Errorf("invalid mount %q: want host:container[:ro]", spec)
}

func RunContainer(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	envSlice := make([]string, 0, len(keys))
	for _, k := range keys {
		envSlice = append(envSlice, k+"="+opts.Env[k])
	}

	mounts := make([]mount.Mount, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Init:   &initTrue,
	}
	containerCfg := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        envSlice,
		WorkingDir: opts.WorkDir,
		Labels:     map[string]string{"patchgrade": "true"},
	}

	createResp, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	containerID := createResp.ID
	defer func() {
		cli.ContainerRemove(context.Background(), containerID, client.ContainerRemoveOptions{Force: true})
	}()

	start := time.Now()
	if _, err := cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	waitResult := cli.ContainerWait(timeoutCtx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	res := &RunResult{}
	for {
		select {
		case err := <-waitResult.Error:
			if err == nil {
				continue
			}
			cli.ContainerKill(context.Background(), containerID, client.ContainerKillOptions{Signal: "SIGKILL"})
			res.ExitCode = 124
			res.TimedOut = true
		case status := <-waitResult.Result:
			res.ExitCode = int(status.StatusCode)
		}
		break
	}
	res.Duration = time.Since(start)

	logs, err := cli.ContainerLogs(context.Background(), containerID, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return res, nil
	}
	defer logs.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return res, fmt.Errorf("reading container logs: %w", err)
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}

// Sandbox is a process.Runner backed by containers of one image.
type Sandbox struct {
	Image   string
	Mounts  []Mount
	Timeout time.Duration // used when a Cmd has none
	run     func(context.Context, *RunOpts) (*RunResult, error)
}

var _ process.Runner = (*Sandbox)(nil)

func NewSandbox(image string, mounts []Mount, timeout time.Duration) *Sandbox {
	return &Sandbox{Image: image, Mounts: mounts, Timeout: timeout, run: RunContainer}
}

func (s *Sandbox) Run(ctx context.Context, c *process.Cmd) (*process.Result, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = s.Timeout
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	run := s.run
	if run == nil {
		run = RunContainer
	}
	res, err := run(ctx, &RunOpts{
		Image:   s.Image,
		Command: c.Args,
		WorkDir: c.Dir,
		Env:     c.Env,
		Timeout: timeout,
		Mounts:  s.Mounts,
	})
	if err != nil {
		return nil, fmt.Errorf("running %s in %s: %w", c, s.Image, err)
	}
	out := &process.Result{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
	}
	if res.TimedOut {
		out.ExitCode = -1
		return out, fmt.Errorf("%s in %s after %s: %w", c, s.Image, timeout, process.ErrTimeout)
	}
	return out, nil
}
