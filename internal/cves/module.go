package cves

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"github.com/signalnine/patchgrade/internal/config"
	"github.com/signalnine/patchgrade/internal/gitops"
	"github.com/signalnine/patchgrade/internal/grader"
	"github.com/signalnine/patchgrade/internal/launcher"
	"github.com/signalnine/patchgrade/internal/patch"
	"github.com/signalnine/patchgrade/internal/probe"
	"github.com/signalnine/patchgrade/internal/process"
	"github.com/signalnine/patchgrade/internal/registry"
	"github.com/signalnine/patchgrade/internal/result"
	"github.com/signalnine/patchgrade/internal/stages"
)

// Module builds the registry entry for one validated CVE.
func (e *Env) Module(c config.CVE) (*registry.Module, error) {
	t := e.Config.Target(c.Target)
	if t == nil {
		return nil, fmt.Errorf("cve %q: unknown target %q", c.ID, c.Target)
	}
	spec, build, err := serviceSpec(t)
	if err != nil {
		return nil, fmt.Errorf("cve %q: %w", c.ID, err)
	}

	base := grader.Config{
		CVE:           c.ID,
		Target:        t.Name,
		WorkDir:       t.WorkDir,
		Service:       spec,
		Build:         build,
		Clean:         cleanPatterns(t),
		AlwaysRestart: c.Restart,
		StopAfter:     c.StopAfter,
	}
	primary := e.grader(base, e.check(&c.Check, t))
	var live *grader.Grader
	if c.Live != nil {
		live = e.grader(base, e.check(c.Live, t))
	}

	m := &registry.Module{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		Target:      t.Name,
		Setup: func(ctx context.Context) map[string]any {
			return e.setup(ctx, t)
		},
		Evaluate: func(ctx context.Context, req grader.Request) result.Evaluation {
			if live != nil && (req.Restart || c.Restart) {
				return live.Evaluate(ctx, req)
			}
			return primary.Evaluate(ctx, req)
		},
	}
	if spec != nil {
		l := launcher.New(e.Runner, e.Starter)
		m.Restart = func(ctx context.Context) *launcher.Outcome {
			return l.Launch(ctx, *spec)
		}
	}
	if len(c.Tests) > 0 {
		list := make([]stages.Stage, 0, len(c.Tests))
		for _, ts := range c.Tests {
			list = append(list, stages.Stage{
				Name:    ts.Name,
				Command: ts.Command,
				Dir:     t.WorkDir,
				Timeout: ts.Timeout,
			})
		}
		m.Test = func(ctx context.Context) *stages.Report {
			return stages.Run(ctx, e.sandbox(), list)
		}
	}
	return m, nil
}

func (e *Env) grader(cfg grader.Config, check grader.Check) *grader.Grader {
	return &grader.Grader{
		Config:   cfg,
		Check:    check,
		Patcher:  patch.NewApplier(e.Runner),
		Launcher: launcher.New(e.Runner, e.Starter),
		Runner:   e.Runner,
		Sink:     e.Sink,
		Fs:       e.fs(),
	}
}

func cleanPatterns(t *config.Target) []string {
	if t.Service == nil {
		return nil
	}
	return t.Service.Clean
}

func (e *Env) check(ch *config.Check, t *config.Target) grader.Check {
	msgs := grader.Messages{
		Fixed:      ch.Messages.Fixed,
		Partial:    ch.Messages.Partial,
		Vulnerable: ch.Messages.Vulnerable,
		Missing:    ch.Messages.Missing,
	}
	if ch.Kind == config.KindStatic {
		roots := make([]string, 0, len(ch.Roots))
		for _, r := range ch.Roots {
			if !filepath.IsAbs(r) {
				r = filepath.Join(t.WorkDir, r)
			}
			roots = append(roots, r)
		}
		return &grader.StaticCheck{
			Searcher:   e.searcher(),
			Roots:      roots,
			New:        ch.Pattern,
			Old:        ch.OldPattern,
			IgnoreCase: ch.IgnoreCase,
			Timeout:    ch.Timeout,
			Messages:   msgs,
		}
	}

	req := probe.Request{
		Method:  ch.Method,
		URL:     strings.TrimRight(t.BaseURL, "/") + ch.Path,
		Headers: maps.Clone(ch.Headers),
		Timeout: ch.Timeout,
	}
	if ch.SigV4 != nil {
		req.SigV4 = &probe.SigV4{
			AccessKey: ch.SigV4.AccessKey,
			SecretKey: ch.SigV4.SecretKey,
			Region:    ch.SigV4.Region,
			Service:   ch.SigV4.Service,
		}
	}
	var cl probe.Classifier
	switch ch.Kind {
	case config.KindStatus:
		cl = probe.StatusClassifier{Fixed: ch.FixedStatus, Vulnerable: ch.VulnerableStatus}
	case config.KindSentinel:
		cl = probe.SentinelClassifier{Old: ch.OldSentinel, New: ch.NewSentinel}
	case config.KindJSONField:
		cl = probe.JSONFieldClassifier{Path: ch.Field, Want: ch.Want}
	}
	return &grader.LiveCheck{Prober: e.Prober, Request: req, Classifier: cl, Messages: msgs}
}

// serviceSpec resolves a target's service into a launcher spec and an
// optional build command. Both are nil when the target has no service.
func serviceSpec(t *config.Target) (*launcher.Spec, *process.Cmd, error) {
	s := t.Service
	if s == nil {
		return nil, nil, nil
	}
	env := map[string]string{}
	if s.EnvFile != "" {
		fileEnv, err := godotenv.Read(s.EnvFile)
		if err != nil {
			return nil, nil, fmt.Errorf("reading env_file: %w", err)
		}
		maps.Copy(env, fileEnv)
	}
	maps.Copy(env, s.Env)
	if len(s.PathPrepend) > 0 {
		path, ok := env["PATH"]
		if !ok {
			path = os.Getenv("PATH")
		}
		env["PATH"] = strings.Join(append(append([]string{}, s.PathPrepend...), path), string(os.PathListSeparator))
	}

	spec := &launcher.Spec{
		Command:      s.Command,
		WorkDir:      t.WorkDir,
		Env:          env,
		KillPattern:  s.KillPattern,
		MaxRetries:   s.MaxRetries,
		RetryBackoff: s.RetryBackoff,
		StartupGrace: s.StartupGrace,
		ReleaseGrace: s.ReleaseGrace,
		ReadyAddr:    s.ReadyAddr,
		ReadyTimeout: s.ReadyTimeout,
	}
	if s.PortInUse != "" {
		re, err := regexp.Compile(s.PortInUse)
		if err != nil {
			return nil, nil, fmt.Errorf("port_in_use_pattern: %w", err)
		}
		spec.PortInUse = re
	}
	var build *process.Cmd
	if len(s.Build) > 0 {
		build = &process.Cmd{Args: s.Build, Dir: t.WorkDir, Env: env, Timeout: s.BuildTimeout}
	}
	return spec, build, nil
}

// setup checks that the target tree is in place and checks out the
// configured branch. It reports problems in the returned map rather than as
// an error.
func (e *Env) setup(ctx context.Context, t *config.Target) map[string]any {
	md := map[string]any{"cwd": t.WorkDir, "target": t.Name}
	fail := func(msg string) map[string]any {
		md["success"] = false
		md["error"] = msg
		return md
	}
	fsys := e.fs()
	if ok, _ := afero.DirExists(fsys, t.WorkDir); !ok {
		return fail(fmt.Sprintf("%s directory not found: %s", t.Name, t.WorkDir))
	}
	for _, d := range t.RequiredDirs {
		p := filepath.Join(t.WorkDir, d)
		if ok, _ := afero.DirExists(fsys, p); !ok {
			return fail(fmt.Sprintf("required directory not found: %s", p))
		}
	}
	if t.Branch != "" {
		if err := gitops.Checkout(ctx, e.Runner, t.WorkDir, t.Branch); err != nil {
			return fail(err.Error())
		}
		md["branch"] = t.Branch
	}
	if head, err := gitops.Head(ctx, e.Runner, t.WorkDir); err == nil && head != "" {
		md["git_head"] = head
	}
	md["success"] = true
	return md
}
