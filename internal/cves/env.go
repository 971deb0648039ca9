// Package cves turns configuration into registry modules. Providers is the
// fixed list of module sources; RegisterAll walks it once at startup.
package cves

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/signalnine/patchgrade/internal/config"
	"github.com/signalnine/patchgrade/internal/docker"
	"github.com/signalnine/patchgrade/internal/grader"
	"github.com/signalnine/patchgrade/internal/inspect"
	"github.com/signalnine/patchgrade/internal/probe"
	"github.com/signalnine/patchgrade/internal/process"
	"github.com/signalnine/patchgrade/internal/registry"
)

// Env holds the collaborators modules are built from. Zero fields fall back
// to host execution.
type Env struct {
	Config *config.Config

	// Runner executes host commands: pkill, git, builds.
	Runner  process.Runner
	Starter process.Starter
	// Sandbox executes searches and test stages. Runner when nil.
	Sandbox process.Runner
	// Searcher overrides the grep engine for static checks.
	Searcher inspect.Searcher
	Prober   *probe.Prober
	Sink     grader.EventSink
	Fs       afero.Fs
}

// NewEnv builds the host environment for cfg, with a container sandbox when
// cfg.Sandbox.Image is set.
func NewEnv(cfg *config.Config) (*Env, error) {
	env := &Env{
		Config:  cfg,
		Runner:  process.Local{},
		Starter: process.Local{LogDir: filepath.Join(cfg.Results.Dir, "services")},
		Prober:  probe.New(),
		Fs:      afero.NewOsFs(),
	}
	if cfg.Sandbox.Image != "" {
		mounts := make([]docker.Mount, 0, len(cfg.Sandbox.Mounts))
		for _, spec := range cfg.Sandbox.Mounts {
			m, err := docker.ParseMount(spec)
			if err != nil {
				return nil, fmt.Errorf("sandbox: %w", err)
			}
			mounts = append(mounts, m)
		}
		env.Sandbox = docker.NewSandbox(cfg.Sandbox.Image, mounts, cfg.Sandbox.Timeout)
	}
	return env, nil
}

func (e *Env) sandbox() process.Runner {
	if e.Sandbox != nil {
		return e.Sandbox
	}
	return e.Runner
}

func (e *Env) searcher() inspect.Searcher {
	if e.Searcher != nil {
		return e.Searcher
	}
	return inspect.NewGrep(e.sandbox())
}

func (e *Env) fs() afero.Fs {
	if e.Fs != nil {
		return e.Fs
	}
	return afero.NewOsFs()
}

// Provider is one source of modules.
type Provider struct {
	Name     string
	Register func(r *registry.Registry, env *Env) error
}

// Providers is every module source, in registration order.
var Providers = []Provider{
	{Name: "mlflow-host-validation", Register: builtin(mlflowHostValidation)},
	{Name: "mlflow-health", Register: builtin(mlflowHealth)},
	{Name: "minio-admin-info", Register: builtin(minioAdminInfo)},
	{Name: "declared", Register: registerDeclared},
}

func RegisterAll(r *registry.Registry, env *Env) error {
	for _, p := range Providers {
		if err := p.Register(r, env); err != nil {
			return fmt.Errorf("provider %s: %w", p.Name, err)
		}
	}
	return nil
}

// builtin registers a reference module unless the config declares a CVE
// with the same id, in which case the declared one wins.
func builtin(def func() config.CVE) func(*registry.Registry, *Env) error {
	return func(r *registry.Registry, env *Env) error {
		c := def()
		for _, declared := range env.Config.CVEs {
			if declared.ID == c.ID {
				return nil
			}
		}
		if err := env.Config.CheckCVE(&c); err != nil {
			return err
		}
		m, err := env.Module(c)
		if err != nil {
			return err
		}
		return r.Register(m)
	}
}

func registerDeclared(r *registry.Registry, env *Env) error {
	for _, c := range env.Config.CVEs {
		m, err := env.Module(c)
		if err != nil {
			return err
		}
		if err := r.Register(m); err != nil {
			return err
		}
	}
	return nil
}
