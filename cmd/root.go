package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/patchgrade/internal/config"
	"github.com/signalnine/patchgrade/internal/cves"
	"github.com/signalnine/patchgrade/internal/grader"
	"github.com/signalnine/patchgrade/internal/registry"
)

var (
	cfgFile string
	version = "dev"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "patchgrade",
		Short:         "Grade fixes for known vulnerabilities in MLflow, MinIO and other services",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "patchgrade.yaml", "config file path")
	root.AddCommand(newListCmd())
	root.AddCommand(newSetupCmd())
	root.AddCommand(newRestartCmd())
	root.AddCommand(newEvaluateCmd())
	root.AddCommand(newTestCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newReportCmd())
	return root
}

// loadConfig reads --config. A missing file at the default path falls back
// to the built-in targets and modules.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err == nil {
		return cfg, nil
	}
	if f := cmd.Flag("config"); errors.Is(err, fs.ErrNotExist) && (f == nil || !f.Changed) {
		log.Printf("no %s found, using built-in modules", cfgFile)
		return config.Default(), nil
	}
	return nil, err
}

// setupRegistry loads the config and registers every module.
func setupRegistry(cmd *cobra.Command) (*config.Config, *cves.Env, *registry.Registry, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	env, reg, err := buildRegistry(cfg, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, env, reg, nil
}

// buildRegistry registers every module of cfg. Grading steps are reported
// to sink when it is non-nil.
func buildRegistry(cfg *config.Config, sink grader.EventSink) (*cves.Env, *registry.Registry, error) {
	env, err := cves.NewEnv(cfg)
	if err != nil {
		return nil, nil, err
	}
	env.Sink = sink
	reg := registry.New()
	if err := cves.RegisterAll(reg, env); err != nil {
		return nil, nil, fmt.Errorf("registering modules: %w", err)
	}
	return env, reg, nil
}

func getModule(reg *registry.Registry, id string) (*registry.Module, error) {
	m, err := reg.Get(id)
	if err != nil {
		fmt.Fprintln(os.Stderr, "available modules:")
		for _, m := range reg.List() {
			fmt.Fprintf(os.Stderr, "  - %s\n", m.ID)
		}
		return nil, err
	}
	return m, nil
}
