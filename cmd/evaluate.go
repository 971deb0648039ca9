package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalnine/patchgrade/internal/config"
	"github.com/signalnine/patchgrade/internal/gitops"
	"github.com/signalnine/patchgrade/internal/grader"
	"github.com/signalnine/patchgrade/internal/process"
	"github.com/signalnine/patchgrade/internal/registry"
	"github.com/signalnine/patchgrade/internal/report"
	"github.com/signalnine/patchgrade/internal/result"
	"github.com/signalnine/patchgrade/internal/runner"
)

var (
	flagAll      bool
	flagTarget   string
	flagPatch    string
	flagRestart  bool
	flagParallel int
	flagAttempts int
	flagNoSave   bool
	flagDiff     bool
)

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate [cve...]",
		Short: "Grade the current tree, optionally after applying a patch",
		Long: `Evaluate runs the check of each selected module and prints its verdict.
CVE arguments may be glob patterns such as "mlflow-*".`,
		RunE: runEvaluate,
	}
	cmd.Flags().BoolVar(&flagAll, "all", false, "evaluate every registered module")
	cmd.Flags().StringVar(&flagTarget, "target", "", "only modules of this target")
	cmd.Flags().StringVar(&flagPatch, "patch", "", "unified diff to apply first (- for stdin)")
	cmd.Flags().BoolVar(&flagRestart, "restart", false, "rebuild and relaunch the service before checking")
	cmd.Flags().IntVar(&flagParallel, "parallel", 1, "targets evaluated concurrently")
	cmd.Flags().IntVar(&flagAttempts, "attempts", 1, "evaluations per module")
	cmd.Flags().BoolVar(&flagNoSave, "no-save", false, "do not write records to the results dir")
	cmd.Flags().BoolVar(&flagDiff, "diff", false, "store each target's worktree diff in the records")
	return cmd
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	if !flagAll && len(args) == 0 && flagTarget == "" {
		return fmt.Errorf("name at least one cve, --target or --all")
	}
	cfg, env, reg, err := setupRegistry(cmd)
	if err != nil {
		return err
	}
	var patterns []string
	if !flagAll {
		patterns = args
	}
	mods, err := filterModules(reg.List(), patterns, flagTarget)
	if err != nil {
		return err
	}
	if len(mods) == 0 {
		return fmt.Errorf("no modules match")
	}

	req := grader.Request{Restart: flagRestart}
	if flagPatch != "" {
		diff, err := readPatch(flagPatch, os.Stdin)
		if err != nil {
			return err
		}
		req.Patch = diff
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := &runner.BatchOpts{
		Modules:  mods,
		Request:  req,
		Attempts: flagAttempts,
		Parallel: flagParallel,
		Observe: func(rec *result.Record) {
			ev := rec.Evaluation
			status := "ok"
			if ev.IsError {
				status = "error"
			}
			fmt.Printf("%-24s attempt %d  reward=%.1f  %-5s  %s\n",
				rec.CVE, rec.Attempt, ev.Reward, status, ev.Content)
		},
	}
	if flagDiff {
		opts.Diff = diffFunc(cfg, env.Runner)
	}
	if !flagNoSave {
		runDir, err := result.CreateRunDir(cfg.Results.Dir)
		if err != nil {
			return err
		}
		opts.RunDir = runDir
		fmt.Printf("Run directory: %s\n", runDir)
	}

	recs, errs := runner.RunBatch(ctx, opts)
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}

	if opts.RunDir != "" && len(recs) > 0 {
		fmt.Println()
		if err := report.Generate(opts.RunDir, "table", os.Stdout); err != nil {
			return err
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d evaluation(s) could not be recorded", len(errs))
	}
	for _, r := range recs {
		if r.Evaluation.IsError {
			return errors.New("one or more evaluations could not be graded")
		}
	}
	return nil
}

// filterModules selects modules whose id matches any of patterns (all
// modules when patterns is empty) and, when target is set, belong to it.
func filterModules(mods []*registry.Module, patterns []string, target string) ([]*registry.Module, error) {
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
	}
	var out []*registry.Module
	for _, m := range mods {
		if target != "" && m.Target != target {
			continue
		}
		if len(patterns) > 0 && !matchAny(patterns, m.ID) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func matchAny(patterns []string, id string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, id); ok {
			return true
		}
	}
	return false
}

func readPatch(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading patch: %w", err)
	}
	return string(data), nil
}

func diffFunc(cfg *config.Config, r process.Runner) func(context.Context, string) (string, error) {
	return func(ctx context.Context, target string) (string, error) {
		t := cfg.Target(target)
		if t == nil {
			return "", fmt.Errorf("unknown target %q", target)
		}
		return gitops.CaptureChanges(ctx, r, t.WorkDir)
	}
}
