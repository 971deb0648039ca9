package runner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/signalnine/patchgrade/internal/grader"
	"github.com/signalnine/patchgrade/internal/registry"
	"github.com/signalnine/patchgrade/internal/result"
)

type BatchOpts struct {
	Modules []*registry.Module
	Request grader.Request
	// Attempts is how many times each module is evaluated.
	Attempts int
	// Parallel bounds how many targets are evaluated at once. Modules of one
	// target always run one after another.
	Parallel int
	// RunDir receives one record per evaluation when set.
	RunDir string
	// Diff returns the target's worktree changes after an evaluation. Nil
	// skips diff capture.
	Diff func(ctx context.Context, target string) (string, error)
	// Observe is called after every evaluation.
	Observe func(rec *result.Record)
}

// GroupByTarget splits modules by target, preserving order inside a group.
// Groups are sorted by target name.
func GroupByTarget(mods []*registry.Module) [][]*registry.Module {
	byTarget := map[string][]*registry.Module{}
	var names []string
	for _, m := range mods {
		if _, ok := byTarget[m.Target]; !ok {
			names = append(names, m.Target)
		}
		byTarget[m.Target] = append(byTarget[m.Target], m)
	}
	sort.Strings(names)
	groups := make([][]*registry.Module, 0, len(names))
	for _, n := range names {
		groups = append(groups, byTarget[n])
	}
	return groups
}

// RunBatch evaluates every module and returns the records sorted by CVE and
// attempt. A patch in opts.Request is applied once per target, by the first
// evaluation of that target; later evaluations grade the patched tree.
func RunBatch(ctx context.Context, opts *BatchOpts) ([]*result.Record, []error) {
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		mu      sync.Mutex
		records []*result.Record
	)
	var jobs []Job
	for _, group := range GroupByTarget(opts.Modules) {
		jobs = append(jobs, func(ctx context.Context) error {
			req := opts.Request
			// Set once the patch was rejected: the rest of the target would
			// grade an unpatched tree.
			var patchFailed string
			var errs []error
			for _, m := range group {
				for n := 1; n <= attempts; n++ {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					var rec *result.Record
					var err error
					if patchFailed != "" {
						rec, err = skipOne(opts, m, req, n, patchFailed)
					} else {
						rec, err = evaluateOne(ctx, opts, m, req, n)
						if req.Patch != "" && !patchApplied(rec.Evaluation) {
							patchFailed = rec.CVE
						}
					}
					req.Patch = ""
					mu.Lock()
					records = append(records, rec)
					mu.Unlock()
					if err != nil {
						errs = append(errs, err)
					}
				}
			}
			if len(errs) > 0 {
				return fmt.Errorf("target %s: %v", group[0].Target, errs)
			}
			return nil
		})
	}
	errs := RunPool(ctx, opts.Parallel, jobs)
	sort.Slice(records, func(i, j int) bool {
		if records[i].CVE != records[j].CVE {
			return records[i].CVE < records[j].CVE
		}
		return records[i].Attempt < records[j].Attempt
	})
	return records, errs
}

func patchApplied(ev result.Evaluation) bool {
	applied, _ := ev.Info["patch_applied"].(bool)
	return applied
}

// skipOne records an error for a module whose target never received the
// batch patch.
func skipOne(opts *BatchOpts, m *registry.Module, req grader.Request, attempt int, failedCVE string) (*result.Record, error) {
	ev := result.Error(
		fmt.Sprintf("Patch did not apply to %s (see %s), evaluation skipped", m.Target, failedCVE),
		map[string]any{"failed_step": grader.StepPatch, "skipped": true},
	)
	rec := &result.Record{
		CVE:        m.ID,
		Target:     m.Target,
		Attempt:    attempt,
		StartedAt:  time.Now().UTC(),
		Restarted:  req.Restart,
		Evaluation: ev,
	}
	return finish(opts, m, rec, attempt)
}

func evaluateOne(ctx context.Context, opts *BatchOpts, m *registry.Module, req grader.Request, attempt int) (*result.Record, error) {
	start := time.Now()
	ev := m.Evaluate(ctx, req)
	rec := &result.Record{
		CVE:        m.ID,
		Target:     m.Target,
		Attempt:    attempt,
		StartedAt:  start.UTC(),
		DurationMS: time.Since(start).Milliseconds(),
		Patched:    req.Patch != "",
		Restarted:  req.Restart,
		Evaluation: ev,
	}
	if opts.Diff != nil {
		diff, err := opts.Diff(ctx, m.Target)
		if err != nil {
			log.Printf("warning: capturing diff for %s: %v", m.ID, err)
		}
		rec.Diff = diff
	}
	return finish(opts, m, rec, attempt)
}

func finish(opts *BatchOpts, m *registry.Module, rec *result.Record, attempt int) (*result.Record, error) {
	if opts.Observe != nil {
		opts.Observe(rec)
	}
	if opts.RunDir == "" {
		return rec, nil
	}
	if _, err := result.WriteRecord(opts.RunDir, rec); err != nil {
		return rec, fmt.Errorf("%s attempt %d: %w", m.ID, attempt, err)
	}
	return rec, nil
}
