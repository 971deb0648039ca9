//go:build integration

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/patchgrade/internal/config"
	"github.com/signalnine/patchgrade/internal/cves"
	"github.com/signalnine/patchgrade/internal/gitops"
	"github.com/signalnine/patchgrade/internal/grader"
	"github.com/signalnine/patchgrade/internal/registry"
	"github.com/signalnine/patchgrade/internal/result"
	"github.com/signalnine/patchgrade/internal/runner"
)

const healthFix = `diff --git a/server/handlers.py b/server/handlers.py
--- a/server/handlers.py
+++ b/server/handlers.py
@@ -1,2 +1,2 @@
 def health():
-    return "OK"
+    return "OKAY"
`

// createFixtureRepo creates a git repo with a vulnerable health handler on
// a "grading" branch.
func createFixtureRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		c := exec.Command(args[0], args[1:]...)
		c.Dir = dir
		if out, err := c.CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
	run("git", "init", "--quiet")
	run("git", "config", "user.email", "test@test.com")
	run("git", "config", "user.name", "Test")
	os.MkdirAll(filepath.Join(dir, "server"), 0o755)
	os.WriteFile(filepath.Join(dir, "server", "handlers.py"), []byte("def health():\n    return \"OK\"\n"), 0o644)
	run("git", "add", ".")
	run("git", "commit", "--quiet", "-m", "initial")
	run("git", "branch", "grading")
	return dir
}

func writeConfig(t *testing.T, workdir, results string) string {
	t.Helper()
	yaml := fmt.Sprintf(`targets:
  - name: fixture
    workdir: %s
    branch: grading
    required_dirs: [server]
results:
  dir: %s
cves:
  - id: fixture-health
    target: fixture
    title: Fixture health endpoint returns OKAY
    check:
      kind: static
      roots: [server]
      pattern: OKAY
      old_pattern: '"OK"'
      messages:
        fixed: Found OKAY
        vulnerable: Still returns OK
    tests:
      - name: compile
        command: python3 -m py_compile server/handlers.py || true
`, workdir, results)
	path := filepath.Join(t.TempDir(), "patchgrade.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPatchEvaluationIntegration(t *testing.T) {
	for _, bin := range []string{"git", "grep"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
	repo := createFixtureRepo(t)
	cfg, err := config.Load(writeConfig(t, repo, t.TempDir()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	env, err := cves.NewEnv(cfg)
	if err != nil {
		t.Fatalf("NewEnv: %v", err)
	}
	reg := registry.New()
	if err := cves.RegisterAll(reg, env); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	m, err := reg.Get("fixture-health")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	md := m.Setup(ctx)
	if md["success"] != true || md["branch"] != "grading" {
		t.Fatalf("setup: %+v", md)
	}

	before := m.Evaluate(ctx, grader.Request{})
	if before.Reward != 0 || before.IsError {
		t.Fatalf("unpatched tree: %+v", before)
	}

	runDir, err := result.CreateRunDir(cfg.Results.Dir)
	if err != nil {
		t.Fatalf("CreateRunDir: %v", err)
	}
	recs, errs := runner.RunBatch(ctx, &runner.BatchOpts{
		Modules:  []*registry.Module{m},
		Request:  grader.Request{Patch: healthFix},
		Attempts: 2,
		RunDir:   runDir,
		Diff: func(ctx context.Context, target string) (string, error) {
			return gitops.CaptureChanges(ctx, env.Runner, cfg.Target(target).WorkDir)
		},
	})
	if len(errs) > 0 {
		t.Fatalf("RunBatch: %v", errs)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	for _, r := range recs {
		if r.Evaluation.Reward != 1.0 {
			t.Errorf("attempt %d: reward %v (%s)", r.Attempt, r.Evaluation.Reward, r.Evaluation.Content)
		}
		if !strings.Contains(r.Diff, `+    return "OKAY"`) {
			t.Errorf("attempt %d: diff missing fix:\n%s", r.Attempt, r.Diff)
		}
	}
	if !recs[0].Patched || recs[1].Patched {
		t.Errorf("patched flags: %v, %v", recs[0].Patched, recs[1].Patched)
	}
	if _, err := os.Stat(result.EvaluationPath(runDir, "fixture-health", 2)); err != nil {
		t.Errorf("record not written: %v", err)
	}

	rep := m.Test(ctx)
	if !rep.OverallSuccess {
		t.Errorf("test stages: %+v", rep)
	}
}
