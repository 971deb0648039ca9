package result_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalnine/patchgrade/internal/result"
)

func TestWriteAndReadRecord(t *testing.T) {
	dir := t.TempDir()
	rec := &result.Record{
		CVE:        "cve-2025-99999",
		Target:     "mlflow",
		Attempt:    1,
		StartedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		DurationMS: 5400,
		Restarted:  true,
		Evaluation: result.Verdict(1.0, "SUCCESS: Host validation code found in MLflow server files", map[string]any{
			"host_validation_found": true,
		}),
	}
	path, err := result.WriteRecord(dir, rec)
	if err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if want := filepath.Join(dir, "evaluations", "cve-2025-99999", "eval-1.json"); path != want {
		t.Errorf("path: got %q, want %q", path, want)
	}
	got, err := result.ReadRecord(path)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if got.CVE != rec.CVE {
		t.Errorf("cve: got %q, want %q", got.CVE, rec.CVE)
	}
	if got.Evaluation.Reward != 1.0 {
		t.Errorf("reward: got %f, want 1.0", got.Evaluation.Reward)
	}
	if got.Evaluation.Info["host_validation_found"] != true {
		t.Errorf("info not round-tripped: %v", got.Evaluation.Info)
	}
	if got.Evaluation.ID() == "" || got.Evaluation.ID() != rec.Evaluation.ID() {
		t.Errorf("evaluation id: got %q, want %q", got.Evaluation.ID(), rec.Evaluation.ID())
	}
}

func TestCreateRunDir(t *testing.T) {
	base := t.TempDir()
	runDir, err := result.CreateRunDir(base)
	if err != nil {
		t.Fatalf("CreateRunDir: %v", err)
	}
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		t.Errorf("run directory not created: %s", runDir)
	}
	latest := filepath.Join(base, "latest")
	target, err := os.Readlink(latest)
	if err != nil {
		t.Fatalf("reading latest symlink: %v", err)
	}
	if target != runDir {
		t.Errorf("latest symlink: got %q, want %q", target, runDir)
	}
}

func TestCreateRunDirSameInstant(t *testing.T) {
	base := t.TempDir()
	first, err := result.CreateRunDir(base)
	if err != nil {
		t.Fatalf("CreateRunDir: %v", err)
	}
	second, err := result.CreateRunDir(base)
	if err != nil {
		t.Fatalf("CreateRunDir: %v", err)
	}
	if first == second {
		t.Fatalf("two runs share %s", first)
	}
	target, err := os.Readlink(filepath.Join(base, "latest"))
	if err != nil {
		t.Fatalf("reading latest symlink: %v", err)
	}
	if target != second {
		t.Errorf("latest symlink: got %q, want %q", target, second)
	}
}

func TestEvaluationPath(t *testing.T) {
	base := t.TempDir()
	got := result.EvaluationPath(base, "minio-admin-info", 3)
	want := filepath.Join(base, "evaluations", "minio-admin-info", "eval-3.json")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
