package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// CreateRunDir makes a fresh directory under baseDir/runs and points
// baseDir/latest at it. Runs started in the same instant still get distinct
// directories.
func CreateRunDir(baseDir string) (string, error) {
	runsDir, err := filepath.Abs(filepath.Join(baseDir, "runs"))
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05.000")
	runDir := filepath.Join(runsDir, stamp+"-"+uuid.NewString()[:8])
	// Mkdir, not MkdirAll: an existing directory must be an error.
	if err := os.Mkdir(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, nil
}

func EvaluationPath(runDir, cve string, attempt int) string {
	return filepath.Join(runDir, "evaluations", cve, fmt.Sprintf("eval-%d.json", attempt))
}

func WriteRecord(runDir string, rec *Record) (string, error) {
	path := EvaluationPath(runDir, rec.CVE, rec.Attempt)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating evaluation dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing record: %w", err)
	}
	return path, nil
}

func ReadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing record: %w", err)
	}
	return &rec, nil
}
