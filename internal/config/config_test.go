package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/patchgrade/internal/config"
)

func TestLoadMinimal(t *testing.T) {
	cfg, err := config.Load("../../testdata/minimal.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.CVEs) != 1 {
		t.Fatalf("expected 1 cve, got %d", len(cfg.CVEs))
	}
	c := cfg.CVEs[0]
	if c.Check.Kind != config.KindStatic {
		t.Errorf("kind: got %q", c.Check.Kind)
	}
	if len(c.Check.Roots) != 1 || c.Check.Roots[0] != "." {
		t.Errorf("default roots: got %v", c.Check.Roots)
	}
	if c.Check.Timeout != 10*time.Second {
		t.Errorf("default static timeout: got %s", c.Check.Timeout)
	}
	mlflow := cfg.Target("mlflow")
	if mlflow == nil || mlflow.Service == nil {
		t.Fatal("expected built-in mlflow target")
	}
	if mlflow.Service.KillPattern != "mlflow server" {
		t.Errorf("kill pattern: got %q", mlflow.Service.KillPattern)
	}
	if cfg.Target("minio") == nil {
		t.Error("expected built-in minio target")
	}
	if cfg.Results.Dir != "results" {
		t.Errorf("results dir: got %q", cfg.Results.Dir)
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := config.Load("../../testdata/full.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	mlflow := cfg.Target("mlflow")
	if mlflow == nil {
		t.Fatal("mlflow target missing")
	}
	s := mlflow.Service
	if s.MaxRetries != 5 || s.RetryBackoff != time.Second || s.StartupGrace != 4*time.Second {
		t.Errorf("service timings not parsed: %+v", s)
	}
	if s.ReadyTimeout != 30*time.Second {
		t.Errorf("default ready timeout: got %s", s.ReadyTimeout)
	}
	if !filepath.IsAbs(s.EnvFile) || !strings.HasSuffix(s.EnvFile, filepath.Join("testdata", "mlflow.env")) {
		t.Errorf("env_file not resolved against config dir: %q", s.EnvFile)
	}
	if mlflow.Branch != "cve-2025-99999" {
		t.Errorf("branch: got %q", mlflow.Branch)
	}

	flask := cfg.Target("flask-app")
	if flask == nil || flask.Service.MaxRetries != 3 {
		t.Errorf("flask-app defaults not applied: %+v", flask)
	}
	if len(cfg.CVEs) != 3 {
		t.Fatalf("expected 3 cves, got %d", len(cfg.CVEs))
	}
	host := cfg.CVEs[0]
	if host.Check.Headers["Host"] != "evil.com" {
		t.Errorf("headers: got %v", host.Check.Headers)
	}
	if host.Check.Method != "GET" {
		t.Errorf("default method: got %q", host.Check.Method)
	}
	if len(host.Tests) != 1 || host.Tests[0].Timeout != 5*time.Minute {
		t.Errorf("tests: got %+v", host.Tests)
	}
	if cfg.Sandbox.Image != "python:3.11-slim" {
		t.Errorf("sandbox image: got %q", cfg.Sandbox.Image)
	}
	if cfg.Metrics.Addr != ":9464" {
		t.Errorf("metrics addr: got %q", cfg.Metrics.Addr)
	}
	if cfg.Results.Dir != "out" {
		t.Errorf("results dir: got %q", cfg.Results.Dir)
	}
	// Built-in minio is still appended.
	if cfg.Target("minio") == nil {
		t.Error("expected built-in minio target")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := config.Load("nonexistent.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalid(t *testing.T) {
	_, err := config.Load("../../testdata/invalid.yaml")
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown target", `
cves:
  - id: a
    target: nope
    check: {kind: static, pattern: x}
`, "unknown target"},
		{"duplicate cve", `
cves:
  - {id: a, target: mlflow, check: {kind: static, pattern: x}}
  - {id: a, target: mlflow, check: {kind: static, pattern: y}}
`, "defined twice"},
		{"missing kind", `
cves:
  - {id: a, target: mlflow}
`, "kind is required"},
		{"bad kind", `
cves:
  - {id: a, target: mlflow, check: {kind: fuzz}}
`, "unknown check kind"},
		{"bad pattern", `
cves:
  - {id: a, target: mlflow, check: {kind: static, pattern: "("}}
`, "pattern"},
		{"overlapping status", `
cves:
  - {id: a, target: mlflow, check: {kind: status, fixed_status: [200], vulnerable_status: [200]}}
`, "both fixed and vulnerable"},
		{"sentinel without old", `
cves:
  - {id: a, target: mlflow, check: {kind: sentinel, new_sentinel: OKAY}}
`, "old_sentinel"},
		{"restart without service", `
targets:
  - {name: static-only, workdir: /src}
cves:
  - {id: a, target: static-only, restart: true, check: {kind: static, pattern: x}}
`, "needs a service"},
		{"live without base url", `
targets:
  - {name: static-only, workdir: /src}
cves:
  - {id: a, target: static-only, check: {kind: status, fixed_status: [400], vulnerable_status: [200]}}
`, "base_url"},
		{"static live check", `
cves:
  - {id: a, target: mlflow, check: {kind: static, pattern: x}, live: {kind: static, pattern: y}}
`, "cannot be static"},
		{"live without service", `
targets:
  - {name: static-only, workdir: /src, base_url: "http://localhost:1"}
cves:
  - {id: a, target: static-only, check: {kind: static, pattern: x}, live: {kind: status, fixed_status: [400], vulnerable_status: [200]}}
`, "live check needs a service"},
		{"service without command", `
targets:
  - {name: x, workdir: /src, service: {kill_pattern: x}}
`, "command is required"},
		{"clean outside workdir", `
targets:
  - {name: x, workdir: /src, service: {command: [./x], clean: ["../*.go"]}}
`, "must stay inside the workdir"},
		{"bad clean pattern", `
targets:
  - {name: x, workdir: /src, service: {command: [./x], clean: ["["]}}
`, "clean pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "patchgrade.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := config.Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestCheckCVEAppliesDefaults(t *testing.T) {
	cfg := config.Default()
	c := config.CVE{
		ID:     "mlflow-health",
		Target: "mlflow",
		Check:  config.Check{Kind: config.KindStatic, Pattern: "OKAY"},
		Live:   &config.Check{Kind: config.KindSentinel, Path: "/health", OldSentinel: "OK", NewSentinel: "OKAY"},
	}
	if err := cfg.CheckCVE(&c); err != nil {
		t.Fatalf("CheckCVE: %v", err)
	}
	if c.Live.Method != "GET" || c.Live.Timeout != 5*time.Second {
		t.Errorf("live defaults not applied: %+v", c.Live)
	}
	if c.Check.Timeout != 10*time.Second {
		t.Errorf("static default timeout: got %s", c.Check.Timeout)
	}
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	minio := cfg.Target("minio")
	if minio == nil || minio.Service == nil {
		t.Fatal("expected built-in minio target")
	}
	if minio.Service.BuildTimeout != 60*time.Second {
		t.Errorf("build timeout: got %s", minio.Service.BuildTimeout)
	}
	if len(minio.Service.Clean) != 1 || minio.Service.Clean[0] != "test_*.go" {
		t.Errorf("minio clean: got %v", minio.Service.Clean)
	}
	if len(cfg.CVEs) != 0 {
		t.Errorf("default config declares cves: %v", cfg.CVEs)
	}
}
