package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Check kinds.
const (
	KindStatic    = "static"
	KindStatus    = "status"
	KindSentinel  = "sentinel"
	KindJSONField = "json_field"
)

type Config struct {
	Targets []Target `yaml:"targets"`
	CVEs    []CVE    `yaml:"cves"`
	Sandbox Sandbox  `yaml:"sandbox"`
	Results Results  `yaml:"results"`
	Metrics Metrics  `yaml:"metrics"`
}

type Target struct {
	Name         string   `yaml:"name"`
	WorkDir      string   `yaml:"workdir"`
	RequiredDirs []string `yaml:"required_dirs"`
	Branch       string   `yaml:"branch"`
	BaseURL      string   `yaml:"base_url"`
	Service      *Service `yaml:"service"`
}

type Service struct {
	Command      []string          `yaml:"command"`
	KillPattern  string            `yaml:"kill_pattern"`
	Env          map[string]string `yaml:"env"`
	EnvFile      string            `yaml:"env_file"`
	PathPrepend  []string          `yaml:"path_prepend"`
	Build        []string          `yaml:"build"`
	Clean        []string          `yaml:"clean"` // globs removed from the workdir before build
	BuildTimeout time.Duration     `yaml:"build_timeout"`
	MaxRetries   int               `yaml:"max_retries"`
	RetryBackoff time.Duration     `yaml:"retry_backoff"`
	StartupGrace time.Duration     `yaml:"startup_grace"`
	ReleaseGrace time.Duration     `yaml:"release_grace"`
	ReadyAddr    string            `yaml:"ready_addr"`
	ReadyTimeout time.Duration     `yaml:"ready_timeout"`
	PortInUse    string            `yaml:"port_in_use_pattern"`
}

type CVE struct {
	ID          string `yaml:"id"`
	Target      string `yaml:"target"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Check       Check  `yaml:"check"`
	// Live replaces Check whenever the evaluation relaunched the service.
	Live      *Check      `yaml:"live"`
	Restart   bool        `yaml:"restart"` // always restart before checking
	StopAfter bool        `yaml:"stop_after"`
	Tests     []TestStage `yaml:"tests"`
}

type Check struct {
	Kind string `yaml:"kind"`

	// static
	Roots      []string `yaml:"roots"` // relative to the target workdir
	Pattern    string   `yaml:"pattern"`
	OldPattern string   `yaml:"old_pattern"`
	IgnoreCase bool     `yaml:"ignore_case"`

	// live
	Method           string            `yaml:"method"`
	Path             string            `yaml:"path"`
	Headers          map[string]string `yaml:"headers"`
	Timeout          time.Duration     `yaml:"timeout"`
	FixedStatus      []int             `yaml:"fixed_status"`
	VulnerableStatus []int             `yaml:"vulnerable_status"`
	OldSentinel      string            `yaml:"old_sentinel"`
	NewSentinel      string            `yaml:"new_sentinel"`
	Field            string            `yaml:"field"`
	Want             string            `yaml:"want"`
	SigV4            *SigV4            `yaml:"sigv4"`

	Messages Messages `yaml:"messages"`
}

type SigV4 struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Service   string `yaml:"service"`
}

type Messages struct {
	Fixed      string `yaml:"fixed"`
	Partial    string `yaml:"partial"`
	Vulnerable string `yaml:"vulnerable"`
	Missing    string `yaml:"missing"`
}

type TestStage struct {
	Name    string        `yaml:"name"`
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// Sandbox runs searches and test stages in a container when Image is set.
type Sandbox struct {
	Image   string        `yaml:"image"`
	Mounts  []string      `yaml:"mounts"` // host:container bind mounts
	Timeout time.Duration `yaml:"timeout"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

// Target returns the named target or nil.
func (c *Config) Target(name string) *Target {
	for i := range c.Targets {
		if c.Targets[i].Name == name {
			return &c.Targets[i]
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(&cfg, filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Default is the configuration used when no config file exists: the
// built-in MLflow and MinIO targets and nothing else.
func Default() *Config {
	cfg := &Config{}
	if err := validate(cfg, "."); err != nil {
		panic(err)
	}
	return cfg
}

func validate(cfg *Config, baseDir string) error {
	for _, t := range builtinTargets() {
		if cfg.Target(t.Name) == nil {
			cfg.Targets = append(cfg.Targets, t)
		}
	}
	seen := map[string]bool{}
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.Name == "" {
			return fmt.Errorf("target %d: name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("target %q defined twice", t.Name)
		}
		seen[t.Name] = true
		if t.WorkDir == "" {
			return fmt.Errorf("target %q: workdir is required", t.Name)
		}
		if t.Service != nil {
			if err := validateService(t.Name, t.Service, baseDir); err != nil {
				return err
			}
		}
	}

	ids := map[string]bool{}
	for i := range cfg.CVEs {
		c := &cfg.CVEs[i]
		if c.ID == "" {
			return fmt.Errorf("cve %d: id is required", i)
		}
		if ids[c.ID] {
			return fmt.Errorf("cve %q defined twice", c.ID)
		}
		ids[c.ID] = true
		if err := cfg.CheckCVE(c); err != nil {
			return err
		}
	}

	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "results"
	}
	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = 10 * time.Minute
	}
	return nil
}

// CheckCVE validates c against the configured targets and fills in defaults.
// Load runs it on every declared CVE; built-in modules run it themselves.
func (cfg *Config) CheckCVE(c *CVE) error {
	t := cfg.Target(c.Target)
	if t == nil {
		return fmt.Errorf("cve %q: unknown target %q", c.ID, c.Target)
	}
	if (c.Restart || c.StopAfter) && t.Service == nil {
		return fmt.Errorf("cve %q: restart needs a service on target %q", c.ID, t.Name)
	}
	if err := validateCheck(c.ID, &c.Check, t); err != nil {
		return err
	}
	if c.Live != nil {
		if t.Service == nil {
			return fmt.Errorf("cve %q: live check needs a service on target %q", c.ID, t.Name)
		}
		if c.Live.Kind == KindStatic {
			return fmt.Errorf("cve %q: live check cannot be static", c.ID)
		}
		if err := validateCheck(c.ID, c.Live, t); err != nil {
			return err
		}
	}
	for j := range c.Tests {
		s := &c.Tests[j]
		if s.Command == "" {
			return fmt.Errorf("cve %q: test stage %d: command is required", c.ID, j)
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("stage-%d", j+1)
		}
		if s.Timeout == 0 {
			s.Timeout = 10 * time.Minute
		}
	}
	return nil
}

func validateService(target string, s *Service, baseDir string) error {
	if len(s.Command) == 0 {
		return fmt.Errorf("target %q: service command is required", target)
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("target %q: max_retries must be positive", target)
	}
	if s.RetryBackoff == 0 {
		s.RetryBackoff = 2 * time.Second
	}
	if s.StartupGrace == 0 {
		s.StartupGrace = 5 * time.Second
	}
	if s.ReleaseGrace == 0 {
		s.ReleaseGrace = 2 * time.Second
	}
	if s.ReadyAddr != "" && s.ReadyTimeout == 0 {
		s.ReadyTimeout = 30 * time.Second
	}
	for _, pattern := range s.Clean {
		if filepath.IsAbs(pattern) || strings.Contains(pattern, "..") {
			return fmt.Errorf("target %q: clean pattern %q must stay inside the workdir", target, pattern)
		}
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("target %q: clean pattern %q: %w", target, pattern, err)
		}
	}
	if len(s.Build) > 0 && s.BuildTimeout == 0 {
		s.BuildTimeout = 60 * time.Second
	}
	if s.PortInUse != "" {
		if _, err := regexp.Compile(s.PortInUse); err != nil {
			return fmt.Errorf("target %q: port_in_use_pattern: %w", target, err)
		}
	}
	if s.EnvFile != "" && !filepath.IsAbs(s.EnvFile) {
		s.EnvFile = filepath.Join(baseDir, s.EnvFile)
	}
	return nil
}

func validateCheck(id string, ch *Check, t *Target) error {
	switch ch.Kind {
	case KindStatic:
		if ch.Pattern == "" {
			return fmt.Errorf("cve %q: static check needs a pattern", id)
		}
		if _, err := regexp.Compile(ch.Pattern); err != nil {
			return fmt.Errorf("cve %q: pattern: %w", id, err)
		}
		if len(ch.Roots) == 0 {
			ch.Roots = []string{"."}
		}
		if ch.Timeout == 0 {
			ch.Timeout = 10 * time.Second
		}
		return nil
	case KindStatus, KindSentinel, KindJSONField:
	case "":
		return fmt.Errorf("cve %q: check kind is required", id)
	default:
		return fmt.Errorf("cve %q: unknown check kind %q", id, ch.Kind)
	}

	if t.BaseURL == "" {
		return fmt.Errorf("cve %q: live check needs base_url on target %q", id, t.Name)
	}
	if ch.Method == "" {
		ch.Method = "GET"
	}
	if ch.Timeout == 0 {
		ch.Timeout = 5 * time.Second
	}
	switch ch.Kind {
	case KindStatus:
		if len(ch.FixedStatus) == 0 || len(ch.VulnerableStatus) == 0 {
			return fmt.Errorf("cve %q: status check needs fixed_status and vulnerable_status", id)
		}
		for _, code := range ch.FixedStatus {
			if slices.Contains(ch.VulnerableStatus, code) {
				return fmt.Errorf("cve %q: status %d is both fixed and vulnerable", id, code)
			}
		}
	case KindSentinel:
		if ch.NewSentinel == "" || ch.OldSentinel == "" {
			return fmt.Errorf("cve %q: sentinel check needs old_sentinel and new_sentinel", id)
		}
	case KindJSONField:
		if ch.Field == "" {
			return fmt.Errorf("cve %q: json_field check needs field", id)
		}
	}
	return nil
}

func builtinTargets() []Target {
	const mlflowDir = "/home/mlflow_user/mlflow"
	return []Target{
		{
			Name:         "mlflow",
			WorkDir:      mlflowDir,
			RequiredDirs: []string{"mlflow/server"},
			BaseURL:      "http://localhost:5000",
			Service: &Service{
				Command:      []string{"mlflow", "server", "--host", "0.0.0.0"},
				KillPattern:  "mlflow server",
				PathPrepend:  []string{mlflowDir + "/.venv/bin"},
				MaxRetries:   3,
				RetryBackoff: 2 * time.Second,
				StartupGrace: 5 * time.Second,
				ReleaseGrace: 2 * time.Second,
			},
		},
		{
			Name:    "minio",
			WorkDir: "/build/minio",
			BaseURL: "http://localhost:9000",
			Service: &Service{
				Command:      []string{"./minio", "server", "/data"},
				KillPattern:  "minio server",
				Env:          map[string]string{"MINIO_ROOT_USER": "admin", "MINIO_ROOT_PASSWORD": "password"},
				Build:        []string{"go", "build", "-o", "minio"},
				Clean:        []string{"test_*.go"},
				BuildTimeout: 60 * time.Second,
				MaxRetries:   3,
				RetryBackoff: 2 * time.Second,
				StartupGrace: 3 * time.Second,
				ReleaseGrace: time.Second,
			},
		},
	}
}
