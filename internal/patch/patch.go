// Package patch applies a unified diff to a working tree with git apply.
package patch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/signalnine/patchgrade/internal/process"
)

const applyTimeout = 30 * time.Second

type Result struct {
	Applied  bool   `json:"applied"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Applier writes the diff to a temporary file, applies it and always removes
// the file afterwards. git apply is all-or-nothing, so a failed apply leaves
// the tree untouched.
type Applier struct {
	Runner process.Runner
	Fs     afero.Fs // must be the filesystem git sees
	TmpDir string
}

func NewApplier(r process.Runner) *Applier {
	return &Applier{Runner: r, Fs: afero.NewOsFs()}
}

// Apply returns an error only when the patch could not be attempted. A patch
// that git rejects is a Result with Applied=false.
func (a *Applier) Apply(ctx context.Context, diff, dir string) (*Result, error) {
	if strings.TrimSpace(diff) == "" {
		return nil, fmt.Errorf("empty patch")
	}
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	f, err := afero.TempFile(a.Fs, a.TmpDir, "patchgrade-*.patch")
	if err != nil {
		return nil, fmt.Errorf("creating patch file: %w", err)
	}
	name := f.Name()
	defer a.Fs.Remove(name)

	if _, err := f.WriteString(diff); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing patch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing patch file: %w", err)
	}

	res, err := a.Runner.Run(ctx, &process.Cmd{
		Args:    []string{"git", "apply", "--whitespace=nowarn", name},
		Dir:     dir,
		Timeout: applyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("git apply: %w", err)
	}
	return &Result{
		Applied:  res.ExitCode == 0,
		ExitCode: res.ExitCode,
		Stdout:   strings.TrimSpace(res.Stdout),
		Stderr:   strings.TrimSpace(res.Stderr),
	}, nil
}
