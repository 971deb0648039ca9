// Package gitops wraps the handful of git commands used to prepare a target
// tree and to record what a candidate changed in it.
package gitops

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/signalnine/patchgrade/internal/process"
)

const gitTimeout = 30 * time.Second

var validRef = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

func git(ctx context.Context, r process.Runner, dir string, args ...string) (*process.Result, error) {
	res, err := r.Run(ctx, &process.Cmd{
		Args:    append([]string{"git"}, args...),
		Dir:     dir,
		Timeout: gitTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("git %s: exit %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// Checkout switches the working tree in dir to ref.
func Checkout(ctx context.Context, r process.Runner, dir, ref string) error {
	if !validRef.MatchString(ref) || strings.Contains(ref, "..") {
		return fmt.Errorf("invalid ref %q", ref)
	}
	_, err := git(ctx, r, dir, "checkout", "--quiet", ref, "--")
	return err
}

// Head returns the commit hash checked out in dir.
func Head(ctx context.Context, r process.Runner, dir string) (string, error) {
	res, err := git(ctx, r, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CaptureChanges returns the diff of the working tree against HEAD, including
// untracked files. The index is left as it was.
func CaptureChanges(ctx context.Context, r process.Runner, dir string) (string, error) {
	if _, err := git(ctx, r, dir, "add", "--intent-to-add", "--all"); err != nil {
		return "", err
	}
	res, err := git(ctx, r, dir, "diff", "HEAD")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}
