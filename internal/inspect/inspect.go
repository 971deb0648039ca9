// Package inspect searches a target's source tree for code patterns. It backs
// the static checks used when no live service round-trip is needed.
package inspect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/signalnine/patchgrade/internal/process"
)

// MaxLines caps how many matching lines a Match keeps.
const MaxLines = 50

const defaultTimeout = 10 * time.Second

// Query is an extended regular expression searched recursively under Roots.
type Query struct {
	Roots      []string
	Pattern    string
	IgnoreCase bool
	Timeout    time.Duration
}

// Match lists what was found. An empty Match means no file matched.
type Match struct {
	Files []string `json:"files,omitempty"`
	Lines []string `json:"lines,omitempty"` // "path:line:text"
}

func (m *Match) Found() bool { return m != nil && len(m.Files) > 0 }

// Searcher runs a Query. Errors are infrastructure failures, never "not
// found".
type Searcher interface {
	Search(ctx context.Context, q Query) (*Match, error)
}

// Builtin walks an afero filesystem in-process.
type Builtin struct {
	Fs afero.Fs
}

func NewBuiltin(fsys afero.Fs) *Builtin {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Builtin{Fs: fsys}
}

func (b *Builtin) Search(ctx context.Context, q Query) (*Match, error) {
	re, err := compile(q)
	if err != nil {
		return nil, err
	}
	timeout := q.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m := &Match{}
	for _, root := range q.Roots {
		err := afero.Walk(b.Fs, root, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if info.IsDir() {
				return nil
			}
			return b.scanFile(path, re, m)
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("searching %s: %w", root, process.ErrTimeout)
			}
			return nil, fmt.Errorf("searching %s: %w", root, err)
		}
	}
	m.Files = lo.Uniq(m.Files)
	sort.Strings(m.Files)
	return m, nil
}

func (b *Builtin) scanFile(path string, re *regexp.Regexp, m *Match) error {
	f, err := b.Fs.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if !re.MatchString(line) {
			continue
		}
		m.Files = append(m.Files, path)
		if len(m.Lines) < MaxLines {
			m.Lines = append(m.Lines, fmt.Sprintf("%s:%d:%s", path, n, strings.TrimSpace(line)))
		}
	}
	return nil
}

func compile(q Query) (*regexp.Regexp, error) {
	pattern := q.Pattern
	if q.IgnoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", q.Pattern, err)
	}
	return re, nil
}

// Grep shells out to grep -r through a process.Runner, which may execute
// inside a sandbox container.
type Grep struct {
	Runner process.Runner
}

func NewGrep(r process.Runner) *Grep {
	return &Grep{Runner: r}
}

// Search runs grep -rnsE. Exit status 1 means nothing matched. Exit status 2
// with no stderr means only missing roots, which -s silences.
func (g *Grep) Search(ctx context.Context, q Query) (*Match, error) {
	if len(q.Roots) == 0 {
		return &Match{}, nil
	}
	timeout := q.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	args := []string{"grep", "-r", "-n", "-s", "-E"}
	if q.IgnoreCase {
		args = append(args, "-i")
	}
	args = append(args, "-e", q.Pattern, "--")
	args = append(args, q.Roots...)

	res, err := g.Runner.Run(ctx, &process.Cmd{Args: args, Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("grep %q: %w", q.Pattern, err)
	}
	out := strings.TrimSpace(res.Stdout)
	switch {
	case res.ExitCode == 0, out != "":
		return parseGrepOutput(out), nil
	case res.ExitCode == 1:
		return &Match{}, nil
	case strings.TrimSpace(res.Stderr) == "":
		return &Match{}, nil
	}
	return nil, fmt.Errorf("grep %q exited %d: %s", q.Pattern, res.ExitCode, strings.TrimSpace(res.Stderr))
}

// parseGrepOutput turns "path:line:text" records into a Match.
func parseGrepOutput(out string) *Match {
	m := &Match{}
	if out == "" {
		return m
	}
	for _, line := range strings.Split(out, "\n") {
		path, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		m.Files = append(m.Files, path)
		if len(m.Lines) < MaxLines {
			m.Lines = append(m.Lines, line)
		}
	}
	m.Files = lo.Uniq(m.Files)
	sort.Strings(m.Files)
	return m
}
