package grader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/signalnine/patchgrade/internal/inspect"
	"github.com/signalnine/patchgrade/internal/probe"
)

// Observation is what a Check saw. Err marks an infrastructure failure; it
// takes precedence over Class.
type Observation struct {
	Class    probe.Classification
	Summary  string
	Metadata map[string]any
	Err      error
}

// Check decides whether the target is still vulnerable. It must not change
// the target's state, so running it twice yields the same Class.
type Check interface {
	Kind() string
	Check(ctx context.Context) *Observation
}

// Messages are the human-readable summaries per classification. Empty
// entries fall back to the classifier's detail.
type Messages struct {
	Fixed      string
	Partial    string
	Vulnerable string
	// Missing is used by static checks when neither pattern is found.
	Missing string
}

func (m Messages) pick(c probe.Classification, fallback string) string {
	var s string
	switch c {
	case probe.Fixed:
		s = m.Fixed
	case probe.Partial:
		s = m.Partial
	case probe.Vulnerable:
		s = m.Vulnerable
	}
	if s == "" {
		return fallback
	}
	return s
}

// LiveCheck probes the running service.
type LiveCheck struct {
	Prober     *probe.Prober
	Request    probe.Request
	Classifier probe.Classifier
	Messages   Messages
}

func (c *LiveCheck) Kind() string { return "live" }

func (c *LiveCheck) Check(ctx context.Context) *Observation {
	p := c.Prober
	if p == nil {
		p = probe.New()
	}
	out := p.Run(ctx, c.Request, c.Classifier)
	md := map[string]any{
		"url":            c.Request.URL,
		"classification": string(out.Classification),
	}
	if len(c.Request.Headers) > 0 {
		md["request_headers"] = c.Request.Headers
	}
	if c.Request.SigV4 != nil {
		md["auth_method"] = "aws_signature_v4"
	}
	if out.StatusCode != 0 {
		md["status_code"] = out.StatusCode
		md["response_text"] = out.Body
	}
	if out.Detail != "" {
		md["detail"] = out.Detail
	}

	obs := &Observation{Class: out.Classification, Metadata: md}
	switch out.Classification {
	case probe.TransportError:
		md["error"] = out.Error
		obs.Err = fmt.Errorf("probing %s: %s", c.Request.URL, out.Error)
	case probe.Ambiguous:
		obs.Err = fmt.Errorf("cannot interpret response from %s: %s", c.Request.URL, out.Detail)
	default:
		obs.Summary = c.Messages.pick(out.Classification, out.Detail)
	}
	return obs
}

// StaticCheck searches the source tree. New found means fixed; otherwise Old
// found, or neither, means still vulnerable.
type StaticCheck struct {
	Searcher   inspect.Searcher
	Roots      []string
	New        string // pattern present only after the fix
	Old        string // optional pattern of the vulnerable code
	IgnoreCase bool
	Timeout    time.Duration
	Messages   Messages
}

func (c *StaticCheck) Kind() string { return "static" }

func (c *StaticCheck) Check(ctx context.Context) *Observation {
	md := map[string]any{
		"search_pattern": c.New,
		"search_roots":   c.Roots,
	}
	obs := &Observation{Metadata: md}

	found, err := c.Searcher.Search(ctx, inspect.Query{
		Roots: c.Roots, Pattern: c.New, IgnoreCase: c.IgnoreCase, Timeout: c.Timeout,
	})
	if err != nil {
		md["error"] = err.Error()
		obs.Class = probe.TransportError
		obs.Err = fmt.Errorf("searching for %q: %w", c.New, err)
		return obs
	}
	md["pattern_found"] = found.Found()
	if found.Found() {
		md["files_with_new"] = found.Files
		md["validation_code"] = strings.Join(found.Lines, "\n")
		obs.Class = probe.Fixed
		obs.Summary = c.Messages.pick(probe.Fixed, fmt.Sprintf("found %q in %d file(s)", c.New, len(found.Files)))
		return obs
	}

	obs.Class = probe.Vulnerable
	if c.Old == "" {
		obs.Summary = c.Messages.pick(probe.Vulnerable, fmt.Sprintf("%q not found", c.New))
		return obs
	}

	md["old_pattern"] = c.Old
	old, err := c.Searcher.Search(ctx, inspect.Query{
		Roots: c.Roots, Pattern: c.Old, IgnoreCase: c.IgnoreCase, Timeout: c.Timeout,
	})
	if err != nil {
		md["error"] = err.Error()
		obs.Class = probe.TransportError
		obs.Err = fmt.Errorf("searching for %q: %w", c.Old, err)
		return obs
	}
	if old.Found() {
		md["files_with_old"] = old.Files
		obs.Summary = c.Messages.pick(probe.Vulnerable, fmt.Sprintf("still found %q", c.Old))
		return obs
	}
	obs.Summary = c.Messages.Missing
	if obs.Summary == "" {
		obs.Summary = fmt.Sprintf("could not find %q or %q", c.New, c.Old)
	}
	return obs
}
