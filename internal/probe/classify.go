package probe

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

// StatusClassifier decides on the status code alone, e.g. 400 for a
// rejected forged Host header and 200 for an accepted one.
type StatusClassifier struct {
	Fixed      []int
	Vulnerable []int
}

func (s StatusClassifier) Classify(resp *Response) (Classification, string) {
	switch {
	case slices.Contains(s.Fixed, resp.StatusCode):
		return Fixed, fmt.Sprintf("status %d", resp.StatusCode)
	case slices.Contains(s.Vulnerable, resp.StatusCode):
		return Vulnerable, fmt.Sprintf("status %d", resp.StatusCode)
	}
	return Ambiguous, fmt.Sprintf("unexpected status %d", resp.StatusCode)
}

// SentinelClassifier compares the body against the insecure (Old) and
// patched (New) response values. A body that is exactly Old is vulnerable
// even when Old is a substring of New.
type SentinelClassifier struct {
	Old string
	New string
	// Status, when non-zero, is the only status code whose body is examined.
	Status int
}

func (s SentinelClassifier) Classify(resp *Response) (Classification, string) {
	want := s.Status
	if want == 0 {
		want = http.StatusOK
	}
	if resp.StatusCode != want {
		return Ambiguous, fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	body := trimmed(resp.Body)
	switch {
	case s.Old != "" && body == s.Old:
		return Vulnerable, fmt.Sprintf("body is exactly %q", s.Old)
	case s.New != "" && body == s.New:
		return Fixed, fmt.Sprintf("body is exactly %q", s.New)
	case s.New != "" && strings.Contains(body, s.New):
		return Fixed, fmt.Sprintf("body contains %q", s.New)
	}
	return Ambiguous, fmt.Sprintf("body matches neither %q nor %q", s.New, s.Old)
}

// JSONFieldClassifier inspects one field of a JSON body. The field holding
// Want is fixed, holding anything else is partial, and missing is vulnerable.
type JSONFieldClassifier struct {
	Path string // gjson path
	Want string
}

func (j JSONFieldClassifier) Classify(resp *Response) (Classification, string) {
	if resp.StatusCode != http.StatusOK {
		return Ambiguous, fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(resp.Body) {
		return Ambiguous, "response is not valid JSON"
	}
	v := gjson.GetBytes(resp.Body, j.Path)
	switch {
	case !v.Exists():
		return Vulnerable, fmt.Sprintf("%s not found in response (keys: %s)", j.Path, strings.Join(TopLevelKeys(resp.Body, 10), ", "))
	case v.String() == j.Want:
		return Fixed, fmt.Sprintf("%s = %q", j.Path, v.String())
	}
	return Partial, fmt.Sprintf("%s = %q, want %q", j.Path, v.String(), j.Want)
}

// TopLevelKeys returns up to n top-level keys of a JSON object body, for
// diagnostics when an expected field is missing.
func TopLevelKeys(body []byte, n int) []string {
	var keys []string
	gjson.ParseBytes(body).ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return len(keys) < n
	})
	return keys
}
