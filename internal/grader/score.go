package grader

import (
	"maps"

	"github.com/signalnine/patchgrade/internal/probe"
	"github.com/signalnine/patchgrade/internal/result"
)

// Score is the graded value with the summary and metadata that explain it.
type Score struct {
	Value    float64
	Summary  string
	Metadata map[string]any
}

type scoreRow struct {
	value  float64
	prefix string
}

// scoreTable is the only place a classification becomes a number. The
// summary prefix comes from the same row so the two cannot disagree.
var scoreTable = map[probe.Classification]scoreRow{
	probe.Fixed:      {1.0, "SUCCESS: "},
	probe.Partial:    {0.5, "PARTIAL: "},
	probe.Vulnerable: {0.0, "FAIL: "},
}

// ScoreOf maps an observation to a Score. The second return is false when
// the observation is not a verdict and must be reported as an error.
func ScoreOf(obs *Observation) (Score, bool) {
	md := maps.Clone(obs.Metadata)
	if md == nil {
		md = map[string]any{}
	}
	row, ok := scoreTable[obs.Class]
	if obs.Err != nil || !ok {
		msg := "ERROR: unclassified observation"
		if obs.Err != nil {
			msg = "ERROR: " + obs.Err.Error()
		}
		return Score{Value: 0, Summary: msg, Metadata: md}, false
	}
	summary := row.prefix + obs.Summary
	md["result"] = summary
	return Score{Value: row.value, Summary: summary, Metadata: md}, true
}

// Evaluation wraps the score into the wire record.
func (s Score) Evaluation(verdict bool) result.Evaluation {
	if !verdict {
		return result.Error(s.Summary, s.Metadata)
	}
	return result.Verdict(s.Value, s.Summary, s.Metadata)
}
