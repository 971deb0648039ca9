package result

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Evaluation is the record returned to the calling harness. Its JSON shape is
// a stable wire contract.
type Evaluation struct {
	Reward  float64        `json:"reward"`
	Done    bool           `json:"done"`
	Content string         `json:"content"`
	Info    map[string]any `json:"info"`
	IsError bool           `json:"isError"`
}

// Verdict builds a non-error evaluation: the check observed the target and
// decided. A still-vulnerable target is a verdict with reward 0.
func Verdict(reward float64, content string, info map[string]any) Evaluation {
	return Evaluation{
		Reward:  clamp(reward),
		Done:    true,
		Content: content,
		Info:    withID(info),
	}
}

// Error builds an infrastructure-failure evaluation. Reward is always 0.
func Error(content string, info map[string]any) Evaluation {
	info = withID(info)
	if _, ok := info["error"]; !ok {
		info["error"] = content
	}
	return Evaluation{
		Done:    true,
		Content: content,
		Info:    info,
		IsError: true,
	}
}

// ID returns the evaluation id stamped by Verdict or Error.
func (e Evaluation) ID() string {
	id, _ := e.Info["evaluation_id"].(string)
	return id
}

func withID(info map[string]any) map[string]any {
	out := make(map[string]any, len(info)+1)
	maps.Copy(out, info)
	if _, ok := out["evaluation_id"]; !ok {
		out["evaluation_id"] = uuid.NewString()
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Record is an Evaluation as stored on disk, with the context it ran in.
type Record struct {
	CVE        string     `json:"cve"`
	Target     string     `json:"target"`
	Attempt    int        `json:"attempt"`
	StartedAt  time.Time  `json:"started_at"`
	DurationMS int64      `json:"duration_ms"`
	Patched    bool       `json:"patched"`
	Restarted  bool       `json:"restarted"`
	Diff       string     `json:"diff,omitempty"` // worktree changes after the evaluation
	Evaluation Evaluation `json:"evaluation"`
}
