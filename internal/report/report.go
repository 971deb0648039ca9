package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/patchgrade/internal/result"
)

type CVESummary struct {
	CVE        string  `json:"cve"`
	Target     string  `json:"target"`
	Runs       int     `json:"runs"`
	Fixed      int     `json:"fixed"`
	Partial    int     `json:"partial"`
	Vulnerable int     `json:"vulnerable"`
	Errors     int     `json:"errors"`
	MeanReward float64 `json:"mean_reward"`
	// MeanDurationS covers every run, errors included.
	MeanDurationS float64 `json:"mean_duration_s"`
	LastContent   string  `json:"last_content"`
}

// Generate reads evaluation records under runDir and writes a per-CVE
// summary in the given format (table, markdown or json).
func Generate(runDir, format string, w io.Writer) error {
	recs, err := Collect(runDir)
	if err != nil {
		return err
	}
	summaries := Aggregate(recs)

	switch format {
	case "markdown":
		return writeMarkdown(summaries, w)
	case "json":
		return writeJSON(summaries, w)
	default:
		return writeTable(summaries, w)
	}
}

// Collect loads every eval-*.json record under runDir. Unreadable records
// are skipped.
func Collect(runDir string) ([]*result.Record, error) {
	if _, err := os.Stat(runDir); err != nil {
		return nil, fmt.Errorf("reading run dir: %w", err)
	}
	var recs []*result.Record
	err := filepath.Walk(runDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasPrefix(info.Name(), "eval-") || filepath.Ext(path) != ".json" {
			return nil
		}
		rec, err := result.ReadRecord(path)
		if err != nil {
			return nil
		}
		recs = append(recs, rec)
		return nil
	})
	return recs, err
}

func Aggregate(recs []*result.Record) []CVESummary {
	type accum struct {
		s        CVESummary
		reward   float64
		duration float64
		last     *result.Record
	}
	byCVE := map[string]*accum{}

	for _, r := range recs {
		a, ok := byCVE[r.CVE]
		if !ok {
			a = &accum{s: CVESummary{CVE: r.CVE, Target: r.Target}}
			byCVE[r.CVE] = a
		}
		a.s.Runs++
		a.reward += r.Evaluation.Reward
		a.duration += float64(r.DurationMS) / 1000
		ev := r.Evaluation
		switch {
		case ev.IsError:
			a.s.Errors++
		case ev.Reward >= 1:
			a.s.Fixed++
		case ev.Reward > 0:
			a.s.Partial++
		default:
			a.s.Vulnerable++
		}
		if a.last == nil || r.Attempt > a.last.Attempt {
			a.last = r
		}
	}

	summaries := make([]CVESummary, 0, len(byCVE))
	for _, a := range byCVE {
		s := a.s
		s.MeanReward = a.reward / float64(s.Runs)
		s.MeanDurationS = a.duration / float64(s.Runs)
		s.LastContent = a.last.Evaluation.Content
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CVE < summaries[j].CVE
	})
	return summaries
}

func writeTable(summaries []CVESummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CVE\tTARGET\tRUNS\tFIXED\tPARTIAL\tVULN\tERRORS\tMEAN REWARD\tMEAN TIME")
	fmt.Fprintln(tw, strings.Repeat("-", 90))
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%.2f\t%.1fs\n",
			s.CVE, s.Target, s.Runs, s.Fixed, s.Partial, s.Vulnerable, s.Errors, s.MeanReward, s.MeanDurationS)
	}
	return tw.Flush()
}

func writeMarkdown(summaries []CVESummary, w io.Writer) error {
	fmt.Fprintln(w, "| CVE | Target | Runs | Fixed | Partial | Vulnerable | Errors | Mean Reward | Last Result |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|---|")
	for _, s := range summaries {
		fmt.Fprintf(w, "| %s | %s | %d | %d | %d | %d | %d | %.2f | %s |\n",
			s.CVE, s.Target, s.Runs, s.Fixed, s.Partial, s.Vulnerable, s.Errors, s.MeanReward,
			strings.ReplaceAll(s.LastContent, "|", `\|`))
	}
	return nil
}

func writeJSON(summaries []CVESummary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}
