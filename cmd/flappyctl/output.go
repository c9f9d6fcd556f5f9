package main

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"flappyrl/internal/train"
	api "flappyrl/pkg/flappyrl"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTrainSummary(w io.Writer, s api.TrainSummary) {
	r := s.Result
	fmt.Fprintf(w, "run completed run_id=%s episodes=%s steps=%s stop=%s\n",
		s.RunID, humanize.Comma(int64(r.Episodes)), humanize.Comma(r.TotalSteps), r.StopReason)
	fmt.Fprintf(w, "best_return=%.4f best_score=%d final_window_mean=%.4f aborted=%d\n",
		s.Summary.BestReturn, s.Summary.BestScore, s.Summary.FinalWindow, s.Summary.Aborted)
	if r.LastCheckpoint != "" {
		fmt.Fprintf(w, "checkpoint=%s\n", r.LastCheckpoint)
	}
	if s.ArtifactsDir != "" {
		fmt.Fprintf(w, "artifacts_dir=%s\n", s.ArtifactsDir)
	}
}

func printEvalResult(w io.Writer, r train.EvalResult) {
	for _, ep := range r.Episodes {
		end := ep.Collision
		if ep.Truncated {
			end = "truncated"
		}
		fmt.Fprintf(w, "seed=%d return=%.4f steps=%s score=%d end=%s\n",
			ep.Seed, ep.Return, humanize.Comma(int64(ep.Steps)), ep.Score, end)
	}
	fmt.Fprintf(w, "mean_return=%.4f best_return=%.4f mean_score=%.2f\n", r.MeanReturn, r.BestReturn, r.MeanScore)
}

func printRuns(w io.Writer, runs []api.RunItem) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs found")
		return
	}
	for _, r := range runs {
		fmt.Fprintf(w, "run_id=%s status=%s stop=%s agent=%s seed=%d episodes=%s steps=%s best_return=%.4f created=%s\n",
			r.RunID, r.Status, r.StopReason, r.AgentKind, r.Seed,
			humanize.Comma(int64(r.Episodes)), humanize.Comma(r.TotalSteps), r.BestReturn, relativeTime(r.CreatedAtUTC))
	}
}

func printHistory(w io.Writer, h api.HistoryResult) {
	fmt.Fprintf(w, "run_id=%s episodes=%d mean=%.4f std=%.4f min=%.4f max=%.4f median=%.4f\n",
		h.RunID, h.Returns.Count, h.Returns.Mean, h.Returns.Std, h.Returns.Min, h.Returns.Max, h.Returns.Median)
	for i, ep := range h.Episodes {
		line := fmt.Sprintf("episode=%d return=%.4f avg=%.4f length=%d score=%d epsilon=%.4f",
			ep.Episode, ep.Return, h.MovingAverage[i], ep.Length, ep.Score, ep.Epsilon)
		if ep.Aborted {
			line += " aborted=" + ep.Reason
		}
		fmt.Fprintln(w, line)
	}
	for _, cp := range h.Checkpoints {
		fmt.Fprintf(w, "checkpoint episode=%d reason=%s return=%.4f path=%s\n", cp.Episode, cp.Reason, cp.Return, cp.Path)
	}
}

func printExport(w io.Writer, e api.ExportSummary) {
	fmt.Fprintf(w, "exported run_id=%s dir=%s size=%s\n", e.RunID, e.Directory, humanize.Bytes(dirSize(e.Directory)))
}

func relativeTime(rfc3339 string) string {
	ts, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return humanize.Time(ts)
}

func dirSize(dir string) uint64 {
	var total uint64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
