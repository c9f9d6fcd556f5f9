package stats

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"flappyrl/internal/model"
)

type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
}

// Summarize describes a series of episode returns. Std is the sample
// standard deviation and is zero for fewer than two values.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	out := Summary{
		Count:  len(values),
		Mean:   stat.Mean(values, nil),
		Min:    floats.Min(values),
		Max:    floats.Max(values),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
	}
	if len(values) > 1 {
		out.Std = stat.StdDev(values, nil)
	}
	return out
}

// MovingAverage returns the trailing mean over window values at every
// position; early positions average whatever is available.
func MovingAverage(values []float64, window int) []float64 {
	if window <= 0 {
		window = 1
	}
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		n := i + 1
		if n > window {
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out
}

func Returns(episodes []model.EpisodeRecord) []float64 {
	out := make([]float64, len(episodes))
	for i, ep := range episodes {
		out[i] = ep.Return
	}
	return out
}

// SummarizeRun builds the summary.json payload for a finished run.
func SummarizeRun(run model.RunRecord, episodes []model.EpisodeRecord, window int) RunSummary {
	returns := Returns(episodes)
	out := RunSummary{
		RunID:      run.ID,
		AgentKind:  run.AgentKind,
		Seed:       run.Seed,
		StopReason: run.StopReason,
		Episodes:   run.Episodes,
		TotalSteps: run.TotalSteps,
		BestReturn: run.BestReturn,
		Returns:    Summarize(returns),
	}
	for _, ep := range episodes {
		if ep.Aborted {
			out.Aborted++
		}
		if ep.Score > out.BestScore {
			out.BestScore = ep.Score
		}
	}
	if len(returns) > 0 {
		avg := MovingAverage(returns, window)
		out.FinalWindow = avg[len(avg)-1]
	}
	return out
}
