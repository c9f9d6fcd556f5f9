package train

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"flappyrl/internal/agent"
	"flappyrl/internal/scape"
)

type EvalOptions struct {
	Config    scape.Config
	Estimator agent.Estimator
	Seeds     []int64
	Workers   int
	MaxSteps  int
	Logger    zerolog.Logger
}

type EvalEpisode struct {
	Seed      int64   `json:"seed"`
	Return    float64 `json:"return"`
	Steps     int     `json:"steps"`
	Score     int     `json:"score"`
	Collision string  `json:"collision"`
	Truncated bool    `json:"truncated"`
}

type EvalResult struct {
	Episodes   []EvalEpisode `json:"episodes"`
	MeanReturn float64       `json:"mean_return"`
	BestReturn float64       `json:"best_return"`
	MeanScore  float64       `json:"mean_score"`
}

// Evaluate plays one greedy episode per seed without learning. Workers share
// the estimator read-only and each builds its own environment. Episodes are
// reported in seed order regardless of which worker ran them.
func Evaluate(ctx context.Context, opts EvalOptions) (EvalResult, error) {
	if opts.Estimator == nil {
		return EvalResult{}, errors.New("evaluate: estimator is required")
	}
	if len(opts.Seeds) == 0 {
		return EvalResult{}, errors.New("evaluate: at least one seed is required")
	}
	logger := opts.Logger.With().Str("component", "evaluator").Logger()

	type job struct {
		idx  int
		seed int64
	}
	type result struct {
		idx     int
		episode EvalEpisode
		err     error
	}

	jobs := make(chan job)
	results := make(chan result, len(opts.Seeds))

	workerCount := opts.Workers
	if workerCount <= 0 {
		workerCount = 1
	}
	if workerCount > len(opts.Seeds) {
		workerCount = len(opts.Seeds)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func(worker int) {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{idx: j.idx, err: err}
					continue
				}
				episode, err := playEpisode(ctx, opts, j.seed, worker)
				if err != nil {
					results <- result{idx: j.idx, err: fmt.Errorf("seed %d: %w", j.seed, err)}
					continue
				}
				results <- result{idx: j.idx, episode: episode}
			}
		}(w)
	}

	for i, seed := range opts.Seeds {
		jobs <- job{idx: i, seed: seed}
	}
	close(jobs)

	wg.Wait()
	close(results)

	episodes := make([]EvalEpisode, len(opts.Seeds))
	for res := range results {
		if res.err != nil {
			return EvalResult{}, res.err
		}
		episodes[res.idx] = res.episode
	}

	out := EvalResult{Episodes: episodes, BestReturn: episodes[0].Return}
	for _, ep := range episodes {
		out.MeanReturn += ep.Return
		out.MeanScore += float64(ep.Score)
		if ep.Return > out.BestReturn {
			out.BestReturn = ep.Return
		}
	}
	out.MeanReturn /= float64(len(episodes))
	out.MeanScore /= float64(len(episodes))

	logger.Info().
		Int("episodes", len(episodes)).
		Int("workers", workerCount).
		Float64("mean_return", out.MeanReturn).
		Float64("best_return", out.BestReturn).
		Float64("mean_score", out.MeanScore).
		Msg("evaluation finished")
	return out, nil
}

func playEpisode(ctx context.Context, opts EvalOptions, seed int64, worker int) (EvalEpisode, error) {
	sc := scape.FlappyScape{Config: opts.Config, Seed: seed, MaxSteps: opts.MaxSteps}
	player := agent.NewPlayer(fmt.Sprintf("eval-%d", worker), opts.Estimator)
	fitness, trace, err := sc.Evaluate(ctx, player)
	if err != nil {
		return EvalEpisode{}, err
	}
	episode := EvalEpisode{Seed: seed, Return: float64(fitness)}
	episode.Steps, _ = trace["steps"].(int)
	episode.Score, _ = trace["score"].(int)
	episode.Collision, _ = trace["collision"].(string)
	episode.Truncated, _ = trace["truncated"].(bool)
	return episode, nil
}
