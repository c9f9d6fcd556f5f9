package train

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"flappyrl/internal/agent"
	"flappyrl/internal/config"
	"flappyrl/internal/scape"
)

func TestEvaluateIsIndependentOfWorkerCount(t *testing.T) {
	cfg := config.Default()
	est, err := agent.New(cfg)
	if err != nil {
		t.Fatalf("new estimator: %v", err)
	}
	seeds := []int64{1, 2, 3, 4, 5}

	run := func(workers int) EvalResult {
		res, err := Evaluate(context.Background(), EvalOptions{
			Config:    cfg.Environment,
			Estimator: est,
			Seeds:     seeds,
			Workers:   workers,
			MaxSteps:  300,
			Logger:    zerolog.Nop(),
		})
		if err != nil {
			t.Fatalf("evaluate with %d workers: %v", workers, err)
		}
		return res
	}

	serial := run(1)
	parallel := run(4)
	if !reflect.DeepEqual(serial, parallel) {
		t.Fatalf("worker count changed results:\n%+v\n%+v", serial, parallel)
	}
	for i, ep := range serial.Episodes {
		if ep.Seed != seeds[i] {
			t.Fatalf("episode %d reported seed %d, want %d", i, ep.Seed, seeds[i])
		}
		if ep.Steps == 0 || (!ep.Truncated && ep.Collision == "none") {
			t.Fatalf("unexpected episode summary: %+v", ep)
		}
		if ep.Return > serial.BestReturn {
			t.Fatalf("best return %v below episode return %v", serial.BestReturn, ep.Return)
		}
	}
}

func TestEvaluateConstantPolicyFallsToFloor(t *testing.T) {
	res, err := Evaluate(context.Background(), EvalOptions{
		Config:    scape.DefaultConfig(),
		Estimator: agent.NewConstant(scape.NoOp),
		Seeds:     []int64{7, 8},
		Workers:   2,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for _, ep := range res.Episodes {
		if ep.Steps != 33 || ep.Collision != "floor" || ep.Score != 0 {
			t.Fatalf("expected a 33 step floor crash, got %+v", ep)
		}
	}
	if res.MeanReturn != res.BestReturn || res.MeanScore != 0 {
		t.Fatalf("identical episodes should share mean and best: %+v", res)
	}
}

func TestEvaluateRequiresSeedsAndEstimator(t *testing.T) {
	if _, err := Evaluate(context.Background(), EvalOptions{Estimator: agent.NewConstant(scape.NoOp)}); err == nil {
		t.Fatal("expected error without seeds")
	}
	if _, err := Evaluate(context.Background(), EvalOptions{Seeds: []int64{1}}); err == nil {
		t.Fatal("expected error without estimator")
	}
}

func TestEvaluateHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Evaluate(ctx, EvalOptions{
		Config:    scape.DefaultConfig(),
		Estimator: agent.NewConstant(scape.NoOp),
		Seeds:     []int64{1, 2, 3},
		Workers:   2,
		Logger:    zerolog.Nop(),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
