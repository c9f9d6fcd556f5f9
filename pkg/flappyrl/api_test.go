package flappyrl

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"flappyrl/internal/config"
	"flappyrl/internal/model"
	"flappyrl/internal/stats"
)

func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	base := t.TempDir()
	client, err := New(Options{
		StoreKind:    "memory",
		ArtifactsDir: filepath.Join(base, "runs"),
		ExportsDir:   filepath.Join(base, "exports"),
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client, base
}

func smallConfig(base string) config.Training {
	cfg := config.Default()
	cfg.Agent.Kind = config.AgentTabular
	cfg.MaxEpisodes = 2
	cfg.BatchSize = 8
	cfg.Seed = 11
	cfg.Checkpoint = config.Checkpoint{Dir: filepath.Join(base, "checkpoints"), OnBest: true, Every: 1}
	return cfg
}

func TestClientTrainRunsHistoryAndExport(t *testing.T) {
	client, base := newTestClient(t)
	ctx := context.Background()

	summary, err := client.Train(ctx, TrainRequest{Config: smallConfig(base), RunID: "run-a", TraceEvery: 5})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if summary.RunID != "run-a" || summary.Result.Episodes != 2 || summary.Summary.Returns.Count != 2 {
		t.Fatalf("unexpected train summary: %+v", summary)
	}
	for _, file := range []string{"config.json", "summary.json", "episodes.csv", "checkpoints.json", stats.TraceFile} {
		if _, err := os.Stat(filepath.Join(summary.ArtifactsDir, file)); err != nil {
			t.Fatalf("expected artifact %s: %v", file, err)
		}
	}

	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-a" || runs[0].Status != model.RunStatusCompleted {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	history, err := client.History(ctx, HistoryRequest{Latest: true, Window: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history.RunID != "run-a" || len(history.Episodes) != 2 || len(history.MovingAverage) != 2 {
		t.Fatalf("unexpected history: %+v", history)
	}
	if len(history.Checkpoints) == 0 {
		t.Fatal("expected checkpoint records in history")
	}
	limited, err := client.History(ctx, HistoryRequest{RunID: "run-a", Limit: 1})
	if err != nil {
		t.Fatalf("limited history: %v", err)
	}
	if len(limited.Episodes) != 1 || limited.Episodes[0].Episode != 2 || limited.Returns.Count != 2 {
		t.Fatalf("expected most recent episode with full summary, got %+v", limited)
	}

	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exported.RunID != "run-a" || exported.Directory != filepath.Join(base, "exports", "run-a") {
		t.Fatalf("unexpected export: %+v", exported)
	}
	if _, err := os.Stat(filepath.Join(exported.Directory, stats.TraceFile)); err != nil {
		t.Fatalf("expected exported trace: %v", err)
	}
}

func TestClientResumeContinuesRun(t *testing.T) {
	client, base := newTestClient(t)
	ctx := context.Background()
	cfg := smallConfig(base)

	first, err := client.Train(ctx, TrainRequest{Config: cfg, RunID: "run-b"})
	if err != nil {
		t.Fatalf("first train: %v", err)
	}

	cfg.MaxEpisodes = 4
	second, err := client.Train(ctx, TrainRequest{Config: cfg, ResumeRunID: "run-b"})
	if err != nil {
		t.Fatalf("resume train: %v", err)
	}
	if second.RunID != "run-b" || second.Result.Episodes != 4 {
		t.Fatalf("expected resumed run to reach episode 4, got %+v", second.Result)
	}
	if second.Result.TotalSteps <= first.Result.TotalSteps {
		t.Fatalf("expected steps to keep counting, got %d then %d", first.Result.TotalSteps, second.Result.TotalSteps)
	}

	history, err := client.History(ctx, HistoryRequest{RunID: "run-b"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history.Episodes) != 4 {
		t.Fatalf("expected four stored episodes, got %d", len(history.Episodes))
	}
}

func TestClientPlayFromCheckpointIsDeterministic(t *testing.T) {
	client, base := newTestClient(t)
	ctx := context.Background()
	summary, err := client.Train(ctx, TrainRequest{Config: smallConfig(base), RunID: "run-c"})
	if err != nil {
		t.Fatalf("train: %v", err)
	}

	req := PlayRequest{Checkpoint: summary.Result.LastCheckpoint, Episodes: 3, Workers: 2, MaxSteps: 500}
	first, err := client.Play(ctx, req)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	second, err := client.Play(ctx, req)
	if err != nil {
		t.Fatalf("play again: %v", err)
	}
	if len(first.Episodes) != 3 || !reflect.DeepEqual(first, second) {
		t.Fatalf("expected repeatable play, got %+v and %+v", first, second)
	}
	if first.Episodes[0].Seed != 11 {
		t.Fatalf("expected seeds to start at the config seed, got %d", first.Episodes[0].Seed)
	}

	byRun, err := client.Play(ctx, PlayRequest{Config: smallConfig(base), RunID: "run-c", Episodes: 3, Workers: 1, MaxSteps: 500})
	if err != nil {
		t.Fatalf("play by run: %v", err)
	}
	if !reflect.DeepEqual(first, byRun) {
		t.Fatalf("run lookup should load the same checkpoint")
	}
}

func TestClientRequestValidation(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := client.Export(ctx, ExportRequest{}); err == nil {
		t.Fatal("expected export error without run id")
	}
	if _, err := client.Export(ctx, ExportRequest{RunID: "x", Latest: true}); err == nil {
		t.Fatal("expected export error for run id and latest")
	}
	if _, err := client.History(ctx, HistoryRequest{Latest: true}); err == nil {
		t.Fatal("expected history error with no runs")
	}
	if _, err := client.Train(ctx, TrainRequest{Config: config.Training{}}); err == nil {
		t.Fatal("expected train error for empty config")
	}
	if _, err := client.Play(ctx, PlayRequest{Checkpoint: "a", RunID: "b"}); err == nil {
		t.Fatal("expected play error for checkpoint and run id")
	}
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "train.yaml")
	if err := InitConfig(path, false); err != nil {
		t.Fatalf("init config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !reflect.DeepEqual(cfg, config.Default()) {
		t.Fatalf("expected default config, got %+v", cfg)
	}
	if err := InitConfig(path, false); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
	if err := InitConfig(path, true); err != nil {
		t.Fatalf("forced init: %v", err)
	}
}
