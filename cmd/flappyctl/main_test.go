package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"flappyrl/internal/config"
	"flappyrl/internal/stats"
	api "flappyrl/pkg/flappyrl"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	workdir := t.TempDir()
	if err := os.Chdir(workdir); err != nil {
		t.Fatalf("chdir tempdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(origWD)
	})
	return workdir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(&stdout, &stderr)
	root.SetArgs(append(args, "--log-format", "json", "--log-level", "warn"))
	err := root.Execute()
	return stdout.String(), err
}

func TestTrainCommandSQLiteCreatesArtifacts(t *testing.T) {
	workdir := chdirTemp(t)

	cfg := config.Default()
	cfg.Agent.Kind = config.AgentTabular
	cfg.MaxEpisodes = 2
	cfg.BatchSize = 8
	cfg.Seed = 11
	cfg.Checkpoint.Every = 1
	if err := config.Save("train.yaml", cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	out, err := execute(t, "train", "--config", "train.yaml", "--run-id", "cli-run", "--trace-every", "10")
	if err != nil {
		t.Fatalf("train command: %v", err)
	}
	if !strings.Contains(out, "run completed run_id=cli-run episodes=2") {
		t.Fatalf("unexpected train output: %q", out)
	}
	if _, err := os.Stat(filepath.Join(workdir, "flappyrl.db")); err != nil {
		t.Fatalf("expected sqlite db: %v", err)
	}

	entries, err := stats.ListRunIndex("runs")
	if err != nil {
		t.Fatalf("list run index: %v", err)
	}
	if len(entries) != 1 || entries[0].RunID != "cli-run" {
		t.Fatalf("unexpected run index: %+v", entries)
	}
	for _, file := range []string{"config.json", "summary.json", "episodes.csv", "checkpoints.json", stats.TraceFile} {
		if _, err := os.Stat(filepath.Join("runs", "cli-run", file)); err != nil {
			t.Fatalf("expected artifact %s: %v", file, err)
		}
	}

	out, err = execute(t, "runs", "--json")
	if err != nil {
		t.Fatalf("runs command: %v", err)
	}
	var runs []api.RunItem
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "cli-run" || runs[0].Episodes != 2 {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	out, err = execute(t, "history", "--latest", "--window", "2")
	if err != nil {
		t.Fatalf("history command: %v", err)
	}
	if !strings.HasPrefix(out, "run_id=cli-run episodes=2") || strings.Count(out, "\nepisode=") != 2 {
		t.Fatalf("unexpected history output: %q", out)
	}

	out, err = execute(t, "export", "--latest")
	if err != nil {
		t.Fatalf("export command: %v", err)
	}
	if !strings.Contains(out, "exported run_id=cli-run") {
		t.Fatalf("unexpected export output: %q", out)
	}
	if _, err := os.Stat(filepath.Join("exports", "cli-run", "summary.json")); err != nil {
		t.Fatalf("expected exported summary: %v", err)
	}

	out, err = execute(t, "play", "--run-id", "cli-run", "--episodes", "2", "--workers", "2", "--max-steps", "300", "--json")
	if err != nil {
		t.Fatalf("play command: %v", err)
	}
	var played struct {
		Episodes []struct {
			Seed int64 `json:"seed"`
		} `json:"episodes"`
	}
	if err := json.Unmarshal([]byte(out), &played); err != nil {
		t.Fatalf("decode play: %v", err)
	}
	if len(played.Episodes) != 2 || played.Episodes[0].Seed != 11 || played.Episodes[1].Seed != 12 {
		t.Fatalf("unexpected play output: %+v", played)
	}
}

func TestRunsCommandEmptyStore(t *testing.T) {
	chdirTemp(t)
	out, err := execute(t, "runs", "--store", "memory")
	if err != nil {
		t.Fatalf("runs command: %v", err)
	}
	if strings.TrimSpace(out) != "no runs found" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestInitCommandRefusesOverwrite(t *testing.T) {
	chdirTemp(t)
	if _, err := execute(t, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := config.Load("flappyrl.yaml"); err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if _, err := execute(t, "init"); err == nil {
		t.Fatal("expected second init to fail")
	}
	if _, err := execute(t, "init", "--force"); err != nil {
		t.Fatalf("forced init: %v", err)
	}
}

func TestNewLoggerRejectsUnknownValues(t *testing.T) {
	var buf bytes.Buffer
	if _, err := newLogger(&buf, "loud", "json"); err == nil {
		t.Fatal("expected invalid level error")
	}
	if _, err := newLogger(&buf, "info", "xml"); err == nil {
		t.Fatal("expected invalid format error")
	}
	logger, err := newLogger(&buf, "info", "json")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info().Str("component", "test").Msg("hello")
	if !strings.Contains(buf.String(), `"message":"hello"`) {
		t.Fatalf("expected json log line, got %q", buf.String())
	}
}
