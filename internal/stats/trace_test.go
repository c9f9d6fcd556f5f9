package stats

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"flappyrl/internal/model"
	"flappyrl/internal/scape"
	"flappyrl/internal/train"
)

func TestTraceWriterSamplesSteps(t *testing.T) {
	var buf bytes.Buffer
	tw := NewTraceWriter(&buf, 3)
	for step := 1; step <= 7; step++ {
		tw.OnStep(train.StepEvent{Episode: 1, Step: step, TotalSteps: int64(step), Action: scape.Flap, Done: step == 7})
	}
	tw.OnEpisode(model.EpisodeRecord{Episode: 1, Length: 7, Return: 0.7})
	if err := tw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	steps, episodes, err := ReadTrace(&buf)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	var got []int
	for _, s := range steps {
		got = append(got, s.Step)
	}
	// every third step plus the terminal one
	if len(got) != 3 || got[0] != 3 || got[1] != 6 || got[2] != 7 {
		t.Fatalf("unexpected sampled steps %v", got)
	}
	if steps[0].Action != scape.Flap {
		t.Fatalf("action not preserved: %+v", steps[0])
	}
	if len(episodes) != 1 || episodes[0].Length != 7 {
		t.Fatalf("unexpected episodes %+v", episodes)
	}
}

func TestOpenTraceWritesFile(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "run")
	tw, err := OpenTrace(runDir, 1)
	if err != nil {
		t.Fatalf("open trace: %v", err)
	}
	tw.OnEpisode(model.EpisodeRecord{Episode: 1})
	if err := tw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(runDir, TraceFile))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	_, episodes, err := ReadTrace(bytes.NewReader(data))
	if err != nil || len(episodes) != 1 {
		t.Fatalf("expected one episode line, got %d err=%v", len(episodes), err)
	}
}
