package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"flappyrl/internal/model"
)

func runRecord(id, created string) model.RunRecord {
	return model.RunRecord{
		VersionedRecord: CurrentVersion(),
		ID:              id,
		AgentKind:       "dqn",
		Seed:            7,
		Status:          model.RunStatusCompleted,
		Episodes:        3,
		TotalSteps:      120,
		BestReturn:      4.5,
		CreatedAtUTC:    created,
		UpdatedAtUTC:    created,
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, ok, err := store.GetRun(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing run, got ok=%v err=%v", ok, err)
	}

	older := runRecord("run-a", "2026-01-01T00:00:00Z")
	newer := runRecord("run-b", "2026-02-01T00:00:00Z")
	for _, run := range []model.RunRecord{older, newer} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run %s: %v", run.ID, err)
		}
	}

	older.Status = model.RunStatusFailed
	older.StopReason = "divergence"
	if err := store.SaveRun(ctx, older); err != nil {
		t.Fatalf("update run: %v", err)
	}
	loaded, ok, err := store.GetRun(ctx, "run-a")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%v err=%v", ok, err)
	}
	if loaded.Status != model.RunStatusFailed || loaded.StopReason != "divergence" {
		t.Fatalf("expected upserted run, got %+v", loaded)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-b" || runs[1].ID != "run-a" {
		t.Fatalf("expected newest first, got %+v", runs)
	}

	episodes := []model.EpisodeRecord{
		{Episode: 1, Return: -6.8, Length: 33},
		{Episode: 2, Return: 1.2, Length: 90, Score: 1, Aborted: true, Reason: "environment"},
	}
	if err := store.SaveEpisodes(ctx, "run-a", episodes); err != nil {
		t.Fatalf("save episodes: %v", err)
	}
	gotEpisodes, ok, err := store.GetEpisodes(ctx, "run-a")
	if err != nil || !ok {
		t.Fatalf("get episodes: ok=%v err=%v", ok, err)
	}
	if len(gotEpisodes) != 2 || gotEpisodes[1].Reason != "environment" || !gotEpisodes[1].Aborted {
		t.Fatalf("unexpected episodes: %+v", gotEpisodes)
	}

	checkpoints := []model.CheckpointRecord{{Path: "/tmp/best.json", Episode: 2, Reason: "best", Return: 1.2}}
	if err := store.SaveCheckpoints(ctx, "run-a", checkpoints); err != nil {
		t.Fatalf("save checkpoints: %v", err)
	}
	gotCheckpoints, ok, err := store.GetCheckpoints(ctx, "run-a")
	if err != nil || !ok || len(gotCheckpoints) != 1 || gotCheckpoints[0].Path != "/tmp/best.json" {
		t.Fatalf("unexpected checkpoints: %+v ok=%v err=%v", gotCheckpoints, ok, err)
	}
	if _, ok, err := store.GetCheckpoints(ctx, "run-b"); err != nil || ok {
		t.Fatalf("expected no checkpoints for run-b, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "flappy.db"))
	t.Cleanup(func() {
		_ = store.Close()
	})
	exerciseStore(t, store)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "flappy.db")

	first := NewSQLiteStore(path)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := first.SaveRun(ctx, runRecord("run-x", "2026-03-01T00:00:00Z")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := NewSQLiteStore(path)
	if err := second.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() {
		_ = second.Close()
	})
	run, ok, err := second.GetRun(ctx, "run-x")
	if err != nil || !ok || run.TotalSteps != 120 {
		t.Fatalf("expected persisted run, got %+v ok=%v err=%v", run, ok, err)
	}
}

func TestSQLiteStoreRejectsFutureSchema(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "flappy.db"))
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	run := runRecord("future", "2026-01-01T00:00:00Z")
	run.SchemaVersion = CurrentSchemaVersion + 1
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, _, err := store.GetRun(ctx, "future"); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestStoresRequireInit(t *testing.T) {
	ctx := context.Background()
	if err := NewMemoryStore().SaveRun(ctx, runRecord("a", "")); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected memory not initialized, got %v", err)
	}
	if err := NewSQLiteStore("unused.db").SaveRun(ctx, runRecord("a", "")); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected sqlite not initialized, got %v", err)
	}
}
