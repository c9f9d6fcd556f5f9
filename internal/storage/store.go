package storage

import (
	"context"
	"errors"

	"flappyrl/internal/model"
)

var ErrNotInitialized = errors.New("store is not initialized")

// Store persists training run history: run summaries, per-episode records,
// and the checkpoint index of each run.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveEpisodes(ctx context.Context, runID string, episodes []model.EpisodeRecord) error
	GetEpisodes(ctx context.Context, runID string) ([]model.EpisodeRecord, bool, error)
	SaveCheckpoints(ctx context.Context, runID string, checkpoints []model.CheckpointRecord) error
	GetCheckpoints(ctx context.Context, runID string) ([]model.CheckpointRecord, bool, error)
}
