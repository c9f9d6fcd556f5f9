package flappyrl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"flappyrl/internal/agent"
	"flappyrl/internal/checkpoint"
	"flappyrl/internal/config"
	"flappyrl/internal/model"
	"flappyrl/internal/stats"
	"flappyrl/internal/storage"
	"flappyrl/internal/train"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "flappyrl.db"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       zerolog.Logger
}

type Client struct {
	store  storage.Store
	logger zerolog.Logger

	artifactsDir string
	exportsDir   string
}

type TrainRequest struct {
	Config config.Training
	RunID  string
	// ResumeRunID continues a run from its newest checkpoint under
	// Config.Checkpoint.Dir. ResumeFrom names a checkpoint file directly.
	ResumeRunID string
	ResumeFrom  string
	TraceEvery  int
	Observers   []train.Observer
}

type TrainSummary struct {
	RunID        string
	ArtifactsDir string
	Result       train.Result
	Summary      stats.RunSummary
}

type PlayRequest struct {
	Config     config.Training
	Checkpoint string
	RunID      string
	Seeds      []int64
	Episodes   int
	Workers    int
	MaxSteps   int
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	Status       string
	StopReason   string
	AgentKind    string
	Seed         int64
	Episodes     int
	TotalSteps   int64
	BestReturn   float64
	Checkpoint   string
	CreatedAtUTC string
	UpdatedAtUTC string
}

type HistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
	Window int
}

type HistoryResult struct {
	RunID         string
	Episodes      []model.EpisodeRecord
	MovingAverage []float64
	Returns       stats.Summary
	Checkpoints   []model.CheckpointRecord
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = "memory"
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:        store,
		logger:       opts.Logger.With().Str("component", "client").Logger(),
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// InitConfig writes the default training config to path as JSON or YAML,
// chosen by extension. An existing file is only replaced when force is set.
func InitConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config %s already exists", path)
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return config.Save(path, config.Default())
}

// Train runs one training session and writes its artifacts. The summary is
// returned even when training stops on an error, so callers can report how
// far it got.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	if req.ResumeRunID != "" && req.ResumeFrom != "" {
		return TrainSummary{}, errors.New("use either resume run id or resume checkpoint")
	}
	if err := c.store.Init(ctx); err != nil {
		return TrainSummary{}, err
	}

	cfg := req.Config
	var (
		resume     *checkpoint.Checkpoint
		resumePath string
	)
	switch {
	case req.ResumeRunID != "":
		cp, path, err := checkpoint.LoadLatest(cfg.Checkpoint.Dir, req.ResumeRunID)
		if err != nil {
			return TrainSummary{}, err
		}
		resume, resumePath = &cp, path
	case req.ResumeFrom != "":
		cp, err := checkpoint.Load(req.ResumeFrom)
		if err != nil {
			return TrainSummary{}, err
		}
		resume, resumePath = &cp, req.ResumeFrom
	}

	runID := req.RunID
	if resume != nil {
		// the checkpointed config wins except for the training limits
		limits := cfg
		cfg = resume.Config
		cfg.MaxEpisodes = limits.MaxEpisodes
		cfg.MaxSteps = limits.MaxSteps
		if limits.Checkpoint.Dir != "" {
			cfg.Checkpoint.Dir = limits.Checkpoint.Dir
		}
		runID = resume.RunID
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return TrainSummary{}, err
	}

	runDir := filepath.Join(c.artifactsDir, runID)
	observers := append([]train.Observer(nil), req.Observers...)
	var trace *stats.TraceWriter
	if req.TraceEvery > 0 {
		tw, err := stats.OpenTrace(runDir, req.TraceEvery)
		if err != nil {
			return TrainSummary{}, err
		}
		trace = tw
		observers = append(observers, tw)
	}

	ckpt := checkpoint.NewFileCheckpointer(cfg.Checkpoint.Dir)
	if resumePath != "" {
		ckpt.Remember(resumePath)
	}
	trainer, err := train.New(train.Options{
		Config:       cfg,
		RunID:        runID,
		Checkpointer: ckpt,
		Store:        c.store,
		Logger:       c.logger,
		Observers:    observers,
		Resume:       resume,
	})
	if err != nil {
		if trace != nil {
			_ = trace.Close()
		}
		return TrainSummary{}, err
	}

	result, runErr := trainer.Run(ctx)
	if trace != nil {
		if err := trace.Close(); err != nil {
			c.logger.Warn().Err(err).Str("run_id", runID).Msg("trace incomplete")
		}
	}

	summary, err := c.writeArtifacts(context.WithoutCancel(ctx), cfg, result)
	if err != nil {
		return summary, errors.Join(runErr, err)
	}
	return summary, runErr
}

func (c *Client) writeArtifacts(ctx context.Context, cfg config.Training, result train.Result) (TrainSummary, error) {
	out := TrainSummary{RunID: result.RunID, Result: result}
	run, ok, err := c.store.GetRun(ctx, result.RunID)
	if err != nil {
		return out, err
	}
	if !ok {
		return out, fmt.Errorf("run %s was not recorded", result.RunID)
	}
	episodes, _, err := c.store.GetEpisodes(ctx, result.RunID)
	if err != nil {
		return out, err
	}
	checkpoints, _, err := c.store.GetCheckpoints(ctx, result.RunID)
	if err != nil {
		return out, err
	}

	window := cfg.EarlyStop.Window
	if window <= 0 {
		window = 100
	}
	out.Summary = stats.SummarizeRun(run, episodes, window)
	runDir, err := stats.WriteRunArtifacts(c.artifactsDir, stats.RunArtifacts{
		RunID:       run.ID,
		Config:      cfg,
		Summary:     out.Summary,
		Episodes:    episodes,
		Checkpoints: checkpoints,
	})
	if err != nil {
		return out, err
	}
	out.ArtifactsDir = filepath.Clean(runDir)

	if err := stats.AppendRunIndex(c.artifactsDir, stats.RunIndexEntry{
		RunID:        run.ID,
		AgentKind:    run.AgentKind,
		Seed:         run.Seed,
		Episodes:     run.Episodes,
		TotalSteps:   run.TotalSteps,
		BestReturn:   run.BestReturn,
		StopReason:   run.StopReason,
		CreatedAtUTC: run.CreatedAtUTC,
	}); err != nil {
		return out, err
	}
	return out, nil
}

// Play evaluates a policy greedily. The policy comes from Checkpoint, from
// the newest checkpoint of RunID, or, when neither is set, is built fresh
// from Config.
func (c *Client) Play(ctx context.Context, req PlayRequest) (train.EvalResult, error) {
	if req.Checkpoint != "" && req.RunID != "" {
		return train.EvalResult{}, errors.New("use either checkpoint or run id")
	}

	cfg := req.Config
	var params *model.Parameters
	switch {
	case req.Checkpoint != "":
		cp, err := checkpoint.Load(req.Checkpoint)
		if err != nil {
			return train.EvalResult{}, err
		}
		cfg, params = cp.Config, &cp.Params
	case req.RunID != "":
		cp, _, err := checkpoint.LoadLatest(cfg.Checkpoint.Dir, req.RunID)
		if err != nil {
			return train.EvalResult{}, err
		}
		cfg, params = cp.Config, &cp.Params
	}
	if err := cfg.Validate(); err != nil {
		return train.EvalResult{}, err
	}

	est, err := agent.New(cfg)
	if err != nil {
		return train.EvalResult{}, err
	}
	if params != nil {
		if err := est.Load(*params); err != nil {
			return train.EvalResult{}, err
		}
	}

	seeds := req.Seeds
	if len(seeds) == 0 {
		n := req.Episodes
		if n <= 0 {
			n = 1
		}
		seeds = make([]int64, n)
		for i := range seeds {
			seeds[i] = cfg.Seed + int64(i)
		}
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = cfg.MaxEpisodeSteps
	}
	return train.Evaluate(ctx, train.EvalOptions{
		Config:    cfg.Environment,
		Estimator: est,
		Seeds:     seeds,
		Workers:   req.Workers,
		MaxSteps:  maxSteps,
		Logger:    c.logger,
	})
}

func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.store.Init(ctx); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) > req.Limit {
		runs = runs[:req.Limit]
	}

	out := make([]RunItem, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunItem{
			RunID:        r.ID,
			Status:       r.Status,
			StopReason:   r.StopReason,
			AgentKind:    r.AgentKind,
			Seed:         r.Seed,
			Episodes:     r.Episodes,
			TotalSteps:   r.TotalSteps,
			BestReturn:   r.BestReturn,
			Checkpoint:   r.Checkpoint,
			CreatedAtUTC: r.CreatedAtUTC,
			UpdatedAtUTC: r.UpdatedAtUTC,
		})
	}
	return out, nil
}

// History returns a run's episode records with their moving average. Limit
// keeps the most recent episodes; the summary covers the whole run.
func (c *Client) History(ctx context.Context, req HistoryRequest) (HistoryResult, error) {
	if req.RunID != "" && req.Latest {
		return HistoryResult{}, errors.New("use either run id or latest")
	}
	if req.Limit < 0 {
		return HistoryResult{}, errors.New("limit must be >= 0")
	}
	if err := c.store.Init(ctx); err != nil {
		return HistoryResult{}, err
	}

	runID := req.RunID
	if req.Latest {
		runs, err := c.store.ListRuns(ctx)
		if err != nil {
			return HistoryResult{}, err
		}
		if len(runs) == 0 {
			return HistoryResult{}, errors.New("no runs available")
		}
		runID = runs[0].ID
	}
	if runID == "" {
		return HistoryResult{}, errors.New("history requires run id or latest")
	}

	episodes, ok, err := c.store.GetEpisodes(ctx, runID)
	if err != nil {
		return HistoryResult{}, err
	}
	if !ok {
		return HistoryResult{}, fmt.Errorf("history not found for run id: %s", runID)
	}
	checkpoints, _, err := c.store.GetCheckpoints(ctx, runID)
	if err != nil {
		return HistoryResult{}, err
	}

	window := req.Window
	if window <= 0 {
		window = 100
	}
	returns := stats.Returns(episodes)
	avg := stats.MovingAverage(returns, window)
	out := HistoryResult{
		RunID:       runID,
		Returns:     stats.Summarize(returns),
		Checkpoints: checkpoints,
	}
	if req.Limit > 0 && len(episodes) > req.Limit {
		start := len(episodes) - req.Limit
		episodes, avg = episodes[start:], avg[start:]
	}
	out.Episodes = episodes
	out.MovingAverage = avg
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	c.logger.Info().Str("run_id", runID).Str("dir", exportedDir).Msg("run exported")
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}
