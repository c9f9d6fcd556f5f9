package train

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"flappyrl/internal/agent"
	"flappyrl/internal/checkpoint"
	"flappyrl/internal/config"
	"flappyrl/internal/explore"
	"flappyrl/internal/model"
	"flappyrl/internal/replay"
	"flappyrl/internal/scape"
	"flappyrl/internal/storage"
)

const (
	StopMaxEpisodes = "max_episodes"
	StopMaxSteps    = "max_steps"
	StopEarly       = "early_stop"
	StopCanceled    = "canceled"
	StopFatal       = "fatal"
)

type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseUpdating
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseUpdating:
		return "updating"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// FatalError stops a run. Checkpoint is the last good checkpoint path, empty
// when none had been written yet.
type FatalError struct {
	Component  string
	Checkpoint string
	Err        error
}

func (e *FatalError) Error() string {
	if e.Checkpoint == "" {
		return fmt.Sprintf("%s failed: %v", e.Component, e.Err)
	}
	return fmt.Sprintf("%s failed (last good checkpoint %s): %v", e.Component, e.Checkpoint, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

type StepEvent struct {
	Episode    int          `json:"episode"`
	Step       int          `json:"step"`
	TotalSteps int64        `json:"total_steps"`
	Action     scape.Action `json:"action"`
	Reward     float64      `json:"reward"`
	Done       bool         `json:"done"`
	Epsilon    float64      `json:"epsilon"`
	Explored   bool         `json:"explored"`
	State      scape.State  `json:"state"`
	Score      int          `json:"score"`
}

// Observer receives every transition and every finished episode. Calls happen
// on the training goroutine.
type Observer interface {
	OnStep(StepEvent)
	OnEpisode(model.EpisodeRecord)
}

type Options struct {
	Config       config.Training
	RunID        string
	Env          scape.Environment
	Estimator    agent.Estimator
	Buffer       replay.Experience
	Strategy     *explore.Strategy
	Checkpointer checkpoint.Checkpointer
	Store        storage.Store
	Logger       zerolog.Logger
	Observers    []Observer
	Resume       *checkpoint.Checkpoint
	Now          func() time.Time
}

type Result struct {
	RunID          string                   `json:"run_id"`
	Episodes       int                      `json:"episodes"`
	TotalSteps     int64                    `json:"total_steps"`
	BestReturn     float64                  `json:"best_return"`
	StopReason     string                   `json:"stop_reason"`
	History        []model.EpisodeRecord    `json:"history"`
	Checkpoints    []model.CheckpointRecord `json:"checkpoints"`
	LastCheckpoint string                   `json:"last_checkpoint,omitempty"`
}

type Trainer struct {
	cfg       config.Training
	runID     string
	env       scape.Environment
	estimator agent.Estimator
	buffer    replay.Experience
	strategy  *explore.Strategy
	ckpt      checkpoint.Checkpointer
	store     storage.Store
	logger    zerolog.Logger
	observers []Observer
	now       func() time.Time

	phase atomic.Int32

	episode    int
	totalSteps int64
	bestReturn float64
	hasBest    bool
	streak     int
	createdAt  string

	history        []model.EpisodeRecord
	checkpoints    []model.CheckpointRecord
	lastCheckpoint string
}

// New validates the config and fills every collaborator the caller left nil.
// Seeds are derived from the config seed so that a run is reproducible.
func New(opts Options) (*Trainer, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:       cfg,
		runID:     opts.RunID,
		env:       opts.Env,
		estimator: opts.Estimator,
		buffer:    opts.Buffer,
		strategy:  opts.Strategy,
		ckpt:      opts.Checkpointer,
		store:     opts.Store,
		observers: opts.Observers,
		now:       opts.Now,
	}
	if t.env == nil {
		env, err := scape.NewFlappy(cfg.Environment, cfg.Seed)
		if err != nil {
			return nil, err
		}
		t.env = env
	}
	if t.estimator == nil {
		est, err := agent.New(cfg)
		if err != nil {
			return nil, err
		}
		t.estimator = est
	}
	if t.buffer == nil {
		buf, err := replay.New(cfg.BufferCapacity, cfg.Seed+1)
		if err != nil {
			return nil, err
		}
		t.buffer = buf
	}
	if t.strategy == nil {
		strategy, err := explore.FromConfig(cfg.Exploration, cfg.Seed+2)
		if err != nil {
			return nil, err
		}
		t.strategy = strategy
	}
	if t.ckpt == nil {
		t.ckpt = checkpoint.NewFileCheckpointer(cfg.Checkpoint.Dir)
	}
	if t.now == nil {
		t.now = time.Now
	}

	if r := opts.Resume; r != nil {
		if err := t.estimator.Load(r.Params); err != nil {
			return nil, fmt.Errorf("resume %s: %w", r.RunID, err)
		}
		t.strategy.SetStep(r.ExplorationStep)
		t.episode = r.Episode
		t.totalSteps = r.TotalSteps
		t.bestReturn = r.BestReturn
		t.hasBest = true
		if t.runID == "" {
			t.runID = r.RunID
		}
	}
	if t.runID == "" {
		t.runID = uuid.NewString()
	}
	t.logger = opts.Logger.With().Str("component", "trainer").Str("run_id", t.runID).Logger()
	return t, nil
}

func (t *Trainer) RunID() string {
	return t.runID
}

func (t *Trainer) Phase() Phase {
	return Phase(t.phase.Load())
}

func (t *Trainer) setPhase(p Phase) {
	t.phase.Store(int32(p))
}

// Run trains until an episode or step limit, early stop, cancellation or a
// fatal error. Cancellation is only observed between episodes.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	t.setPhase(PhaseRunning)
	defer t.setPhase(PhaseStopped)

	t.createdAt = t.timestamp()
	if t.store != nil {
		if err := t.store.Init(ctx); err != nil {
			return t.result(StopFatal), &FatalError{Component: "storage", Err: err}
		}
		if err := t.loadPrior(ctx); err != nil {
			return t.result(StopFatal), &FatalError{Component: "storage", Err: err}
		}
		if err := t.store.SaveRun(ctx, t.runRecord(model.RunStatusRunning, "")); err != nil {
			return t.result(StopFatal), &FatalError{Component: "storage", Err: err}
		}
	}

	t.logger.Info().
		Str("agent", t.estimator.Kind()).
		Int64("seed", t.cfg.Seed).
		Int("start_episode", t.episode).
		Int64("start_steps", t.totalSteps).
		Msg("training started")

	var (
		reason string
		runErr error
	)
	for {
		if reason = t.limitReached(); reason != "" {
			break
		}
		if err := ctx.Err(); err != nil {
			reason, runErr = StopCanceled, err
			break
		}

		rec, err := t.runEpisode()
		t.history = append(t.history, rec)
		for _, o := range t.observers {
			o.OnEpisode(rec)
		}
		if err != nil {
			reason, runErr = StopFatal, err
			break
		}

		if err := t.maybeCheckpoint(rec); err != nil {
			reason, runErr = StopFatal, err
			break
		}
		if t.earlyStop() {
			reason = StopEarly
			break
		}
	}

	result := t.result(reason)
	if err := t.persist(context.WithoutCancel(ctx), reason); err != nil {
		t.logger.Error().Err(err).Msg("persist run history")
		if runErr == nil {
			runErr = err
		}
	}

	ev := t.logger.Info()
	if runErr != nil && reason != StopCanceled {
		ev = t.logger.Error().Err(runErr)
	}
	ev.Str("stop_reason", reason).
		Int("episodes", t.episode).
		Int64("total_steps", t.totalSteps).
		Float64("best_return", t.bestReturn).
		Msg("training stopped")
	return result, runErr
}

func (t *Trainer) limitReached() string {
	switch {
	case t.cfg.MaxEpisodes > 0 && t.episode >= t.cfg.MaxEpisodes:
		return StopMaxEpisodes
	case t.cfg.MaxSteps > 0 && t.totalSteps >= t.cfg.MaxSteps:
		return StopMaxSteps
	}
	return ""
}

// runEpisode plays one episode. Environment failures abort the episode and
// are reported in the record; only fatal errors are returned, alongside the
// aborted record.
func (t *Trainer) runEpisode() (model.EpisodeRecord, error) {
	episode := t.episode + 1
	rec := model.EpisodeRecord{Episode: episode}
	state := t.env.ResetWithSeed(t.cfg.Seed + int64(episode))

	var (
		lossSum float64
		fatal   error
	)
	for {
		if t.cfg.MaxEpisodeSteps > 0 && rec.Length >= t.cfg.MaxEpisodeSteps {
			rec.Reason = "truncated"
			break
		}
		if t.cfg.MaxSteps > 0 && t.totalSteps >= t.cfg.MaxSteps {
			rec.Reason = StopMaxSteps
			break
		}

		decision := t.strategy.Decide()
		action := t.estimator.SelectAction(state, decision)
		res, err := t.env.Step(action)
		if err != nil {
			rec.Aborted = true
			rec.Reason = err.Error()
			t.logger.Warn().
				Err(err).
				Int("episode", episode).
				Int("step", rec.Length).
				Bool("invariant", scape.IsInvariant(err)).
				Msg("episode aborted")
			break
		}

		t.buffer.Push(replay.Transition{
			State:     state,
			Action:    action,
			Reward:    res.Reward,
			NextState: res.State,
			Done:      res.Done,
		})
		t.totalSteps++
		rec.Length++
		rec.Return += res.Reward
		rec.Score = res.Info.Score

		event := StepEvent{
			Episode:    episode,
			Step:       rec.Length,
			TotalSteps: t.totalSteps,
			Action:     action,
			Reward:     res.Reward,
			Done:       res.Done,
			Epsilon:    decision.Epsilon,
			Explored:   decision.Explore,
			State:      res.State,
			Score:      res.Info.Score,
		}
		for _, o := range t.observers {
			o.OnStep(event)
		}

		if t.buffer.Len() >= t.cfg.BatchSize && t.totalSteps%int64(t.cfg.UpdateInterval) == 0 {
			loss, updated, err := t.update()
			if err != nil {
				rec.Aborted = true
				rec.Reason = err.Error()
				if errors.Is(err, agent.ErrParameterDivergence) {
					fatal = t.recoverFromDivergence(err)
					break
				}
				t.logger.Warn().Err(err).Int("episode", episode).Msg("update failed, episode aborted")
				break
			}
			if updated {
				lossSum += loss
				rec.Updates++
			}
		}

		state = res.State
		if res.Done {
			rec.Reason = res.Info.Collision.String()
			break
		}
	}

	t.episode = episode
	rec.Epsilon = t.strategy.Epsilon()
	if rec.Updates > 0 {
		rec.MeanLoss = lossSum / float64(rec.Updates)
	}

	ev := t.logger.Debug().
		Int("episode", episode).
		Float64("return", rec.Return).
		Int("length", rec.Length).
		Int("score", rec.Score).
		Float64("epsilon", rec.Epsilon).
		Int("updates", rec.Updates)
	if table, ok := t.estimator.(interface{ Size() int }); ok {
		ev = ev.Int("table_cells", table.Size())
	}
	ev.Msg("episode finished")
	return rec, fatal
}

func (t *Trainer) update() (float64, bool, error) {
	t.setPhase(PhaseUpdating)
	defer t.setPhase(PhaseRunning)

	batch, err := t.buffer.Sample(t.cfg.BatchSize)
	if err != nil {
		if errors.Is(err, replay.ErrInsufficientData) {
			t.logger.Debug().Err(err).Msg("update skipped")
			return 0, false, nil
		}
		return 0, false, err
	}
	loss, err := t.estimator.Update(batch)
	if err != nil {
		return 0, false, err
	}
	return loss, true, nil
}

// recoverFromDivergence reloads the last good checkpoint into the estimator
// before reporting the failure.
func (t *Trainer) recoverFromDivergence(cause error) error {
	path := t.ckpt.LastGood()
	if path == "" {
		t.logger.Error().Err(cause).Msg("parameters diverged with no checkpoint to restore")
		return &FatalError{Component: "estimator", Err: cause}
	}
	c, err := checkpoint.Load(path)
	if err == nil {
		err = t.estimator.Load(c.Params)
	}
	if err != nil {
		t.logger.Error().Err(err).Str("checkpoint", path).Msg("restore after divergence failed")
		return &FatalError{Component: "estimator", Checkpoint: path, Err: errors.Join(cause, err)}
	}
	t.logger.Error().Err(cause).Str("checkpoint", path).Msg("parameters diverged, restored last good checkpoint")
	return &FatalError{Component: "estimator", Checkpoint: path, Err: cause}
}

func (t *Trainer) maybeCheckpoint(rec model.EpisodeRecord) error {
	newBest := !rec.Aborted && (!t.hasBest || rec.Return > t.bestReturn)
	if newBest {
		t.bestReturn = rec.Return
		t.hasBest = true
	}

	var reason string
	switch {
	case newBest && t.cfg.Checkpoint.OnBest:
		reason = checkpoint.ReasonBest
	case t.cfg.Checkpoint.Every > 0 && rec.Episode%t.cfg.Checkpoint.Every == 0:
		reason = checkpoint.ReasonPeriodic
	default:
		return nil
	}

	written := t.timestamp()
	path, err := t.ckpt.Save(checkpoint.Checkpoint{
		RunID:           t.runID,
		Episode:         t.episode,
		TotalSteps:      t.totalSteps,
		ExplorationStep: t.strategy.Step(),
		Epsilon:         t.strategy.Epsilon(),
		BestReturn:      t.bestReturn,
		Reason:          reason,
		Params:          t.estimator.Parameters(),
		Config:          t.cfg,
		CreatedAtUTC:    written,
	})
	if err != nil {
		return &FatalError{Component: "checkpoint", Checkpoint: t.ckpt.LastGood(), Err: err}
	}

	t.lastCheckpoint = path
	t.checkpoints = append(t.checkpoints, model.CheckpointRecord{
		Path:       path,
		Episode:    t.episode,
		TotalSteps: t.totalSteps,
		Return:     rec.Return,
		Reason:     reason,
		WrittenUTC: written,
	})
	t.logger.Info().
		Str("reason", reason).
		Str("path", path).
		Int("episode", t.episode).
		Float64("return", rec.Return).
		Msg("checkpoint written")
	return nil
}

// earlyStop tracks how many consecutive episodes the windowed mean return
// has stayed at or above the threshold.
func (t *Trainer) earlyStop() bool {
	es := t.cfg.EarlyStop
	if es.Patience <= 0 || len(t.history) < es.Window {
		return false
	}
	var sum float64
	for _, rec := range t.history[len(t.history)-es.Window:] {
		sum += rec.Return
	}
	if sum/float64(es.Window) >= es.Threshold {
		t.streak++
	} else {
		t.streak = 0
	}
	return t.streak >= es.Patience
}

func (t *Trainer) result(reason string) Result {
	return Result{
		RunID:          t.runID,
		Episodes:       t.episode,
		TotalSteps:     t.totalSteps,
		BestReturn:     t.bestReturn,
		StopReason:     reason,
		History:        append([]model.EpisodeRecord(nil), t.history...),
		Checkpoints:    append([]model.CheckpointRecord(nil), t.checkpoints...),
		LastCheckpoint: t.lastCheckpoint,
	}
}

func (t *Trainer) runRecord(status, reason string) model.RunRecord {
	return model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              t.runID,
		AgentKind:       t.estimator.Kind(),
		Seed:            t.cfg.Seed,
		Status:          status,
		StopReason:      reason,
		Episodes:        t.episode,
		TotalSteps:      t.totalSteps,
		BestReturn:      t.bestReturn,
		Checkpoint:      t.lastCheckpoint,
		CreatedAtUTC:    t.createdAt,
		UpdatedAtUTC:    t.timestamp(),
	}
}

// loadPrior picks up the stored history of a resumed run so that persisting
// at the end does not drop earlier episodes.
func (t *Trainer) loadPrior(ctx context.Context) error {
	run, ok, err := t.store.GetRun(ctx, t.runID)
	if err != nil || !ok {
		return err
	}
	t.createdAt = run.CreatedAtUTC
	episodes, _, err := t.store.GetEpisodes(ctx, t.runID)
	if err != nil {
		return err
	}
	checkpoints, _, err := t.store.GetCheckpoints(ctx, t.runID)
	if err != nil {
		return err
	}
	// a resume from an older checkpoint replays the episodes after it
	for _, rec := range episodes {
		if rec.Episode <= t.episode {
			t.history = append(t.history, rec)
		}
	}
	for _, rec := range checkpoints {
		if rec.Episode <= t.episode {
			t.checkpoints = append(t.checkpoints, rec)
		}
	}
	return nil
}

func (t *Trainer) persist(ctx context.Context, reason string) error {
	if t.store == nil {
		return nil
	}
	status := model.RunStatusCompleted
	switch reason {
	case StopFatal:
		status = model.RunStatusFailed
	case StopCanceled:
		status = model.RunStatusCanceled
	}
	if err := t.store.SaveEpisodes(ctx, t.runID, t.history); err != nil {
		return fmt.Errorf("save episodes: %w", err)
	}
	if err := t.store.SaveCheckpoints(ctx, t.runID, t.checkpoints); err != nil {
		return fmt.Errorf("save checkpoints: %w", err)
	}
	if err := t.store.SaveRun(ctx, t.runRecord(status, reason)); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (t *Trainer) timestamp() string {
	return t.now().UTC().Format(time.RFC3339)
}
