package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"flappyrl/internal/scape"
)

var ErrInvalid = errors.New("invalid training config")

// Error names the offending field of a rejected config.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrInvalid, e.Field, e.Reason)
}

func (e *Error) Is(target error) bool {
	return target == ErrInvalid
}

func invalid(field, format string, args ...any) error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

const (
	ScheduleLinear      = "linear"
	ScheduleExponential = "exponential"
	ScheduleConstant    = "constant"

	AgentTabular  = "tabular"
	AgentLinear   = "linear"
	AgentDQN      = "dqn"
	AgentConstant = "constant"
)

type Exploration struct {
	Schedule   string  `json:"schedule" yaml:"schedule"`
	Initial    float64 `json:"initial" yaml:"initial"`
	Final      float64 `json:"final" yaml:"final"`
	DecaySteps int64   `json:"decay_steps" yaml:"decay_steps"`
	DecayRate  float64 `json:"decay_rate" yaml:"decay_rate"`
}

type Checkpoint struct {
	Dir    string `json:"dir" yaml:"dir"`
	OnBest bool   `json:"on_best" yaml:"on_best"`
	Every  int    `json:"every" yaml:"every"`
}

// EarlyStop ends training once the moving average of returns over Window
// episodes stays at or above Threshold for Patience consecutive episodes.
// Patience 0 disables it.
type EarlyStop struct {
	Window    int     `json:"window" yaml:"window"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Patience  int     `json:"patience" yaml:"patience"`
}

type Agent struct {
	Kind               string  `json:"kind" yaml:"kind"`
	HiddenLayers       []int   `json:"hidden_layers" yaml:"hidden_layers"`
	Activation         string  `json:"activation" yaml:"activation"`
	Bins               int     `json:"bins" yaml:"bins"`
	TargetSyncInterval int     `json:"target_sync_interval" yaml:"target_sync_interval"`
	GradClip           float64 `json:"grad_clip" yaml:"grad_clip"`
	Action             string  `json:"action" yaml:"action"`
}

type Training struct {
	LearningRate    float64      `json:"learning_rate" yaml:"learning_rate"`
	DiscountFactor  float64      `json:"discount_factor" yaml:"discount_factor"`
	BufferCapacity  int          `json:"buffer_capacity" yaml:"buffer_capacity"`
	BatchSize       int          `json:"batch_size" yaml:"batch_size"`
	UpdateInterval  int          `json:"update_interval" yaml:"update_interval"`
	Exploration     Exploration  `json:"exploration" yaml:"exploration"`
	MaxEpisodes     int          `json:"max_episodes" yaml:"max_episodes"`
	MaxSteps        int64        `json:"max_steps" yaml:"max_steps"`
	MaxEpisodeSteps int          `json:"max_episode_steps" yaml:"max_episode_steps"`
	Seed            int64        `json:"seed" yaml:"seed"`
	Checkpoint      Checkpoint   `json:"checkpoint" yaml:"checkpoint"`
	EarlyStop       EarlyStop    `json:"early_stop" yaml:"early_stop"`
	Agent           Agent        `json:"agent" yaml:"agent"`
	Environment     scape.Config `json:"environment" yaml:"environment"`
}

func Default() Training {
	return Training{
		LearningRate:   0.001,
		DiscountFactor: 0.99,
		BufferCapacity: 50000,
		BatchSize:      32,
		UpdateInterval: 4,
		Exploration: Exploration{
			Schedule:   ScheduleLinear,
			Initial:    1.0,
			Final:      0.01,
			DecaySteps: 100000,
			DecayRate:  0.0001,
		},
		MaxEpisodes:     1000,
		MaxEpisodeSteps: 20000,
		Seed:            1,
		Checkpoint: Checkpoint{
			Dir:    "checkpoints",
			OnBest: true,
			Every:  50,
		},
		EarlyStop: EarlyStop{Window: 100},
		Agent: Agent{
			Kind:               AgentDQN,
			HiddenLayers:       []int{32, 32},
			Activation:         "relu",
			Bins:               8,
			TargetSyncInterval: 500,
			GradClip:           1.0,
			Action:             "noop",
		},
		Environment: scape.DefaultConfig(),
	}
}

func (c Training) Validate() error {
	switch {
	case !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0):
		return invalid("learning_rate", "must be a positive finite number, got %v", c.LearningRate)
	case !(c.DiscountFactor >= 0 && c.DiscountFactor < 1):
		return invalid("discount_factor", "must be in [0,1), got %v", c.DiscountFactor)
	case c.BufferCapacity <= 0:
		return invalid("buffer_capacity", "must be > 0, got %d", c.BufferCapacity)
	case c.BatchSize <= 0:
		return invalid("batch_size", "must be > 0, got %d", c.BatchSize)
	case c.BatchSize > c.BufferCapacity:
		return invalid("batch_size", "must not exceed buffer_capacity (%d > %d)", c.BatchSize, c.BufferCapacity)
	case c.UpdateInterval <= 0:
		return invalid("update_interval", "must be > 0, got %d", c.UpdateInterval)
	case c.MaxEpisodes < 0:
		return invalid("max_episodes", "must be >= 0, got %d", c.MaxEpisodes)
	case c.MaxSteps < 0:
		return invalid("max_steps", "must be >= 0, got %d", c.MaxSteps)
	case c.MaxEpisodes == 0 && c.MaxSteps == 0:
		return invalid("max_episodes", "max_episodes or max_steps must bound training")
	case c.MaxEpisodeSteps < 0:
		return invalid("max_episode_steps", "must be >= 0, got %d", c.MaxEpisodeSteps)
	case c.Checkpoint.Every < 0:
		return invalid("checkpoint.every", "must be >= 0, got %d", c.Checkpoint.Every)
	case (c.Checkpoint.OnBest || c.Checkpoint.Every > 0) && strings.TrimSpace(c.Checkpoint.Dir) == "":
		return invalid("checkpoint.dir", "required when checkpointing is enabled")
	case c.EarlyStop.Patience < 0:
		return invalid("early_stop.patience", "must be >= 0, got %d", c.EarlyStop.Patience)
	case c.EarlyStop.Patience > 0 && c.EarlyStop.Window <= 0:
		return invalid("early_stop.window", "must be > 0 when patience is set, got %d", c.EarlyStop.Window)
	}
	if err := c.Exploration.validate(); err != nil {
		return err
	}
	if err := c.Agent.validate(); err != nil {
		return err
	}
	if err := c.Environment.Validate(); err != nil {
		return invalid("environment", "%v", err)
	}
	return nil
}

func (e Exploration) validate() error {
	switch {
	case !(e.Initial >= 0 && e.Initial <= 1):
		return invalid("exploration.initial", "must be in [0,1], got %v", e.Initial)
	case !(e.Final >= 0 && e.Final <= e.Initial):
		return invalid("exploration.final", "must be in [0, initial], got %v", e.Final)
	}
	switch e.Schedule {
	case ScheduleLinear:
		if e.DecaySteps < 0 {
			return invalid("exploration.decay_steps", "must be >= 0, got %d", e.DecaySteps)
		}
	case ScheduleExponential:
		if !(e.DecayRate >= 0) || math.IsInf(e.DecayRate, 0) {
			return invalid("exploration.decay_rate", "must be a finite number >= 0, got %v", e.DecayRate)
		}
	case ScheduleConstant:
	default:
		return invalid("exploration.schedule", "unsupported schedule %q", e.Schedule)
	}
	return nil
}

func (a Agent) validate() error {
	switch a.Kind {
	case AgentTabular:
		if a.Bins < 2 {
			return invalid("agent.bins", "must be >= 2, got %d", a.Bins)
		}
	case AgentLinear, AgentDQN:
		if a.TargetSyncInterval < 0 {
			return invalid("agent.target_sync_interval", "must be >= 0, got %d", a.TargetSyncInterval)
		}
		if a.GradClip < 0 {
			return invalid("agent.grad_clip", "must be >= 0, got %v", a.GradClip)
		}
		if a.Kind == AgentDQN {
			if len(a.HiddenLayers) == 0 {
				return invalid("agent.hidden_layers", "at least one hidden layer is required")
			}
			for _, width := range a.HiddenLayers {
				if width <= 0 {
					return invalid("agent.hidden_layers", "layer widths must be > 0, got %v", a.HiddenLayers)
				}
			}
			if strings.TrimSpace(a.Activation) == "" {
				return invalid("agent.activation", "required for dqn")
			}
		}
	case AgentConstant:
		if _, err := scape.ParseAction(a.Action); err != nil {
			return invalid("agent.action", "%v", err)
		}
	default:
		return invalid("agent.kind", "unsupported agent kind %q", a.Kind)
	}
	return nil
}

// Load reads a JSON or YAML file over Default and validates the result.
func Load(path string) (Training, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Training{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Training{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Training{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	default:
		return Training{}, invalid("path", "unsupported config extension %q", filepath.Ext(path))
	}
	if err := cfg.Validate(); err != nil {
		return Training{}, err
	}
	return cfg, nil
}

// Save writes cfg in the format implied by the path extension.
func Save(path string, cfg Training) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		return invalid("path", "unsupported config extension %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv overrides fields from FLAPPY_* variables found via lookup.
func ApplyEnv(cfg *Training, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	floatVar := func(key, field string, dst *float64) error {
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			return nil
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return invalid(field, "%s: %v", key, err)
		}
		*dst = v
		return nil
	}
	intVar := func(key, field string, dst *int64) error {
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			return nil
		}
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return invalid(field, "%s: %v", key, err)
		}
		*dst = v
		return nil
	}

	bufferCapacity := int64(cfg.BufferCapacity)
	batchSize := int64(cfg.BatchSize)
	maxEpisodes := int64(cfg.MaxEpisodes)
	for _, apply := range []func() error{
		func() error { return floatVar("FLAPPY_LEARNING_RATE", "learning_rate", &cfg.LearningRate) },
		func() error { return floatVar("FLAPPY_DISCOUNT_FACTOR", "discount_factor", &cfg.DiscountFactor) },
		func() error { return intVar("FLAPPY_BUFFER_CAPACITY", "buffer_capacity", &bufferCapacity) },
		func() error { return intVar("FLAPPY_BATCH_SIZE", "batch_size", &batchSize) },
		func() error { return intVar("FLAPPY_MAX_EPISODES", "max_episodes", &maxEpisodes) },
		func() error { return intVar("FLAPPY_MAX_STEPS", "max_steps", &cfg.MaxSteps) },
		func() error { return intVar("FLAPPY_SEED", "seed", &cfg.Seed) },
	} {
		if err := apply(); err != nil {
			return err
		}
	}
	cfg.BufferCapacity = int(bufferCapacity)
	cfg.BatchSize = int(batchSize)
	cfg.MaxEpisodes = int(maxEpisodes)

	if raw, ok := lookup("FLAPPY_AGENT_KIND"); ok && strings.TrimSpace(raw) != "" {
		cfg.Agent.Kind = strings.ToLower(strings.TrimSpace(raw))
	}
	if raw, ok := lookup("FLAPPY_CHECKPOINT_DIR"); ok && strings.TrimSpace(raw) != "" {
		cfg.Checkpoint.Dir = strings.TrimSpace(raw)
	}
	return nil
}
