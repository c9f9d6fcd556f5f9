package scape

import (
	"context"
	"fmt"
)

type Fitness float64

type Trace map[string]any

type Agent interface {
	ID() string
}

// ActionAgent picks one action per observed state.
type ActionAgent interface {
	Agent
	Act(State) (Action, error)
}

type Scape interface {
	Name() string
	Evaluate(ctx context.Context, agent Agent) (Fitness, Trace, error)
}

// Environment is the reset/step contract driven by the trainer.
type Environment interface {
	Reset() State
	ResetWithSeed(seed int64) State
	Step(Action) (StepResult, error)
}

var _ Environment = (*Flappy)(nil)

// FlappyScape plays one episode from Seed and scores the agent by its return.
type FlappyScape struct {
	Config   Config
	Seed     int64
	MaxSteps int
}

func (FlappyScape) Name() string {
	return "flappy"
}

func (s FlappyScape) Evaluate(ctx context.Context, agent Agent) (Fitness, Trace, error) {
	actor, ok := agent.(ActionAgent)
	if !ok {
		return 0, nil, fmt.Errorf("agent %s does not implement action selection", agent.ID())
	}
	env, err := NewFlappy(s.Config, s.Seed)
	if err != nil {
		return 0, nil, err
	}

	state := env.ResetWithSeed(s.Seed)
	var (
		total     float64
		steps     int
		last      StepResult
		truncated bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		if s.MaxSteps > 0 && steps >= s.MaxSteps {
			truncated = true
			break
		}
		action, err := actor.Act(state)
		if err != nil {
			return 0, nil, fmt.Errorf("agent %s act: %w", agent.ID(), err)
		}
		last, err = env.Step(action)
		if err != nil {
			return 0, nil, err
		}
		total += last.Reward
		steps++
		state = last.State
		if last.Done {
			break
		}
	}

	return Fitness(total), Trace{
		"seed":      s.Seed,
		"return":    total,
		"steps":     steps,
		"score":     last.Info.Score,
		"collision": last.Info.Collision.String(),
		"truncated": truncated,
	}, nil
}
