package agent

import (
	"errors"
	"fmt"
	"math"

	"flappyrl/internal/config"
	"flappyrl/internal/explore"
	"flappyrl/internal/model"
	"flappyrl/internal/replay"
	"flappyrl/internal/scape"
)

var (
	ErrParameterDivergence = errors.New("parameter divergence")
	ErrParamsMismatch      = errors.New("parameters do not match estimator")
)

// DivergenceError reports non-finite parameters after an update. The
// estimator has already been rolled back to its pre-update parameters.
type DivergenceError struct {
	Kind   string
	Update int64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%v: %s estimator after update %d", ErrParameterDivergence, e.Kind, e.Update)
}

func (e *DivergenceError) Is(target error) bool {
	return target == ErrParameterDivergence
}

// Estimator maps states to per-action values and owns the only learned
// parameters in a training run. Predict, SelectAction and Parameters are safe
// to call concurrently with each other; Update and Load take exclusive access.
type Estimator interface {
	Kind() string
	Predict(s scape.State) []float64
	SelectAction(s scape.State, d explore.Decision) scape.Action
	Update(batch []replay.Transition) (float64, error)
	Parameters() model.Parameters
	Load(p model.Parameters) error
}

// New builds the estimator selected by cfg.Agent.Kind.
func New(cfg config.Training) (Estimator, error) {
	switch cfg.Agent.Kind {
	case config.AgentTabular:
		est, err := NewTabular(TabularOptions{
			Bins:         cfg.Agent.Bins,
			LearningRate: cfg.LearningRate,
			Discount:     cfg.DiscountFactor,
		})
		if err != nil {
			return nil, err
		}
		return est, nil
	case config.AgentLinear:
		est, err := NewValueNetwork(NetworkOptions{
			Kind:         config.AgentLinear,
			LearningRate: cfg.LearningRate,
			Discount:     cfg.DiscountFactor,
			GradClip:     cfg.Agent.GradClip,
			TargetSync:   cfg.Agent.TargetSyncInterval,
			Activation:   "identity",
			Seed:         cfg.Seed,
		})
		if err != nil {
			return nil, err
		}
		return est, nil
	case config.AgentDQN:
		est, err := NewValueNetwork(NetworkOptions{
			Kind:         config.AgentDQN,
			HiddenLayers: cfg.Agent.HiddenLayers,
			Activation:   cfg.Agent.Activation,
			LearningRate: cfg.LearningRate,
			Discount:     cfg.DiscountFactor,
			GradClip:     cfg.Agent.GradClip,
			TargetSync:   cfg.Agent.TargetSyncInterval,
			Seed:         cfg.Seed,
		})
		if err != nil {
			return nil, err
		}
		return est, nil
	case config.AgentConstant:
		action, err := scape.ParseAction(cfg.Agent.Action)
		if err != nil {
			return nil, err
		}
		return NewConstant(action), nil
	default:
		return nil, fmt.Errorf("unsupported agent kind: %s", cfg.Agent.Kind)
	}
}

func selectAction(values []float64, d explore.Decision) scape.Action {
	if d.Explore {
		return d.RandomAction
	}
	return argmax(values)
}

// argmax breaks ties toward the lowest action index.
func argmax(values []float64) scape.Action {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return scape.Action(best)
}

func maxValue(values []float64) float64 {
	best := math.Inf(-1)
	for _, v := range values {
		if v > best {
			best = v
		}
	}
	return best
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Player adapts an estimator to a greedy scape agent.
type Player struct {
	id        string
	estimator Estimator
}

func NewPlayer(id string, estimator Estimator) *Player {
	return &Player{id: id, estimator: estimator}
}

func (p *Player) ID() string {
	return p.id
}

func (p *Player) Act(s scape.State) (scape.Action, error) {
	return p.estimator.SelectAction(s, explore.Greedy()), nil
}
