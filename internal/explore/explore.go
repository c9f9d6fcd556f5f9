package explore

import (
	"fmt"
	"math"
	"math/rand"

	"flappyrl/internal/config"
	"flappyrl/internal/scape"
)

// Schedule maps an elapsed step count to an exploration rate. Implementations
// are non-increasing in step and never drop below their floor.
type Schedule interface {
	Epsilon(step int64) float64
}

type Constant struct {
	Value float64
}

func (c Constant) Epsilon(int64) float64 {
	return c.Value
}

// Linear anneals from Initial to Final over DecaySteps steps.
type Linear struct {
	Initial    float64
	Final      float64
	DecaySteps int64
}

func (l Linear) Epsilon(step int64) float64 {
	if step <= 0 {
		return l.Initial
	}
	if l.DecaySteps <= 0 || step >= l.DecaySteps {
		return l.Final
	}
	frac := float64(step) / float64(l.DecaySteps)
	return l.Initial + (l.Final-l.Initial)*frac
}

// Exponential decays the excess over Final by exp(-Rate*step).
type Exponential struct {
	Initial float64
	Final   float64
	Rate    float64
}

func (e Exponential) Epsilon(step int64) float64 {
	if step <= 0 {
		return e.Initial
	}
	eps := e.Final + (e.Initial-e.Final)*math.Exp(-e.Rate*float64(step))
	return math.Max(eps, e.Final)
}

// Decision is handed to the estimator for one action selection. RandomAction
// is drawn up front so that estimators stay deterministic.
type Decision struct {
	Explore      bool         `json:"explore"`
	Epsilon      float64      `json:"epsilon"`
	RandomAction scape.Action `json:"random_action"`
}

// Greedy never explores.
func Greedy() Decision {
	return Decision{}
}

// Strategy owns the exploration rng and the step counter; epsilon is a pure
// function of that counter.
type Strategy struct {
	schedule Schedule
	seed     int64
	rng      *rand.Rand
	step     int64
}

func New(schedule Schedule, seed int64) *Strategy {
	return &Strategy{
		schedule: schedule,
		seed:     seed,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func FromConfig(cfg config.Exploration, seed int64) (*Strategy, error) {
	var schedule Schedule
	switch cfg.Schedule {
	case config.ScheduleLinear:
		schedule = Linear{Initial: cfg.Initial, Final: cfg.Final, DecaySteps: cfg.DecaySteps}
	case config.ScheduleExponential:
		schedule = Exponential{Initial: cfg.Initial, Final: cfg.Final, Rate: cfg.DecayRate}
	case config.ScheduleConstant:
		schedule = Constant{Value: cfg.Initial}
	default:
		return nil, fmt.Errorf("unsupported exploration schedule: %s", cfg.Schedule)
	}
	return New(schedule, seed), nil
}

// Decide draws a decision at the current step and advances the counter.
func (s *Strategy) Decide() Decision {
	d := s.DecideAt(s.step)
	s.step++
	return d
}

// DecideAt draws a decision for an explicit step without moving the counter.
// Both random draws happen on every call so the rng stream does not depend on
// epsilon.
func (s *Strategy) DecideAt(step int64) Decision {
	eps := s.schedule.Epsilon(step)
	roll := s.rng.Float64()
	action := scape.Action(s.rng.Intn(scape.NumActions))
	return Decision{Explore: roll < eps, Epsilon: eps, RandomAction: action}
}

func (s *Strategy) Epsilon() float64 {
	return s.schedule.Epsilon(s.step)
}

func (s *Strategy) Step() int64 {
	return s.step
}

// SetStep restores the counter, used when resuming from a checkpoint.
func (s *Strategy) SetStep(step int64) {
	if step < 0 {
		step = 0
	}
	s.step = step
}

// Reset rewinds the counter and the rng for a new training run.
func (s *Strategy) Reset() {
	s.step = 0
	s.rng.Seed(s.seed)
}
