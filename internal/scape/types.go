package scape

import (
	"errors"
	"fmt"
	"math"
)

type Action int

const (
	NoOp Action = iota
	Flap
)

// NumActions is the size of the closed action set.
const NumActions = 2

func (a Action) Valid() bool {
	return a == NoOp || a == Flap
}

func (a Action) String() string {
	switch a {
	case NoOp:
		return "noop"
	case Flap:
		return "flap"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction accepts "noop"/"flap" or the numeric index.
func ParseAction(raw string) (Action, error) {
	switch raw {
	case "noop", "no-op", "0":
		return NoOp, nil
	case "flap", "1":
		return Flap, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAction, raw)
	}
}

type Collision int

const (
	CollisionNone Collision = iota
	CollisionCeiling
	CollisionFloor
	CollisionPipe
)

func (c Collision) String() string {
	switch c {
	case CollisionNone:
		return "none"
	case CollisionCeiling:
		return "ceiling"
	case CollisionFloor:
		return "floor"
	case CollisionPipe:
		return "pipe"
	default:
		return fmt.Sprintf("collision(%d)", int(c))
	}
}

var (
	ErrInvalidConfig = errors.New("invalid environment config")
	ErrEpisodeDone   = errors.New("step after episode end without reset")
	ErrNotReset      = errors.New("step before first reset")
	ErrInvalidAction = errors.New("invalid action")
)

// InvariantError reports misuse of the step/reset contract.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("environment %s: %v", e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// IsInvariant reports whether err is an environment contract violation.
func IsInvariant(err error) bool {
	var invariant *InvariantError
	return errors.As(err, &invariant)
}

// NumFeatures is the length of State.Vector.
const NumFeatures = 9

const velocityScale = 10.0

type PipeView struct {
	DX        float64 `json:"dx"`
	GapTop    float64 `json:"gap_top"`
	GapBottom float64 `json:"gap_bottom"`
}

// State is a by-value snapshot of the environment at observation time.
type State struct {
	BirdY           float64     `json:"bird_y"`
	Velocity        float64     `json:"velocity"`
	CeilingDistance float64     `json:"ceiling_distance"`
	FloorDistance   float64     `json:"floor_distance"`
	Pipes           [2]PipeView `json:"pipes"`
	Width           float64     `json:"width"`
	Height          float64     `json:"height"`
}

// Vector returns the normalized feature vector. Gap edges are expressed
// relative to the bird so that the features are translation invariant.
func (s State) Vector() []float64 {
	width, height := s.Width, s.Height
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	birdTop := s.CeilingDistance
	birdBottom := height - s.FloorDistance

	out := make([]float64, 0, NumFeatures)
	out = append(out,
		s.CeilingDistance/height,
		s.FloorDistance/height,
		s.Velocity/velocityScale,
	)
	for _, p := range s.Pipes {
		out = append(out,
			p.DX/width,
			(p.GapTop-birdTop)/height,
			(p.GapBottom-birdBottom)/height,
		)
	}
	return out
}

type Info struct {
	Frame     int       `json:"frame"`
	Score     int       `json:"score"`
	Passed    int       `json:"passed"`
	Collision Collision `json:"collision"`
	Speed     float64   `json:"speed"`
}

type StepResult struct {
	State  State   `json:"state"`
	Reward float64 `json:"reward"`
	Done   bool    `json:"done"`
	Info   Info    `json:"info"`
}

type Rewards struct {
	Alive     float64 `json:"alive" yaml:"alive"`
	Pass      float64 `json:"pass" yaml:"pass"`
	WallCrash float64 `json:"wall_crash" yaml:"wall_crash"`
	PipeCrash float64 `json:"pipe_crash" yaml:"pipe_crash"`
}

func DefaultRewards() Rewards {
	return Rewards{Alive: 0.1, Pass: 5, WallCrash: -10, PipeCrash: -3}
}

type Config struct {
	Width         float64 `json:"width" yaml:"width"`
	Height        float64 `json:"height" yaml:"height"`
	BirdX         float64 `json:"bird_x" yaml:"bird_x"`
	BirdWidth     float64 `json:"bird_width" yaml:"bird_width"`
	BirdHeight    float64 `json:"bird_height" yaml:"bird_height"`
	StartY        float64 `json:"start_y" yaml:"start_y"`
	StartVelocity float64 `json:"start_velocity" yaml:"start_velocity"`
	Gravity       float64 `json:"gravity" yaml:"gravity"`
	FlapVelocity  float64 `json:"flap_velocity" yaml:"flap_velocity"`
	MaxFallSpeed  float64 `json:"max_fall_speed" yaml:"max_fall_speed"`
	// PipeWidth is the drawn width. Collisions and passes use the centered
	// hitbox of PipeWidth*HitboxShrink; a pipe is removed only after the full
	// drawn width leaves the screen.
	PipeWidth     float64 `json:"pipe_width" yaml:"pipe_width"`
	HitboxShrink  float64 `json:"hitbox_shrink" yaml:"hitbox_shrink"`
	PipeGap       float64 `json:"pipe_gap" yaml:"pipe_gap"`
	MinPipeHeight float64 `json:"min_pipe_height" yaml:"min_pipe_height"`
	PipeSpeed     float64 `json:"pipe_speed" yaml:"pipe_speed"`
	SpeedUpEvery  int     `json:"speed_up_every" yaml:"speed_up_every"`
	PipeSpacing   float64 `json:"pipe_spacing" yaml:"pipe_spacing"`
	FirstPipeX    float64 `json:"first_pipe_x" yaml:"first_pipe_x"`
	Rewards       Rewards `json:"rewards" yaml:"rewards"`
}

// DefaultConfig mirrors the 800x600 game at 30 frames per second.
func DefaultConfig() Config {
	return Config{
		Width:         800,
		Height:        600,
		BirdX:         100,
		BirdWidth:     40,
		BirdHeight:    30,
		StartY:        300,
		Gravity:       0.5,
		FlapVelocity:  -8,
		PipeWidth:     180,
		HitboxShrink:  0.2,
		PipeGap:       150,
		MinPipeHeight: 50,
		PipeSpeed:     3,
		SpeedUpEvery:  5,
		PipeSpacing:   300,
		FirstPipeX:    800,
		Rewards:       DefaultRewards(),
	}
}

func (c Config) Validate() error {
	values := []struct {
		name  string
		value float64
	}{
		{"width", c.Width}, {"height", c.Height}, {"bird_x", c.BirdX},
		{"bird_width", c.BirdWidth}, {"bird_height", c.BirdHeight},
		{"start_y", c.StartY}, {"start_velocity", c.StartVelocity},
		{"gravity", c.Gravity}, {"flap_velocity", c.FlapVelocity},
		{"max_fall_speed", c.MaxFallSpeed}, {"pipe_width", c.PipeWidth},
		{"hitbox_shrink", c.HitboxShrink}, {"pipe_gap", c.PipeGap},
		{"min_pipe_height", c.MinPipeHeight}, {"pipe_speed", c.PipeSpeed},
		{"pipe_spacing", c.PipeSpacing}, {"first_pipe_x", c.FirstPipeX},
	}
	for _, v := range values {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidConfig, v.name)
		}
	}
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: world size must be positive", ErrInvalidConfig)
	case c.BirdWidth <= 0 || c.BirdHeight <= 0:
		return fmt.Errorf("%w: bird size must be positive", ErrInvalidConfig)
	case c.BirdX < 0 || c.BirdX+c.BirdWidth > c.Width:
		return fmt.Errorf("%w: bird_x outside world", ErrInvalidConfig)
	case c.StartY <= 0 || c.StartY+c.BirdHeight >= c.Height:
		return fmt.Errorf("%w: start_y must place the bird strictly inside the world", ErrInvalidConfig)
	case c.Gravity < 0:
		return fmt.Errorf("%w: gravity must be >= 0", ErrInvalidConfig)
	case c.MaxFallSpeed < 0:
		return fmt.Errorf("%w: max_fall_speed must be >= 0", ErrInvalidConfig)
	case c.PipeWidth <= 0:
		return fmt.Errorf("%w: pipe_width must be positive", ErrInvalidConfig)
	case c.HitboxShrink <= 0 || c.HitboxShrink > 1:
		return fmt.Errorf("%w: hitbox_shrink must be in (0,1]", ErrInvalidConfig)
	case c.PipeGap <= c.BirdHeight:
		return fmt.Errorf("%w: pipe_gap must exceed bird_height", ErrInvalidConfig)
	case c.MinPipeHeight < 0:
		return fmt.Errorf("%w: min_pipe_height must be >= 0", ErrInvalidConfig)
	case c.Height-c.PipeGap-2*c.MinPipeHeight < 0:
		return fmt.Errorf("%w: pipe_gap and min_pipe_height do not fit in height", ErrInvalidConfig)
	case c.PipeSpeed <= 0:
		return fmt.Errorf("%w: pipe_speed must be positive", ErrInvalidConfig)
	case c.SpeedUpEvery < 0:
		return fmt.Errorf("%w: speed_up_every must be >= 0", ErrInvalidConfig)
	case c.PipeSpacing <= 0:
		return fmt.Errorf("%w: pipe_spacing must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) maxPipes() int {
	return int((c.Width+c.PipeWidth)/c.PipeSpacing) + 3
}
