package scape

import (
	"fmt"
	"math/rand"
)

// Flappy is the side-scrolling obstacle course. One Step is one frame at a
// fixed timestep; all quantities are in pixels and pixels per frame.
type Flappy struct {
	cfg Config
	rng *rand.Rand

	birdY    float64
	velocity float64
	pipes    []pipe
	score    int
	frame    int
	ready    bool
	done     bool
}

type pipe struct {
	x      float64
	gapTop float64
	scored bool
}

// NewFlappy validates cfg and returns an environment whose obstacle layout is
// drawn from its own rng seeded with seed. Reset must be called before Step.
func NewFlappy(cfg Config, seed int64) (*Flappy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Flappy{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		pipes: make([]pipe, 0, cfg.maxPipes()),
	}, nil
}

func (e *Flappy) Config() Config {
	return e.cfg
}

// Reset starts a new episode using the next values of the env's rng stream.
func (e *Flappy) Reset() State {
	e.birdY = e.cfg.StartY
	e.velocity = e.cfg.StartVelocity
	e.pipes = e.pipes[:0]
	e.score = 0
	e.frame = 0
	e.done = false
	e.ready = true

	e.pipes = append(e.pipes, pipe{x: e.cfg.FirstPipeX, gapTop: e.randomGapTop()})
	e.spawnPipes()
	return e.observe()
}

// ResetWithSeed reseeds the env rng and resets, so equal seeds give equal
// episodes under equal action sequences.
func (e *Flappy) ResetWithSeed(seed int64) State {
	e.rng.Seed(seed)
	return e.Reset()
}

func (e *Flappy) Step(action Action) (StepResult, error) {
	if !action.Valid() {
		return StepResult{}, &InvariantError{Op: "step", Err: fmt.Errorf("%w: %d", ErrInvalidAction, int(action))}
	}
	if !e.ready {
		return StepResult{}, &InvariantError{Op: "step", Err: ErrNotReset}
	}
	if e.done {
		return StepResult{}, &InvariantError{Op: "step", Err: ErrEpisodeDone}
	}

	if action == Flap {
		e.velocity = e.cfg.FlapVelocity
	}
	e.velocity += e.cfg.Gravity
	if e.cfg.MaxFallSpeed > 0 && e.velocity > e.cfg.MaxFallSpeed {
		e.velocity = e.cfg.MaxFallSpeed
	}
	e.birdY += e.velocity

	speed := e.speed()
	for i := range e.pipes {
		e.pipes[i].x -= speed
	}
	e.prunePipes()
	e.spawnPipes()
	e.frame++

	info := Info{Frame: e.frame, Speed: speed}
	if collision := e.collision(); collision != CollisionNone {
		e.done = true
		info.Collision = collision
		info.Score = e.score
		reward := e.cfg.Rewards.PipeCrash
		if collision != CollisionPipe {
			reward = e.cfg.Rewards.WallCrash
		}
		return StepResult{State: e.observe(), Reward: reward, Done: true, Info: info}, nil
	}

	passed := 0
	for i := range e.pipes {
		if e.pipes[i].scored {
			continue
		}
		_, right := e.hitboxX(e.pipes[i])
		if right < e.cfg.BirdX {
			e.pipes[i].scored = true
			e.score++
			passed++
		}
	}
	info.Passed = passed
	info.Score = e.score

	reward := e.cfg.Rewards.Alive + float64(passed)*e.cfg.Rewards.Pass
	return StepResult{State: e.observe(), Reward: reward, Info: info}, nil
}

// PipeCount reports how many obstacles are currently tracked.
func (e *Flappy) PipeCount() int {
	return len(e.pipes)
}

func (e *Flappy) speed() float64 {
	if e.cfg.SpeedUpEvery <= 0 {
		return e.cfg.PipeSpeed
	}
	return e.cfg.PipeSpeed + float64(e.score/e.cfg.SpeedUpEvery)
}

func (e *Flappy) randomGapTop() float64 {
	span := int(e.cfg.Height - e.cfg.PipeGap - 2*e.cfg.MinPipeHeight)
	return e.cfg.MinPipeHeight + float64(e.rng.Intn(span+1))
}

// prunePipes drops pipes once their full visual width has scrolled past the
// left edge. Pipes stay ordered by x, so only the front needs checking.
func (e *Flappy) prunePipes() {
	drop := 0
	for drop < len(e.pipes) {
		if e.pipes[drop].x+e.cfg.PipeWidth >= 0 {
			break
		}
		drop++
	}
	if drop == 0 {
		return
	}
	n := copy(e.pipes, e.pipes[drop:])
	e.pipes = e.pipes[:n]
}

func (e *Flappy) spawnPipes() {
	for len(e.pipes) > 0 && e.pipes[len(e.pipes)-1].x <= e.cfg.Width {
		last := e.pipes[len(e.pipes)-1]
		e.pipes = append(e.pipes, pipe{x: last.x + e.cfg.PipeSpacing, gapTop: e.randomGapTop()})
	}
}

func (e *Flappy) hitboxX(p pipe) (float64, float64) {
	width := e.cfg.PipeWidth * e.cfg.HitboxShrink
	left := p.x + (e.cfg.PipeWidth-width)/2
	return left, left + width
}

func (e *Flappy) collision() Collision {
	top := e.birdY
	bottom := e.birdY + e.cfg.BirdHeight
	if top <= 0 {
		return CollisionCeiling
	}
	if bottom >= e.cfg.Height {
		return CollisionFloor
	}

	bird := Box{MinX: e.cfg.BirdX, MinY: top, MaxX: e.cfg.BirdX + e.cfg.BirdWidth, MaxY: bottom}
	for _, p := range e.pipes {
		left, right := e.hitboxX(p)
		upper := Box{MinX: left, MinY: 0, MaxX: right, MaxY: p.gapTop}
		lower := Box{MinX: left, MinY: p.gapTop + e.cfg.PipeGap, MaxX: right, MaxY: e.cfg.Height}
		if bird.Touches(upper) || bird.Touches(lower) {
			return CollisionPipe
		}
	}
	return CollisionNone
}

func (e *Flappy) observe() State {
	state := State{
		BirdY:           e.birdY,
		Velocity:        e.velocity,
		CeilingDistance: e.birdY,
		FloorDistance:   e.cfg.Height - (e.birdY + e.cfg.BirdHeight),
		Width:           e.cfg.Width,
		Height:          e.cfg.Height,
	}

	ahead := 0
	for _, p := range e.pipes {
		if ahead == len(state.Pipes) {
			break
		}
		left, right := e.hitboxX(p)
		if right < e.cfg.BirdX {
			continue
		}
		state.Pipes[ahead] = PipeView{
			DX:        left - e.cfg.BirdX,
			GapTop:    p.gapTop,
			GapBottom: p.gapTop + e.cfg.PipeGap,
		}
		ahead++
	}
	for ; ahead < len(state.Pipes); ahead++ {
		mid := e.cfg.Height / 2
		state.Pipes[ahead] = PipeView{
			DX:        e.cfg.Width,
			GapTop:    mid - e.cfg.PipeGap/2,
			GapBottom: mid + e.cfg.PipeGap/2,
		}
	}
	return state
}

// Box is an axis-aligned bounding box with inclusive edges.
type Box struct {
	MinX, MinY, MaxX, MaxY float64
}

// Touches reports whether the boxes overlap or share an edge.
func (b Box) Touches(other Box) bool {
	return b.MinX <= other.MaxX && other.MinX <= b.MaxX &&
		b.MinY <= other.MaxY && other.MinY <= b.MaxY
}
