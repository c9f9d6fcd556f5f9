package agent

import (
	"fmt"
	"math/rand"
	"sync"

	"flappyrl/internal/explore"
	"flappyrl/internal/model"
	"flappyrl/internal/nn"
	"flappyrl/internal/replay"
	"flappyrl/internal/scape"
)

const targetPrefix = "target."

type NetworkOptions struct {
	Kind         string
	HiddenLayers []int
	Activation   string
	LearningRate float64
	Discount     float64
	GradClip     float64
	// TargetSync is the number of successful updates between target
	// refreshes; 0 bootstraps from the live network.
	TargetSync int
	Seed       int64
}

// ValueNetwork estimates Q-values with an MLP. With no hidden layers it is a
// linear estimator, Q(s,a) = w_a·φ(s) + b_a.
type ValueNetwork struct {
	mu      sync.RWMutex
	opts    NetworkOptions
	online  *nn.MLP
	target  *nn.MLP
	grads   *nn.Gradients
	updates int64
}

func NewValueNetwork(opts NetworkOptions) (*ValueNetwork, error) {
	if !(opts.LearningRate > 0) {
		return nil, fmt.Errorf("%s learning rate must be > 0, got %v", opts.Kind, opts.LearningRate)
	}
	if opts.TargetSync < 0 {
		return nil, fmt.Errorf("%s target sync interval must be >= 0, got %d", opts.Kind, opts.TargetSync)
	}
	if opts.Activation == "" {
		opts.Activation = "identity"
	}
	sizes := make([]int, 0, len(opts.HiddenLayers)+2)
	sizes = append(sizes, scape.NumFeatures)
	sizes = append(sizes, opts.HiddenLayers...)
	sizes = append(sizes, scape.NumActions)

	online, err := nn.NewMLP(sizes, opts.Activation, rand.New(rand.NewSource(opts.Seed)))
	if err != nil {
		return nil, fmt.Errorf("%s network: %w", opts.Kind, err)
	}
	v := &ValueNetwork{
		opts:   opts,
		online: online,
		grads:  online.NewGradients(),
	}
	if opts.TargetSync > 0 {
		v.target = online.Clone()
	}
	return v, nil
}

func (v *ValueNetwork) Kind() string {
	return v.opts.Kind
}

func (v *ValueNetwork) Predict(s scape.State) []float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.online.Forward(s.Vector())
}

func (v *ValueNetwork) SelectAction(s scape.State, d explore.Decision) scape.Action {
	return selectAction(v.Predict(s), d)
}

// Update takes one gradient step on the mean squared TD error of the batch.
// Targets are computed from the pre-update parameters.
func (v *ValueNetwork) Update(batch []replay.Transition) (float64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	bootstrap := v.online
	if v.target != nil {
		bootstrap = v.target
	}

	backup := v.online.Clone()
	v.grads.Zero()
	var loss float64
	dOut := make([]float64, scape.NumActions)
	for _, tr := range batch {
		input := tr.State.Vector()
		q := v.online.Forward(input)
		target := tr.Reward
		if !tr.Done {
			target += v.opts.Discount * maxValue(bootstrap.Forward(tr.NextState.Vector()))
		}
		td := q[tr.Action] - target
		loss += td * td

		for i := range dOut {
			dOut[i] = 0
		}
		dOut[tr.Action] = td
		if err := v.online.Backward(v.grads, input, dOut); err != nil {
			return 0, err
		}
	}
	loss /= float64(len(batch))
	v.online.Apply(v.grads, v.opts.LearningRate/float64(len(batch)), v.opts.GradClip)

	if !finite(loss) || !v.online.AllFinite() {
		v.online.CopyFrom(backup)
		return loss, &DivergenceError{Kind: v.Kind(), Update: v.updates + 1}
	}
	v.updates++
	if v.target != nil && v.updates%int64(v.opts.TargetSync) == 0 {
		v.target.CopyFrom(v.online)
	}
	return loss, nil
}

func (v *ValueNetwork) Parameters() model.Parameters {
	v.mu.RLock()
	defer v.mu.RUnlock()

	tensors := v.online.Tensors("")
	if v.target != nil {
		for name, t := range v.target.Tensors(targetPrefix) {
			tensors[name] = t
		}
	}
	return model.Parameters{Kind: v.Kind(), Tensors: tensors, UpdateCount: v.updates}
}

// Load restores parameters from a checkpoint. A missing target snapshot is
// rebuilt from the online weights.
func (v *ValueNetwork) Load(p model.Parameters) error {
	if p.Kind != v.Kind() {
		return fmt.Errorf("%w: kind %q, want %q", ErrParamsMismatch, p.Kind, v.Kind())
	}
	online := v.online.Clone()
	if err := online.SetTensors("", p.Tensors); err != nil {
		return fmt.Errorf("%w: %v", ErrParamsMismatch, err)
	}
	var target *nn.MLP
	if v.target != nil {
		target = online.Clone()
		if _, ok := p.Tensors[targetPrefix+"w0"]; ok {
			if err := target.SetTensors(targetPrefix, p.Tensors); err != nil {
				return fmt.Errorf("%w: %v", ErrParamsMismatch, err)
			}
		}
	}
	if !online.AllFinite() {
		return fmt.Errorf("%w: non-finite weights", ErrParamsMismatch)
	}
	if target != nil && !target.AllFinite() {
		return fmt.Errorf("%w: non-finite target weights", ErrParamsMismatch)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.online = online
	v.target = target
	v.updates = p.UpdateCount
	return nil
}
