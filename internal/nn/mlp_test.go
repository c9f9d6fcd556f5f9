package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func squaredLoss(m *MLP, input, target []float64) float64 {
	out := m.Forward(input)
	var loss float64
	for i := range out {
		d := out[i] - target[i]
		loss += 0.5 * d * d
	}
	return loss
}

func TestMLPBackwardMatchesFiniteDifference(t *testing.T) {
	for _, activation := range []string{"tanh", "sigmoid", "softplus"} {
		m, err := NewMLP([]int{3, 4, 2}, activation, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatalf("new mlp: %v", err)
		}
		input := []float64{0.2, -0.5, 0.9}
		target := []float64{0.3, -0.1}

		out := m.Forward(input)
		dOut := []float64{out[0] - target[0], out[1] - target[1]}
		grads := m.NewGradients()
		if err := m.Backward(grads, input, dOut); err != nil {
			t.Fatalf("backward: %v", err)
		}

		const h = 1e-6
		for l := range m.weights {
			raw := m.weights[l].RawMatrix().Data
			gw := grads.Weights[l].RawMatrix().Data
			for i := range raw {
				orig := raw[i]
				raw[i] = orig + h
				up := squaredLoss(m, input, target)
				raw[i] = orig - h
				down := squaredLoss(m, input, target)
				raw[i] = orig
				numeric := (up - down) / (2 * h)
				if math.Abs(numeric-gw[i]) > 1e-5 {
					t.Fatalf("%s layer %d weight %d: analytic %f numeric %f", activation, l, i, gw[i], numeric)
				}
			}
		}
	}
}

func TestMLPApplyReducesLoss(t *testing.T) {
	m, err := NewMLP([]int{2, 8, 1}, "tanh", rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatalf("new mlp: %v", err)
	}
	samples := [][]float64{{0, 0}, {0, 1}, {1, 0}, {1, 1}}
	targets := []float64{0, 1, 1, 2}

	total := func() float64 {
		var sum float64
		for i, s := range samples {
			sum += squaredLoss(m, s, []float64{targets[i]})
		}
		return sum
	}

	before := total()
	grads := m.NewGradients()
	for epoch := 0; epoch < 300; epoch++ {
		grads.Zero()
		for i, s := range samples {
			out := m.Forward(s)
			if err := m.Backward(grads, s, []float64{out[0] - targets[i]}); err != nil {
				t.Fatalf("backward: %v", err)
			}
		}
		m.Apply(grads, 0.05, 0)
	}
	if after := total(); after >= before*0.5 {
		t.Fatalf("expected loss to drop by half, before=%f after=%f", before, after)
	}
}

func TestMLPApplyClipsGradientNorm(t *testing.T) {
	m, err := NewMLP([]int{1, 1}, "identity", rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new mlp: %v", err)
	}
	before := m.weights[0].At(0, 0)
	grads := m.NewGradients()
	grads.Weights[0].Set(0, 0, 100)
	m.Apply(grads, 1, 0.5)
	if delta := before - m.weights[0].At(0, 0); math.Abs(delta-0.5) > 1e-12 {
		t.Fatalf("expected clipped step of 0.5, got %f", delta)
	}
}

func TestMLPTensorsRoundTripAndClone(t *testing.T) {
	src, err := NewMLP([]int{3, 5, 2}, "relu", rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("new mlp: %v", err)
	}
	dst, err := NewMLP([]int{3, 5, 2}, "relu", rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("new mlp: %v", err)
	}
	if err := dst.SetTensors("", src.Tensors("")); err != nil {
		t.Fatalf("set tensors: %v", err)
	}
	input := []float64{0.1, 0.2, 0.3}
	a, b := src.Forward(input), dst.Forward(input)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("outputs differ after load: %v vs %v", a, b)
		}
	}

	clone := src.Clone()
	src.weights[0].Set(0, 0, 42)
	if clone.weights[0].At(0, 0) == 42 {
		t.Fatal("clone shares weights with source")
	}
}

func TestMLPSetTensorsRejectsWrongShape(t *testing.T) {
	m, err := NewMLP([]int{2, 3, 1}, "relu", rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new mlp: %v", err)
	}
	before := m.Forward([]float64{1, 1})

	other, err := NewMLP([]int{2, 4, 1}, "relu", rand.New(rand.NewSource(9)))
	if err != nil {
		t.Fatalf("new mlp: %v", err)
	}
	if err := m.SetTensors("", other.Tensors("")); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
	after := m.Forward([]float64{1, 1})
	if before[0] != after[0] {
		t.Fatal("failed load modified parameters")
	}
}

func TestMLPAllFinite(t *testing.T) {
	m, err := NewMLP([]int{2, 2}, "identity", rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new mlp: %v", err)
	}
	if !m.AllFinite() {
		t.Fatal("expected fresh network to be finite")
	}
	m.biases[0].SetVec(1, math.Inf(1))
	if m.AllFinite() {
		t.Fatal("expected infinite bias to be detected")
	}
}

func TestNewMLPRejectsUnknownActivation(t *testing.T) {
	if _, err := NewMLP([]int{2, 2}, "swish", rand.New(rand.NewSource(1))); !errors.Is(err, ErrActivationNotFound) {
		t.Fatalf("expected activation error, got %v", err)
	}
}
