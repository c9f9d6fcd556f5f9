package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"flappyrl/internal/model"
)

var ErrShapeMismatch = errors.New("tensor shape mismatch")

// MLP is a fully connected feed-forward network. Hidden layers share one
// activation; the output layer is linear.
type MLP struct {
	sizes      []int
	activation Activation
	weights    []*mat.Dense
	biases     []*mat.VecDense
}

// NewMLP builds a network with layer widths sizes (input first, output
// last) and Glorot-uniform weights drawn from rng.
func NewMLP(sizes []int, activation string, rng *rand.Rand) (*MLP, error) {
	if len(sizes) < 2 {
		return nil, fmt.Errorf("mlp needs at least input and output layers, got %v", sizes)
	}
	for _, n := range sizes {
		if n <= 0 {
			return nil, fmt.Errorf("mlp layer widths must be positive, got %v", sizes)
		}
	}
	act, err := GetActivation(activation)
	if err != nil {
		return nil, err
	}

	m := &MLP{
		sizes:      append([]int(nil), sizes...),
		activation: act,
		weights:    make([]*mat.Dense, len(sizes)-1),
		biases:     make([]*mat.VecDense, len(sizes)-1),
	}
	for l := 0; l < len(sizes)-1; l++ {
		in, out := sizes[l], sizes[l+1]
		limit := math.Sqrt(6.0 / float64(in+out))
		data := make([]float64, out*in)
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * limit
		}
		m.weights[l] = mat.NewDense(out, in, data)
		m.biases[l] = mat.NewVecDense(out, nil)
	}
	return m, nil
}

func (m *MLP) Sizes() []int {
	return append([]int(nil), m.sizes...)
}

func (m *MLP) Activation() string {
	return m.activation.Name
}

// Forward evaluates the network. It allocates its own buffers and may be
// called concurrently with other Forward calls.
func (m *MLP) Forward(input []float64) []float64 {
	_, as := m.forward(input)
	return as[len(as)-1].RawVector().Data
}

func (m *MLP) forward(input []float64) ([]*mat.VecDense, []*mat.VecDense) {
	layers := len(m.weights)
	zs := make([]*mat.VecDense, layers)
	as := make([]*mat.VecDense, layers+1)
	as[0] = mat.NewVecDense(len(input), append([]float64(nil), input...))
	for l := 0; l < layers; l++ {
		z := mat.NewVecDense(m.sizes[l+1], nil)
		z.MulVec(m.weights[l], as[l])
		z.AddVec(z, m.biases[l])
		zs[l] = z

		a := mat.VecDenseCopyOf(z)
		if l < layers-1 {
			raw := a.RawVector().Data
			for i := range raw {
				raw[i] = m.activation.Func(raw[i])
			}
		}
		as[l+1] = a
	}
	return zs, as
}

// Gradients accumulates parameter gradients across a batch.
type Gradients struct {
	Weights []*mat.Dense
	Biases  []*mat.VecDense
}

func (m *MLP) NewGradients() *Gradients {
	g := &Gradients{
		Weights: make([]*mat.Dense, len(m.weights)),
		Biases:  make([]*mat.VecDense, len(m.biases)),
	}
	for l := range m.weights {
		r, c := m.weights[l].Dims()
		g.Weights[l] = mat.NewDense(r, c, nil)
		g.Biases[l] = mat.NewVecDense(r, nil)
	}
	return g
}

func (g *Gradients) Zero() {
	for l := range g.Weights {
		g.Weights[l].Zero()
		g.Biases[l].Zero()
	}
}

// Norm is the L2 norm over every accumulated gradient entry.
func (g *Gradients) Norm() float64 {
	var sum float64
	for l := range g.Weights {
		w := g.Weights[l].RawMatrix().Data
		b := g.Biases[l].RawVector().Data
		sum += floats.Dot(w, w) + floats.Dot(b, b)
	}
	return math.Sqrt(sum)
}

// Backward runs one sample through the network and adds the gradient of the
// loss with respect to the parameters into g, given dOut, the gradient of the
// loss with respect to the output.
func (m *MLP) Backward(g *Gradients, input, dOut []float64) error {
	if len(input) != m.sizes[0] {
		return fmt.Errorf("%w: input has %d values, want %d", ErrShapeMismatch, len(input), m.sizes[0])
	}
	if len(dOut) != m.sizes[len(m.sizes)-1] {
		return fmt.Errorf("%w: output gradient has %d values, want %d", ErrShapeMismatch, len(dOut), m.sizes[len(m.sizes)-1])
	}
	zs, as := m.forward(input)

	delta := mat.NewVecDense(len(dOut), append([]float64(nil), dOut...))
	for l := len(m.weights) - 1; l >= 0; l-- {
		g.Weights[l].RankOne(g.Weights[l], 1, delta, as[l])
		g.Biases[l].AddVec(g.Biases[l], delta)
		if l == 0 {
			break
		}
		next := mat.NewVecDense(m.sizes[l], nil)
		next.MulVec(m.weights[l].T(), delta)
		raw := next.RawVector().Data
		z := zs[l-1].RawVector().Data
		a := as[l].RawVector().Data
		for i := range raw {
			raw[i] *= m.activation.Derivative(z[i], a[i])
		}
		delta = next
	}
	return nil
}

// Apply takes one gradient step of size lr. When clip is positive the
// gradient is rescaled so its global norm does not exceed clip.
func (m *MLP) Apply(g *Gradients, lr, clip float64) {
	scale := 1.0
	if clip > 0 {
		if norm := g.Norm(); norm > clip {
			scale = clip / norm
		}
	}
	for l := range m.weights {
		floats.AddScaled(m.weights[l].RawMatrix().Data, -lr*scale, g.Weights[l].RawMatrix().Data)
		floats.AddScaled(m.biases[l].RawVector().Data, -lr*scale, g.Biases[l].RawVector().Data)
	}
}

func (m *MLP) Clone() *MLP {
	out := &MLP{
		sizes:      append([]int(nil), m.sizes...),
		activation: m.activation,
		weights:    make([]*mat.Dense, len(m.weights)),
		biases:     make([]*mat.VecDense, len(m.biases)),
	}
	for l := range m.weights {
		out.weights[l] = mat.DenseCopyOf(m.weights[l])
		out.biases[l] = mat.VecDenseCopyOf(m.biases[l])
	}
	return out
}

// CopyFrom overwrites m's parameters with src's. Both must share a shape.
func (m *MLP) CopyFrom(src *MLP) {
	for l := range m.weights {
		m.weights[l].Copy(src.weights[l])
		m.biases[l].CopyVec(src.biases[l])
	}
}

func (m *MLP) AllFinite() bool {
	for l := range m.weights {
		for _, v := range m.weights[l].RawMatrix().Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
		for _, v := range m.biases[l].RawVector().Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Tensors exports copies of the parameters keyed w0,b0,w1,b1,...
func (m *MLP) Tensors(prefix string) map[string]model.Tensor {
	out := make(map[string]model.Tensor, 2*len(m.weights))
	for l := range m.weights {
		r, c := m.weights[l].Dims()
		out[fmt.Sprintf("%sw%d", prefix, l)] = model.Tensor{
			Shape: []int{r, c},
			Data:  append([]float64(nil), m.weights[l].RawMatrix().Data...),
		}
		out[fmt.Sprintf("%sb%d", prefix, l)] = model.Tensor{
			Shape: []int{r},
			Data:  append([]float64(nil), m.biases[l].RawVector().Data...),
		}
	}
	return out
}

// SetTensors loads parameters previously produced by Tensors. Nothing is
// modified unless every tensor matches the network shape.
func (m *MLP) SetTensors(prefix string, tensors map[string]model.Tensor) error {
	for l := range m.weights {
		r, c := m.weights[l].Dims()
		w, ok := tensors[fmt.Sprintf("%sw%d", prefix, l)]
		if !ok || len(w.Data) != r*c || !sameShape(w.Shape, r, c) {
			return fmt.Errorf("%w: layer %d weights", ErrShapeMismatch, l)
		}
		b, ok := tensors[fmt.Sprintf("%sb%d", prefix, l)]
		if !ok || len(b.Data) != r || !sameShape(b.Shape, r) {
			return fmt.Errorf("%w: layer %d biases", ErrShapeMismatch, l)
		}
	}
	for l := range m.weights {
		copy(m.weights[l].RawMatrix().Data, tensors[fmt.Sprintf("%sw%d", prefix, l)].Data)
		copy(m.biases[l].RawVector().Data, tensors[fmt.Sprintf("%sb%d", prefix, l)].Data)
	}
	return nil
}

func sameShape(shape []int, dims ...int) bool {
	if len(shape) != len(dims) {
		return false
	}
	for i := range dims {
		if shape[i] != dims[i] {
			return false
		}
	}
	return true
}
