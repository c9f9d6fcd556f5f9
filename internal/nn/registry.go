package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

type ActivationFunc func(x float64) float64

// DerivativeFunc returns d/dx of an activation given the pre-activation x and
// the already computed output y.
type DerivativeFunc func(x, y float64) float64

type Activation struct {
	Name       string
	Func       ActivationFunc
	Derivative DerivativeFunc
}

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]Activation
}{
	m: make(map[string]Activation),
}

func init() {
	initializeBuiltInActivations()
}

func initializeBuiltInActivations() {
	MustRegisterActivation(Activation{
		Name:       "identity",
		Func:       func(x float64) float64 { return x },
		Derivative: func(float64, float64) float64 { return 1 },
	})
	MustRegisterActivation(Activation{
		Name: "relu",
		Func: func(x float64) float64 {
			if x < 0 {
				return 0
			}
			return x
		},
		Derivative: func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		},
	})
	MustRegisterActivation(Activation{
		Name: "leaky_relu",
		Func: func(x float64) float64 {
			if x < 0 {
				return 0.01 * x
			}
			return x
		},
		Derivative: func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0.01
		},
	})
	MustRegisterActivation(Activation{
		Name:       "tanh",
		Func:       math.Tanh,
		Derivative: func(_, y float64) float64 { return 1 - y*y },
	})
	MustRegisterActivation(Activation{
		Name:       "sigmoid",
		Func:       func(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) },
		Derivative: func(_, y float64) float64 { return y * (1 - y) },
	})
	MustRegisterActivation(Activation{
		Name: "softplus",
		Func: func(x float64) float64 {
			if x > 30 {
				return x
			}
			return math.Log1p(math.Exp(x))
		},
		Derivative: func(x, _ float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) },
	})
}

func RegisterActivation(a Activation) error {
	if a.Name == "" {
		return errors.New("activation name is required")
	}
	if a.Func == nil {
		return errors.New("activation function is required")
	}
	if a.Derivative == nil {
		return fmt.Errorf("activation %s: derivative is required", a.Name)
	}

	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()

	if _, exists := activationRegistry.m[a.Name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, a.Name)
	}
	activationRegistry.m[a.Name] = a
	return nil
}

func MustRegisterActivation(a Activation) {
	if err := RegisterActivation(a); err != nil {
		panic(err)
	}
}

func GetActivation(name string) (Activation, error) {
	activationRegistry.mu.RLock()
	entry, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return Activation{}, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return entry, nil
}

func ListActivations() []string {
	activationRegistry.mu.RLock()
	defer activationRegistry.mu.RUnlock()

	names := make([]string, 0, len(activationRegistry.m))
	for name := range activationRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetActivationRegistryForTests() {
	activationRegistry.mu.Lock()
	activationRegistry.m = make(map[string]Activation)
	activationRegistry.mu.Unlock()
	initializeBuiltInActivations()
}
