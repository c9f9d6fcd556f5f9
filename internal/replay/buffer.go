package replay

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"flappyrl/internal/scape"
)

// Transition is one environment step, stored by value.
type Transition struct {
	State     scape.State  `json:"state"`
	Action    scape.Action `json:"action"`
	Reward    float64      `json:"reward"`
	NextState scape.State  `json:"next_state"`
	Done      bool         `json:"done"`
}

var (
	ErrInvalidCapacity  = errors.New("buffer capacity must be greater than zero")
	ErrInvalidSample    = errors.New("sample size must be greater than zero")
	ErrInsufficientData = errors.New("insufficient data in replay buffer")
)

type InsufficientDataError struct {
	Requested int
	Available int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%v: requested %d, have %d", ErrInsufficientData, e.Requested, e.Available)
}

func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

// Experience is the buffer surface the trainer depends on.
type Experience interface {
	Push(Transition)
	Sample(n int) ([]Transition, error)
	Len() int
	Capacity() int
}

var (
	_ Experience = (*Buffer)(nil)
	_ Experience = (*Synced)(nil)
)

// Buffer is a fixed-capacity ring of transitions with FIFO eviction. It is
// not safe for concurrent use; wrap it in Synced for that.
type Buffer struct {
	items    []Transition
	head     int
	size     int
	rng      *rand.Rand
	swapped  map[int]int
	capacity int
}

func New(capacity int, seed int64) (*Buffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Buffer{
		items:    make([]Transition, capacity),
		rng:      rand.New(rand.NewSource(seed)),
		capacity: capacity,
	}, nil
}

// Push appends t, overwriting the oldest entry when full.
func (b *Buffer) Push(t Transition) {
	idx := (b.head + b.size) % b.capacity
	if b.size == b.capacity {
		b.items[b.head] = t
		b.head = (b.head + 1) % b.capacity
		return
	}
	b.items[idx] = t
	b.size++
}

// Sample draws n transitions at distinct positions, uniformly at random.
// Buffer contents and order are left untouched.
func (b *Buffer) Sample(n int) ([]Transition, error) {
	if n <= 0 {
		return nil, ErrInvalidSample
	}
	if n > b.size {
		return nil, &InsufficientDataError{Requested: n, Available: b.size}
	}

	// partial Fisher-Yates over the logical positions; swapped holds only the
	// positions displaced so far, so a draw costs O(n) regardless of size
	if b.swapped == nil {
		b.swapped = make(map[int]int, n)
	}
	clear(b.swapped)
	at := func(k int) int {
		if v, ok := b.swapped[k]; ok {
			return v
		}
		return k
	}
	out := make([]Transition, n)
	for i := 0; i < n; i++ {
		j := i + b.rng.Intn(b.size-i)
		picked := at(j)
		b.swapped[j] = at(i)
		out[i] = b.items[(b.head+picked)%b.capacity]
	}
	return out, nil
}

func (b *Buffer) Len() int {
	return b.size
}

func (b *Buffer) Capacity() int {
	return b.capacity
}

// Snapshot copies the contents from oldest to newest.
func (b *Buffer) Snapshot() []Transition {
	out := make([]Transition, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.head+i)%b.capacity]
	}
	return out
}

// Synced serializes access to a Buffer shared by several rollout goroutines.
type Synced struct {
	mu  sync.Mutex
	buf *Buffer
}

func NewSynced(buf *Buffer) *Synced {
	return &Synced{buf: buf}
}

func (s *Synced) Push(t Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Push(t)
}

func (s *Synced) Sample(n int) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Sample(n)
}

func (s *Synced) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

func (s *Synced) Capacity() int {
	return s.buf.Capacity()
}

func (s *Synced) Snapshot() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Snapshot()
}
