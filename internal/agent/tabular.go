package agent

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"flappyrl/internal/config"
	"flappyrl/internal/explore"
	"flappyrl/internal/model"
	"flappyrl/internal/replay"
	"flappyrl/internal/scape"
)

type TabularOptions struct {
	Bins         int
	LearningRate float64
	Discount     float64
}

// Tabular is a Q-table over discretized state features. Every feature is
// clamped to [-1, 1] and split into Bins equal buckets; unseen cells read as
// zero.
type Tabular struct {
	mu      sync.RWMutex
	opts    TabularOptions
	table   map[string][]float64
	updates int64
}

func NewTabular(opts TabularOptions) (*Tabular, error) {
	if opts.Bins < 2 {
		return nil, fmt.Errorf("tabular bins must be >= 2, got %d", opts.Bins)
	}
	if !(opts.LearningRate > 0) {
		return nil, fmt.Errorf("tabular learning rate must be > 0, got %v", opts.LearningRate)
	}
	return &Tabular{opts: opts, table: make(map[string][]float64)}, nil
}

func (t *Tabular) Kind() string {
	return config.AgentTabular
}

func (t *Tabular) key(s scape.State) string {
	features := s.Vector()
	buf := make([]byte, 0, len(features)*3)
	for i, v := range features {
		if i > 0 {
			buf = append(buf, ',')
		}
		v = math.Max(-1, math.Min(1, v))
		bin := int((v + 1) / 2 * float64(t.opts.Bins))
		if bin >= t.opts.Bins {
			bin = t.opts.Bins - 1
		}
		buf = strconv.AppendInt(buf, int64(bin), 10)
	}
	return string(buf)
}

func (t *Tabular) lookup(s scape.State) []float64 {
	out := make([]float64, scape.NumActions)
	if row, ok := t.table[t.key(s)]; ok {
		copy(out, row)
	}
	return out
}

func (t *Tabular) Predict(s scape.State) []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookup(s)
}

func (t *Tabular) SelectAction(s scape.State, d explore.Decision) scape.Action {
	return selectAction(t.Predict(s), d)
}

// Update applies one Q-learning backup per transition, in batch order.
func (t *Tabular) Update(batch []replay.Transition) (float64, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	backup := make(map[string][]float64)
	var loss float64
	for _, tr := range batch {
		target := tr.Reward
		if !tr.Done {
			target += t.opts.Discount * maxValue(t.lookup(tr.NextState))
		}
		key := t.key(tr.State)
		row, ok := t.table[key]
		if _, saved := backup[key]; !saved {
			if ok {
				backup[key] = append([]float64(nil), row...)
			} else {
				backup[key] = nil
			}
		}
		if !ok {
			row = make([]float64, scape.NumActions)
			t.table[key] = row
		}
		td := target - row[tr.Action]
		row[tr.Action] += t.opts.LearningRate * td
		loss += td * td
	}
	loss /= float64(len(batch))

	diverged := !finite(loss)
	for key := range backup {
		for _, v := range t.table[key] {
			if !finite(v) {
				diverged = true
			}
		}
	}
	if diverged {
		for key, row := range backup {
			if row == nil {
				delete(t.table, key)
				continue
			}
			t.table[key] = row
		}
		return loss, &DivergenceError{Kind: t.Kind(), Update: t.updates + 1}
	}
	t.updates++
	return loss, nil
}

func (t *Tabular) Parameters() model.Parameters {
	t.mu.RLock()
	defer t.mu.RUnlock()

	table := make(map[string][]float64, len(t.table))
	for key, row := range t.table {
		table[key] = append([]float64(nil), row...)
	}
	return model.Parameters{Kind: t.Kind(), Table: table, UpdateCount: t.updates}
}

func (t *Tabular) Load(p model.Parameters) error {
	if p.Kind != t.Kind() {
		return fmt.Errorf("%w: kind %q, want %q", ErrParamsMismatch, p.Kind, t.Kind())
	}
	table := make(map[string][]float64, len(p.Table))
	for key, row := range p.Table {
		if len(row) != scape.NumActions {
			return fmt.Errorf("%w: row %s has %d values", ErrParamsMismatch, key, len(row))
		}
		for _, q := range row {
			if !finite(q) {
				return fmt.Errorf("%w: row %s has non-finite value", ErrParamsMismatch, key)
			}
		}
		table[key] = append([]float64(nil), row...)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.table = table
	t.updates = p.UpdateCount
	return nil
}

// Size reports how many state cells have been visited.
func (t *Tabular) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.table)
}
