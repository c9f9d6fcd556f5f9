package agent

import (
	"fmt"

	"flappyrl/internal/config"
	"flappyrl/internal/explore"
	"flappyrl/internal/model"
	"flappyrl/internal/replay"
	"flappyrl/internal/scape"
)

// Constant always prefers one action and never learns. It serves as a
// scripted baseline.
type Constant struct {
	action scape.Action
}

func NewConstant(action scape.Action) *Constant {
	return &Constant{action: action}
}

func (c *Constant) Kind() string {
	return config.AgentConstant
}

func (c *Constant) Predict(scape.State) []float64 {
	out := make([]float64, scape.NumActions)
	out[c.action] = 1
	return out
}

func (c *Constant) SelectAction(s scape.State, d explore.Decision) scape.Action {
	return selectAction(c.Predict(s), d)
}

func (c *Constant) Update([]replay.Transition) (float64, error) {
	return 0, nil
}

func (c *Constant) Parameters() model.Parameters {
	return model.Parameters{
		Kind:  c.Kind(),
		Table: map[string][]float64{"action": {float64(c.action)}},
	}
}

func (c *Constant) Load(p model.Parameters) error {
	if p.Kind != c.Kind() {
		return fmt.Errorf("%w: kind %q, want %q", ErrParamsMismatch, p.Kind, c.Kind())
	}
	if row, ok := p.Table["action"]; ok && len(row) == 1 {
		action := scape.Action(int(row[0]))
		if !action.Valid() {
			return fmt.Errorf("%w: action %d", ErrParamsMismatch, int(action))
		}
		c.action = action
	}
	return nil
}
