package model

// Tensor is a dense row-major parameter block.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Parameters is the serializable form of an estimator's learned state.
type Parameters struct {
	Kind        string               `json:"kind"`
	Tensors     map[string]Tensor    `json:"tensors,omitempty"`
	Table       map[string][]float64 `json:"table,omitempty"`
	UpdateCount int64                `json:"update_count"`
}

func (p Parameters) Clone() Parameters {
	out := Parameters{Kind: p.Kind, UpdateCount: p.UpdateCount}
	if p.Tensors != nil {
		out.Tensors = make(map[string]Tensor, len(p.Tensors))
		for name, tensor := range p.Tensors {
			out.Tensors[name] = tensor.Clone()
		}
	}
	if p.Table != nil {
		out.Table = make(map[string][]float64, len(p.Table))
		for key, values := range p.Table {
			out.Table[key] = append([]float64(nil), values...)
		}
	}
	return out
}

type EpisodeRecord struct {
	Episode  int     `json:"episode"`
	Return   float64 `json:"return"`
	Length   int     `json:"length"`
	Score    int     `json:"score"`
	Epsilon  float64 `json:"epsilon"`
	MeanLoss float64 `json:"mean_loss"`
	Updates  int     `json:"updates"`
	Aborted  bool    `json:"aborted,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

type RunRecord struct {
	VersionedRecord
	ID           string  `json:"id"`
	AgentKind    string  `json:"agent_kind"`
	Seed         int64   `json:"seed"`
	Status       string  `json:"status"`
	StopReason   string  `json:"stop_reason,omitempty"`
	Episodes     int     `json:"episodes"`
	TotalSteps   int64   `json:"total_steps"`
	BestReturn   float64 `json:"best_return"`
	Checkpoint   string  `json:"checkpoint,omitempty"`
	CreatedAtUTC string  `json:"created_at_utc"`
	UpdatedAtUTC string  `json:"updated_at_utc"`
}

// CheckpointRecord indexes a checkpoint file written during a run.
type CheckpointRecord struct {
	Path       string  `json:"path"`
	Episode    int     `json:"episode"`
	TotalSteps int64   `json:"total_steps"`
	Return     float64 `json:"return"`
	Reason     string  `json:"reason"`
	WrittenUTC string  `json:"written_utc"`
}
