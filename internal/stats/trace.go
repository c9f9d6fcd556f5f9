package stats

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"flappyrl/internal/model"
	"flappyrl/internal/train"
)

const TraceFile = "trace.jsonl"

type traceLine struct {
	Kind    string               `json:"kind"`
	Step    *train.StepEvent     `json:"step,omitempty"`
	Episode *model.EpisodeRecord `json:"episode,omitempty"`
}

// TraceWriter streams training progress as JSON lines: every Nth step plus
// every finished episode. The first write error is kept and later writes are
// dropped.
type TraceWriter struct {
	mu    sync.Mutex
	every int
	buf   *bufio.Writer
	enc   *json.Encoder
	close func() error
	err   error
}

var _ train.Observer = (*TraceWriter)(nil)

func NewTraceWriter(w io.Writer, every int) *TraceWriter {
	if every <= 0 {
		every = 1
	}
	buf := bufio.NewWriter(w)
	return &TraceWriter{every: every, buf: buf, enc: json.NewEncoder(buf)}
}

// OpenTrace creates <runDir>/trace.jsonl, truncating an older trace.
func OpenTrace(runDir string, every int) (*TraceWriter, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.Create(filepath.Join(runDir, TraceFile))
	if err != nil {
		return nil, err
	}
	tw := NewTraceWriter(file, every)
	tw.close = file.Close
	return tw, nil
}

func (t *TraceWriter) OnStep(e train.StepEvent) {
	if e.Step%t.every != 0 && !e.Done {
		return
	}
	t.write(traceLine{Kind: "step", Step: &e})
}

func (t *TraceWriter) OnEpisode(rec model.EpisodeRecord) {
	t.write(traceLine{Kind: "episode", Episode: &rec})
}

func (t *TraceWriter) write(line traceLine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	t.err = t.enc.Encode(line)
}

func (t *TraceWriter) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close flushes buffered lines and closes the file opened by OpenTrace.
func (t *TraceWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.buf.Flush()
	if t.err == nil {
		t.err = err
	}
	if t.close != nil {
		if cerr := t.close(); cerr != nil && err == nil {
			err = cerr
		}
		t.close = nil
	}
	if err != nil {
		return err
	}
	return t.err
}

// ReadTrace decodes a trace file written by TraceWriter.
func ReadTrace(r io.Reader) ([]train.StepEvent, []model.EpisodeRecord, error) {
	var (
		steps    []train.StepEvent
		episodes []model.EpisodeRecord
	)
	dec := json.NewDecoder(r)
	for {
		var line traceLine
		if err := dec.Decode(&line); err != nil {
			if err == io.EOF {
				return steps, episodes, nil
			}
			return nil, nil, err
		}
		switch {
		case line.Step != nil:
			steps = append(steps, *line.Step)
		case line.Episode != nil:
			episodes = append(episodes, *line.Episode)
		}
	}
}
