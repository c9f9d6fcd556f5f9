package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"flappyrl/internal/config"
	"flappyrl/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

const (
	ReasonBest     = "best"
	ReasonPeriodic = "periodic"
)

var (
	ErrVersionMismatch = errors.New("checkpoint version mismatch")
	ErrCheckpointIO    = errors.New("checkpoint io failure")
	ErrNoCheckpoint    = errors.New("no checkpoint found")
)

// Checkpoint is everything needed to resume or replay a training run.
type Checkpoint struct {
	model.VersionedRecord
	RunID           string           `json:"run_id"`
	Episode         int              `json:"episode"`
	TotalSteps      int64            `json:"total_steps"`
	ExplorationStep int64            `json:"exploration_step"`
	Epsilon         float64          `json:"epsilon"`
	BestReturn      float64          `json:"best_return"`
	Reason          string           `json:"reason"`
	Params          model.Parameters `json:"params"`
	Config          config.Training  `json:"config"`
	CreatedAtUTC    string           `json:"created_at_utc"`
}

type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrCheckpointIO
}

func Encode(c Checkpoint) ([]byte, error) {
	if c.SchemaVersion == 0 && c.CodecVersion == 0 {
		c.VersionedRecord = model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func Decode(data []byte) (Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return Checkpoint{}, err
	}
	if c.SchemaVersion != CurrentSchemaVersion || c.CodecVersion != CurrentCodecVersion {
		return Checkpoint{}, fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, c.SchemaVersion, c.CodecVersion)
	}
	return c, nil
}

// Checkpointer persists checkpoints and remembers the last one written.
type Checkpointer interface {
	Save(c Checkpoint) (string, error)
	LastGood() string
}

// FileCheckpointer writes <Dir>/<run>/best.json for new best returns and
// <Dir>/<run>/latest.json otherwise, overwriting the previous file.
type FileCheckpointer struct {
	Dir string

	mu       sync.Mutex
	lastGood string
}

func NewFileCheckpointer(dir string) *FileCheckpointer {
	return &FileCheckpointer{Dir: dir}
}

func (f *FileCheckpointer) PathFor(runID, reason string) string {
	name := "latest.json"
	if reason == ReasonBest {
		name = "best.json"
	}
	return filepath.Join(f.Dir, runID, name)
}

// Save writes c through a temp file in the destination directory, then
// renames it into place, so readers never observe a partial checkpoint.
func (f *FileCheckpointer) Save(c Checkpoint) (string, error) {
	if strings.TrimSpace(c.RunID) == "" {
		return "", &IOError{Op: "save", Path: f.Dir, Err: errors.New("run id is required")}
	}
	path := f.PathFor(c.RunID, c.Reason)
	data, err := Encode(c)
	if err != nil {
		return "", &IOError{Op: "encode", Path: path, Err: err}
	}
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}

	f.mu.Lock()
	f.lastGood = path
	f.mu.Unlock()
	return path, nil
}

// Remember marks an existing checkpoint as the last good one, used when a
// run is resumed from it.
func (f *FileCheckpointer) Remember(path string) {
	f.mu.Lock()
	f.lastGood = path
	f.mu.Unlock()
}

func (f *FileCheckpointer) LastGood() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastGood
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return &IOError{Op: "create", Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return &IOError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return &IOError{Op: "sync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &IOError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func Load(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, &IOError{Op: "read", Path: path, Err: err}
	}
	c, err := Decode(data)
	if err != nil {
		return Checkpoint{}, &IOError{Op: "decode", Path: path, Err: err}
	}
	return c, nil
}

// LoadLatest returns whichever of a run's checkpoints covers more training
// steps, along with its path.
func LoadLatest(dir, runID string) (Checkpoint, string, error) {
	f := FileCheckpointer{Dir: dir}
	var (
		best     Checkpoint
		bestPath string
	)
	for _, reason := range []string{ReasonBest, ReasonPeriodic} {
		path := f.PathFor(runID, reason)
		c, err := Load(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Checkpoint{}, "", err
		}
		if bestPath == "" || c.TotalSteps > best.TotalSteps {
			best, bestPath = c, path
		}
	}
	if bestPath == "" {
		return Checkpoint{}, "", fmt.Errorf("%w: run %s in %s", ErrNoCheckpoint, runID, dir)
	}
	return best, bestPath, nil
}
