package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"flappyrl/internal/config"
	"flappyrl/internal/model"
)

const runIndexFile = "run_index.json"

var episodeHeader = []string{"episode", "return", "length", "score", "epsilon", "mean_loss", "updates", "aborted", "reason"}

type RunSummary struct {
	RunID       string  `json:"run_id"`
	AgentKind   string  `json:"agent_kind"`
	Seed        int64   `json:"seed"`
	StopReason  string  `json:"stop_reason"`
	Episodes    int     `json:"episodes"`
	TotalSteps  int64   `json:"total_steps"`
	BestReturn  float64 `json:"best_return"`
	BestScore   int     `json:"best_score"`
	Returns     Summary `json:"returns"`
	FinalWindow float64 `json:"final_window_mean"`
	Aborted     int     `json:"aborted"`
}

type RunArtifacts struct {
	RunID       string                   `json:"run_id"`
	Config      config.Training          `json:"config"`
	Summary     RunSummary               `json:"summary"`
	Episodes    []model.EpisodeRecord    `json:"episodes"`
	Checkpoints []model.CheckpointRecord `json:"checkpoints"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	AgentKind    string  `json:"agent_kind"`
	Seed         int64   `json:"seed"`
	Episodes     int     `json:"episodes"`
	TotalSteps   int64   `json:"total_steps"`
	BestReturn   float64 `json:"best_return"`
	StopReason   string  `json:"stop_reason"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// WriteRunArtifacts lays a run out under <baseDir>/<run>/ and returns that
// directory.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if strings.TrimSpace(artifacts.RunID) == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "summary.json"), artifacts.Summary); err != nil {
		return "", err
	}
	if err := WriteEpisodeSeries(runDir, artifacts.Episodes); err != nil {
		return "", err
	}
	checkpoints := artifacts.Checkpoints
	if checkpoints == nil {
		checkpoints = []model.CheckpointRecord{}
	}
	if err := writeJSON(filepath.Join(runDir, "checkpoints.json"), checkpoints); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}
	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}
	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// later appends win ties
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run's artifact files into <outDir>/<run>/.
// trace.jsonl is copied when present.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}
	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{"config.json", "summary.json", "episodes.csv", "checkpoints.json"} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	tracePath := filepath.Join(src, TraceFile)
	if _, err := os.Stat(tracePath); err == nil {
		if err := copyFile(tracePath, filepath.Join(dst, TraceFile)); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return dst, nil
}

func ReadRunSummary(baseDir, runID string) (RunSummary, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, "summary.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return RunSummary{}, false, nil
		}
		return RunSummary{}, false, err
	}
	var summary RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return RunSummary{}, false, err
	}
	return summary, true, nil
}

func ReadRunConfig(baseDir, runID string) (config.Training, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return config.Training{}, false, nil
		}
		return config.Training{}, false, err
	}
	var cfg config.Training
	if err := json.Unmarshal(data, &cfg); err != nil {
		return config.Training{}, false, err
	}
	return cfg, true, nil
}

func WriteEpisodeSeries(runDir string, episodes []model.EpisodeRecord) error {
	file, err := os.Create(filepath.Join(runDir, "episodes.csv"))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(episodeHeader); err != nil {
		return err
	}
	for _, ep := range episodes {
		if err := writer.Write([]string{
			strconv.Itoa(ep.Episode),
			strconv.FormatFloat(ep.Return, 'f', -1, 64),
			strconv.Itoa(ep.Length),
			strconv.Itoa(ep.Score),
			strconv.FormatFloat(ep.Epsilon, 'f', -1, 64),
			strconv.FormatFloat(ep.MeanLoss, 'f', -1, 64),
			strconv.Itoa(ep.Updates),
			strconv.FormatBool(ep.Aborted),
			ep.Reason,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadEpisodeSeries(baseDir, runID string) ([]model.EpisodeRecord, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, "episodes.csv"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.EpisodeRecord{}, true, nil
		}
		return nil, false, err
	}
	if len(header) != len(episodeHeader) {
		return nil, false, fmt.Errorf("episode series header must have %d columns, got %d", len(episodeHeader), len(header))
	}

	series := make([]model.EpisodeRecord, 0, 128)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		ep, err := parseEpisodeRow(record)
		if err != nil {
			return nil, false, fmt.Errorf("episodes.csv line %d: %w", line, err)
		}
		series = append(series, ep)
	}
	return series, true, nil
}

func parseEpisodeRow(record []string) (model.EpisodeRecord, error) {
	var (
		ep  model.EpisodeRecord
		err error
	)
	if ep.Episode, err = strconv.Atoi(record[0]); err != nil {
		return ep, err
	}
	if ep.Return, err = strconv.ParseFloat(record[1], 64); err != nil {
		return ep, err
	}
	if ep.Length, err = strconv.Atoi(record[2]); err != nil {
		return ep, err
	}
	if ep.Score, err = strconv.Atoi(record[3]); err != nil {
		return ep, err
	}
	if ep.Epsilon, err = strconv.ParseFloat(record[4], 64); err != nil {
		return ep, err
	}
	if ep.MeanLoss, err = strconv.ParseFloat(record[5], 64); err != nil {
		return ep, err
	}
	if ep.Updates, err = strconv.Atoi(record[6]); err != nil {
		return ep, err
	}
	if ep.Aborted, err = strconv.ParseBool(record[7]); err != nil {
		return ep, err
	}
	ep.Reason = record[8]
	return ep, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
