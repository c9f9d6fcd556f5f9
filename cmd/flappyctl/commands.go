package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"flappyrl/internal/config"
	api "flappyrl/pkg/flappyrl"
)

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default training config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "flappyrl.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := api.InitConfig(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote config=%s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

type trainFlags struct {
	configPath    string
	runID         string
	resume        string
	resumeFrom    string
	episodes      int
	maxSteps      int64
	agent         string
	seed          int64
	checkpointDir string
	traceEvery    int
	jsonOut       bool
}

func newTrainCmd(g *globalFlags) *cobra.Command {
	f := &trainFlags{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train an agent and record the run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadTrainingConfig(f.configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("episodes") {
				cfg.MaxEpisodes = f.episodes
			}
			if flags.Changed("max-steps") {
				cfg.MaxSteps = f.maxSteps
			}
			if flags.Changed("agent") {
				cfg.Agent.Kind = f.agent
			}
			if flags.Changed("seed") {
				cfg.Seed = f.seed
			}
			if flags.Changed("checkpoint-dir") {
				cfg.Checkpoint.Dir = f.checkpointDir
			}

			client, logger, err := g.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Train(cmd.Context(), api.TrainRequest{
				Config:      cfg,
				RunID:       f.runID,
				ResumeRunID: f.resume,
				ResumeFrom:  f.resumeFrom,
				TraceEvery:  f.traceEvery,
			})
			if summary.RunID == "" {
				return err
			}
			if err != nil {
				logger.Error().Err(err).Str("run_id", summary.RunID).Msg("training ended with error")
			}
			if f.jsonOut {
				if encErr := writeJSON(cmd.OutOrStdout(), summary); encErr != nil {
					return errors.Join(err, encErr)
				}
				return err
			}
			printTrainSummary(cmd.OutOrStdout(), summary)
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "training config file (json or yaml)")
	fl.StringVar(&f.runID, "run-id", "", "explicit run id")
	fl.StringVar(&f.resume, "resume", "", "resume the run with this id from its newest checkpoint")
	fl.StringVar(&f.resumeFrom, "resume-from", "", "resume from a checkpoint file")
	fl.IntVar(&f.episodes, "episodes", 0, "maximum episodes")
	fl.Int64Var(&f.maxSteps, "max-steps", 0, "maximum total environment steps")
	fl.StringVar(&f.agent, "agent", "", "agent kind: tabular|linear|dqn|constant")
	fl.Int64Var(&f.seed, "seed", 0, "random seed")
	fl.StringVar(&f.checkpointDir, "checkpoint-dir", "", "checkpoint directory")
	fl.IntVar(&f.traceEvery, "trace-every", 0, "write every Nth step to trace.jsonl (0 disables)")
	fl.BoolVar(&f.jsonOut, "json", false, "print the summary as JSON")
	return cmd
}

type playFlags struct {
	checkpoint    string
	runID         string
	checkpointDir string
	configPath    string
	episodes      int
	seeds         []int64
	workers       int
	maxSteps      int
	jsonOut       bool
}

func newPlayCmd(g *globalFlags) *cobra.Command {
	f := &playFlags{}
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Evaluate a policy greedily without learning",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadTrainingConfig(f.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("checkpoint-dir") {
				cfg.Checkpoint.Dir = f.checkpointDir
			}

			client, _, err := g.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.Play(cmd.Context(), api.PlayRequest{
				Config:     cfg,
				Checkpoint: f.checkpoint,
				RunID:      f.runID,
				Seeds:      f.seeds,
				Episodes:   f.episodes,
				Workers:    f.workers,
				MaxSteps:   f.maxSteps,
			})
			if err != nil {
				return err
			}
			if f.jsonOut {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			printEvalResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.checkpoint, "checkpoint", "", "checkpoint file to play")
	fl.StringVar(&f.runID, "run-id", "", "play the newest checkpoint of this run")
	fl.StringVar(&f.checkpointDir, "checkpoint-dir", "", "checkpoint directory used with --run-id")
	fl.StringVar(&f.configPath, "config", "", "config used when no checkpoint is given")
	fl.IntVar(&f.episodes, "episodes", 1, "episodes to play when --seeds is empty")
	fl.Int64SliceVar(&f.seeds, "seeds", nil, "explicit episode seeds")
	fl.IntVar(&f.workers, "workers", 1, "parallel evaluation workers")
	fl.IntVar(&f.maxSteps, "max-steps", 0, "step cap per episode (0 uses the config)")
	fl.BoolVar(&f.jsonOut, "json", false, "print results as JSON")
	return cmd
}

func newRunsCmd(g *globalFlags) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded training runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := g.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			runs, err := client.Runs(cmd.Context(), api.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print runs as JSON")
	return cmd
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var (
		req     api.HistoryRequest
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a run's episode returns and moving average",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := g.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			history, err := client.History(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), history)
			}
			printHistory(cmd.OutOrStdout(), history)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&req.RunID, "run-id", "", "run id")
	fl.BoolVar(&req.Latest, "latest", false, "use the most recent run")
	fl.IntVar(&req.Limit, "limit", 0, "show only the last N episodes")
	fl.IntVar(&req.Window, "window", 100, "moving average window")
	fl.BoolVar(&jsonOut, "json", false, "print history as JSON")
	return cmd
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var req api.ExportRequest
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a run's artifacts to an export directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := g.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			exported, err := client.Export(cmd.Context(), req)
			if err != nil {
				return err
			}
			printExport(cmd.OutOrStdout(), exported)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&req.RunID, "run-id", "", "run id")
	fl.BoolVar(&req.Latest, "latest", false, "export the most recent run")
	fl.StringVar(&req.OutDir, "out", "", "export directory (defaults to --exports-dir)")
	return cmd
}

// loadTrainingConfig starts from the file at path, or the defaults when path
// is empty, and applies FLAPPY_* environment overrides.
func loadTrainingConfig(path string) (config.Training, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Training{}, err
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return config.Training{}, err
	}
	return cfg, nil
}
