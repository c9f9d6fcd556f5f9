package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	api "flappyrl/pkg/flappyrl"
)

type globalFlags struct {
	store        string
	dbPath       string
	artifactsDir string
	exportsDir   string
	logLevel     string
	logFormat    string
}

func main() {
	for _, envFile := range []string{".env", "../../.env"} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "flappyctl",
		Short:         "Train and evaluate Flappy Bird control agents headlessly",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&g.store, "store", envOr("FLAPPY_STORE", "sqlite"), "run history backend: memory|sqlite")
	pf.StringVar(&g.dbPath, "db-path", envOr("FLAPPY_DB_PATH", "flappyrl.db"), "sqlite database path")
	pf.StringVar(&g.artifactsDir, "artifacts-dir", envOr("FLAPPY_ARTIFACTS_DIR", "runs"), "directory for run artifacts")
	pf.StringVar(&g.exportsDir, "exports-dir", envOr("FLAPPY_EXPORTS_DIR", "exports"), "default export directory")
	pf.StringVar(&g.logLevel, "log-level", envOr("FLAPPY_LOG_LEVEL", "info"), "log level: trace|debug|info|warn|error")
	pf.StringVar(&g.logFormat, "log-format", envOr("FLAPPY_LOG_FORMAT", "auto"), "log format: auto|console|json")

	root.AddCommand(
		newInitCmd(),
		newTrainCmd(g),
		newPlayCmd(g),
		newRunsCmd(g),
		newHistoryCmd(g),
		newExportCmd(g),
	)
	return root
}

// client opens the facade with the global flags; callers must Close it.
func (g *globalFlags) client(cmd *cobra.Command) (*api.Client, zerolog.Logger, error) {
	logger, err := newLogger(cmd.ErrOrStderr(), g.logLevel, g.logFormat)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	client, err := api.New(api.Options{
		StoreKind:    g.store,
		DBPath:       g.dbPath,
		ArtifactsDir: g.artifactsDir,
		ExportsDir:   g.exportsDir,
		Logger:       logger,
	})
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return client, logger, nil
}

// newLogger writes human-readable logs to terminals and JSON lines elsewhere
// unless the format is forced.
func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}

	out := w
	switch format {
	case "auto":
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
		}
	case "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen, NoColor: true}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unsupported log format: %s", format)
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
