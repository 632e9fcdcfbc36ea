package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jfilby/intentcode-sub000/internal/deps"
	"github.com/jfilby/intentcode-sub000/internal/gencache"
	"github.com/jfilby/intentcode-sub000/internal/ignore"
	"github.com/jfilby/intentcode-sub000/internal/llm"
	"github.com/jfilby/intentcode-sub000/internal/orchestrator"
	"github.com/jfilby/intentcode-sub000/internal/report"
	"github.com/jfilby/intentcode-sub000/internal/runner"
	"github.com/jfilby/intentcode-sub000/internal/source"
	"github.com/jfilby/intentcode-sub000/internal/stages"
	"github.com/jfilby/intentcode-sub000/internal/telemetry"
)

var (
	buildGitRef      string
	buildWatch       bool
	buildMetricsFile string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run the build pipeline",
	Long: `Runs the stages techstack, lower, deps, index, compile and deps in order.
A stage that changes a project's effective dependencies causes the remaining
stages to be replanned. Units whose prompt and sources are unchanged are
served from the generation cache without calling the model.

Exits with status 1 when a unit fails permanently or reports errors.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
	if buildWatch && buildGitRef != "" {
		return errors.New("--watch cannot be combined with --git")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if buildWatch {
		return watch(ctx, a, out)
	}
	_, err = build(ctx, a, out)
	return err
}

// build runs one full pipeline and prints its progress to out. Errors from
// the pipeline itself are already printed in the summary.
func build(ctx context.Context, a *app, out io.Writer) (*orchestrator.Summary, error) {
	runID := uuid.NewString()
	logger := a.logger.With("run", runID[:8])

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Exporter: a.cfg.Trace.Exporter,
		Writer:   os.Stderr,
		Version:  Version,
		RunID:    runID,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()

	provider, err := newProvider(a)
	if err != nil {
		return nil, err
	}
	cache, err := gencache.New(ctx, a.db, gencache.WithHistoryPerNode(a.cfg.Cache.HistoryPerNode))
	if err != nil {
		return nil, err
	}
	specs, err := specSource(a)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	printer := report.New(out)
	r := runner.New(a.db, cache, provider,
		runner.WithLogger(logger),
		runner.WithMetrics(runner.NewMetrics(reg)),
		runner.WithSink(printer),
		runner.WithConfig(runner.Config{
			MaxAttempts: a.cfg.Runner.MaxAttempts,
			CallTimeout: a.cfg.Endpoint.Timeout,
		}),
	)

	pipeline, err := stages.NewPipeline(ctx, stages.Env{
		Workspace:   a.ws,
		DB:          a.db,
		Runner:      r,
		Deps:        deps.NewReconciler(a.db, logger),
		Extensions:  a.extensions(),
		Specs:       specs,
		Sink:        printer,
		Logger:      logger,
		Model:       a.cfg.Model,
		Concurrency: a.cfg.Concurrency,
	})
	if err != nil {
		return nil, err
	}

	if buildGitRef != "" {
		logger = logger.With("commit", short(specs.Identifier()))
	}
	logger.Info("build started", "provider", provider.Name(), "source", specs.SourceType())
	orch := orchestrator.New(pipeline,
		orchestrator.WithLogger(logger),
		orchestrator.WithMaxReplans(a.cfg.Build.MaxReplans),
		orchestrator.OnStage(func(res *stages.Result) {
			printer.Stage(report.StageResult{
				Stage:               string(res.Stage),
				Units:               res.Units,
				Cached:              res.Cached,
				Generated:           res.Generated,
				DependenciesChanged: res.DependenciesChanged,
				Duration:            res.Duration,
			})
		}),
	)
	sum, err := orch.Run(ctx)
	printer.Summary(err, sum.Duration)

	if buildMetricsFile != "" {
		if werr := prometheus.WriteToTextfile(buildMetricsFile, reg); werr != nil {
			logger.Warn("writing metrics file", "path", buildMetricsFile, "error", werr)
		}
	}
	if err != nil {
		return sum, &reportedError{err}
	}
	return sum, nil
}

// newProvider builds the configured endpoint behind the shared gate.
func newProvider(a *app) (llm.Provider, error) {
	store, err := openCredentials()
	if err != nil {
		return nil, err
	}
	p, err := llm.New(llm.Settings{
		Provider:     a.cfg.Provider,
		Model:        a.cfg.Model,
		BaseURL:      a.cfg.BaseURL,
		Timeout:      a.cfg.Endpoint.Timeout,
		InlineSystem: a.cfg.Endpoint.InlineSystem,
	}, store)
	if err != nil {
		return nil, err
	}
	return llm.NewGate(p, a.cfg.Endpoint.MaxConcurrent, a.cfg.Endpoint.RatePerSecond), nil
}

// specSource reads spec and tech-stack files from the working tree, or from
// a commit when --git is set.
func specSource(a *app) (source.FileSource, error) {
	matcher, err := ignore.LoadFromDir(a.ws.Root, a.ws.Ignore)
	if err != nil {
		return nil, err
	}
	if buildGitRef == "" {
		return source.NewDirSource(a.ws.Root, matcher), nil
	}
	repoRoot, err := findRepoRoot(a.ws.Root)
	if err != nil {
		return nil, err
	}
	prefix, err := filepath.Rel(repoRoot, a.ws.Root)
	if err != nil {
		return nil, err
	}
	if prefix == "." {
		prefix = ""
	}
	return source.OpenGit(repoRoot, buildGitRef, filepath.ToSlash(prefix), matcher)
}

func findRepoRoot(dir string) (string, error) {
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(filepath.Join(d, ".git")); err == nil {
			return d, nil
		}
		if filepath.Dir(d) == d {
			return "", fmt.Errorf("%s is not inside a git repository", dir)
		}
	}
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
