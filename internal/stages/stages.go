// Package stages holds the bodies of the build pipeline stages. Every unit of
// work inside a stage goes through the runner; a stage only decides which
// units exist, what their prompts contain and what applying a result means.
package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/jfilby/intentcode-sub000/internal/deps"
	"github.com/jfilby/intentcode-sub000/internal/extensions"
	"github.com/jfilby/intentcode-sub000/internal/graph"
	"github.com/jfilby/intentcode-sub000/internal/llm"
	"github.com/jfilby/intentcode-sub000/internal/runner"
	"github.com/jfilby/intentcode-sub000/internal/source"
	"github.com/jfilby/intentcode-sub000/internal/workspace"
)

var tracer = otel.Tracer("intentcode/stages")

// Type names one phase of the build pipeline.
type Type string

const (
	TechStack Type = "techstack"
	Lower     Type = "lower"
	Deps      Type = "deps"
	Index     Type = "index"
	Compile   Type = "compile"
)

// Result summarizes one executed stage.
type Result struct {
	Stage     Type
	Units     int
	Cached    int
	Generated int
	// DependenciesChanged is set when the stage changed some project's
	// effective dependency set.
	DependenciesChanged bool
	Duration            time.Duration
}

func (r *Result) count(out *runner.Outcome) {
	r.Units++
	if out.Cached {
		r.Cached++
	} else {
		r.Generated++
	}
}

// Env is everything a stage needs from the surrounding build.
type Env struct {
	Workspace  *workspace.Workspace
	DB         *graph.DB
	Runner     *runner.Runner
	Deps       *deps.Reconciler
	Extensions *extensions.Registry
	// Specs yields spec and tech-stack files, from disk or a git ref.
	Specs  source.FileSource
	Sink   runner.Sink
	Logger *slog.Logger
	// Model is passed to the endpoint; empty means the provider default.
	Model       string
	MaxTokens   int
	Concurrency int
}

// target is one target project as the pipeline sees it.
type target struct {
	no      int
	project *workspace.Project
	root    *graph.Node
}

// Pipeline executes stages over one workspace.
type Pipeline struct {
	env      Env
	logger   *slog.Logger
	specRoot *graph.Node
	targets  []*target
}

// NewPipeline opens the graph projects of the workspace and links each target
// project to the spec project it implements.
func NewPipeline(ctx context.Context, env Env) (*Pipeline, error) {
	if env.Concurrency < 1 {
		env.Concurrency = 1
	}
	if env.MaxTokens == 0 {
		env.MaxTokens = 8192
	}
	if env.Logger == nil {
		env.Logger = slog.New(slog.DiscardHandler)
	}
	ws := env.Workspace

	specRoot, err := env.DB.OpenProject(ctx, ws.Name, ws.Root)
	if err != nil {
		return nil, fmt.Errorf("opening workspace project: %w", err)
	}
	p := &Pipeline{
		env:      env,
		logger:   env.Logger.With("component", "stages"),
		specRoot: specRoot,
	}
	for i := range ws.Projects {
		proj := &ws.Projects[i]
		root, err := env.DB.OpenProject(ctx, ws.GraphID(proj), ws.ProjectRoot(proj))
		if err != nil {
			return nil, fmt.Errorf("opening project %s: %w", proj.Name, err)
		}
		if err := env.DB.AddEdge(ctx, root.ID, graph.EdgeImplements, specRoot.ID, ""); err != nil {
			return nil, err
		}
		p.targets = append(p.targets, &target{no: i + 1, project: proj, root: root})
	}
	return p, nil
}

// SpecRoot returns the workspace project node.
func (p *Pipeline) SpecRoot() *graph.Node { return p.specRoot }

// Execute runs one stage to completion.
func (p *Pipeline) Execute(ctx context.Context, t Type) (*Result, error) {
	ctx, span := tracer.Start(ctx, "stage."+string(t))
	defer span.End()

	start := time.Now()
	res := &Result{Stage: t}
	var err error
	switch t {
	case TechStack:
		err = p.techStack(ctx, res)
	case Lower:
		err = p.lower(ctx, res)
	case Deps:
		err = p.refreshDeps(ctx, res)
	case Index:
		err = p.index(ctx, res)
	case Compile:
		err = p.compile(ctx, res)
	default:
		err = fmt.Errorf("%w: unknown stage %q", graph.ErrInvariant, t)
	}
	res.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("units", res.Units),
		attribute.Int("cached", res.Cached),
		attribute.Bool("dependencies_changed", res.DependenciesChanged),
	)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	p.logger.Info("stage complete", "stage", t, "units", res.Units, "cached", res.Cached,
		"generated", res.Generated, "dependenciesChanged", res.DependenciesChanged, "took", res.Duration)
	return res, nil
}

func (p *Pipeline) tool(id Type) llm.ToolConfig {
	var temp float32
	return llm.ToolConfig{
		ID:          string(id),
		Model:       p.env.Model,
		MaxTokens:   p.env.MaxTokens,
		Temperature: &temp,
		JSON:        true,
	}
}

// forEach runs fn over items with at most Concurrency in flight. The first
// error cancels the rest.
func forEach[E any](ctx context.Context, limit int, items []E, fn func(ctx context.Context, item E) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error { return fn(gctx, item) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// gctx is always cancelled once Wait returns; only the caller's counts
	return ctx.Err()
}

// tally collects unit outcomes from concurrent workers.
type tally struct {
	mu  sync.Mutex
	res *Result
}

func (t *tally) add(out *runner.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.res.count(out)
}

// writeIfChanged writes data unless the file already holds exactly those
// bytes, so unchanged artifacts keep their modification time.
func writeIfChanged(path string, data []byte) (bool, error) {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := deps.WriteFileAtomic(path, data); err != nil {
		return false, err
	}
	return true, nil
}

// syncContent records a file's current bytes on its node when they changed.
func syncContent(ctx context.Context, db *graph.DB, n *graph.Node, content []byte, modTime time.Time) error {
	if n.Content != nil && bytes.Equal(n.Content, content) {
		return nil
	}
	return db.SetContent(ctx, n, content, modTime)
}

// intentFile is one intent-notation file on disk.
type intentFile struct {
	target  *target
	rel     string // slash-separated, relative to the intent directory
	abs     string
	content []byte
	modTime time.Time
	node    *graph.Node
}

// intentFiles lists a project's intent files from disk, sorted by path, and
// resolves their graph nodes.
func (p *Pipeline) intentFiles(ctx context.Context, t *target) ([]*intentFile, error) {
	dir := p.env.Workspace.IntentRoot(t.project)
	var files []*intentFile
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, &intentFile{
			target:  t,
			rel:     filepath.ToSlash(rel),
			abs:     path,
			content: content,
			modTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing intent files of %s: %w", t.project.Name, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })

	if err := p.sweepIntentFiles(ctx, t, dir, files); err != nil {
		return nil, err
	}
	for _, f := range files {
		n, err := p.env.DB.GetOrCreatePath(ctx, t.root, f.abs)
		if err != nil {
			return nil, err
		}
		if err := syncContent(ctx, p.env.DB, n, f.content, f.modTime); err != nil {
			return nil, err
		}
		f.node = n
	}
	return files, nil
}

// sweepIntentFiles retracts intent files the graph still holds but the disk
// no longer does, together with the sources compiled from them.
func (p *Pipeline) sweepIntentFiles(ctx context.Context, t *target, dir string, onDisk []*intentFile) error {
	db := p.env.DB
	dirNode, err := db.FindDir(ctx, t.root, dir)
	if errors.Is(err, graph.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(onDisk))
	for _, f := range onDisk {
		present[filepath.Clean(f.abs)] = true
	}

	var stale []*graph.Node
	err = db.Walk(ctx, dirNode, func(n *graph.Node) error {
		if n.Type != graph.TypeFile {
			return nil
		}
		path, err := db.FullPath(ctx, n)
		if err != nil {
			return err
		}
		if !present[path] {
			stale = append(stale, n)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, n := range stale {
		if err := p.removeIntent(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (f *intentFile) unitName() string {
	return f.target.project.Name + ":" + f.rel
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
