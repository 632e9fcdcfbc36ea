// Package stagestest builds throwaway workspaces wired to a scripted
// endpoint, for tests that drive the build pipeline.
package stagestest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jfilby/intentcode-sub000/internal/deps"
	"github.com/jfilby/intentcode-sub000/internal/extensions"
	"github.com/jfilby/intentcode-sub000/internal/gencache"
	"github.com/jfilby/intentcode-sub000/internal/graph"
	"github.com/jfilby/intentcode-sub000/internal/ignore"
	"github.com/jfilby/intentcode-sub000/internal/llm"
	"github.com/jfilby/intentcode-sub000/internal/logging"
	"github.com/jfilby/intentcode-sub000/internal/runner"
	"github.com/jfilby/intentcode-sub000/internal/schema"
	"github.com/jfilby/intentcode-sub000/internal/source"
	"github.com/jfilby/intentcode-sub000/internal/stages"
	"github.com/jfilby/intentcode-sub000/internal/workspace"
)

// Layout is the default intentcode.yaml of a fixture.
const Layout = `name: shop
specs: ["specs/**/*.md"]
projects:
  - name: backend
    root: backend
    language: go
    techStack: backend/techstack.md
`

// Sink records every diagnostics report.
type Sink struct {
	mu      sync.Mutex
	Reports map[string]schema.Diagnostics
}

func (s *Sink) Report(unit, tool string, d schema.Diagnostics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reports[tool+" "+unit] = d
}

// Get returns the last report for a tool and unit.
func (s *Sink) Get(tool, unit string) (schema.Diagnostics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Reports[tool+" "+unit]
	return d, ok
}

// Responder answers one tool's prompts.
type Responder func(prompt string) llm.MockResponse

// Fixture is a workspace on disk with its graph, cache and runner.
type Fixture struct {
	Root       string
	Workspace  *workspace.Workspace
	DB         *graph.DB
	Cache      *gencache.Cache
	Mock       *llm.MockProvider
	Metrics    *runner.Metrics
	Runner     *runner.Runner
	Deps       *deps.Reconciler
	Extensions *extensions.Registry
	Sink       *Sink

	mu         sync.Mutex
	responders map[stages.Type]Responder
}

// New creates a fixture with the default layout, one spec and a tech-stack
// file, answering every tool with the default responders.
func New(t testing.TB) *Fixture {
	t.Helper()
	return NewWithLayout(t, Layout, map[string]string{
		"specs/users.md":       "# Users\nUsers can sign up and log in.\n",
		"backend/techstack.md": "Go HTTP service using chi.\n",
	})
}

// NewWithLayout creates a fixture from an intentcode.yaml and a set of files.
func NewWithLayout(t testing.TB, layout string, files map[string]string) *Fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	f := &Fixture{Root: root, Sink: &Sink{Reports: map[string]schema.Diagnostics{}}}
	f.WriteFile(t, workspace.FileName, layout)
	for rel, content := range files {
		f.WriteFile(t, rel, content)
	}
	ws, err := workspace.Load(root)
	require.NoError(t, err)
	f.Workspace = ws
	require.NoError(t, os.MkdirAll(filepath.Join(root, workspace.StateDir), 0755))

	f.DB, err = graph.Open(ws.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { f.DB.Close() })

	f.Cache, err = gencache.New(ctx, f.DB)
	require.NoError(t, err)

	f.Mock = llm.NewMockProvider()
	f.Mock.RespondWith(f.respond)
	f.responders = map[stages.Type]Responder{
		stages.TechStack: DefaultTechStack,
		stages.Lower:     DefaultLower,
		stages.Index:     DefaultIndex,
		stages.Compile:   DefaultCompile,
	}

	logger := logging.NewDiscardLogger()
	f.Metrics = runner.NewMetrics(prometheus.NewRegistry())
	f.Runner = runner.New(f.DB, f.Cache, f.Mock,
		runner.WithLogger(logger), runner.WithMetrics(f.Metrics), runner.WithSink(f.Sink))
	f.Deps = deps.NewReconciler(f.DB, logger)

	specRoot, err := f.DB.OpenProject(ctx, ws.Name, ws.Root)
	require.NoError(t, err)
	f.Extensions = extensions.NewRegistry(f.DB, specRoot)
	return f
}

// Respond replaces the responder for one tool.
func (f *Fixture) Respond(tool stages.Type, r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders[tool] = r
}

func (f *Fixture) respond(turns []llm.Turn, tool llm.ToolConfig) llm.MockResponse {
	f.mu.Lock()
	r, ok := f.responders[stages.Type(tool.ID)]
	f.mu.Unlock()
	if !ok {
		return llm.MockResponse{Err: fmt.Errorf("no responder for %s", tool.ID)}
	}
	return r(turns[len(turns)-1].Content)
}

// Env returns the stage environment of the fixture.
func (f *Fixture) Env() stages.Env {
	matcher, _ := ignore.LoadFromDir(f.Root, f.Workspace.Ignore)
	return stages.Env{
		Workspace:   f.Workspace,
		DB:          f.DB,
		Runner:      f.Runner,
		Deps:        f.Deps,
		Extensions:  f.Extensions,
		Specs:       source.NewDirSource(f.Root, matcher),
		Sink:        f.Sink,
		Logger:      logging.NewDiscardLogger(),
		Concurrency: 4,
	}
}

// Pipeline opens a pipeline over the fixture.
func (f *Fixture) Pipeline(t testing.TB) *stages.Pipeline {
	t.Helper()
	p, err := stages.NewPipeline(context.Background(), f.Env())
	require.NoError(t, err)
	return p
}

// WriteFile writes a workspace-relative file.
func (f *Fixture) WriteFile(t testing.TB, rel, content string) {
	t.Helper()
	path := filepath.Join(f.Root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// ReadFile reads a workspace-relative file, or "" when it does not exist.
func (f *Fixture) ReadFile(t testing.TB, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.Root, filepath.FromSlash(rel)))
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

// Remove deletes a workspace-relative file.
func (f *Fixture) Remove(t testing.TB, rel string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(f.Root, filepath.FromSlash(rel))))
}

// ProjectRoot opens the graph root of a target project.
func (f *Fixture) ProjectRoot(t testing.TB, name string) *graph.Node {
	t.Helper()
	p, _, ok := f.Workspace.Project(name)
	require.True(t, ok, "no project %s", name)
	root, err := f.DB.OpenProject(context.Background(), f.Workspace.GraphID(p), f.Workspace.ProjectRoot(p))
	require.NoError(t, err)
	return root
}

// Exists reports whether a workspace-relative file exists.
func (f *Fixture) Exists(rel string) bool {
	_, err := os.Stat(filepath.Join(f.Root, filepath.FromSlash(rel)))
	return err == nil
}

// Snapshot returns every file outside the state directory, keyed by
// workspace-relative path.
func (f *Fixture) Snapshot(t testing.TB) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(f.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(f.Root, path)
		if d.IsDir() {
			if rel == workspace.StateDir {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

var (
	specLine   = regexp.MustCompile(`(?m)^Specification (\S+):$`)
	fileLine   = regexp.MustCompile(`(?m)^(?:File|Intent file) (\S+):$`)
	usesLine   = regexp.MustCompile(`(?m)^uses (\S+)$`)
	targetLine = regexp.MustCompile(`(?m)^Target file: (\S+)$`)
)

// Text answers with a fixed string.
func Text(s string) Responder {
	return func(string) llm.MockResponse { return llm.MockResponse{Text: s} }
}

// DefaultTechStack declares one dependency.
func DefaultTechStack(string) llm.MockResponse {
	return llm.MockResponse{Text: `{"warnings":[],"errors":[],"extensions":{},"dependencyDeltas":{"github.com/go-chi/chi/v5":"5.0.0"}}`}
}

// DefaultLower writes one intent file per spec, named after the spec, into
// project 1. The intent file repeats the spec body.
func DefaultLower(prompt string) llm.MockResponse {
	m := specLine.FindStringSubmatch(prompt)
	if m == nil {
		return llm.MockResponse{Text: "no spec in prompt"}
	}
	name := strings.TrimSuffix(filepath.Base(m[1]), filepath.Ext(m[1]))
	body := prompt[strings.Index(prompt, m[0])+len(m[0]):]
	content := "module " + name + "\n" + strings.TrimSpace(body) + "\n"
	return llm.MockResponse{Text: fmt.Sprintf(
		`{"warnings":[],"errors":[],"intentFiles":[{"projectNo":1,"relativePath":"api/%s.md","content":%q}]}`,
		name, content)}
}

// DefaultIndex exports one module per file and imports every file named on
// a "uses <path>" line.
func DefaultIndex(prompt string) llm.MockResponse {
	m := fileLine.FindStringSubmatch(prompt)
	if m == nil {
		return llm.MockResponse{Text: "no file in prompt"}
	}
	body := prompt[strings.Index(prompt, m[0]):]
	var imports []string
	for _, u := range usesLine.FindAllStringSubmatch(body, -1) {
		imports = append(imports, fmt.Sprintf("%q", u[1]))
	}
	return llm.MockResponse{Text: fmt.Sprintf(
		`{"warnings":[],"errors":[],"exports":[{"name":%q,"kind":"module","summary":"generated"}],"imports":[%s]}`,
		m[1], strings.Join(imports, ","))}
}

// DefaultCompile emits a small Go file and adds one dependency.
func DefaultCompile(prompt string) llm.MockResponse {
	m := targetLine.FindStringSubmatch(prompt)
	target := "unknown"
	if m != nil {
		target = m[1]
	}
	src := "package api\n\n// Generated for " + filepath.Base(target) + "\nfunc Handler() {}\n"
	return llm.MockResponse{Text: fmt.Sprintf(
		`{"assumptions":[],"warnings":[],"errors":[],"targetSource":%q,"dependencyDeltas":[{"op":"add","name":"github.com/jmoiron/sqlx","minVersion":"1.3.0"}]}`,
		src)}
}
