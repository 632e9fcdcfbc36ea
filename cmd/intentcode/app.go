package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jfilby/intentcode-sub000/internal/config"
	"github.com/jfilby/intentcode-sub000/internal/credentials"
	"github.com/jfilby/intentcode-sub000/internal/extensions"
	"github.com/jfilby/intentcode-sub000/internal/graph"
	"github.com/jfilby/intentcode-sub000/internal/logging"
	"github.com/jfilby/intentcode-sub000/internal/workspace"
)

// app is the state shared by every command that works inside a workspace.
type app struct {
	ws       *workspace.Workspace
	cfg      *config.Config
	logger   *slog.Logger
	db       *graph.DB
	specRoot *graph.Node
}

func startDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}

// openApp locates the enclosing workspace and opens its settings and graph.
func openApp(ctx context.Context) (*app, error) {
	dir, err := startDir()
	if err != nil {
		return nil, err
	}
	root, err := workspace.Find(dir)
	if err != nil {
		return nil, err
	}
	ws, err := workspace.Load(root)
	if err != nil {
		return nil, err
	}
	stateDir := filepath.Join(ws.Root, workspace.StateDir)
	cfg, err := config.Load(stateDir)
	if err != nil {
		return nil, err
	}
	level := logging.LevelFromVerbosity(verbosity, quiet, logging.LevelFromString(cfg.Log.Level))
	logger := logging.NewLogger(os.Stderr, level)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	db, err := graph.Open(ws.DBPath())
	if err != nil {
		return nil, err
	}
	specRoot, err := db.OpenProject(ctx, ws.Name, ws.Root)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("workspace opened", "root", ws.Root, "projects", len(ws.Projects))
	return &app{ws: ws, cfg: cfg, logger: logger, db: db, specRoot: specRoot}, nil
}

func (a *app) Close() error { return a.db.Close() }

func (a *app) extensions() *extensions.Registry {
	return extensions.NewRegistry(a.db, a.specRoot)
}

// projectRoot opens the graph root of a target project.
func (a *app) projectRoot(ctx context.Context, p *workspace.Project) (*graph.Node, error) {
	return a.db.OpenProject(ctx, a.ws.GraphID(p), a.ws.ProjectRoot(p))
}

// projects returns the named project, or all of them when name is empty.
func (a *app) projects(name string) ([]*workspace.Project, error) {
	if name == "" {
		out := make([]*workspace.Project, len(a.ws.Projects))
		for i := range a.ws.Projects {
			out[i] = &a.ws.Projects[i]
		}
		return out, nil
	}
	p, _, ok := a.ws.Project(name)
	if !ok {
		return nil, fmt.Errorf("no project named %q in %s", name, workspace.FileName)
	}
	return []*workspace.Project{p}, nil
}

func openCredentials() (*credentials.Store, error) {
	dir, err := credentials.DefaultDir()
	if err != nil {
		return nil, err
	}
	return credentials.Open(dir), nil
}
