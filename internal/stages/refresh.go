package stages

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/jfilby/intentcode-sub000/internal/deps"
	"github.com/jfilby/intentcode-sub000/internal/graph"
	"github.com/jfilby/intentcode-sub000/internal/schema"
)

// snapshotName is the derived-data child of a manifest holding the effective
// set as of the last refresh.
const snapshotName = "effective"

type snapshot struct {
	Dependencies deps.Set `json:"dependencies"`
}

// refreshDeps compacts every project manifest, reports whether any effective
// set changed since the last refresh and rewrites the on-disk mirrors.
func (p *Pipeline) refreshDeps(ctx context.Context, res *Result) error {
	for _, t := range p.targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		changed, err := p.refreshProject(ctx, t)
		if err != nil {
			return err
		}
		res.Units++
		if changed {
			res.DependenciesChanged = true
		}
	}
	return nil
}

func (p *Pipeline) refreshProject(ctx context.Context, t *target) (bool, error) {
	db := p.env.DB
	effective, err := p.env.Deps.Compact(ctx, t.root)
	if err != nil {
		return false, err
	}
	manifest, err := p.env.Deps.Manifest(ctx, t.root)
	if err != nil {
		return false, err
	}

	var prev snapshot
	n, err := db.DerivedData(ctx, manifest, snapshotName)
	switch {
	case errors.Is(err, graph.ErrNotFound):
	case err != nil:
		return false, err
	default:
		if err := n.Decode(&prev); err != nil {
			return false, err
		}
	}
	if prev.Dependencies == nil {
		prev.Dependencies = deps.Set{}
	}
	changed := !prev.Dependencies.Equal(effective)
	if changed {
		added, removed, updated := deps.DiffSets(prev.Dependencies, effective)
		p.logger.Info("dependencies changed", "project", t.project.Name,
			"added", added, "removed", removed, "changed", updated)
		if _, err := db.UpsertDerivedData(ctx, manifest, snapshotName, snapshot{Dependencies: effective}); err != nil {
			return false, err
		}
	}

	mirror := filepath.Join(p.env.Workspace.ProjectRoot(t.project), deps.MirrorFile)
	drift, err := p.env.Deps.Verify(ctx, t.root, mirror)
	if err != nil {
		return false, err
	}
	switch {
	case drift.Edited:
		// The graph copy stays authoritative; the edit is reported, not overwritten
		if p.env.Sink != nil {
			p.env.Sink.Report(t.project.Name+":"+deps.MirrorFile, string(Deps), schema.Diagnostics{
				Warnings: []schema.Message{{Text: drift.String()}},
			})
		}
	case !drift.InSync():
		if err := p.env.Deps.WriteMirror(ctx, t.root, mirror, effective); err != nil {
			return false, err
		}
	}
	return changed, nil
}
