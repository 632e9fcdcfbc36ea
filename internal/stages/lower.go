package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jfilby/intentcode-sub000/internal/graph"
	"github.com/jfilby/intentcode-sub000/internal/runner"
	"github.com/jfilby/intentcode-sub000/internal/schema"
	"github.com/jfilby/intentcode-sub000/internal/source"
)

const lowerPrimer = `You translate natural-language software specifications into intent notation:
structured pseudo-code, one file per module, that a later step compiles to source.
Reply with a single JSON object:
{"warnings": [Message], "errors": [Message],
 "intentFiles": [{"projectNo": int, "relativePath": string, "content": string}]}
where Message is {"text": string, "line"?: int}.
projectNo is the number of the target project listed in the prompt. relativePath
is relative to that project's intent directory, uses forward slashes and never
leaves it. Report ambiguities as warnings and contradictions as errors.`

func (p *Pipeline) lower(ctx context.Context, res *Result) error {
	specs, err := p.env.Specs.Files(p.env.Workspace.Specs)
	if err != nil {
		return err
	}
	if err := p.retractSpecs(ctx, specs); err != nil {
		return err
	}
	tl := &tally{res: res}
	return forEach(ctx, p.env.Concurrency, specs, func(ctx context.Context, f *source.FileInfo) error {
		out, err := p.lowerUnit(ctx, f)
		if err != nil {
			return err
		}
		tl.add(out)
		return nil
	})
}

func (p *Pipeline) lowerPrompt(f *source.FileInfo) string {
	var b strings.Builder
	b.WriteString("Target projects:\n")
	for _, t := range p.targets {
		fmt.Fprintf(&b, "%d. %s (language: %s, intent directory: %s)\n",
			t.no, t.project.Name, t.project.Language, t.project.IntentDir)
	}
	fmt.Fprintf(&b, "\nSpecification %s:\n%s", f.Path, f.Content)
	return b.String()
}

func (p *Pipeline) lowerUnit(ctx context.Context, f *source.FileInfo) (*runner.Outcome, error) {
	db := p.env.DB
	node, err := db.GetOrCreatePath(ctx, p.specRoot, filepath.Join(p.env.Workspace.Root, filepath.FromSlash(f.Path)))
	if err != nil {
		return nil, err
	}
	if err := syncContent(ctx, db, node, f.Content, f.ModTime); err != nil {
		return nil, err
	}

	check := &schema.Context{Projects: len(p.targets)}
	return runner.Run(ctx, p.env.Runner, runner.Unit[schema.LoweringResult]{
		Name:          f.Path,
		Node:          node,
		Tool:          p.tool(Lower),
		Primer:        lowerPrimer,
		SourceModTime: f.ModTime,
		Prompt: func(context.Context) (string, error) {
			return p.lowerPrompt(f), nil
		},
		Validate: func(raw []byte) (*schema.LoweringResult, error) {
			r, err := schema.Decode[schema.LoweringResult](raw)
			if err != nil {
				return nil, err
			}
			return r, check.CheckLowering(r)
		},
		Apply: func(ctx context.Context, r *schema.LoweringResult) error {
			return p.applyLowering(ctx, node, r)
		},
	})
}

func (p *Pipeline) applyLowering(ctx context.Context, spec *graph.Node, r *schema.LoweringResult) error {
	db := p.env.DB
	produced := make(map[string]bool, len(r.IntentFiles))
	for _, f := range r.IntentFiles {
		t := p.targets[f.ProjectNo-1]
		abs := filepath.Join(p.env.Workspace.IntentRoot(t.project), filepath.FromSlash(f.RelativePath))
		content := []byte(f.Content)

		changed, err := writeIfChanged(abs, content)
		if err != nil {
			return fmt.Errorf("writing intent file: %w", err)
		}
		n, err := db.GetOrCreatePath(ctx, t.root, abs)
		if err != nil {
			return err
		}
		if changed {
			info, err := os.Stat(abs)
			if err != nil {
				return err
			}
			if err := db.SetContent(ctx, n, content, info.ModTime()); err != nil {
				return err
			}
			p.logger.Debug("wrote intent file", "path", abs)
		}
		if err := db.AddEdge(ctx, spec.ID, graph.EdgeGenerated, n.ID, ""); err != nil {
			return err
		}
		produced[n.ID] = true
	}

	edges, err := db.EdgesFrom(ctx, spec.ID, graph.EdgeGenerated)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if produced[e.Dst] {
			continue
		}
		if err := p.retractIntent(ctx, spec, e.Dst); err != nil {
			return err
		}
	}
	return nil
}

// retractIntent removes an intent file a spec no longer produces, together
// with the source compiled from it. Files another spec still produces stay.
func (p *Pipeline) retractIntent(ctx context.Context, spec *graph.Node, intentID string) error {
	db := p.env.DB
	if err := db.DeleteEdge(ctx, spec.ID, graph.EdgeGenerated, intentID, ""); err != nil {
		return err
	}
	others, err := db.EdgesTo(ctx, intentID, graph.EdgeGenerated)
	if err != nil {
		return err
	}
	if len(others) > 0 {
		return nil
	}
	intent, err := db.GetNode(ctx, intentID)
	if errors.Is(err, graph.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return p.removeIntent(ctx, intent)
}

// retractSpecs forgets spec files that were lowered by an earlier build but
// are no longer among the spec files, and retracts what they generated. The
// spec files themselves are left alone on disk.
func (p *Pipeline) retractSpecs(ctx context.Context, current []*source.FileInfo) error {
	db := p.env.DB
	present := make(map[string]bool, len(current))
	for _, f := range current {
		present[filepath.Join(p.env.Workspace.Root, filepath.FromSlash(f.Path))] = true
	}
	nodes, err := db.NodesByType(ctx, p.specRoot.Project, graph.TypeFile)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		path, err := db.FullPath(ctx, n)
		if err != nil {
			return err
		}
		if present[path] {
			continue
		}
		generated, err := db.EdgesFrom(ctx, n.ID, graph.EdgeGenerated)
		if err != nil {
			return err
		}
		_, err = db.DerivedData(ctx, n, string(Lower))
		switch {
		case errors.Is(err, graph.ErrNotFound):
			if len(generated) == 0 {
				// Never lowered, e.g. a tech-stack file
				continue
			}
		case err != nil:
			return err
		}

		for _, e := range generated {
			if err := p.retractIntent(ctx, n, e.Dst); err != nil {
				return err
			}
		}
		p.logger.Info("spec removed", "path", path, "retracted", len(generated))
		if err := db.CascadeDelete(ctx, n, true); err != nil {
			return err
		}
	}
	return nil
}

// removeIntent deletes an intent file and every source compiled from it.
func (p *Pipeline) removeIntent(ctx context.Context, intent *graph.Node) error {
	db := p.env.DB
	compiled, err := db.EdgesFrom(ctx, intent.ID, graph.EdgeCompilesTo)
	if err != nil {
		return err
	}
	for _, e := range compiled {
		if err := p.removeFileNode(ctx, e.Dst); err != nil {
			return err
		}
	}
	return p.removeFileNode(ctx, intent.ID)
}

// removeFileNode deletes a file from disk and its node subtree from the graph.
func (p *Pipeline) removeFileNode(ctx context.Context, id string) error {
	db := p.env.DB
	n, err := db.GetNode(ctx, id)
	if errors.Is(err, graph.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	path, err := db.FullPath(ctx, n)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	p.logger.Info("removed stale file", "path", path)
	return db.CascadeDelete(ctx, n, true)
}
