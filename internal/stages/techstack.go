package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jfilby/intentcode-sub000/internal/deps"
	"github.com/jfilby/intentcode-sub000/internal/graph"
	"github.com/jfilby/intentcode-sub000/internal/runner"
	"github.com/jfilby/intentcode-sub000/internal/schema"
)

const techStackPrimer = `You resolve the technology stack of a software project.
Read the project's tech-stack declaration and reply with a single JSON object:
{"warnings": [Message], "errors": [Message],
 "extensions": {"<extension id>": "<minimum version>"},
 "dependencyDeltas": {"<library name>": "<minimum version>"}}
where Message is {"text": string, "line"?: int}.
Only request extensions from the installed list. List every external library
the project needs, with the lowest acceptable version.`

func (p *Pipeline) techStack(ctx context.Context, res *Result) error {
	var targets []*target
	for _, t := range p.targets {
		if t.project.TechStack != "" {
			targets = append(targets, t)
		}
	}
	installed, err := p.env.Extensions.Installed(ctx)
	if err != nil {
		return err
	}
	tl := &tally{res: res}
	return forEach(ctx, p.env.Concurrency, targets, func(ctx context.Context, t *target) error {
		out, err := p.techStackUnit(ctx, t, installed)
		if err != nil {
			return err
		}
		tl.add(out)
		return nil
	})
}

func (p *Pipeline) techStackUnit(ctx context.Context, t *target, installed map[string]string) (*runner.Outcome, error) {
	ws := p.env.Workspace
	f, err := p.env.Specs.File(filepath.ToSlash(filepath.Clean(t.project.TechStack)))
	if err != nil {
		return nil, fmt.Errorf("reading tech stack of %s: %w", t.project.Name, err)
	}
	node, err := p.env.DB.GetOrCreatePath(ctx, p.specRoot, ws.TechStackPath(t.project))
	if err != nil {
		return nil, err
	}
	if err := syncContent(ctx, p.env.DB, node, f.Content, f.ModTime); err != nil {
		return nil, err
	}

	check := &schema.Context{Projects: len(p.targets), Extensions: installed}
	return runner.Run(ctx, p.env.Runner, runner.Unit[schema.TechStackResult]{
		Name:          f.Path,
		Node:          node,
		Tool:          p.tool(TechStack),
		Primer:        techStackPrimer,
		SourceModTime: f.ModTime,
		Prompt: func(ctx context.Context) (string, error) {
			var b strings.Builder
			fmt.Fprintf(&b, "Project: %s\nLanguage: %s\n\n", t.project.Name, t.project.Language)
			b.WriteString("Installed extensions:\n")
			ids := make([]string, 0, len(installed))
			for id := range installed {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			if len(ids) == 0 {
				b.WriteString("(none)\n")
			}
			for _, id := range ids {
				fmt.Fprintf(&b, "- %s %s\n", id, installed[id])
			}
			fmt.Fprintf(&b, "\nTech stack declaration (%s):\n%s", f.Path, f.Content)
			return b.String(), nil
		},
		Validate: func(raw []byte) (*schema.TechStackResult, error) {
			r, err := schema.Decode[schema.TechStackResult](raw)
			if err != nil {
				return nil, err
			}
			return r, check.CheckTechStack(r)
		},
		Apply: func(ctx context.Context, r *schema.TechStackResult) error {
			// Names declared before but not now become removes
			if err := p.env.Deps.ReplaceFileSet(ctx, t.root, node, deps.Set(r.DependencyDeltas)); err != nil {
				return err
			}
			return p.linkExtensions(ctx, t, r.Extensions)
		},
	})
}

// linkExtensions makes the project's USES_EXTENSION edges match want.
func (p *Pipeline) linkExtensions(ctx context.Context, t *target, want map[string]string) error {
	db := p.env.DB
	edges, err := db.EdgesFrom(ctx, t.root.ID, graph.EdgeUsesExtension)
	if err != nil {
		return err
	}
	have := make(map[string]string, len(edges))
	for _, e := range edges {
		have[e.Name] = e.Dst
	}
	for id := range want {
		ext, err := p.env.Extensions.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("extension %s: %w", id, err)
		}
		if have[id] == ext.Node.ID {
			delete(have, id)
			continue
		}
		if err := db.AddEdge(ctx, t.root.ID, graph.EdgeUsesExtension, ext.Node.ID, id); err != nil {
			return err
		}
	}
	for id, dst := range have {
		if err := db.DeleteEdge(ctx, t.root.ID, graph.EdgeUsesExtension, dst, id); err != nil {
			return err
		}
	}
	return nil
}
