package stages

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/jfilby/intentcode-sub000/internal/graph"
	"github.com/jfilby/intentcode-sub000/internal/runner"
	"github.com/jfilby/intentcode-sub000/internal/schema"
)

const indexPrimer = `You index intent-notation files. For the file given, list what it exports
and which other intent files of the same project it imports.
Reply with a single JSON object:
{"warnings": [Message], "errors": [Message],
 "exports": [{"name": string, "kind": "type"|"function"|"class"|"constant"|"variable"|"interface"|"module", "summary": string}],
 "imports": [string]}
where Message is {"text": string, "line"?: int}. Imports are paths exactly as
listed in the prompt.`

// projectFiles lists the intent files of every target project.
func (p *Pipeline) projectFiles(ctx context.Context) ([]*intentFile, map[*target]map[string]*intentFile, error) {
	var all []*intentFile
	byTarget := make(map[*target]map[string]*intentFile, len(p.targets))
	for _, t := range p.targets {
		files, err := p.intentFiles(ctx, t)
		if err != nil {
			return nil, nil, err
		}
		known := make(map[string]*intentFile, len(files))
		for _, f := range files {
			known[f.rel] = f
		}
		byTarget[t] = known
		all = append(all, files...)
	}
	return all, byTarget, nil
}

func (p *Pipeline) index(ctx context.Context, res *Result) error {
	files, byTarget, err := p.projectFiles(ctx)
	if err != nil {
		return err
	}
	tl := &tally{res: res}
	return forEach(ctx, p.env.Concurrency, files, func(ctx context.Context, f *intentFile) error {
		out, err := p.indexUnit(ctx, f, byTarget[f.target])
		if err != nil {
			return err
		}
		tl.add(out)
		return nil
	})
}

func (p *Pipeline) indexUnit(ctx context.Context, f *intentFile, known map[string]*intentFile) (*runner.Outcome, error) {
	check := &schema.Context{Projects: len(p.targets), IntentFiles: make(map[string]bool, len(known))}
	for rel := range known {
		check.IntentFiles[rel] = true
	}

	return runner.Run(ctx, p.env.Runner, runner.Unit[schema.IndexResult]{
		Name:          f.unitName(),
		Node:          f.node,
		Tool:          p.tool(Index),
		Primer:        indexPrimer,
		SourceModTime: f.modTime,
		Prompt: func(context.Context) (string, error) {
			var b strings.Builder
			fmt.Fprintf(&b, "Project: %s (language: %s)\n\nIntent files in this project:\n",
				f.target.project.Name, f.target.project.Language)
			for _, rel := range sortedKeys(known) {
				fmt.Fprintf(&b, "- %s\n", rel)
			}
			fmt.Fprintf(&b, "\nFile %s:\n%s", f.rel, f.content)
			return b.String(), nil
		},
		Validate: func(raw []byte) (*schema.IndexResult, error) {
			r, err := schema.Decode[schema.IndexResult](raw)
			if err != nil {
				return nil, err
			}
			return r, check.CheckIndex(r)
		},
		Apply: func(ctx context.Context, r *schema.IndexResult) error {
			return p.linkImports(ctx, f, known, r.Imports)
		},
	})
}

// linkImports makes the file's IMPORTS edges match the imports it declares.
func (p *Pipeline) linkImports(ctx context.Context, f *intentFile, known map[string]*intentFile, imports []string) error {
	db := p.env.DB
	want := make(map[string]bool, len(imports))
	for _, imp := range imports {
		other, ok := known[path.Clean(imp)]
		if !ok {
			return fmt.Errorf("%w: %s imports unknown intent file %s", graph.ErrInvariant, f.rel, imp)
		}
		want[other.node.ID] = true
		if err := db.AddEdge(ctx, f.node.ID, graph.EdgeImports, other.node.ID, ""); err != nil {
			return err
		}
	}
	edges, err := db.EdgesFrom(ctx, f.node.ID, graph.EdgeImports)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if want[e.Dst] {
			continue
		}
		if err := db.DeleteEdge(ctx, f.node.ID, graph.EdgeImports, e.Dst, ""); err != nil {
			return err
		}
	}
	return nil
}
