package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/jfilby/intentcode-sub000/internal/deps"
	"github.com/jfilby/intentcode-sub000/internal/graph"
	"github.com/jfilby/intentcode-sub000/internal/runner"
	"github.com/jfilby/intentcode-sub000/internal/schema"
	"github.com/jfilby/intentcode-sub000/internal/syntax"
)

const compilePrimer = `You compile intent notation into source code for the stated language.
Reply with a single JSON object:
{"assumptions": [{"text": string, "line"?: int}],
 "warnings": [Message], "errors": [Message],
 "fixedIntentNotation"?: string,
 "targetSource"?: string,
 "dependencyDeltas": [{"op": "add"|"remove", "name": string, "minVersion"?: string}]}
where Message is {"text": string, "line"?: int}.
targetSource is the complete source file and is required unless you report
errors. Use only the declared dependencies unless you add them with a delta.
If the intent notation has mistakes you could correct, return the corrected
file as fixedIntentNotation.`

// compileContext is what every unit of one project shares.
type compileContext struct {
	declared deps.Set
	skills   []string
}

func (p *Pipeline) compileContext(ctx context.Context, t *target) (*compileContext, error) {
	db := p.env.DB
	cc := &compileContext{declared: deps.Set{}}

	if t.project.TechStack != "" {
		n, err := db.FindPath(ctx, p.specRoot, p.env.Workspace.TechStackPath(t.project))
		switch {
		case errors.Is(err, graph.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			if cc.declared, err = deps.FileDependencies(n); err != nil {
				return nil, err
			}
		}
	}

	edges, err := db.EdgesFrom(ctx, t.root.ID, graph.EdgeUsesExtension)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		ext, err := p.env.Extensions.Get(ctx, e.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: project %s uses missing extension %s", graph.ErrInvariant, t.project.Name, e.Name)
		}
		cc.skills = append(cc.skills, fmt.Sprintf("### %s %s\n%s", ext.ID, ext.Version, strings.TrimSpace(ext.Skill)))
	}
	return cc, nil
}

func (p *Pipeline) compile(ctx context.Context, res *Result) error {
	files, byTarget, err := p.projectFiles(ctx)
	if err != nil {
		return err
	}
	contexts := make(map[*target]*compileContext, len(p.targets))
	for _, t := range p.targets {
		if contexts[t], err = p.compileContext(ctx, t); err != nil {
			return err
		}
	}
	tl := &tally{res: res}
	return forEach(ctx, p.env.Concurrency, files, func(ctx context.Context, f *intentFile) error {
		out, err := p.compileUnit(ctx, f, byTarget[f.target], contexts[f.target])
		if err != nil {
			return err
		}
		tl.add(out)
		return nil
	})
}

// sourcePath maps an intent path onto the project's source directory,
// swapping the extension for the language's.
func (p *Pipeline) sourcePath(f *intentFile) string {
	rel := f.rel
	if ext := f.target.project.SourceExt(); ext != "" {
		rel = strings.TrimSuffix(rel, path.Ext(rel)) + ext
	}
	return filepath.Join(p.env.Workspace.SourceRoot(f.target.project), filepath.FromSlash(rel))
}

func (p *Pipeline) compilePrompt(ctx context.Context, f *intentFile, known map[string]*intentFile, cc *compileContext) (string, error) {
	db := p.env.DB
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nLanguage: %s\nTarget file: %s\n",
		f.target.project.Name, f.target.project.Language, filepath.ToSlash(p.sourcePath(f)))

	b.WriteString("\nDeclared dependencies:\n")
	if len(cc.declared) == 0 {
		b.WriteString("(none)\n")
	}
	for _, name := range cc.declared.Names() {
		fmt.Fprintf(&b, "- %s %s\n", name, cc.declared[name])
	}

	idx, err := runner.LoadResult[schema.IndexResult](ctx, db, f.node, string(Index))
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return "", err
	}
	if idx != nil && len(idx.Imports) > 0 {
		b.WriteString("\nImported files:\n")
		for _, imp := range idx.Imports {
			other, ok := known[path.Clean(imp)]
			if !ok {
				return "", fmt.Errorf("%w: %s imports unknown intent file %s", graph.ErrInvariant, f.rel, imp)
			}
			fmt.Fprintf(&b, "%s\n", other.rel)
			exports, err := runner.LoadResult[schema.IndexResult](ctx, db, other.node, string(Index))
			if errors.Is(err, graph.ErrNotFound) {
				continue
			}
			if err != nil {
				return "", err
			}
			for _, e := range exports.Exports {
				fmt.Fprintf(&b, "  %s %s: %s\n", e.Kind, e.Name, e.Summary)
			}
		}
	}

	if len(cc.skills) > 0 {
		b.WriteString("\nExtension skills:\n")
		b.WriteString(strings.Join(cc.skills, "\n\n"))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nIntent file %s:\n%s", f.rel, f.content)
	return b.String(), nil
}

func (p *Pipeline) compileUnit(ctx context.Context, f *intentFile, known map[string]*intentFile, cc *compileContext) (*runner.Outcome, error) {
	lang := f.target.project.Language
	check := &schema.Context{Projects: len(p.targets)}

	return runner.Run(ctx, p.env.Runner, runner.Unit[schema.CompileResult]{
		Name:          f.unitName(),
		Node:          f.node,
		Tool:          p.tool(Compile),
		Primer:        compilePrimer,
		SourceModTime: f.modTime,
		Prompt: func(ctx context.Context) (string, error) {
			return p.compilePrompt(ctx, f, known, cc)
		},
		Validate: func(raw []byte) (*schema.CompileResult, error) {
			r, err := schema.Decode[schema.CompileResult](raw)
			if err != nil {
				return nil, err
			}
			if err := check.CheckCompile(r); err != nil {
				return nil, err
			}
			if r.TargetSource != nil {
				if err := syntax.Check(ctx, lang, []byte(*r.TargetSource)); err != nil {
					return nil, schema.Invalid("targetSource: %v", err)
				}
			}
			if w, ok := suggestedFix(f, r.FixedIntentNotation); ok {
				r.Warnings = append(r.Warnings, w)
			}
			return r, nil
		},
		Apply: func(ctx context.Context, r *schema.CompileResult) error {
			return p.applyCompile(ctx, f, r)
		},
	})
}

// suggestedFix turns a corrected intent file into a warning carrying a patch.
// The intent file itself is left alone.
func suggestedFix(f *intentFile, fixed *string) (schema.Message, bool) {
	if fixed == nil || *fixed == string(f.content) {
		return schema.Message{}, false
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(f.content), *fixed, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patch := dmp.PatchToText(dmp.PatchMake(string(f.content), diffs))
	return schema.Message{Text: "suggested fix for " + f.rel + ":\n" + patch}, true
}

func (p *Pipeline) applyCompile(ctx context.Context, f *intentFile, r *schema.CompileResult) error {
	db := p.env.DB
	if r.TargetSource != nil && *r.TargetSource != "" {
		dest := p.sourcePath(f)
		content := []byte(*r.TargetSource)
		changed, err := writeIfChanged(dest, content)
		if err != nil {
			return fmt.Errorf("writing source: %w", err)
		}
		n, err := db.GetOrCreatePath(ctx, f.target.root, dest)
		if err != nil {
			return err
		}
		if changed || n.Content == nil {
			info, err := os.Stat(dest)
			if err != nil {
				return err
			}
			if err := db.SetContent(ctx, n, content, info.ModTime()); err != nil {
				return err
			}
		}
		if err := db.AddEdge(ctx, f.node.ID, graph.EdgeCompilesTo, n.ID, ""); err != nil {
			return err
		}
	}
	return p.env.Deps.ApplyDeltas(ctx, f.target.root, f.node, r.DependencyDeltas)
}
