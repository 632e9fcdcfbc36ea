// Package extensions manages installed extensions: named, versioned skill
// text that tech-stack resolution can require and compilation feeds to the
// model.
package extensions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jfilby/intentcode-sub000/internal/graph"
)

var validate = validator.New()

// Manifest is an extension definition file.
type Manifest struct {
	ID          string `yaml:"id" json:"id" validate:"required,excludes=/"`
	Version     string `yaml:"version" json:"version" validate:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Skill is inline skill text. SkillFile, relative to the manifest, is
	// read when Skill is empty.
	Skill     string `yaml:"skill,omitempty" json:"-"`
	SkillFile string `yaml:"skillFile,omitempty" json:"-"`
}

// Extension is an installed extension.
type Extension struct {
	Manifest
	Skill string
	Node  *graph.Node
}

// ReadManifest loads and validates an extension manifest, resolving its
// skill text.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading extension manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing extension manifest: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid extension manifest %s: %w", path, err)
	}
	if m.Skill == "" && m.SkillFile != "" {
		skill, err := os.ReadFile(filepath.Join(filepath.Dir(path), m.SkillFile))
		if err != nil {
			return nil, fmt.Errorf("reading skill file: %w", err)
		}
		m.Skill = string(skill)
	}
	return &m, nil
}

// Registry stores extensions as nodes under the workspace project root.
type Registry struct {
	db   *graph.DB
	root *graph.Node
}

// NewRegistry creates a registry for the workspace root node.
func NewRegistry(db *graph.DB, root *graph.Node) *Registry {
	return &Registry{db: db, root: root}
}

// Add installs or upgrades an extension.
func (r *Registry) Add(ctx context.Context, m *Manifest) (*Extension, error) {
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("invalid extension: %w", err)
	}
	n, err := r.db.GetOrCreateChild(ctx, r.root, graph.TypeExtension, m.ID)
	if err != nil {
		return nil, err
	}
	if err := r.db.SetStructured(ctx, n, m); err != nil {
		return nil, err
	}
	if err := r.db.SetContent(ctx, n, []byte(m.Skill), time.Now()); err != nil {
		return nil, err
	}
	return &Extension{Manifest: *m, Skill: m.Skill, Node: n}, nil
}

// Get returns an installed extension, or graph.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Extension, error) {
	n, err := r.db.FindChild(ctx, r.root, graph.TypeExtension, id)
	if err != nil {
		return nil, err
	}
	return decode(n)
}

// List returns installed extensions sorted by id.
func (r *Registry) List(ctx context.Context) ([]*Extension, error) {
	nodes, err := r.db.Children(ctx, r.root, graph.TypeExtension)
	if err != nil {
		return nil, err
	}
	out := make([]*Extension, 0, len(nodes))
	for _, n := range nodes {
		ext, err := decode(n)
		if err != nil {
			return nil, err
		}
		out = append(out, ext)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Installed maps extension id to installed version.
func (r *Registry) Installed(ctx context.Context) (map[string]string, error) {
	exts, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(exts))
	for _, e := range exts {
		out[e.ID] = e.Version
	}
	return out, nil
}

// Remove uninstalls an extension, deleting its node and every edge that
// references it.
func (r *Registry) Remove(ctx context.Context, id string) error {
	n, err := r.db.FindChild(ctx, r.root, graph.TypeExtension, id)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return fmt.Errorf("extension %q is not installed: %w", id, err)
		}
		return err
	}
	return r.db.CascadeDelete(ctx, n, true)
}

func decode(n *graph.Node) (*Extension, error) {
	var m Manifest
	if err := n.Decode(&m); err != nil {
		return nil, err
	}
	return &Extension{Manifest: m, Skill: string(n.Content), Node: n}, nil
}
