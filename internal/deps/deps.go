// Package deps reconciles per-file dependency deltas into a project-wide
// dependency manifest. Edges from files to the manifest node, one per
// dependency name, record which files still need each dependency.
package deps

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/mod/semver"

	"github.com/jfilby/intentcode-sub000/internal/graph"
)

// Op is a dependency delta operation.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

// Delta is an add/remove instruction for one external library dependency.
type Delta struct {
	Op         Op     `json:"op" validate:"required,oneof=add remove"`
	Name       string `json:"name" validate:"required"`
	MinVersion string `json:"minVersion,omitempty"`
}

// Set maps dependency name to minimum version.
type Set map[string]string

// Names returns the dependency names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a copy of s.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets hold the same names and versions.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// ManifestName is the well-known name of a project's dependency manifest node.
const ManifestName = "dependencies"

// fileState is the dependency part of a file node's structured content.
type fileState struct {
	Dependencies Set `json:"dependencies"`
}

// manifestState is the structured content of a manifest node.
type manifestState struct {
	Dependencies Set    `json:"dependencies"`
	MirrorHash   string `json:"mirrorHash,omitempty"`
}

// Reconciler applies dependency deltas. Manifest updates are read-modify-write
// on shared state, so they are serialized per project.
type Reconciler struct {
	db     *graph.DB
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReconciler creates a Reconciler over the graph.
func NewReconciler(db *graph.DB, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		db:     db,
		logger: logger.With("component", "deps"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (r *Reconciler) lock(project string) func() {
	r.mu.Lock()
	m, ok := r.locks[project]
	if !ok {
		m = &sync.Mutex{}
		r.locks[project] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Manifest returns the project's manifest node, creating it on first use.
func (r *Reconciler) Manifest(ctx context.Context, root *graph.Node) (*graph.Node, error) {
	return r.db.GetOrCreateChild(ctx, root, graph.TypeDependencyManifest, ManifestName)
}

// FileDependencies returns the dependency set currently declared by a file node.
func FileDependencies(n *graph.Node) (Set, error) {
	var st fileState
	if err := n.Decode(&st); err != nil {
		return nil, err
	}
	if st.Dependencies == nil {
		st.Dependencies = Set{}
	}
	return st.Dependencies, nil
}

// ApplyDeltas folds a file's dependency deltas into the file node, the
// project manifest, and the file-to-manifest edges. A nil delta list is a no-op.
func (r *Reconciler) ApplyDeltas(ctx context.Context, root, file *graph.Node, deltas []Delta) error {
	if deltas == nil {
		return nil
	}
	if file.Type == graph.TypeDependencyManifest {
		return fmt.Errorf("%w: deltas applied to the manifest itself", graph.ErrInvariant)
	}

	unlock := r.lock(root.Project)
	defer unlock()

	// 1. The file's own set: adds insert, removes clear
	fileSet, err := FileDependencies(file)
	if err != nil {
		return err
	}
	for _, d := range deltas {
		switch d.Op {
		case OpAdd:
			fileSet[d.Name] = d.MinVersion
		case OpRemove:
			delete(fileSet, d.Name)
		default:
			return fmt.Errorf("unknown dependency op %q for %s", d.Op, d.Name)
		}
	}
	if err := r.db.SetStructured(ctx, file, fileState{Dependencies: fileSet}); err != nil {
		return err
	}

	// 2. Project manifest
	manifest, err := r.Manifest(ctx, root)
	if err != nil {
		return err
	}
	var st manifestState
	if err := manifest.Decode(&st); err != nil {
		return err
	}
	if st.Dependencies == nil {
		st.Dependencies = Set{}
	}

	// 3. Manifest content is additive only; removal is decided by edge presence
	for _, d := range deltas {
		if d.Op != OpAdd {
			continue
		}
		if cur, ok := st.Dependencies[d.Name]; !ok || CompareVersions(d.MinVersion, cur) > 0 {
			st.Dependencies[d.Name] = d.MinVersion
		}
	}
	if err := r.db.SetStructured(ctx, manifest, st); err != nil {
		return err
	}

	// 4. One named edge per dependency the file still declares
	for _, d := range deltas {
		switch d.Op {
		case OpAdd:
			err = r.db.AddEdge(ctx, file.ID, graph.EdgeDependsOn, manifest.ID, d.Name)
		case OpRemove:
			err = r.db.DeleteEdge(ctx, file.ID, graph.EdgeDependsOn, manifest.ID, d.Name)
		}
		if err != nil {
			return err
		}
	}

	r.logger.Debug("applied dependency deltas", "project", root.Project, "file", file.Name, "deltas", len(deltas))
	return nil
}

// ReplaceFileSet computes the deltas that turn the file's current set into
// want and applies them.
func (r *Reconciler) ReplaceFileSet(ctx context.Context, root, file *graph.Node, want Set) error {
	have, err := FileDependencies(file)
	if err != nil {
		return err
	}
	deltas := []Delta{}
	for _, name := range want.Names() {
		if v, ok := have[name]; !ok || v != want[name] {
			deltas = append(deltas, Delta{Op: OpAdd, Name: name, MinVersion: want[name]})
		}
	}
	for _, name := range have.Names() {
		if _, ok := want[name]; !ok {
			deltas = append(deltas, Delta{Op: OpRemove, Name: name})
		}
	}
	return r.ApplyDeltas(ctx, root, file, deltas)
}

// Effective returns the union of all dependency sets declared by files that
// still hold an edge to the manifest, keeping the highest minimum version.
func (r *Reconciler) Effective(ctx context.Context, root *graph.Node) (Set, error) {
	manifest, err := r.Manifest(ctx, root)
	if err != nil {
		return nil, err
	}
	edges, err := r.db.EdgesTo(ctx, manifest.ID, graph.EdgeDependsOn)
	if err != nil {
		return nil, err
	}

	out := Set{}
	files := make(map[string]Set)
	for _, e := range edges {
		fileSet, ok := files[e.Src]
		if !ok {
			n, err := r.db.GetNode(ctx, e.Src)
			if err != nil {
				return nil, fmt.Errorf("%w: dependency edge from missing node: %v", graph.ErrInvariant, err)
			}
			if fileSet, err = FileDependencies(n); err != nil {
				return nil, err
			}
			files[e.Src] = fileSet
		}
		version := fileSet[e.Name]
		if cur, seen := out[e.Name]; !seen || CompareVersions(version, cur) > 0 {
			out[e.Name] = version
		}
	}
	return out, nil
}

// Compact rewrites the manifest content to the effective set, dropping any
// dependency no file edge references anymore. Returns the effective set.
func (r *Reconciler) Compact(ctx context.Context, root *graph.Node) (Set, error) {
	unlock := r.lock(root.Project)
	defer unlock()

	effective, err := r.Effective(ctx, root)
	if err != nil {
		return nil, err
	}
	manifest, err := r.Manifest(ctx, root)
	if err != nil {
		return nil, err
	}
	var st manifestState
	if err := manifest.Decode(&st); err != nil {
		return nil, err
	}
	if !st.Dependencies.Equal(effective) {
		for _, name := range st.Dependencies.Names() {
			if _, ok := effective[name]; !ok {
				r.logger.Info("dropping unreferenced dependency", "project", root.Project, "dependency", name)
			}
		}
		st.Dependencies = effective
		if err := r.db.SetStructured(ctx, manifest, st); err != nil {
			return nil, err
		}
	}
	return effective, nil
}

// CompareVersions orders minimum versions. Semantic versions compare
// semantically (a leading "v" is optional); anything else falls back to string
// order. An empty version sorts lowest.
func CompareVersions(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	va, vb := canonical(a), canonical(b)
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb)
	}
	return strings.Compare(a, b)
}

func canonical(v string) string {
	v = strings.TrimLeft(v, "^~>=")
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// DiffSets reports names added, removed and changed going from old to cur.
func DiffSets(old, cur Set) (added, removed, changed []string) {
	for _, name := range cur.Names() {
		v, ok := old[name]
		switch {
		case !ok:
			added = append(added, name)
		case v != cur[name]:
			changed = append(changed, name)
		}
	}
	for _, name := range old.Names() {
		if _, ok := cur[name]; !ok {
			removed = append(removed, name)
		}
	}
	return added, removed, changed
}
