package deps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jfilby/intentcode-sub000/internal/cas"
	"github.com/jfilby/intentcode-sub000/internal/graph"
)

// MirrorFile is the conventional name of the on-disk manifest mirror, placed
// in each project root.
const MirrorFile = "dependencies.yaml"

type mirrorDoc struct {
	Project      string `yaml:"project"`
	Dependencies Set    `yaml:"dependencies"`
}

const mirrorHeader = "# Generated by intentcode from the dependency graph. Do not edit.\n"

// Drift describes how the on-disk mirror differs from the graph.
type Drift struct {
	Path    string
	Missing bool // never written, or deleted since
	Edited  bool // changed on disk since intentcode last wrote it
	Added   []string
	Removed []string
	Changed []string
}

// InSync reports whether the mirror matches the graph exactly.
func (d *Drift) InSync() bool {
	return !d.Missing && !d.Edited && len(d.Added)+len(d.Removed)+len(d.Changed) == 0
}

func (d *Drift) String() string {
	switch {
	case d.InSync():
		return fmt.Sprintf("%s: in sync", d.Path)
	case d.Edited:
		return fmt.Sprintf("%s: edited outside intentcode (graph copy is authoritative)", d.Path)
	case d.Missing:
		return fmt.Sprintf("%s: missing", d.Path)
	default:
		return fmt.Sprintf("%s: out of date (+%v -%v ~%v)", d.Path, d.Added, d.Removed, d.Changed)
	}
}

// ReadMirror parses a mirror file.
func ReadMirror(path string) (Set, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var doc mirrorDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, data, fmt.Errorf("parsing %s: %w", path, err)
	}
	if doc.Dependencies == nil {
		doc.Dependencies = Set{}
	}
	return doc.Dependencies, data, nil
}

// Verify compares the mirror at path with the project's effective set.
func (r *Reconciler) Verify(ctx context.Context, root *graph.Node, path string) (*Drift, error) {
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

	drift := &Drift{Path: path}
	onDisk, data, err := ReadMirror(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		drift.Missing = true
		drift.Added = effective.Names()
		return drift, nil
	case err != nil && data == nil:
		return nil, err
	case err != nil:
		// Unparseable content can only come from an outside edit
		drift.Edited = true
		return drift, nil
	}

	if st.MirrorHash != "" && cas.ContentHash(data) != st.MirrorHash {
		drift.Edited = true
	}
	drift.Added, drift.Removed, drift.Changed = DiffSets(onDisk, effective)
	return drift, nil
}

// WriteMirror writes the effective set to path atomically and records the
// written bytes' hash on the manifest node.
func (r *Reconciler) WriteMirror(ctx context.Context, root *graph.Node, path string, set Set) error {
	body, err := yaml.Marshal(mirrorDoc{Project: root.Project, Dependencies: set})
	if err != nil {
		return fmt.Errorf("marshaling mirror: %w", err)
	}
	data := append([]byte(mirrorHeader), body...)

	if err := WriteFileAtomic(path, data); err != nil {
		return err
	}

	unlock := r.lock(root.Project)
	defer unlock()

	manifest, err := r.Manifest(ctx, root)
	if err != nil {
		return err
	}
	var st manifestState
	if err := manifest.Decode(&st); err != nil {
		return err
	}
	st.MirrorHash = cas.ContentHash(data)
	if st.Dependencies == nil {
		st.Dependencies = Set{}
	}
	return r.db.SetStructured(ctx, manifest, st)
}

// WriteFileAtomic writes via a temp file and rename so a crash never leaves a
// partial file behind.
func WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("writing tmp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
