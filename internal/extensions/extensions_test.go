package extensions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jfilby/intentcode-sub000/internal/graph"
)

func setup(t *testing.T) (*Registry, *graph.DB, *graph.Node, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := graph.Open(filepath.Join(dir, "graph.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	root, err := db.OpenProject(context.Background(), "shop", dir)
	if err != nil {
		t.Fatal(err)
	}
	return NewRegistry(db, root), db, root, dir
}

func TestReadManifest_SkillFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "skill.md"), []byte("Use chi for routing."), 0644)
	path := filepath.Join(dir, "ext.yaml")
	os.WriteFile(path, []byte("id: go-http\nversion: 1.2.0\nskillFile: skill.md\n"), 0644)

	m, err := ReadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Skill != "Use chi for routing." {
		t.Errorf("skill = %q", m.Skill)
	}

	os.WriteFile(path, []byte("version: 1.0.0\n"), 0644)
	if _, err := ReadManifest(path); err == nil {
		t.Error("expected error for manifest without id")
	}
}

func TestAddGetListRemove(t *testing.T) {
	r, db, root, _ := setup(t)
	ctx := context.Background()

	if _, err := r.Add(ctx, &Manifest{ID: "go-http", Version: "1.0.0", Skill: "v1 skill"}); err != nil {
		t.Fatal(err)
	}
	// Upgrade in place
	if _, err := r.Add(ctx, &Manifest{ID: "go-http", Version: "1.1.0", Skill: "v2 skill"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Add(ctx, &Manifest{ID: "auth", Version: "0.3.0"}); err != nil {
		t.Fatal(err)
	}

	ext, err := r.Get(ctx, "go-http")
	if err != nil {
		t.Fatal(err)
	}
	if ext.Version != "1.1.0" || ext.Skill != "v2 skill" {
		t.Errorf("got %+v", ext.Manifest)
	}

	installed, _ := r.Installed(ctx)
	if len(installed) != 2 || installed["auth"] != "0.3.0" {
		t.Errorf("installed = %v", installed)
	}

	// An edge into the extension must go with it
	if err := db.AddEdge(ctx, root.ID, graph.EdgeUsesExtension, ext.Node.ID, ""); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(ctx, "go-http"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(ctx, "go-http"); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	report, err := db.Check(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK() {
		t.Errorf("graph inconsistent after remove: %s", report)
	}

	if err := r.Remove(ctx, "go-http"); err == nil {
		t.Error("removing twice should fail")
	}
}
