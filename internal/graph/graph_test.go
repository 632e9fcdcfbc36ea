package graph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) (*DB, string) {
	t.Helper()

	tmpDir := t.TempDir()
	db, err := Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	root := filepath.Join(tmpDir, "project")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("creating project dir: %v", err)
	}
	return db, root
}

func openProject(t *testing.T, db *DB, rootPath string) *Node {
	t.Helper()
	root, err := db.OpenProject(context.Background(), "shop", rootPath)
	if err != nil {
		t.Fatalf("opening project: %v", err)
	}
	return root
}

func TestOpen_InvalidPath(t *testing.T) {
	if _, err := Open("/nonexistent/path/test.db"); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpenProject_Idempotent(t *testing.T) {
	db, rootPath := setupTestDB(t)
	a := openProject(t, db, rootPath)
	b := openProject(t, db, rootPath)

	if a.ID != b.ID {
		t.Errorf("expected same root id, got %s and %s", a.ID, b.ID)
	}
	if a.RootPath() != rootPath {
		t.Errorf("expected root path %s, got %s", rootPath, a.RootPath())
	}

	projects, err := db.Projects(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 {
		t.Errorf("expected 1 project, got %d", len(projects))
	}
}

func TestGetOrCreatePath_SameNodeTwice(t *testing.T) {
	db, rootPath := setupTestDB(t)
	root := openProject(t, db, rootPath)
	ctx := context.Background()

	full := filepath.Join(rootPath, "specs", "billing", "invoice.md")
	first, err := db.GetOrCreatePath(ctx, root, full)
	if err != nil {
		t.Fatalf("GetOrCreatePath: %v", err)
	}
	second, err := db.GetOrCreatePath(ctx, root, full)
	if err != nil {
		t.Fatalf("GetOrCreatePath (second): %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected same node id, got %s and %s", first.ID, second.ID)
	}
	if first.Type != TypeFile || first.Name != "invoice.md" {
		t.Errorf("unexpected terminal node %s %q", first.Type, first.Name)
	}

	dirs, err := db.Children(ctx, root, TypeDirectory)
	if err != nil {
		t.Fatal(err)
	}
	if len(dirs) != 1 || dirs[0].Name != "specs" {
		t.Fatalf("expected single specs directory, got %v", dirs)
	}

	back, err := db.FullPath(ctx, first)
	if err != nil {
		t.Fatalf("FullPath: %v", err)
	}
	if back != full {
		t.Errorf("FullPath = %s, want %s", back, full)
	}
}

func TestGetOrCreatePath_RejectsOutsideRoot(t *testing.T) {
	db, rootPath := setupTestDB(t)
	root := openProject(t, db, rootPath)

	cases := []string{
		filepath.Join(filepath.Dir(rootPath), "elsewhere", "a.md"),
		rootPath + "-sibling/a.md",
		rootPath,
		"relative/a.md",
		filepath.Join(rootPath, "..", "escape.md"),
	}
	for _, p := range cases {
		_, err := db.GetOrCreatePath(context.Background(), root, p)
		var pathErr *InvalidPathError
		if !errors.As(err, &pathErr) {
			t.Errorf("path %q: expected InvalidPathError, got %v", p, err)
		}
	}
}

func TestFindPath_Missing(t *testing.T) {
	db, rootPath := setupTestDB(t)
	root := openProject(t, db, rootPath)

	_, err := db.FindPath(context.Background(), root, filepath.Join(rootPath, "nope.md"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindDir(t *testing.T) {
	db, rootPath := setupTestDB(t)
	root := openProject(t, db, rootPath)
	ctx := context.Background()

	file, err := db.GetOrCreatePath(ctx, root, filepath.Join(rootPath, "intent", "api", "users.md"))
	if err != nil {
		t.Fatal(err)
	}
	dir, err := db.FindDir(ctx, root, filepath.Join(rootPath, "intent", "api"))
	if err != nil {
		t.Fatalf("FindDir: %v", err)
	}
	if dir.Type != TypeDirectory || dir.ID != file.ParentID {
		t.Errorf("got %s %q, want the parent of users.md", dir.Type, dir.Name)
	}

	if self, err := db.FindDir(ctx, root, rootPath); err != nil || self.ID != root.ID {
		t.Errorf("root path should resolve to the root, got %v, %v", self, err)
	}
	if _, err := db.FindDir(ctx, root, filepath.Join(rootPath, "intent", "api", "users.md")); !errors.Is(err, ErrNotFound) {
		t.Errorf("a file is not a directory, got %v", err)
	}
	if _, err := db.FindDir(ctx, root, filepath.Join(rootPath, "src")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetContent_UpdatesInPlace(t *testing.T) {
	db, rootPath := setupTestDB(t)
	root := openProject(t, db, rootPath)
	ctx := context.Background()

	n, err := db.GetOrCreatePath(ctx, root, filepath.Join(rootPath, "a.md"))
	if err != nil {
		t.Fatal(err)
	}
	stamp := time.UnixMilli(1_700_000_000_000)
	if err := db.SetContent(ctx, n, []byte("hello"), stamp); err != nil {
		t.Fatalf("SetContent: %v", err)
	}

	got, err := db.GetNode(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Content) != "hello" || got.ContentHash == "" {
		t.Errorf("content not stored: %q %q", got.Content, got.ContentHash)
	}
	if !got.ContentUpdatedAt.Equal(stamp) {
		t.Errorf("ContentUpdatedAt = %v, want %v", got.ContentUpdatedAt, stamp)
	}
	if got.ID != n.ID {
		t.Error("update must not clone the node")
	}
}

func TestUpsertDerivedData(t *testing.T) {
	db, rootPath := setupTestDB(t)
	root := openProject(t, db, rootPath)
	ctx := context.Background()

	file, err := db.GetOrCreatePath(ctx, root, filepath.Join(rootPath, "a.md"))
	if err != nil {
		t.Fatal(err)
	}

	first, err := db.UpsertDerivedData(ctx, file, "index", map[string]interface{}{"v": 1})
	if err != nil {
		t.Fatalf("UpsertDerivedData: %v", err)
	}
	second, err := db.UpsertDerivedData(ctx, file, "index", map[string]interface{}{"v": 2})
	if err != nil {
		t.Fatalf("UpsertDerivedData (overwrite): %v", err)
	}

	if first.ID != second.ID {
		t.Error("derived data must be overwritten, not duplicated")
	}
	if first.StructuredHash == second.StructuredHash {
		t.Error("structured hash must be recomputed")
	}

	stored, err := db.DerivedData(ctx, file, "index")
	if err != nil {
		t.Fatal(err)
	}
	var v struct{ V int }
	if err := stored.Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.V != 2 {
		t.Errorf("expected v=2, got %d", v.V)
	}
}

func TestEdges_AddDelete(t *testing.T) {
	db, rootPath := setupTestDB(t)
	root := openProject(t, db, rootPath)
	ctx := context.Background()

	a, _ := db.GetOrCreatePath(ctx, root, filepath.Join(rootPath, "a.md"))
	b, _ := db.GetOrCreatePath(ctx, root, filepath.Join(rootPath, "b.md"))

	for i := 0; i < 2; i++ {
		if err := db.AddEdge(ctx, a.ID, EdgeDependsOn, b.ID, "lodash"); err != nil {
			t.Fatalf("AddEdge: %v", err)
		}
	}
	edges, err := db.EdgesTo(ctx, b.ID, EdgeDependsOn)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].Name != "lodash" {
		t.Fatalf("expected one idempotent edge, got %v", edges)
	}

	if err := db.DeleteEdge(ctx, a.ID, EdgeDependsOn, b.ID, "lodash"); err != nil {
		t.Fatal(err)
	}
	edges, _ = db.EdgesFrom(ctx, a.ID, EdgeDependsOn)
	if len(edges) != 0 {
		t.Errorf("expected no edges, got %d", len(edges))
	}
}

func TestCascadeDelete_NoOrphans(t *testing.T) {
	db, rootPath := setupTestDB(t)
	root := openProject(t, db, rootPath)
	ctx := context.Background()

	a, _ := db.GetOrCreatePath(ctx, root, filepath.Join(rootPath, "intent", "api", "a.ic"))
	b, _ := db.GetOrCreatePath(ctx, root, filepath.Join(rootPath, "intent", "api", "deep", "b.ic"))
	keep, _ := db.GetOrCreatePath(ctx, root, filepath.Join(rootPath, "keep.md"))
	if _, err := db.UpsertDerivedData(ctx, a, "index", map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}

	// Edges inside the subtree, into it and out of it
	if err := db.AddEdge(ctx, a.ID, EdgeDependsOn, b.ID, "x"); err != nil {
		t.Fatal(err)
	}
	if err := db.AddEdge(ctx, keep.ID, EdgeGenerated, a.ID, ""); err != nil {
		t.Fatal(err)
	}
	if err := db.AddEdge(ctx, b.ID, EdgeCompilesTo, keep.ID, ""); err != nil {
		t.Fatal(err)
	}

	intentDir, err := db.FindChild(ctx, root, TypeDirectory, "intent")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.CascadeDelete(ctx, intentDir, true); err != nil {
		t.Fatalf("CascadeDelete: %v", err)
	}

	report, err := db.Check(ctx, root)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !report.OK() {
		t.Errorf("expected clean graph, got %s", report)
	}
	if report.Reachable != 2 {
		t.Errorf("expected root and keep.md reachable, got %d", report.Reachable)
	}
	if edges, _ := db.EdgesFrom(ctx, keep.ID, EdgeGenerated); len(edges) != 0 {
		t.Errorf("edge into deleted subtree survived: %v", edges)
	}
}

func TestCascadeDelete_KeepSelf(t *testing.T) {
	db, rootPath := setupTestDB(t)
	root := openProject(t, db, rootPath)
	ctx := context.Background()

	file, _ := db.GetOrCreatePath(ctx, root, filepath.Join(rootPath, "a.md"))
	if _, err := db.UpsertDerivedData(ctx, file, "compile", map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}

	if err := db.CascadeDelete(ctx, file, false); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetNode(ctx, file.ID); err != nil {
		t.Errorf("node itself should remain: %v", err)
	}
	children, _ := db.Children(ctx, file, "")
	if len(children) != 0 {
		t.Errorf("expected no children, got %d", len(children))
	}
}
