package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/jfilby/intentcode-sub000/internal/ignore"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDirSource_Files(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "specs/users.md", "# Users")
	writeFile(t, root, "specs/orders/list.md", "# Orders")
	writeFile(t, root, "specs/drafts/idea.md", "# Idea")
	writeFile(t, root, "README.md", "readme")
	writeFile(t, root, ".intentcode/notes.md", "state")

	m := ignore.New()
	m.AddAll(ignore.Defaults)
	m.Add("drafts/")

	src := NewDirSource(root, m)
	files, err := src.Files([]string{"specs/**/*.md"})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if files[0].Path != "specs/orders/list.md" || files[1].Path != "specs/users.md" {
		t.Errorf("unexpected order: %s, %s", files[0].Path, files[1].Path)
	}
	if files[1].ModTime.IsZero() {
		t.Error("mod time not set")
	}

	id := src.Identifier()
	writeFile(t, root, "specs/users.md", "# Users v2")
	if _, err := src.Files([]string{"specs/**/*.md"}); err != nil {
		t.Fatal(err)
	}
	if src.Identifier() == id {
		t.Error("identifier should change with content")
	}

	f, err := src.File("README.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(f.Content) != "readme" {
		t.Errorf("content = %q", f.Content)
	}
}

func TestGitSource_Files(t *testing.T) {
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, root, "ws/specs/users.md", "# Users")
	writeFile(t, root, "other/specs/x.md", "# Elsewhere")
	for _, p := range []string{"ws/specs/users.md", "other/specs/x.md"} {
		if _, err := wt.Add(p); err != nil {
			t.Fatal(err)
		}
	}
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: when},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Uncommitted edits are invisible
	writeFile(t, root, "ws/specs/users.md", "# Users edited")
	writeFile(t, root, "ws/specs/new.md", "# New")

	src, err := OpenGit(root, "HEAD", "ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	if src.Identifier() != hash.String() {
		t.Errorf("identifier = %s, want %s", src.Identifier(), hash)
	}

	files, err := src.Files([]string{"specs/**/*.md"})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	if files[0].Path != "specs/users.md" || string(files[0].Content) != "# Users" {
		t.Errorf("got %s %q", files[0].Path, files[0].Content)
	}
	if !files[0].ModTime.Equal(when) {
		t.Errorf("mod time = %v, want commit time %v", files[0].ModTime, when)
	}

	if _, err := OpenGit(root, "no-such-branch", "", nil); err == nil {
		t.Error("expected error for unknown ref")
	}
}
