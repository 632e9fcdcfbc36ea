package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPatterns(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		isDir   bool
		want    bool
	}{
		{"*.draft.md", "specs/users.draft.md", false, true},
		{"*.draft.md", "specs/users.md", false, false},

		{"drafts/", "drafts", true, true},
		{"drafts/", "drafts/idea.md", false, true},
		{"drafts/", "specs/drafts/idea.md", false, true},
		{"drafts/", "drafts.md", false, false},

		{"/archive", "archive", true, true},
		{"/archive", "specs/archive", true, false},

		{"specs/*.md", "specs/a.md", false, true},
		{"specs/*.md", "specs/sub/a.md", false, false},
		{"specs/**/*.md", "specs/sub/a.md", false, true},
	}
	for _, tt := range tests {
		m := New()
		m.Add(tt.pattern)
		if got := m.Match(tt.path, tt.isDir); got != tt.want {
			t.Errorf("pattern %q, path %q (isDir=%v): got %v, want %v", tt.pattern, tt.path, tt.isDir, got, tt.want)
		}
	}
}

func TestNegationLastRuleWins(t *testing.T) {
	m := New()
	m.AddAll([]string{"*.md", "!keep.md", "# comment", ""})

	if !m.Match("notes.md", false) {
		t.Error("notes.md should be ignored")
	}
	if m.Match("specs/keep.md", false) {
		t.Error("keep.md should be re-included")
	}
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("secret/\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("!secret/shared.md\n"), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadFromDir(dir, []string{"wip/"})
	if err != nil {
		t.Fatal(err)
	}
	for path, want := range map[string]bool{
		".intentcode/graph.db": true,
		".git/HEAD":            true,
		"secret/keys.md":       true,
		"wip/next.md":          true,
		"specs/users.md":       false,
	} {
		if got := m.Match(path, false); got != want {
			t.Errorf("Match(%q) = %v, want %v", path, got, want)
		}
	}
}
