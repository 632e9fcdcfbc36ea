package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `name: shop
specs: ["specs/**/*.md"]
projects:
  - name: backend
    root: backend
    language: go
    techStack: backend/techstack.md
  - name: web
    root: web
    language: typescript
    intentDir: ic
`

func writeWorkspace(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeWorkspace(t, sample)
	ws, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, no, ok := ws.Project("web")
	if !ok || no != 2 {
		t.Fatalf("Project(web) = %v, %d, %v", p, no, ok)
	}
	if p.IntentDir != "ic" || p.SourceDir != "src" {
		t.Errorf("defaults not applied: %+v", p)
	}
	if ws.GraphID(p) != "shop/web" {
		t.Errorf("GraphID = %s", ws.GraphID(p))
	}
	if got := ws.IntentRoot(p); got != filepath.Join(dir, "web", "ic") {
		t.Errorf("IntentRoot = %s", got)
	}
	if p.SourceExt() != ".ts" {
		t.Errorf("SourceExt = %s", p.SourceExt())
	}

	backend, _ := ws.ProjectByNo(1)
	if ws.TechStackPath(backend) != filepath.Join(dir, "backend", "techstack.md") {
		t.Errorf("TechStackPath = %s", ws.TechStackPath(backend))
	}
	if _, ok := ws.ProjectByNo(3); ok {
		t.Error("project 3 should not resolve")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"no name":      "projects: [{name: a, root: a}]",
		"no projects":  "name: x",
		"escape root":  "name: x\nprojects: [{name: a, root: ../a}]",
		"bad language": "name: x\nprojects: [{name: a, root: a, language: cobol}]",
		"duplicate":    "name: x\nprojects: [{name: a, root: a}, {name: a, root: b}]",
		"bad glob":     "name: x\nspecs: ['specs/[']\nprojects: [{name: a, root: a}]",
		"shared stack": "name: x\nprojects: [{name: a, root: a, techStack: t.md}, {name: b, root: b, techStack: ./t.md}]",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeWorkspace(t, content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestFind(t *testing.T) {
	dir := writeWorkspace(t, sample)
	nested := filepath.Join(dir, "backend", "intent", "api")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	got, err := Find(nested)
	if err != nil {
		t.Fatal(err)
	}
	if got != dir {
		t.Errorf("Find = %s, want %s", got, dir)
	}

	if _, err := Find(t.TempDir()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	ws, err := Init(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if ws.Name != "demo" || len(ws.Projects) != 1 {
		t.Errorf("unexpected workspace: %+v", ws.Config)
	}
	if _, err := os.Stat(filepath.Join(dir, StateDir)); err != nil {
		t.Error("state dir not created")
	}
	if _, err := Init(dir, "demo"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("expected refusal to overwrite, got %v", err)
	}
}
