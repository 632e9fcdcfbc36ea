// Package workspace loads the intentcode.yaml layout of a workspace.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the workspace layout file at the workspace root.
	FileName = "intentcode.yaml"
	// StateDir holds the graph database and tool settings.
	StateDir = ".intentcode"
	// DBFile is the graph database inside StateDir.
	DBFile = "graph.db"
)

// ErrNotFound is returned when no workspace encloses a directory.
var ErrNotFound = errors.New("not inside an intentcode workspace (no " + FileName + " found)")

// Project is one target project.
type Project struct {
	Name      string `yaml:"name"`
	Root      string `yaml:"root"`
	Language  string `yaml:"language"`
	TechStack string `yaml:"techStack,omitempty"`
	IntentDir string `yaml:"intentDir,omitempty"`
	SourceDir string `yaml:"sourceDir,omitempty"`
}

// Config is the parsed intentcode.yaml.
type Config struct {
	Name     string    `yaml:"name"`
	Specs    []string  `yaml:"specs"`
	Ignore   []string  `yaml:"ignore,omitempty"`
	Projects []Project `yaml:"projects"`
}

// Workspace is a loaded workspace rooted at an absolute directory.
type Workspace struct {
	Root string
	Config
}

var extensions = map[string]string{
	"go":         ".go",
	"typescript": ".ts",
	"javascript": ".js",
	"python":     ".py",
}

// Load reads and validates root/intentcode.yaml.
func Load(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(abs, FileName))
	if err != nil {
		return nil, fmt.Errorf("reading workspace file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing workspace file: %w", err)
	}
	ws := &Workspace{Root: abs, Config: cfg}
	ws.applyDefaults()
	if err := ws.Validate(); err != nil {
		return nil, err
	}
	return ws, nil
}

// Find walks up from dir to the nearest directory holding intentcode.yaml.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

func (w *Workspace) applyDefaults() {
	if len(w.Specs) == 0 {
		w.Specs = []string{"specs/**/*.md"}
	}
	for i := range w.Projects {
		p := &w.Projects[i]
		if p.IntentDir == "" {
			p.IntentDir = "intent"
		}
		if p.SourceDir == "" {
			p.SourceDir = "src"
		}
		if p.Language == "" {
			p.Language = "other"
		}
	}
}

// Validate checks the layout for mistakes that would otherwise surface deep
// inside a build.
func (w *Workspace) Validate() error {
	if w.Name == "" {
		return errors.New("workspace name is required")
	}
	for _, g := range w.Specs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("invalid spec glob %q", g)
		}
	}
	if len(w.Projects) == 0 {
		return errors.New("at least one project is required")
	}
	seen := make(map[string]bool)
	techStacks := make(map[string]string)
	for i, p := range w.Projects {
		if p.Name == "" {
			return fmt.Errorf("projects[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("projects[%d]: duplicate project name %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.Root == "" || !filepath.IsLocal(p.Root) {
			return fmt.Errorf("project %q: root must be a relative path inside the workspace", p.Name)
		}
		if _, ok := extensions[p.Language]; !ok && p.Language != "other" {
			return fmt.Errorf("project %q: unsupported language %q", p.Name, p.Language)
		}
		if p.TechStack != "" {
			if !filepath.IsLocal(p.TechStack) {
				return fmt.Errorf("project %q: techStack must be a relative path inside the workspace", p.Name)
			}
			ts := filepath.Clean(p.TechStack)
			if other, ok := techStacks[ts]; ok {
				return fmt.Errorf("project %q: techStack %q is already used by project %q", p.Name, p.TechStack, other)
			}
			techStacks[ts] = p.Name
		}
		for _, dir := range []string{p.IntentDir, p.SourceDir} {
			if !filepath.IsLocal(dir) {
				return fmt.Errorf("project %q: %q must be a relative path inside the project", p.Name, dir)
			}
		}
	}
	return nil
}

// StatePath returns the path of a file inside the state directory.
func (w *Workspace) StatePath(name string) string {
	return filepath.Join(w.Root, StateDir, name)
}

// DBPath returns the graph database path.
func (w *Workspace) DBPath() string { return w.StatePath(DBFile) }

// Project looks up a project by name and returns it with its 1-based number.
func (w *Workspace) Project(name string) (*Project, int, bool) {
	for i := range w.Projects {
		if w.Projects[i].Name == name {
			return &w.Projects[i], i + 1, true
		}
	}
	return nil, 0, false
}

// ProjectByNo returns the project with the given 1-based number.
func (w *Workspace) ProjectByNo(no int) (*Project, bool) {
	if no < 1 || no > len(w.Projects) {
		return nil, false
	}
	return &w.Projects[no-1], true
}

// GraphID is the graph project id of a target project.
func (w *Workspace) GraphID(p *Project) string {
	return w.Name + "/" + p.Name
}

// ProjectRoot is the absolute root of a target project.
func (w *Workspace) ProjectRoot(p *Project) string {
	return filepath.Join(w.Root, filepath.FromSlash(p.Root))
}

// IntentRoot is the absolute intent directory of a project.
func (w *Workspace) IntentRoot(p *Project) string {
	return filepath.Join(w.ProjectRoot(p), filepath.FromSlash(p.IntentDir))
}

// SourceRoot is the absolute generated-source directory of a project.
func (w *Workspace) SourceRoot(p *Project) string {
	return filepath.Join(w.ProjectRoot(p), filepath.FromSlash(p.SourceDir))
}

// TechStackPath is the absolute path of a project's tech-stack file, or ""
// when the project declares none.
func (w *Workspace) TechStackPath(p *Project) string {
	if p.TechStack == "" {
		return ""
	}
	return filepath.Join(w.Root, filepath.FromSlash(p.TechStack))
}

// SourceExt returns the file extension for generated source, or "" when the
// intent path's own extension should be replaced by nothing.
func (p *Project) SourceExt() string {
	return extensions[p.Language]
}

// Init writes a starter intentcode.yaml and state directory. It refuses to
// overwrite an existing layout.
func Init(root, name string) (*Workspace, error) {
	path := filepath.Join(root, FileName)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%s already exists", path)
	}
	cfg := Config{
		Name:  name,
		Specs: []string{"specs/**/*.md"},
		Projects: []Project{{
			Name: "app", Root: "app", Language: "go", IntentDir: "intent", SourceDir: "src",
		}},
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, StateDir), 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "specs"), 0755); err != nil {
		return nil, fmt.Errorf("creating specs dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", FileName, err)
	}
	return Load(root)
}
