// Package ignore matches gitignore-style patterns against workspace paths.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileName is the workspace-level ignore file, read after .gitignore.
const FileName = ".intentcodeignore"

type rule struct {
	glob     string
	negated  bool
	dirOnly  bool
	anchored bool
}

// Matcher holds compiled rules. Later rules win, so a negation can re-include
// a path an earlier rule excluded.
type Matcher struct {
	rules []rule
}

// New returns an empty Matcher.
func New() *Matcher {
	return &Matcher{}
}

// Add compiles one pattern line. Blank lines and comments are skipped.
func (m *Matcher) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	var r rule
	if strings.HasPrefix(line, "!") {
		r.negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		r.anchored = true
		line = line[1:]
	}
	// A bare name matches at any depth
	if !r.anchored && !strings.Contains(line, "/") {
		line = "**/" + line
	}
	r.glob = line
	m.rules = append(m.rules, r)
}

// AddAll compiles several pattern lines.
func (m *Matcher) AddAll(lines []string) {
	for _, l := range lines {
		m.Add(l)
	}
}

// LoadFile reads patterns from a file. A missing file is not an error.
func (m *Matcher) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m.Add(sc.Text())
	}
	return sc.Err()
}

// Match reports whether a slash-separated path, relative to the workspace
// root, is ignored.
func (m *Matcher) Match(path string, isDir bool) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")

	ignored := false
	for _, r := range m.rules {
		var hit bool
		if r.dirOnly && !isDir {
			hit = insideDir(r.glob, path)
		} else {
			hit = matchGlob(r.glob, path)
		}
		if hit {
			ignored = !r.negated
		}
	}
	return ignored
}

// insideDir reports whether any proper parent of path matches glob.
func insideDir(glob, path string) bool {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if matchGlob(glob, strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

func matchGlob(glob, path string) bool {
	if ok, _ := doublestar.Match(glob, path); ok {
		return true
	}
	if !strings.HasSuffix(glob, "/**") {
		ok, _ := doublestar.Match(glob+"/**", path)
		return ok
	}
	return false
}

// Defaults are always applied before any ignore file.
var Defaults = []string{
	".git/",
	".intentcode/",
	".svn/",
	".hg/",
	".DS_Store",
	"*.swp",
	"*.tmp",
	"*~",
	"node_modules/",
	"vendor/",
	"__pycache__/",
	".venv/",
	"dist/",
	"build/",
}

// LoadFromDir builds a matcher for a workspace: defaults, then .gitignore,
// then .intentcodeignore, then any extra patterns from configuration.
func LoadFromDir(dir string, extra []string) (*Matcher, error) {
	m := New()
	m.AddAll(Defaults)
	for _, name := range []string{".gitignore", FileName} {
		if err := m.LoadFile(filepath.Join(dir, name)); err != nil {
			return nil, err
		}
	}
	m.AddAll(extra)
	return m, nil
}
