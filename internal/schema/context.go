package schema

import (
	"fmt"
	"path"
	"strings"

	"github.com/jfilby/intentcode-sub000/internal/deps"
)

// Context holds what the current build knows, for resolving identifiers that
// a response refers to.
type Context struct {
	// Projects is the number of target projects; project numbers are 1-based.
	Projects int
	// Extensions maps installed extension id to version.
	Extensions map[string]string
	// IntentFiles is the set of known intent paths for the project under build.
	IntentFiles map[string]bool
}

// CheckTechStack verifies that requested extensions are installed at a
// sufficient version.
func (c *Context) CheckTechStack(r *TechStackResult) error {
	for id, minVersion := range r.Extensions {
		installed, ok := c.Extensions[id]
		if !ok {
			return Invalid("extension %q is not installed", id)
		}
		if deps.CompareVersions(installed, minVersion) < 0 {
			return Invalid("extension %q is at %s, %s requested", id, installed, minVersion)
		}
	}
	for name := range r.DependencyDeltas {
		if strings.TrimSpace(name) == "" {
			return Invalid("dependency with empty name")
		}
	}
	return nil
}

// CheckLowering verifies every intent file write.
func (c *Context) CheckLowering(r *LoweringResult) error {
	seen := make(map[string]bool)
	for i, f := range r.IntentFiles {
		if f.ProjectNo < 1 || f.ProjectNo > c.Projects {
			return Invalid("intentFiles[%d]: project number %d does not resolve (have %d projects)", i, f.ProjectNo, c.Projects)
		}
		if !CleanRelative(f.RelativePath) {
			return Invalid("intentFiles[%d]: path %q must be clean and relative", i, f.RelativePath)
		}
		if strings.TrimSpace(f.Content) == "" {
			return Invalid("intentFiles[%d]: write to %q has no content", i, f.RelativePath)
		}
		key := fmt.Sprintf("%d:%s", f.ProjectNo, f.RelativePath)
		if seen[key] {
			return Invalid("intentFiles[%d]: %q written twice", i, f.RelativePath)
		}
		seen[key] = true
	}
	return nil
}

// CheckIndex verifies that every import names a known intent file.
func (c *Context) CheckIndex(r *IndexResult) error {
	for _, imp := range r.Imports {
		if !c.IntentFiles[path.Clean(imp)] {
			return Invalid("import %q does not resolve to an intent file", imp)
		}
	}
	return nil
}

// CheckCompile requires target source unless the model reported errors.
func (c *Context) CheckCompile(r *CompileResult) error {
	if !HasErrors(r) && (r.TargetSource == nil || strings.TrimSpace(*r.TargetSource) == "") {
		return Invalid("targetSource is required when no errors are reported")
	}
	return nil
}

// CleanRelative reports whether p is a slash-separated relative path that
// stays inside its base directory.
func CleanRelative(p string) bool {
	if p == "" || p == "." || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	if path.Clean(p) != p {
		return false
	}
	return p != ".." && !strings.HasPrefix(p, "../")
}
