package graph

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// InvalidPathError is returned when a path does not lie under the project root.
type InvalidPathError struct {
	Root string
	Path string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: not under project root %q", e.Path, e.Root)
}

// OpenProject resolves (or creates) the root node of a project and records its
// filesystem root path.
func (db *DB) OpenProject(ctx context.Context, project, rootPath string) (*Node, error) {
	absRoot, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}

	root, err := getOrCreate(ctx, db.conn, project, "", TypeProject, project)
	if err != nil {
		return nil, err
	}
	if root.RootPath() != absRoot {
		if err := db.SetStructured(ctx, root, projectInfo{Path: absRoot}); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// Projects lists all project root nodes.
func (db *DB) Projects(ctx context.Context) ([]*Node, error) {
	return queryNodes(ctx, db.conn,
		`SELECT `+nodeColumns+` FROM nodes WHERE parent_id IS NULL AND type = ? ORDER BY name`,
		string(TypeProject))
}

// splitPath validates fullPath against the root's path and returns the
// directory segments and the final file segment.
func splitPath(root *Node, fullPath string) ([]string, string, error) {
	rootPath := filepath.Clean(root.RootPath())
	clean := filepath.Clean(fullPath)

	rel, err := filepath.Rel(rootPath, clean)
	if rootPath == "" || rootPath == "." || err != nil || rel == "." ||
		rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, "", &InvalidPathError{Root: rootPath, Path: fullPath}
	}
	if !strings.HasPrefix(clean, rootPath+string(filepath.Separator)) && rootPath != string(filepath.Separator) {
		return nil, "", &InvalidPathError{Root: rootPath, Path: fullPath}
	}

	segments := strings.Split(filepath.ToSlash(rel), "/")
	return segments[:len(segments)-1], segments[len(segments)-1], nil
}

// GetOrCreatePath maps a filesystem path under the project root onto a chain of
// directory nodes terminating in a file node, creating missing segments. Calling
// it twice with the same path yields the same node.
func (db *DB) GetOrCreatePath(ctx context.Context, root *Node, fullPath string) (*Node, error) {
	dirs, file, err := splitPath(root, fullPath)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	parent := root
	for _, dir := range dirs {
		parent, err = getOrCreate(ctx, tx, root.Project, parent.ID, TypeDirectory, dir)
		if err != nil {
			return nil, err
		}
	}
	node, err := getOrCreate(ctx, tx, root.Project, parent.ID, TypeFile, file)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing path: %w", err)
	}
	return node, nil
}

// FindPath resolves a path without creating anything. Returns ErrNotFound when
// any segment is missing.
func (db *DB) FindPath(ctx context.Context, root *Node, fullPath string) (*Node, error) {
	dirs, file, err := splitPath(root, fullPath)
	if err != nil {
		return nil, err
	}

	parent := root
	for _, dir := range dirs {
		parent, err = db.FindChild(ctx, parent, TypeDirectory, dir)
		if err != nil {
			return nil, err
		}
	}
	return db.FindChild(ctx, parent, TypeFile, file)
}

// FindDir resolves a directory path without creating anything. The project
// root's own path resolves to root.
func (db *DB) FindDir(ctx context.Context, root *Node, fullPath string) (*Node, error) {
	if filepath.Clean(fullPath) == filepath.Clean(root.RootPath()) {
		return root, nil
	}
	dirs, last, err := splitPath(root, fullPath)
	if err != nil {
		return nil, err
	}
	parent := root
	for _, dir := range append(dirs, last) {
		parent, err = db.FindChild(ctx, parent, TypeDirectory, dir)
		if err != nil {
			return nil, err
		}
	}
	return parent, nil
}

// FullPath rebuilds the filesystem path of a directory or file node by walking
// up to its project root.
func (db *DB) FullPath(ctx context.Context, n *Node) (string, error) {
	var segments []string
	cur := n
	for cur.Type != TypeProject {
		if cur.ParentID == "" {
			return "", fmt.Errorf("%w: %s %q has no project root", ErrInvariant, cur.Type, cur.Name)
		}
		segments = append(segments, cur.Name)
		parent, err := db.GetNode(ctx, cur.ParentID)
		if err != nil {
			return "", fmt.Errorf("%w: parent of %q: %v", ErrInvariant, cur.Name, err)
		}
		cur = parent
	}

	parts := []string{cur.RootPath()}
	for i := len(segments) - 1; i >= 0; i-- {
		parts = append(parts, segments[i])
	}
	return filepath.Join(parts...), nil
}
