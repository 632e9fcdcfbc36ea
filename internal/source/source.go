// Package source reads spec files from the working tree or from a git ref.
package source

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jfilby/intentcode-sub000/internal/cas"
	"github.com/jfilby/intentcode-sub000/internal/ignore"
)

// FileInfo is one source file.
type FileInfo struct {
	// Path is slash-separated and relative to the workspace root.
	Path    string
	Content []byte
	ModTime time.Time
}

// FileSource abstracts where spec files come from.
type FileSource interface {
	// Files returns every non-ignored file matching any of the globs, sorted
	// by path.
	Files(globs []string) ([]*FileInfo, error)
	// File returns one file by workspace-relative path.
	File(path string) (*FileInfo, error)
	// Identifier names this source state: a commit hash or a content digest.
	Identifier() string
	// SourceType is "git" or "directory".
	SourceType() string
}

func matchAny(globs []string, path string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}

// DirSource reads files from a directory on disk.
type DirSource struct {
	root    string
	matcher *ignore.Matcher
	digest  string
}

// NewDirSource creates a DirSource rooted at root. A nil matcher ignores
// nothing.
func NewDirSource(root string, matcher *ignore.Matcher) *DirSource {
	if matcher == nil {
		matcher = ignore.New()
	}
	return &DirSource{root: root, matcher: matcher}
}

func (s *DirSource) Files(globs []string) ([]*FileInfo, error) {
	var files []*FileInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if s.matcher.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() || !matchAny(globs, rel) {
			return nil
		}
		f, err := s.read(path, rel)
		if err != nil {
			return err
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", s.root, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	var sb strings.Builder
	for _, f := range files {
		sb.WriteString(f.Path)
		sb.WriteByte(0)
		sb.WriteString(cas.ContentHash(f.Content))
		sb.WriteByte(0)
	}
	s.digest = cas.ContentHash([]byte(sb.String()))
	return files, nil
}

func (s *DirSource) File(path string) (*FileInfo, error) {
	return s.read(filepath.Join(s.root, filepath.FromSlash(path)), path)
}

func (s *DirSource) read(abs, rel string) (*FileInfo, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	return &FileInfo{Path: rel, Content: content, ModTime: info.ModTime()}, nil
}

// Identifier is the digest of the last Files listing.
func (s *DirSource) Identifier() string { return s.digest }

func (s *DirSource) SourceType() string { return "directory" }
