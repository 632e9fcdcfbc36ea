package source

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/jfilby/intentcode-sub000/internal/ignore"
)

// GitSource reads files from a commit. Every file's ModTime is the commit
// time, so a build from the same ref stays cache-fresh.
type GitSource struct {
	repo    *git.Repository
	commit  *object.Commit
	prefix  string
	matcher *ignore.Matcher
}

// OpenGit opens the repository containing workspaceRoot and resolves ref.
// prefix is the workspace root's path inside the repository ("" when the
// workspace is the repository root).
func OpenGit(repoPath, ref, prefix string, matcher *ignore.Matcher) (*GitSource, error) {
	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	commit, err := resolveRef(repo, ref)
	if err != nil {
		return nil, err
	}
	if matcher == nil {
		matcher = ignore.New()
	}
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return &GitSource{repo: repo, commit: commit, prefix: prefix, matcher: matcher}, nil
}

// resolveRef tries a branch, then a tag, then any revision expression
// (HEAD~1, a hash).
func resolveRef(repo *git.Repository, refName string) (*object.Commit, error) {
	for _, name := range []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(refName),
		plumbing.NewTagReferenceName(refName),
	} {
		if ref, err := repo.Reference(name, true); err == nil {
			return commitFor(repo, ref.Hash())
		}
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(refName))
	if err != nil {
		return nil, fmt.Errorf("resolving ref %q: not a branch, tag, or revision", refName)
	}
	return commitFor(repo, *hash)
}

func commitFor(repo *git.Repository, hash plumbing.Hash) (*object.Commit, error) {
	// Annotated tags point at a tag object
	if tag, err := repo.TagObject(hash); err == nil {
		return tag.Commit()
	}
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("getting commit: %w", err)
	}
	return commit, nil
}

func (s *GitSource) modTime() time.Time { return s.commit.Committer.When }

func (s *GitSource) Files(globs []string) ([]*FileInfo, error) {
	tree, err := s.commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting tree: %w", err)
	}

	var files []*FileInfo
	err = tree.Files().ForEach(func(f *object.File) error {
		if len(f.Name) <= len(s.prefix) || f.Name[:len(s.prefix)] != s.prefix {
			return nil
		}
		rel := f.Name[len(s.prefix):]
		if s.matcher.Match(rel, false) || !matchAny(globs, rel) {
			return nil
		}
		content, err := f.Contents()
		if err != nil {
			return fmt.Errorf("reading file %s: %w", f.Name, err)
		}
		files = append(files, &FileInfo{Path: rel, Content: []byte(content), ModTime: s.modTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (s *GitSource) File(path string) (*FileInfo, error) {
	tree, err := s.commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting tree: %w", err)
	}
	f, err := tree.File(s.prefix + path)
	if err != nil {
		return nil, fmt.Errorf("getting file %s: %w", path, err)
	}
	r, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("opening file %s: %w", path, err)
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return &FileInfo{Path: path, Content: content, ModTime: s.modTime()}, nil
}

func (s *GitSource) Identifier() string { return s.commit.Hash.String() }

func (s *GitSource) SourceType() string { return "git" }
