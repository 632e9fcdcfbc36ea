package main

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jfilby/intentcode-sub000/internal/deps"
	"github.com/jfilby/intentcode-sub000/internal/ignore"
)

const watchDebounce = 300 * time.Millisecond

// watchFilter decides which paths can change build inputs. Generated source
// directories and dependency mirrors are outputs and never trigger a build.
type watchFilter struct {
	root    string
	matcher *ignore.Matcher
	outputs []string
}

func newWatchFilter(a *app) (*watchFilter, error) {
	matcher, err := ignore.LoadFromDir(a.ws.Root, a.ws.Ignore)
	if err != nil {
		return nil, err
	}
	f := &watchFilter{root: a.ws.Root, matcher: matcher}
	for i := range a.ws.Projects {
		f.outputs = append(f.outputs, a.ws.SourceRoot(&a.ws.Projects[i]))
	}
	return f, nil
}

func (f *watchFilter) skip(path string, isDir bool) bool {
	rel, err := filepath.Rel(f.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	if rel != "." && f.matcher.Match(rel, isDir) {
		return true
	}
	if !isDir && filepath.Base(path) == deps.MirrorFile {
		return true
	}
	for _, out := range f.outputs {
		if path == out || strings.HasPrefix(path, out+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// addTree registers every input directory under dir with the watcher.
func (f *watchFilter) addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if f.skip(path, true) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

// watch builds once, then again after every settled burst of input changes,
// until ctx is cancelled. Fatal build errors are reported and the watch
// continues.
func watch(ctx context.Context, a *app, out io.Writer) error {
	filter, err := newWatchFilter(a)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := filter.addTree(w, a.ws.Root); err != nil {
		return err
	}

	rebuild := func() {
		if _, err := build(ctx, a, out); err != nil && ctx.Err() == nil {
			a.logger.Warn("build failed; waiting for changes", "error", err)
		}
	}
	rebuild()

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("watcher error", "error", err)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			isDir := ev.Has(fsnotify.Create) && isDirectory(ev.Name)
			if filter.skip(ev.Name, isDir) {
				continue
			}
			if isDir {
				if err := filter.addTree(w, ev.Name); err != nil {
					a.logger.Warn("watching new directory", "path", ev.Name, "error", err)
				}
			}
			a.logger.Debug("input changed", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(watchDebounce)
		case <-timer.C:
			rebuild()
			drain(w.Events)
		}
	}
}

// drain drops events caused by the build's own writes.
func drain(events <-chan fsnotify.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

func isDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
