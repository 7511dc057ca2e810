package agent

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// scope is the set of paths the server asked to monitor, minus the excluded
// ones. Watched paths may be files or directories.
type scope struct {
	paths    []string
	excludes []glob.Glob
}

func newScope(watchedPaths, exclude []string) (*scope, error) {
	excludes := make([]glob.Glob, 0, len(exclude))
	for _, pattern := range exclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		excludes = append(excludes, g)
	}

	seen := make(map[string]struct{}, len(watchedPaths))
	paths := make([]string, 0, len(watchedPaths))
	for _, path := range watchedPaths {
		path, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("invalid watched path: %w", err)
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	return &scope{
		paths:    paths,
		excludes: excludes,
	}, nil
}

// roots returns the directories to watch. A watched file is covered by its
// parent directory. isDir reports whether a watched path is a directory.
func (s *scope) roots(isDir func(string) bool) []string {
	seen := make(map[string]struct{})
	var roots []string

	for _, path := range s.paths {
		root := path
		if !isDir(path) {
			root = filepath.Dir(path)
		}
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		roots = append(roots, root)
	}

	return roots
}

// contains reports whether path is a watched path or lies below one, and is
// not excluded.
func (s *scope) contains(path string) bool {
	if s.excluded(path) {
		return false
	}

	for _, watched := range s.paths {
		if isWithin(path, watched) {
			return true
		}
	}

	return false
}

func (s *scope) excluded(path string) bool {
	slashed := filepath.ToSlash(path)
	base := filepath.Base(path)

	for _, g := range s.excludes {
		if g.Match(slashed) || g.Match(base) {
			return true
		}
	}

	return false
}

// within returns the watched paths that lie below root, root included.
func (s *scope) within(root string) []string {
	var paths []string
	for _, path := range s.paths {
		if isWithin(path, root) {
			paths = append(paths, path)
		}
	}

	return paths
}

func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
