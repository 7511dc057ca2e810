//go:build !windows && !darwin

package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

type fsnotifyRoot struct {
	path string
	dirs map[string]struct{}
	// departed holds directories that left the tree. Their removal is
	// announced twice, by the parent and by the directory itself.
	departed map[string]struct{}
}

// fsnotifyNotifier emulates recursive watches on top of inotify. Like the
// Service, a single goroutine owns the watch state and talks to the Listener.
type fsnotifyNotifier struct {
	listener Listener
	watcher  *fsnotify.Watcher
	roots    *Registry[*fsnotifyRoot]
	// dirRefs counts the roots watching a directory, roots may nest.
	dirRefs map[string]int

	requests chan loopRequest
	once     sync.Once
	done     chan struct{}
}

func newNotifier(l Listener, _ Config) (Notifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	n := &fsnotifyNotifier{
		listener: l,
		watcher:  w,
		roots:    NewRegistry[*fsnotifyRoot](),
		dirRefs:  make(map[string]int),
		requests: make(chan loopRequest),
		done:     make(chan struct{}),
	}
	go n.run()

	return n, nil
}

func (n *fsnotifyNotifier) StartWatching(path string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}

	if err := callLoop(n.requests, n.done, requestStart, path); err != nil {
		return &fs.PathError{Op: "watch", Path: path, Err: err}
	}
	log.Info().Msgf("added watch for %s", path)

	return nil
}

func (n *fsnotifyNotifier) StopWatching(path string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}

	if err := callLoop(n.requests, n.done, requestStop, path); err != nil {
		return &fs.PathError{Op: "unwatch", Path: path, Err: err}
	}
	log.Info().Msgf("removed watch for %s", path)

	return nil
}

func (n *fsnotifyNotifier) Shutdown() {
	n.once.Do(func() {
		_ = callLoop(n.requests, n.done, requestTerminate, "")
	})
	<-n.done
}

func (n *fsnotifyNotifier) run() {
	defer close(n.done)

	for {
		select {
		case event, ok := <-n.watcher.Events:
			if !ok {
				n.terminate()
				return
			}
			n.dispatch(event)
		case err, ok := <-n.watcher.Errors:
			if !ok {
				n.terminate()
				return
			}
			n.handleError(err)
		case req := <-n.requests:
			switch req.kind {
			case requestStart:
				req.reply <- n.startWatch(req.path)
			case requestStop:
				req.reply <- n.stopWatch(req.path)
			case requestTerminate:
				n.terminate()
				req.reply <- nil
				return
			}
		}
	}
}

func (n *fsnotifyNotifier) startWatch(path string) error {
	if _, ok := n.roots.Lookup(path); ok {
		return ErrAlreadyWatched
	}
	if err := checkDirectory(path); err != nil {
		return err
	}

	root := &fsnotifyRoot{
		path:     path,
		dirs:     make(map[string]struct{}),
		departed: make(map[string]struct{}),
	}
	if err := n.addTree(root, path); err != nil {
		n.removeDirs(root)
		return err
	}

	return n.roots.Add(path, root)
}

func (n *fsnotifyNotifier) stopWatch(path string) error {
	root, ok := n.roots.Lookup(path)
	if !ok {
		return ErrNotWatched
	}

	n.finish(root)
	return nil
}

func (n *fsnotifyNotifier) finish(root *fsnotifyRoot) {
	_, _ = n.roots.Remove(root.path)
	n.removeDirs(root)
	n.listener.ReportFinished(root.path)
}

func (n *fsnotifyNotifier) terminate() {
	for _, root := range n.roots.Snapshot() {
		n.finish(root)
	}

	if err := n.watcher.Close(); err != nil {
		log.Error().Caller().Err(err).Msg("failed to close watcher")
	}
}

func (n *fsnotifyNotifier) addTree(root *fsnotifyRoot, path string) error {
	return filepath.WalkDir(path, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if p != path && errors.Is(err, fs.ErrNotExist) {
				// Removed while walking, its event is on the way
				return nil
			}
			return err
		}

		if !entry.IsDir() {
			return nil
		}
		return n.addDir(root, p)
	})
}

func (n *fsnotifyNotifier) addDir(root *fsnotifyRoot, dir string) error {
	if _, ok := root.dirs[dir]; ok {
		return nil
	}

	if n.dirRefs[dir] == 0 {
		if err := n.watcher.Add(dir); err != nil {
			return fmt.Errorf("%w: failed to watch %s: %w", ErrUnexpectedOsFailure, dir, err)
		}
	}
	n.dirRefs[dir]++
	root.dirs[dir] = struct{}{}
	delete(root.departed, dir)

	return nil
}

func (n *fsnotifyNotifier) removeDir(root *fsnotifyRoot, dir string) {
	if _, ok := root.dirs[dir]; !ok {
		return
	}
	delete(root.dirs, dir)

	n.dirRefs[dir]--
	if n.dirRefs[dir] > 0 {
		return
	}
	delete(n.dirRefs, dir)

	// Fails when the directory is already gone, inotify dropped it then
	_ = n.watcher.Remove(dir)
}

func (n *fsnotifyNotifier) removeDirs(root *fsnotifyRoot) {
	for dir := range root.dirs {
		n.removeDir(root, dir)
	}
}

// removeTree stops watching path and every directory below it. It reports
// whether path itself was a watched directory.
func (n *fsnotifyNotifier) removeTree(root *fsnotifyRoot, path string) bool {
	_, wasDir := root.dirs[path]

	for dir := range root.departed {
		if isWithin(dir, path) {
			delete(root.departed, dir)
		}
	}
	for dir := range root.dirs {
		if isWithin(dir, path) {
			n.removeDir(root, dir)
		}
	}

	return wasDir
}

// rootsOf returns every root containing path.
func (n *fsnotifyNotifier) rootsOf(path string) []*fsnotifyRoot {
	var roots []*fsnotifyRoot

	for {
		if root, ok := n.roots.Lookup(path); ok {
			roots = append(roots, root)
		}

		parent := filepath.Dir(path)
		if parent == path {
			return roots
		}
		path = parent
	}
}

func (n *fsnotifyNotifier) dispatch(event fsnotify.Event) {
	removed := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)

	for _, root := range n.rootsOf(event.Name) {
		if event.Name == root.path {
			if removed {
				log.Warn().Msgf("watched directory %s was removed", root.path)
				n.listener.ReportEvent(ChangeInvalidated, root.path)
				n.finish(root)
			}
			continue
		}

		// Watch a new directory before reporting it, so whoever reacts to the
		// event sees the changes made inside it
		var addErr error
		switch {
		case removed:
			if _, ok := root.departed[event.Name]; ok {
				delete(root.departed, event.Name)
				continue
			}
			if n.removeTree(root, event.Name) {
				root.departed[event.Name] = struct{}{}
			}
		case event.Has(fsnotify.Create):
			delete(root.departed, event.Name)
			if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
				addErr = n.addTree(root, event.Name)
			}
		}

		n.listener.ReportEvent(changeTypeOfOp(event.Op), event.Name)

		if addErr != nil {
			log.Error().Caller().Err(addErr).Msgf("failed to watch new directory %s", event.Name)
			n.listener.ReportEvent(ChangeOverflow, root.path)
		}
	}
}

func (n *fsnotifyNotifier) handleError(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		log.Warn().Msg("change notifications overflowed")
	} else {
		log.Error().Caller().Err(err).Msg("watcher returned error")
	}

	// Either way events may have been lost below every root
	for _, root := range n.roots.Snapshot() {
		n.listener.ReportEvent(ChangeOverflow, root.path)
	}
}

func changeTypeOfOp(op fsnotify.Op) ChangeType {
	switch {
	case op.Has(fsnotify.Create):
		return ChangeCreated
	case op.Has(fsnotify.Remove):
		return ChangeDeleted
	case op.Has(fsnotify.Rename):
		return ChangeRenamedOld
	case op.Has(fsnotify.Write), op.Has(fsnotify.Chmod):
		return ChangeModified
	default:
		return ChangeUnknown
	}
}
