//go:build darwin

package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsevents"
	"github.com/rs/zerolog/log"
)

const streamLatency = 100 * time.Millisecond

const droppedFlags = fsevents.MustScanSubDirs | fsevents.KernelDropped | fsevents.UserDropped

type fseventsRoot struct {
	path   string
	stream *fsevents.EventStream
	quit   chan struct{}
}

type fseventsBatch struct {
	root   *fseventsRoot
	events []fsevents.Event
}

// fseventsNotifier runs one recursive event stream per root. The streams feed
// a single loop that owns the roots and talks to the Listener.
type fseventsNotifier struct {
	listener Listener
	roots    *Registry[*fseventsRoot]
	batches  chan fseventsBatch

	requests chan loopRequest
	once     sync.Once
	done     chan struct{}
}

func newNotifier(l Listener, conf Config) (Notifier, error) {
	n := &fseventsNotifier{
		listener: l,
		roots:    NewRegistry[*fseventsRoot](),
		batches:  make(chan fseventsBatch, conf.QueueSize),
		requests: make(chan loopRequest),
		done:     make(chan struct{}),
	}
	go n.run()

	return n, nil
}

func (n *fseventsNotifier) StartWatching(path string) error {
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

func (n *fseventsNotifier) StopWatching(path string) error {
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

func (n *fseventsNotifier) Shutdown() {
	n.once.Do(func() {
		_ = callLoop(n.requests, n.done, requestTerminate, "")
	})
	<-n.done
}

func (n *fseventsNotifier) run() {
	defer close(n.done)

	for {
		select {
		case batch := <-n.batches:
			n.dispatch(batch)
		case req := <-n.requests:
			switch req.kind {
			case requestStart:
				req.reply <- n.startWatch(req.path)
			case requestStop:
				req.reply <- n.stopWatch(req.path)
			case requestTerminate:
				for _, root := range n.roots.Snapshot() {
					n.finish(root)
				}
				req.reply <- nil
				return
			}
		}
	}
}

func (n *fseventsNotifier) startWatch(path string) error {
	if _, ok := n.roots.Lookup(path); ok {
		return ErrAlreadyWatched
	}
	if err := checkDirectory(path); err != nil {
		return err
	}

	root := &fseventsRoot{
		path: path,
		stream: &fsevents.EventStream{
			Paths:   []string{path},
			Latency: streamLatency,
			Flags:   fsevents.FileEvents | fsevents.WatchRoot,
		},
		quit: make(chan struct{}),
	}
	root.stream.Start()
	go n.forward(root)

	return n.roots.Add(path, root)
}

func (n *fseventsNotifier) stopWatch(path string) error {
	root, ok := n.roots.Lookup(path)
	if !ok {
		return ErrNotWatched
	}

	n.finish(root)
	return nil
}

func (n *fseventsNotifier) finish(root *fseventsRoot) {
	_, _ = n.roots.Remove(root.path)
	root.stream.Stop()
	close(root.quit)
	n.listener.ReportFinished(root.path)
}

func (n *fseventsNotifier) forward(root *fseventsRoot) {
	for {
		select {
		case msg, ok := <-root.stream.Events:
			if !ok {
				return
			}
			select {
			case n.batches <- fseventsBatch{root: root, events: msg}:
			case <-root.quit:
				return
			}
		case <-root.quit:
			return
		}
	}
}

func (n *fseventsNotifier) dispatch(batch fseventsBatch) {
	if current, ok := n.roots.Lookup(batch.root.path); !ok || current != batch.root {
		// Sent before the root was stopped
		return
	}

	for _, event := range batch.events {
		switch {
		case event.Flags&fsevents.RootChanged != 0:
			log.Warn().Msgf("watched directory %s was moved or removed", batch.root.path)
			n.listener.ReportEvent(ChangeInvalidated, batch.root.path)
			n.finish(batch.root)
			return
		case event.Flags&droppedFlags != 0:
			log.Warn().Msgf("change notifications for %s overflowed", batch.root.path)
			n.listener.ReportEvent(ChangeOverflow, batch.root.path)
			continue
		}

		path := event.Path
		if !filepath.IsAbs(path) {
			path = "/" + path
		}
		if path == batch.root.path {
			continue
		}

		n.listener.ReportEvent(changeTypeOfFlags(event.Flags, path), path)
	}
}

func changeTypeOfFlags(flags fsevents.EventFlags, path string) ChangeType {
	switch {
	case flags&fsevents.ItemCreated != 0:
		return ChangeCreated
	case flags&fsevents.ItemRemoved != 0:
		return ChangeDeleted
	case flags&fsevents.ItemRenamed != 0:
		// The stream does not tell which side of the rename this is
		if _, err := os.Lstat(path); err == nil {
			return ChangeRenamedNew
		}
		return ChangeRenamedOld
	case flags&fsevents.ItemModified != 0, flags&fsevents.ItemChangeOwner != 0, flags&fsevents.ItemInodeMetaMod != 0:
		return ChangeModified
	default:
		return ChangeUnknown
	}
}
