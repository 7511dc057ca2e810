package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
)

const (
	DefaultBufferSize       = 16 * 1024
	DefaultQueueSize        = 256
	DefaultDebounceInterval = 4 * time.Second
	DefaultSettleDelay      = 10 * time.Second
)

// Notifier watches directory trees and reports their changes to a Listener.
// Each operating system has its own implementation, returned by New.
type Notifier interface {
	StartWatching(path string) error
	StopWatching(path string) error
	// Shutdown stops all watches. Every root gets its ReportFinished before
	// Shutdown returns. The notifier cannot be restarted.
	Shutdown()
}

type Config struct {
	// BufferSize is the size of the change buffer of each watched root.
	BufferSize int `yaml:"buffer_size"`
	// QueueSize is the capacity of the event channel of a DebouncedWatcher.
	QueueSize int `yaml:"queue_size"`
	// DebounceInterval is how often pending events are checked.
	DebounceInterval time.Duration `yaml:"debounce_interval"`
	// SettleDelay is how long a path must stay quiet before its event is sent.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = DefaultDebounceInterval
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}

	return c
}

// New starts the notifier of the current operating system.
func New(l Listener, conf Config) (Notifier, error) {
	return newNotifier(l, conf.withDefaults())
}

// StartAll starts watching every path. It keeps going after a failure and
// returns all failures combined.
func StartAll(n Notifier, paths []string) error {
	var err error
	for _, path := range paths {
		err = multierr.Append(err, n.StartWatching(path))
	}

	return err
}

// StopAll stops watching every path and returns all failures combined.
func StopAll(n Notifier, paths []string) error {
	var err error
	for _, path := range paths {
		err = multierr.Append(err, n.StopWatching(path))
	}

	return err
}

// loopRequest is a request to the event loop of the fsnotify and fsevents
// backends. Every received request is answered.
type loopRequest struct {
	kind  requestKind
	path  string
	reply chan error
}

// callLoop sends a request to an event loop and waits for its answer.
func callLoop(requests chan<- loopRequest, done <-chan struct{}, kind requestKind, path string) error {
	reply := make(chan error, 1)
	select {
	case requests <- loopRequest{kind: kind, path: path, reply: reply}:
	case <-done:
		return ErrServiceTerminated
	}

	return <-reply
}

// checkDirectory classifies why path cannot be watched.
func checkDirectory(path string) error {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrPathNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case err != nil:
		return fmt.Errorf("%w: %w", ErrUnexpectedOsFailure, err)
	case !info.IsDir():
		return ErrNotDirectory
	}

	return nil
}

// isWithin reports whether path is dir or lies below it. Both must be clean.
func isWithin(path, dir string) bool {
	if path == dir {
		return true
	}

	prefix := dir
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
