package watcher

import (
	"sync"
	"time"
)

// Listener receives the changes of all watched roots. Calls are made from the
// backend's event loop, one at a time. A Listener must not block on the
// notifier it listens to.
type Listener interface {
	ReportEvent(change ChangeType, path string)
	// ReportFinished is called exactly once for a root that leaves the
	// watched set, after every event reported for it.
	ReportFinished(path string)
}

// ChannelListener forwards reports as Events on a channel.
type ChannelListener struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func NewChannelListener(size int) *ChannelListener {
	return &ChannelListener{
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
}

func (l *ChannelListener) Events() <-chan Event {
	return l.events
}

func (l *ChannelListener) ReportEvent(change ChangeType, path string) {
	l.send(Event{Path: path, Change: change})
}

func (l *ChannelListener) ReportFinished(path string) {
	l.send(Event{Path: path, Finished: true})
}

// Close releases a reporter blocked on a full channel. Reports made after
// Close are dropped.
func (l *ChannelListener) Close() {
	l.once.Do(func() {
		close(l.done)
	})
}

func (l *ChannelListener) send(e Event) {
	t := time.Now()
	e.Created = t
	e.LastModified = t

	select {
	case <-l.done:
		return
	default:
	}

	select {
	case l.events <- e:
	case <-l.done:
	}
}
