package watcher

import (
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DebouncedWatcher coalesces the changes of a path until it has been quiet
// for the settle delay. Overflow, invalidation and finished events are
// forwarded immediately.
type DebouncedWatcher struct {
	Events   chan Event
	n        Notifier
	listener *ChannelListener
	conf     Config
	events   map[string]Event
	mu       *sync.Mutex
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewDebounced(conf Config) (*DebouncedWatcher, error) {
	conf = conf.withDefaults()

	l := NewChannelListener(conf.QueueSize)
	n, err := New(l, conf)
	if err != nil {
		return nil, err
	}

	return newDebounced(n, l, conf), nil
}

func newDebounced(n Notifier, l *ChannelListener, conf Config) *DebouncedWatcher {
	d := DebouncedWatcher{
		Events:   make(chan Event),
		n:        n,
		listener: l,
		conf:     conf,
		events:   make(map[string]Event),
		mu:       &sync.Mutex{},
		done:     make(chan struct{}),
	}

	d.wg.Add(2)
	go d.receiveEvents()
	go d.sendEvents()

	return &d
}

func (d *DebouncedWatcher) AddWatch(path string) error {
	return d.n.StartWatching(path)
}

func (d *DebouncedWatcher) RemoveWatch(path string) error {
	return d.n.StopWatching(path)
}

// Close shuts the notifier down. Events still pending are dropped.
func (d *DebouncedWatcher) Close() error {
	d.once.Do(func() {
		close(d.done)
		d.listener.Close()
		d.n.Shutdown()
		d.wg.Wait()
	})

	return nil
}

func (d *DebouncedWatcher) receiveEvents() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.listener.Events():
			if event.Finished {
				// Finished comes after every event of the root
				for _, e := range d.takeWithin(event.Path) {
					d.forward(e)
				}
				d.forward(event)
				continue
			}
			if !event.Change.Reliable() {
				d.forward(event)
				continue
			}

			if event.Kind() == KindDelete {
				d.removeSuperseded(event)
			}

			d.mu.Lock()

			if e, ok := d.events[event.Path]; ok {
				// An event for this path already existed. We have to debounce it
				d.events[event.Path] = debounceEvent(e, event)
			} else {
				d.events[event.Path] = event
			}

			d.mu.Unlock()

		case <-d.done:
			return
		}
	}
}

func (d *DebouncedWatcher) sendEvents() {
	defer d.wg.Done()

	t := time.NewTicker(d.conf.DebounceInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			for _, e := range d.takeDue(time.Now()) {
				if !d.forward(e) {
					return
				}
			}
		case <-d.done:
			return
		}
	}
}

// takeDue removes and returns the events that have settled.
func (d *DebouncedWatcher) takeDue(now time.Time) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var due []Event
	for path, e := range d.events {
		if now.After(e.LastModified.Add(d.conf.SettleDelay)) {
			due = append(due, e)
			delete(d.events, path)
		}
	}

	return due
}

// takeWithin removes and returns the pending events at or below root, oldest
// first.
func (d *DebouncedWatcher) takeWithin(root string) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var taken []Event
	for path, e := range d.events {
		if isWithin(path, root) {
			taken = append(taken, e)
			delete(d.events, path)
		}
	}
	sort.Slice(taken, func(i, j int) bool {
		return taken[i].Created.Before(taken[j].Created)
	})

	return taken
}

func (d *DebouncedWatcher) forward(e Event) bool {
	select {
	case d.Events <- e:
		return true
	case <-d.done:
		return false
	}
}

// removeSuperseded discards pending events below a deleted path.
func (d *DebouncedWatcher) removeSuperseded(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.events {
		path := e.Path

		for {
			if event.Path == path {
				delete(d.events, e.Path)
				break
			}

			parent := filepath.Dir(path)
			if parent == path {
				break
			}
			path = parent
		}
	}
}

func debounceEvent(old, new Event) Event {
	switch new.Kind() {
	case KindCreate:
		if old.Kind() == KindDelete {
			// A previously deleted file was recreated. Therefore, the event must be rewritten to a change type
			old.Change = ChangeModified
		} else {
			old.Change = new.Change
		}
	case KindDelete:
		old.Change = new.Change
	case KindChange:
		// Sometimes on creation of a file a "CHANGE" event gets emitted instead of a "CREATE".
		// We handle it like in the "CREATE" case
		if old.Kind() == KindDelete {
			old.Change = ChangeModified
		}
	}
	old.LastModified = new.Created

	return old
}
