package watcher

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/require"
)

type fakeDir struct {
	path    string
	pending *readOp
	// completing is set once a completion for pending has been queued.
	completing bool
	closed     bool
}

// fakePort is an in-memory completionPort. It behaves like an I/O completion
// port: one completion per issued read, cancellation completes
// asynchronously, and a read stays outstanding until Wait delivers it.
type fakePort struct {
	mu         sync.Mutex
	next       dirHandle
	dirs       map[dirHandle]*fakeDir
	missing    map[string]bool
	denied     map[string]bool
	failRead   map[string]error
	failCancel map[string]error
	violations []string
	closed     bool

	// holdCancels keeps cancellation completions back until releaseCancellations.
	holdCancels bool
	held        []completion

	queue chan completion
}

func newFakePort() *fakePort {
	return &fakePort{
		dirs:       make(map[dirHandle]*fakeDir),
		missing:    make(map[string]bool),
		denied:     make(map[string]bool),
		failRead:   make(map[string]error),
		failCancel: make(map[string]error),
		queue:      make(chan completion, 1024),
	}
}

func (p *fakePort) OpenDirectory(path string) (dirHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.missing[path]:
		return 0, ErrPathNotFound
	case p.denied[path]:
		return 0, ErrAccessDenied
	}

	p.next++
	p.dirs[p.next] = &fakeDir{path: path}

	return p.next, nil
}

func (p *fakePort) ReadChanges(h dirHandle, op *readOp) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.dirs[h]
	if d.closed {
		p.violations = append(p.violations, fmt.Sprintf("read issued on closed %s", d.path))
	}
	if d.pending != nil {
		p.violations = append(p.violations, fmt.Sprintf("second read issued on %s", d.path))
	}
	if err := p.failRead[d.path]; err != nil {
		return err
	}

	d.pending = op
	d.completing = false

	return nil
}

func (p *fakePort) CancelRead(h dirHandle, op *readOp) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.dirs[h]
	if err := p.failCancel[d.path]; err != nil {
		return err
	}
	if d.pending != op || d.completing {
		return nil
	}

	d.completing = true
	c := completion{op: op, err: errOsCancelled}
	if p.holdCancels {
		p.held = append(p.held, c)
		return nil
	}
	p.queue <- c

	return nil
}

func (p *fakePort) holdCancellations() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.holdCancels = true
}

func (p *fakePort) releaseCancellations() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.holdCancels = false
	for _, c := range p.held {
		p.queue <- c
	}
	p.held = nil
}

func (p *fakePort) heldCancellations() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.held)
}

func (p *fakePort) CloseDirectory(h dirHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.dirs[h]
	if d.pending != nil {
		p.violations = append(p.violations, fmt.Sprintf("closed %s with a read outstanding", d.path))
	}
	if d.closed {
		p.violations = append(p.violations, fmt.Sprintf("closed %s twice", d.path))
	}
	d.closed = true

	return nil
}

func (p *fakePort) Wait() (completion, error) {
	c := <-p.queue
	if c.op == nil {
		return c, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, d := range p.dirs {
		if d.pending == c.op {
			d.pending = nil
			d.completing = false
		}
	}

	return c, nil
}

func (p *fakePort) Wake() error {
	p.queue <- completion{}
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	return nil
}

// complete queues the completion of the read outstanding on path. The buffer
// is written before the completion is queued, like the OS does.
func (p *fakePort) complete(path string, data []byte, n int, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// The oldest handle first, so reads on a reopened path complete in order
	for h := dirHandle(1); h <= p.next; h++ {
		d := p.dirs[h]
		if d.path != path || d.closed || d.pending == nil || d.completing {
			continue
		}

		copy(d.pending.buf, data)
		d.completing = true
		p.queue <- completion{op: d.pending, n: uint32(n), err: err}
		return nil
	}

	return fmt.Errorf("no read outstanding on %s", path)
}

func (p *fakePort) emit(t *testing.T, path string, records ...testRecord) {
	t.Helper()

	data := encodeRecords(records...)
	require.Eventually(t, func() bool {
		return p.complete(path, data, len(data), nil) == nil
	}, time.Second, time.Millisecond)
}

func (p *fakePort) openHandles() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	open := 0
	for _, d := range p.dirs {
		if !d.closed {
			open++
		}
	}

	return open
}

func (p *fakePort) violationList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.violations...)
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

type testRecord struct {
	action uint32
	name   string
}

// encodeRecords lays out records the way ReadDirectoryChangesW does. Every
// record but the last is padded to a DWORD boundary, so the length of the
// result is exactly the end of the last name.
func encodeRecords(records ...testRecord) []byte {
	var buf []byte

	for i, r := range records {
		name := utf16.Encode([]rune(r.name))
		size := recordHeaderSize + 2*len(name)
		if pad := size % 4; pad != 0 && i < len(records)-1 {
			size += 4 - pad
		}

		rec := make([]byte, size)
		if i < len(records)-1 {
			binary.LittleEndian.PutUint32(rec[0:], uint32(size))
		}
		binary.LittleEndian.PutUint32(rec[4:], r.action)
		binary.LittleEndian.PutUint32(rec[8:], uint32(2*len(name)))
		for j, u := range name {
			binary.LittleEndian.PutUint16(rec[recordHeaderSize+2*j:], u)
		}

		buf = append(buf, rec...)
	}

	return buf
}

type reported struct {
	change   ChangeType
	path     string
	finished bool
}

type recordingListener struct {
	mu      sync.Mutex
	reports []reported
}

func (l *recordingListener) ReportEvent(change ChangeType, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reports = append(l.reports, reported{change: change, path: path})
}

func (l *recordingListener) ReportFinished(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reports = append(l.reports, reported{path: path, finished: true})
}

func (l *recordingListener) all() []reported {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]reported(nil), l.reports...)
}

func (l *recordingListener) finishedCount(path string) int {
	count := 0
	for _, r := range l.all() {
		if r.finished && r.path == path {
			count++
		}
	}

	return count
}

func (l *recordingListener) waitFor(t *testing.T, n int) []reported {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(l.all()) >= n
	}, time.Second, time.Millisecond)

	return l.all()
}
