package watcher

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

type watchStatus int

const (
	statusUninitialized watchStatus = iota
	statusListening
	statusNotListening
	statusFailedToListen
	statusFinished
)

func (s watchStatus) String() string {
	switch s {
	case statusUninitialized:
		return "uninitialized"
	case statusListening:
		return "listening"
	case statusNotListening:
		return "not listening"
	case statusFailedToListen:
		return "failed to listen"
	case statusFinished:
		return "finished"
	default:
		return "invalid"
	}
}

// WatchPoint is the watch state of one directory tree. Apart from
// awaitListeningStarted, every method runs on the service's run loop.
type WatchPoint struct {
	path       string
	bufferSize int
	port       completionPort

	status  watchStatus
	handle  dirHandle
	op      *readOp
	pending bool

	// started is fulfilled once by the run loop with the outcome of the start.
	started chan error
}

func newWatchPoint(port completionPort, path string, bufferSize int) *WatchPoint {
	return &WatchPoint{
		path:       path,
		bufferSize: bufferSize,
		port:       port,
		status:     statusUninitialized,
		started:    make(chan error, 1),
	}
}

// listen opens the directory and arms the first read. On failure nothing is
// left open.
func (wp *WatchPoint) listen() error {
	if err := wp.open(); err != nil {
		return err
	}

	if err := wp.issueRead(); err != nil {
		if cerr := wp.port.CloseDirectory(wp.handle); cerr != nil {
			log.Warn().Caller().Err(cerr).Msgf("failed to close %s", wp.path)
		}
		wp.handle = 0
		wp.op = nil
		return err
	}

	return nil
}

func (wp *WatchPoint) open() error {
	if wp.status != statusUninitialized {
		return fmt.Errorf("cannot open watch point in state %s", wp.status)
	}

	h, err := wp.port.OpenDirectory(wp.path)
	if err != nil {
		return err
	}

	wp.handle = h
	wp.op = &readOp{
		owner: wp,
		buf:   make([]byte, wp.bufferSize),
	}

	return nil
}

func (wp *WatchPoint) issueRead() error {
	if wp.pending {
		return errReadOutstanding
	}

	if err := wp.port.ReadChanges(wp.handle, wp.op); err != nil {
		return err
	}

	wp.pending = true
	wp.status = statusListening

	return nil
}

func (wp *WatchPoint) signalStarted() {
	wp.started <- nil
}

func (wp *WatchPoint) fail(err error) {
	wp.status = statusFailedToListen
	wp.started <- err
}

// awaitListeningStarted blocks the requesting goroutine until the run loop
// has started the watch or failed to.
func (wp *WatchPoint) awaitListeningStarted() error {
	return <-wp.started
}

// onCompletion handles the completion of the outstanding read and reports its
// changes. It returns true if the read was re-armed. Otherwise no read is
// outstanding and the watch point must be closed.
func (wp *WatchPoint) onCompletion(err error, n uint32, l Listener) bool {
	wp.pending = false

	switch {
	case errors.Is(err, errOsCancelled):
		if wp.status == statusListening {
			// Nobody asked for this cancellation, so events may have been lost
			log.Warn().Msgf("watch of %s was cancelled", wp.path)
			l.ReportEvent(ChangeInvalidated, wp.path)
		}
		wp.status = statusNotListening
		return false
	case errors.Is(err, ErrWatchOverflow), err == nil && n == 0:
		log.Warn().Msgf("change notifications for %s overflowed", wp.path)
		l.ReportEvent(ChangeOverflow, wp.path)
	case err != nil:
		log.Error().Caller().Err(err).Msgf("watch of %s failed", wp.path)
		l.ReportEvent(ChangeInvalidated, wp.path)
		return false
	default:
		if derr := wp.report(n, l); derr != nil {
			log.Error().Caller().Err(derr).Msgf("failed to decode changes of %s", wp.path)
			l.ReportEvent(ChangeInvalidated, wp.path)
			return false
		}
	}

	if wp.status != statusListening {
		// A stop was requested while these changes were in flight
		return false
	}

	if err := wp.issueRead(); err != nil {
		log.Error().Caller().Err(err).Msgf("failed to re-arm watch of %s", wp.path)
		l.ReportEvent(ChangeInvalidated, wp.path)
		return false
	}

	return true
}

func (wp *WatchPoint) report(n uint32, l Listener) error {
	log.Debug().Msgf("received %d bytes of changes for %s", n, wp.path)

	d := NewDecoder(wp.op.buf, int(n))
	for d.Next() {
		c := d.Change()
		l.ReportEvent(c.Type, filepath.Join(wp.path, c.Path))
	}

	return d.Err()
}

// requestStop cancels the outstanding read. The watch point stays open until
// the cancellation has completed.
func (wp *WatchPoint) requestStop() error {
	if wp.status != statusListening {
		return nil
	}

	wp.status = statusNotListening
	if !wp.pending {
		return nil
	}

	return wp.port.CancelRead(wp.handle, wp.op)
}

// close releases the handle and the buffer. It refuses while a read is
// outstanding because the OS may still write into the buffer.
func (wp *WatchPoint) close() error {
	if wp.pending {
		return errReadOutstanding
	}
	if wp.status == statusFinished {
		return nil
	}

	wp.status = statusFinished
	h := wp.handle
	wp.handle = 0
	wp.op = nil

	if h == 0 {
		return nil
	}

	return wp.port.CloseDirectory(h)
}
