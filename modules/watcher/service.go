package watcher

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
)

type serviceState int

const (
	stateRunning serviceState = iota
	stateTerminating
	stateTerminated
)

type requestKind int

const (
	requestStart requestKind = iota
	requestStop
	requestTerminate
)

type request struct {
	kind  requestKind
	point *WatchPoint
	path  string
	reply chan error
}

func (r request) reject(err error) {
	switch r.kind {
	case requestStart:
		r.point.fail(err)
	case requestStop:
		r.reply <- err
	}
}

// Service watches directory trees through a completion port. One goroutine,
// locked to its OS thread, issues every read, handles every completion and
// owns every WatchPoint. Callers only queue requests and wait for the answer.
type Service struct {
	port     completionPort
	listener Listener
	conf     Config

	watches *Registry[*WatchPoint]

	// Owned by the run loop.
	stopping map[string]*WatchPoint
	parked   map[string][]*WatchPoint
	// abandoned watches could not be cancelled. They are finished for the
	// Listener but their read may still complete.
	abandoned map[*WatchPoint]struct{}
	draining  bool

	mu    sync.Mutex
	inbox []request
	state serviceState

	done chan struct{}
}

func newService(port completionPort, l Listener, conf Config) *Service {
	s := &Service{
		port:      port,
		listener:  l,
		conf:      conf,
		watches:   NewRegistry[*WatchPoint](),
		stopping:  make(map[string]*WatchPoint),
		parked:    make(map[string][]*WatchPoint),
		abandoned: make(map[*WatchPoint]struct{}),
		done:      make(chan struct{}),
	}
	go s.run()

	return s
}

// StartWatching watches the directory tree at path. It returns once the
// first read has been issued.
func (s *Service) StartWatching(path string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}

	wp := newWatchPoint(s.port, path, s.conf.BufferSize)
	if err := s.submit(request{kind: requestStart, point: wp, path: path}); err != nil {
		return &fs.PathError{Op: "watch", Path: path, Err: err}
	}

	if err := wp.awaitListeningStarted(); err != nil {
		return &fs.PathError{Op: "watch", Path: path, Err: err}
	}
	log.Info().Msgf("added watch for %s", path)

	return nil
}

// StopWatching stops the watch of path. It returns once the watch no longer
// listens; its handle is released when the cancelled read has completed.
func (s *Service) StopWatching(path string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	if err := s.submit(request{kind: requestStop, path: path, reply: reply}); err != nil {
		return &fs.PathError{Op: "unwatch", Path: path, Err: err}
	}

	if err := <-reply; err != nil {
		return &fs.PathError{Op: "unwatch", Path: path, Err: err}
	}
	log.Info().Msgf("removed watch for %s", path)

	return nil
}

// Shutdown stops every watch and waits for the run loop to exit. Calls after
// the first one only wait.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.state == stateRunning {
		s.state = stateTerminating
		s.inbox = append(s.inbox, request{kind: requestTerminate})
		if err := s.port.Wake(); err != nil {
			log.Error().Caller().Err(err).Msg("failed to wake run loop")
		}
	}
	s.mu.Unlock()

	<-s.done
}

func (s *Service) IsWatching(path string) bool {
	path, err := cleanPath(path)
	if err != nil {
		return false
	}

	_, ok := s.watches.Lookup(path)
	return ok
}

func (s *Service) WatchedPaths() []string {
	return s.watches.Paths()
}

func (s *Service) submit(r request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateRunning {
		return ErrServiceTerminated
	}

	s.inbox = append(s.inbox, r)
	if err := s.port.Wake(); err != nil {
		s.inbox = s.inbox[:len(s.inbox)-1]
		return err
	}

	return nil
}

func (s *Service) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	for {
		c, err := s.port.Wait()
		if err != nil {
			log.Error().Caller().Err(err).Msg("failed to wait for completions")
			s.mu.Lock()
			s.state = stateTerminating
			s.mu.Unlock()
			break
		}

		if c.op != nil {
			s.handleCompletion(c)
		}

		if s.processRequests() {
			break
		}
	}

	s.terminate()
}

// processRequests handles the queued requests and reports whether
// termination was requested.
func (s *Service) processRequests() bool {
	s.mu.Lock()
	requests := s.inbox
	s.inbox = nil
	s.mu.Unlock()

	terminate := false
	for _, r := range requests {
		switch r.kind {
		case requestStart:
			s.startWatch(r.point)
		case requestStop:
			r.reply <- s.stopWatch(r.path)
		case requestTerminate:
			terminate = true
		}
	}

	return terminate
}

func (s *Service) startWatch(wp *WatchPoint) {
	if _, ok := s.watches.Lookup(wp.path); ok {
		wp.fail(ErrAlreadyWatched)
		return
	}

	if _, ok := s.stopping[wp.path]; ok {
		// The previous watch of this path has not finished yet
		s.parked[wp.path] = append(s.parked[wp.path], wp)
		return
	}

	if err := wp.listen(); err != nil {
		wp.fail(err)
		return
	}

	if err := s.watches.Add(wp.path, wp); err != nil {
		// Only the run loop adds entries and the path was checked above
		panic(fmt.Errorf("registry out of sync for %s: %w", wp.path, err))
	}

	wp.signalStarted()
}

func (s *Service) stopWatch(path string) error {
	wp, err := s.watches.Remove(path)
	if err != nil {
		return err
	}

	if err := wp.requestStop(); err != nil {
		log.Error().Caller().Err(err).Msgf("failed to cancel watch of %s", path)
		s.abandon(wp)
		return nil
	}

	if wp.pending {
		s.stopping[path] = wp
		return nil
	}

	s.finish(wp)
	return nil
}

func (s *Service) handleCompletion(c completion) {
	wp := c.op.owner
	if _, ok := s.abandoned[wp]; ok {
		// Already reported as finished, only the handle is left
		delete(s.abandoned, wp)
		wp.pending = false
		if err := wp.close(); err != nil {
			log.Error().Caller().Err(err).Msgf("failed to close watch of %s", wp.path)
		}
		return
	}

	if wp.onCompletion(c.err, c.n, s.listener) {
		return
	}

	s.finish(wp)
}

// finish closes a watch point that has no read outstanding and reports it.
func (s *Service) finish(wp *WatchPoint) {
	if current, ok := s.watches.Lookup(wp.path); ok && current == wp {
		_, _ = s.watches.Remove(wp.path)
	}
	if s.stopping[wp.path] == wp {
		delete(s.stopping, wp.path)
	}

	if err := wp.close(); err != nil {
		log.Error().Caller().Err(err).Msgf("failed to close watch of %s", wp.path)
	}
	s.listener.ReportFinished(wp.path)
	s.startParked(wp.path)
}

// abandon finishes a watch whose read could not be cancelled without closing
// it. The buffer stays referenced until the read completes, if ever.
func (s *Service) abandon(wp *WatchPoint) {
	s.abandoned[wp] = struct{}{}
	s.listener.ReportFinished(wp.path)
	s.startParked(wp.path)
}

func (s *Service) startParked(path string) {
	parked := s.parked[path]
	delete(s.parked, path)
	for _, next := range parked {
		if s.draining {
			next.fail(ErrServiceTerminated)
			continue
		}
		s.startWatch(next)
	}
}

// terminate stops all watches, drains their completions and closes the port.
func (s *Service) terminate() {
	s.draining = true
	for path := range s.watches.Snapshot() {
		if err := s.stopWatch(path); err != nil {
			log.Error().Caller().Err(err).Msgf("failed to stop watch of %s", path)
		}
	}

	for len(s.stopping) > 0 {
		c, err := s.port.Wait()
		if err != nil {
			// Closing the remaining handles now could let the OS write into freed buffers
			log.Error().Caller().Err(err).Msgf("failed to drain %d watches", len(s.stopping))
			break
		}
		if c.op != nil {
			s.handleCompletion(c)
		}
	}

	s.mu.Lock()
	requests := s.inbox
	s.inbox = nil
	s.state = stateTerminated
	s.mu.Unlock()

	for _, r := range requests {
		r.reject(ErrServiceTerminated)
	}
	if len(s.abandoned) > 0 {
		log.Warn().Msgf("leaking %d directory handles with reads outstanding", len(s.abandoned))
		leakReads(s.abandoned)
	}

	for path, waiting := range s.parked {
		for _, wp := range waiting {
			wp.fail(ErrServiceTerminated)
		}
		delete(s.parked, path)
	}

	if err := s.port.Close(); err != nil {
		log.Error().Caller().Err(err).Msg("failed to close completion port")
	}
}

func cleanPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &fs.PathError{Op: "watch", Path: path, Err: err}
	}

	return abs, nil
}

var (
	leakedMu sync.Mutex
	// leaked keeps the buffers of reads that may still complete after their
	// service is gone.
	leaked []*WatchPoint
)

func leakReads(abandoned map[*WatchPoint]struct{}) {
	leakedMu.Lock()
	defer leakedMu.Unlock()

	for wp := range abandoned {
		leaked = append(leaked, wp)
	}
}
