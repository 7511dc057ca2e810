package watcher

// dirHandle is an open directory handle owned by a WatchPoint.
type dirHandle uintptr

// readOp is the context of one asynchronous directory read. The OS writes
// into buf after ReadChanges returns, so a readOp must stay reachable until
// its completion has been delivered by Wait.
type readOp struct {
	// overlapped must stay the first field: the windows port recovers the
	// readOp from the OVERLAPPED pointer handed out by the completion port.
	overlapped osOverlapped
	owner      *WatchPoint
	buf        []byte
}

// completion is one result of completionPort.Wait. A completion without an
// op is a wake-up posted by Wake.
type completion struct {
	op  *readOp
	n   uint32
	err error
}

// completionPort is the OS boundary of the Service. All methods except Wake
// are called from the run loop only.
//
// Implementations translate OS results: cancelled reads complete with
// errOsCancelled, dropped events with ErrWatchOverflow, and OpenDirectory
// fails with ErrPathNotFound, ErrAccessDenied or ErrNotDirectory where they
// apply.
type completionPort interface {
	OpenDirectory(path string) (dirHandle, error)
	// ReadChanges issues an asynchronous read into op.buf. On success exactly
	// one completion for op is delivered later.
	ReadChanges(h dirHandle, op *readOp) error
	// CancelRead requests cancellation of the outstanding read. A read that
	// already completed is not an error.
	CancelRead(h dirHandle, op *readOp) error
	CloseDirectory(h dirHandle) error
	// Wait blocks until a completion or a wake-up is available.
	Wait() (completion, error)
	// Wake interrupts Wait from any goroutine.
	Wake() error
	Close() error
}
