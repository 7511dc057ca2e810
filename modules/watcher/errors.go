package watcher

import "errors"

var (
	// ErrPathNotFound indicates the directory to watch does not exist.
	ErrPathNotFound = errors.New("path not found")

	// ErrAccessDenied indicates the directory could not be opened for watching.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotDirectory indicates the path exists but is not a directory.
	ErrNotDirectory = errors.New("path is not a directory")

	// ErrAlreadyWatched indicates a watch for the path is already active.
	ErrAlreadyWatched = errors.New("path is already watched")

	// ErrNotWatched indicates no watch for the path is active.
	ErrNotWatched = errors.New("path is not being watched")

	// ErrMalformedNotification indicates a change record overran its buffer.
	ErrMalformedNotification = errors.New("malformed change notification")

	// ErrWatchOverflow indicates the OS dropped change records.
	ErrWatchOverflow = errors.New("change notification queue overflow")

	// ErrUnexpectedOsFailure wraps any other failure reported by the OS.
	ErrUnexpectedOsFailure = errors.New("unexpected os failure")

	// ErrServiceTerminated is returned by requests made after Shutdown.
	ErrServiceTerminated = errors.New("notification service has been shut down")
)

var (
	// errOsCancelled is the completion of a cancelled read: the normal stop acknowledgment.
	errOsCancelled = errors.New("read cancelled")

	errReadOutstanding = errors.New("read still outstanding")
)
