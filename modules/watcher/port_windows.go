//go:build windows

package watcher

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

type osOverlapped = windows.Overlapped

const (
	notifyFilter = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
		windows.FILE_NOTIFY_CHANGE_DIR_NAME |
		windows.FILE_NOTIFY_CHANGE_ATTRIBUTES |
		windows.FILE_NOTIFY_CHANGE_SIZE |
		windows.FILE_NOTIFY_CHANGE_LAST_WRITE
	shareMode = windows.FILE_SHARE_READ |
		windows.FILE_SHARE_WRITE |
		windows.FILE_SHARE_DELETE
	openFlags = windows.FILE_FLAG_BACKUP_SEMANTICS |
		windows.FILE_FLAG_OVERLAPPED

	// Paths of this length need the long path prefix.
	maxPath        = 240
	longPathPrefix = `\\?\`
)

const (
	errInvalidName   = syscall.Errno(123)  // ERROR_INVALID_NAME
	errNotDirectory  = syscall.Errno(267)  // ERROR_DIRECTORY
	errNotifyEnumDir = syscall.Errno(1022) // ERROR_NOTIFY_ENUM_DIR: the change buffer overflowed
)

// iocpPort delivers directory read completions through an I/O completion
// port. A completion without OVERLAPPED is a wake-up.
type iocpPort struct {
	port windows.Handle
}

func newIOCPPort() (*iocpPort, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion port: %w", err)
	}

	return &iocpPort{port: port}, nil
}

func (p *iocpPort) OpenDirectory(path string) (dirHandle, error) {
	name, err := windows.UTF16PtrFromString(longPath(path))
	if err != nil {
		return 0, err
	}

	h, err := windows.CreateFile(name,
		windows.FILE_LIST_DIRECTORY,
		shareMode,
		nil,
		windows.OPEN_EXISTING,
		openFlags,
		0)
	if err != nil {
		return 0, translateOpenError(err)
	}

	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &info); err != nil {
		_ = windows.CloseHandle(h)
		return 0, fmt.Errorf("%w: %w", ErrUnexpectedOsFailure, err)
	}
	if info.FileAttributes&windows.FILE_ATTRIBUTE_DIRECTORY == 0 {
		_ = windows.CloseHandle(h)
		return 0, ErrNotDirectory
	}

	if _, err := windows.CreateIoCompletionPort(h, p.port, 0, 0); err != nil {
		_ = windows.CloseHandle(h)
		return 0, fmt.Errorf("%w: failed to associate directory with completion port: %w", ErrUnexpectedOsFailure, err)
	}

	return dirHandle(h), nil
}

func (p *iocpPort) ReadChanges(h dirHandle, op *readOp) error {
	op.overlapped = windows.Overlapped{}

	err := windows.ReadDirectoryChanges(windows.Handle(h),
		&op.buf[0],
		uint32(len(op.buf)),
		true,
		notifyFilter,
		nil,
		&op.overlapped,
		0)
	if err != nil {
		return translateOpenError(err)
	}

	return nil
}

func (p *iocpPort) CancelRead(h dirHandle, op *readOp) error {
	err := windows.CancelIoEx(windows.Handle(h), &op.overlapped)
	if errors.Is(err, windows.ERROR_NOT_FOUND) {
		// Already completed, the completion is queued
		return nil
	}

	return err
}

func (p *iocpPort) CloseDirectory(h dirHandle) error {
	return windows.CloseHandle(windows.Handle(h))
}

func (p *iocpPort) Wait() (completion, error) {
	var n uint32
	var key uintptr
	var ov *windows.Overlapped

	err := windows.GetQueuedCompletionStatus(p.port, &n, &key, &ov, windows.INFINITE)
	if ov == nil {
		if err != nil {
			return completion{}, fmt.Errorf("failed to dequeue completion: %w", err)
		}
		return completion{}, nil
	}

	return completion{
		op:  (*readOp)(unsafe.Pointer(ov)),
		n:   n,
		err: translateCompletionError(err),
	}, nil
}

func (p *iocpPort) Wake() error {
	return windows.PostQueuedCompletionStatus(p.port, 0, 0, nil)
}

func (p *iocpPort) Close() error {
	return windows.CloseHandle(p.port)
}

func translateOpenError(err error) error {
	switch {
	case errors.Is(err, windows.ERROR_FILE_NOT_FOUND),
		errors.Is(err, windows.ERROR_PATH_NOT_FOUND),
		errors.Is(err, errInvalidName):
		return fmt.Errorf("%w: %w", ErrPathNotFound, err)
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return fmt.Errorf("%w: %w", ErrAccessDenied, err)
	case errors.Is(err, errNotDirectory):
		return fmt.Errorf("%w: %w", ErrNotDirectory, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnexpectedOsFailure, err)
	}
}

func translateCompletionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, windows.ERROR_OPERATION_ABORTED):
		return errOsCancelled
	case errors.Is(err, errNotifyEnumDir):
		return ErrWatchOverflow
	default:
		// ERROR_ACCESS_DENIED here usually means the watched directory was deleted
		return fmt.Errorf("%w: %w", ErrUnexpectedOsFailure, err)
	}
}

func longPath(path string) string {
	if len(path) < maxPath || strings.HasPrefix(path, longPathPrefix) {
		return path
	}
	if strings.HasPrefix(path, `\\`) {
		// UNC path
		return longPathPrefix + `UNC\` + path[2:]
	}

	return longPathPrefix + path
}
