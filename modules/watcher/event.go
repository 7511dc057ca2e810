package watcher

import (
	"time"
)

// Kinds understood by the FIM server.
const (
	KindCreate  = "CREATE"
	KindDelete  = "DELETE"
	KindChange  = "CHANGE"
	KindUnknown = "UNKNOWN"
)

// ChangeType is the OS-neutral type of a reported change.
type ChangeType int

const (
	ChangeCreated ChangeType = iota
	ChangeDeleted
	ChangeModified
	ChangeRenamedOld
	ChangeRenamedNew
	ChangeUnknown

	// ChangeOverflow is reported for a watched root when the OS dropped
	// events. The watch keeps running.
	ChangeOverflow

	// ChangeInvalidated is reported for a watched root when the watch broke
	// and will be finished.
	ChangeInvalidated
)

func (c ChangeType) String() string {
	switch c {
	case ChangeCreated:
		return "created"
	case ChangeDeleted:
		return "deleted"
	case ChangeModified:
		return "modified"
	case ChangeRenamedOld:
		return "renamed_old"
	case ChangeRenamedNew:
		return "renamed_new"
	case ChangeOverflow:
		return "overflow"
	case ChangeInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Kind maps the change onto the server's event kinds. A rename is reported
// as the removal of the old name and the creation of the new one.
func (c ChangeType) Kind() string {
	switch c {
	case ChangeCreated, ChangeRenamedNew:
		return KindCreate
	case ChangeDeleted, ChangeRenamedOld:
		return KindDelete
	case ChangeModified:
		return KindChange
	default:
		return KindUnknown
	}
}

// Reliable reports whether the change describes a single path. Overflow and
// invalidation only say that the state below a root is no longer known.
func (c ChangeType) Reliable() bool {
	return c != ChangeOverflow && c != ChangeInvalidated
}

// Event is a change delivered through a ChannelListener.
type Event struct {
	Path   string
	Change ChangeType
	// Finished is set on the single event sent when a watched root leaves
	// the watched set. Change is meaningless then.
	Finished     bool
	Created      time.Time
	LastModified time.Time
}

func (e Event) Kind() string {
	return e.Change.Kind()
}
