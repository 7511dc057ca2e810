//go:build !windows && !darwin

package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotifier(t *testing.T) (Notifier, *recordingListener) {
	t.Helper()

	l := &recordingListener{}
	n, err := New(l, Config{})
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)

	return n, l
}

func (l *recordingListener) waitForEvent(t *testing.T, change ChangeType, path string) {
	t.Helper()

	require.Eventually(t, func() bool {
		for _, r := range l.all() {
			if !r.finished && r.change == change && r.path == path {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %s event for %s", change, path)
}

func TestFsnotifyNotifier_Recursive(t *testing.T) {
	n, l := newTestNotifier(t)
	root := t.TempDir()
	existing := filepath.Join(root, "existing")
	require.NoError(t, os.Mkdir(existing, 0o700))

	require.NoError(t, n.StartWatching(root))

	file := filepath.Join(existing, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("a"), 0o600))
	l.waitForEvent(t, ChangeCreated, file)

	// Directories created later are watched as well
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o700))
	l.waitForEvent(t, ChangeCreated, sub)

	nested := filepath.Join(sub, "b.txt")
	require.NoError(t, os.WriteFile(nested, []byte("b"), 0o600))
	l.waitForEvent(t, ChangeCreated, nested)

	require.NoError(t, os.Remove(nested))
	l.waitForEvent(t, ChangeDeleted, nested)
}

func TestFsnotifyNotifier_StartErrors(t *testing.T) {
	n, l := newTestNotifier(t)
	root := t.TempDir()
	file := filepath.Join(root, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("a"), 0o600))

	require.ErrorIs(t, n.StartWatching(filepath.Join(root, "missing")), ErrPathNotFound)
	require.ErrorIs(t, n.StartWatching(file), ErrNotDirectory)

	require.NoError(t, n.StartWatching(root))
	require.ErrorIs(t, n.StartWatching(root), ErrAlreadyWatched)
	require.ErrorIs(t, n.StopWatching(filepath.Join(root, "other")), ErrNotWatched)

	require.NoError(t, n.StopWatching(root))
	assert.Equal(t, 1, l.finishedCount(root))
}

func TestFsnotifyNotifier_RootRemoved(t *testing.T) {
	n, l := newTestNotifier(t)
	root := filepath.Join(t.TempDir(), "root")
	require.NoError(t, os.Mkdir(root, 0o700))

	require.NoError(t, n.StartWatching(root))
	require.NoError(t, os.RemoveAll(root))

	l.waitForEvent(t, ChangeInvalidated, root)
	require.Eventually(t, func() bool {
		return l.finishedCount(root) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, n.StopWatching(root), ErrNotWatched)
}

func TestFsnotifyNotifier_Shutdown(t *testing.T) {
	n, l := newTestNotifier(t)
	a := t.TempDir()
	b := t.TempDir()

	require.NoError(t, StartAll(n, []string{a, b}))
	n.Shutdown()

	assert.Equal(t, 1, l.finishedCount(a))
	assert.Equal(t, 1, l.finishedCount(b))
	require.ErrorIs(t, n.StartWatching(a), ErrServiceTerminated)

	n.Shutdown()
}

func (l *recordingListener) countEvents(change ChangeType, path string) int {
	count := 0
	for _, r := range l.all() {
		if !r.finished && r.change == change && r.path == path {
			count++
		}
	}

	return count
}

// sync writes a marker file below root and waits for its event. Events
// queued before it have been reported once it returns.
func (l *recordingListener) sync(t *testing.T, root, name string) {
	t.Helper()

	marker := filepath.Join(root, name)
	require.NoError(t, os.WriteFile(marker, []byte(name), 0o600))
	l.waitForEvent(t, ChangeCreated, marker)
}

func TestFsnotifyNotifier_SubtreeMovedOut(t *testing.T) {
	n, l := newTestNotifier(t)
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "moved")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o700))

	require.NoError(t, n.StartWatching(root))

	a := filepath.Join(root, "a")
	require.NoError(t, os.Rename(a, outside))
	l.waitForEvent(t, ChangeRenamedOld, a)

	// Changes in the moved tree no longer belong to root
	require.NoError(t, os.WriteFile(filepath.Join(outside, "b", "ghost.txt"), []byte("x"), 0o600))

	// The same subpath is watched again once it is recreated
	b := filepath.Join(a, "b")
	require.NoError(t, os.MkdirAll(b, 0o700))
	l.waitForEvent(t, ChangeCreated, a)

	file := filepath.Join(b, "real.txt")
	require.Eventually(t, func() bool {
		// Rewritten until b is watched
		if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
			return false
		}
		for _, r := range l.all() {
			if r.path == file {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	for _, r := range l.all() {
		assert.NotContains(t, r.path, "ghost.txt")
	}
}

func TestFsnotifyNotifier_DirectoryRemovalReportedOnce(t *testing.T) {
	n, l := newTestNotifier(t)
	root := t.TempDir()
	moved := filepath.Join(root, "moved")
	removed := filepath.Join(root, "removed")
	require.NoError(t, os.Mkdir(moved, 0o700))
	require.NoError(t, os.Mkdir(removed, 0o700))

	require.NoError(t, n.StartWatching(root))

	require.NoError(t, os.Rename(moved, filepath.Join(t.TempDir(), "elsewhere")))
	require.NoError(t, os.Remove(removed))
	l.sync(t, root, "marker-1")

	assert.Equal(t, 1, l.countEvents(ChangeRenamedOld, moved))
	assert.Equal(t, 1, l.countEvents(ChangeDeleted, removed))

	// Recreated and removed again, it is reported again
	require.NoError(t, os.Mkdir(removed, 0o700))
	l.waitForEvent(t, ChangeCreated, removed)
	require.NoError(t, os.Remove(removed))
	l.sync(t, root, "marker-2")

	assert.Equal(t, 2, l.countEvents(ChangeDeleted, removed))
}
