//go:build windows

package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Windows(t *testing.T) {
	l := &recordingListener{}
	n, err := New(l, Config{})
	require.NoError(t, err)
	defer n.Shutdown()

	root := t.TempDir()
	require.NoError(t, n.StartWatching(root))

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o700))
	file := filepath.Join(sub, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("a"), 0o600))

	require.Eventually(t, func() bool {
		for _, r := range l.all() {
			if r.change == ChangeCreated && strings.EqualFold(r.path, file) {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, n.StopWatching(root))
	require.Eventually(t, func() bool {
		return l.finishedCount(root) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIOCPPort_OpenErrors(t *testing.T) {
	port, err := newIOCPPort()
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, port.Close())
	}()

	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("a"), 0o600))

	_, err = port.OpenDirectory(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, ErrPathNotFound)

	_, err = port.OpenDirectory(file)
	require.ErrorIs(t, err, ErrNotDirectory)

	h, err := port.OpenDirectory(dir)
	require.NoError(t, err)
	require.NoError(t, port.CloseDirectory(h))
}

func TestLongPath(t *testing.T) {
	short := `C:\data`
	assert.Equal(t, short, longPath(short))

	long := `C:\` + strings.Repeat("d", 300)
	assert.Equal(t, `\\?\`+long, longPath(long))

	unc := `\\server\share\` + strings.Repeat("d", 300)
	assert.Equal(t, `\\?\UNC\server\share\`+strings.Repeat("d", 300), longPath(unc))
}
