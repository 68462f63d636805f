package patch

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, LockName))

	_, err = AcquireLock(dir)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, filepath.Join(dir, LockName))

	again, err := AcquireLock(dir)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestReleaseTwice(t *testing.T) {
	lock, err := AcquireLock(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	assert.NoError(t, lock.Release())
}

func TestOldLockWithLiveOwnerIsKept(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockName)
	data := []byte("pid=" + strconv.Itoa(os.Getpid()) + "\ntoken=old\n")
	require.NoError(t, os.WriteFile(path, data, 0600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	_, err := AcquireLock(dir)
	assert.ErrorIs(t, err, ErrLocked)
	assert.FileExists(t, path)
}

func TestStaleLockWithoutPid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no pid", "token=old\n"},
		{"garbage pid", "pid=nope\ntoken=old\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, LockName)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			_, err := AcquireLock(dir)
			require.ErrorIs(t, err, ErrLocked)

			old := time.Now().Add(-2 * StaleLockThreshold)
			require.NoError(t, os.Chtimes(path, old, old))
			lock, err := AcquireLock(dir)
			require.NoError(t, err)
			require.NoError(t, lock.Release())
		})
	}
}

func TestStaleLockDeadOwner(t *testing.T) {
	dir := t.TempDir()
	// Larger than any pid_max, so no such process exists.
	data := []byte("pid=2147483000\ntoken=old\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockName), data, 0600))

	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestReleaseLeavesForeignLock(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	require.NoError(t, err)

	// Someone reclaimed the lock in the meantime.
	path := filepath.Join(dir, LockName)
	require.NoError(t, os.WriteFile(path, []byte("pid=1\ntoken=other\n"), 0600))

	require.NoError(t, lock.Release())
	assert.FileExists(t, path)
}
