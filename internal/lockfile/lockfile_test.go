package lockfile

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	defer lock.Release()

	f, err := os.Open(filepath.Join(dir, LockFileName))
	require.NoError(t, err)
	defer f.Close()
	h := parseHolder(bufio.NewScanner(f))
	assert.Equal(t, os.Getpid(), h.PID)
	assert.False(t, h.StartedAt.IsZero())
}

func TestSecondAcquireFailsWithHolder(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	defer lock.Release()

	_, err = AcquireLock(dir)
	require.Error(t, err)
	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, os.Getpid(), lockErr.Holder.PID, "the loser must not clobber the holder record")
	assert.Contains(t, err.Error(), "another CRMPipe instance")
	assert.Contains(t, err.Error(), "(running)")
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	_, err = os.Stat(filepath.Join(dir, LockFileName))
	assert.True(t, os.IsNotExist(err))

	again, err := AcquireLock(dir)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "nested")
	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	defer lock.Release()
	assert.DirExists(t, dir)
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		content string
		pid     int
		host    string
	}{
		{"pid=12345\nhost=crm-1\nstarted=2025-03-10T12:00:00Z\n", 12345, "crm-1"},
		{"pid=67890\nother=info", 67890, ""},
		{"pid=abc", 0, ""},
		{"pid12345", 0, ""},
		{"", 0, ""},
	}
	for _, tt := range tests {
		h := parseHolder(bufio.NewScanner(strings.NewReader(tt.content)))
		assert.Equal(t, tt.pid, h.PID, tt.content)
		assert.Equal(t, tt.host, h.Host, tt.content)
	}
}

func TestHolderString(t *testing.T) {
	assert.Equal(t, "unknown process", Holder{}.String())
	assert.Contains(t, Holder{PID: os.Getpid(), Host: "crm-1"}.String(), "running) on crm-1")
	assert.False(t, isProcessRunning(0))
}
