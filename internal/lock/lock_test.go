package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireExcludesSecondRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lbdump.lock")
	first, err := Acquire(path)
	require.NoError(t, err)

	_, err = Acquire(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, first.Release())
	second, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}
