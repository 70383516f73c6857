package credentials

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRootsPEM_UnsetUntilFirstWrite(t *testing.T) {
	resetDefaultRootsForTest()
	defer resetDefaultRootsForTest()

	pem, found := DefaultRootsPEM()

	assert.False(t, found)
	assert.Nil(t, pem)
}

func TestSetDefaultRootsPEM_LastWriteWins(t *testing.T) {
	resetDefaultRootsForTest()
	defer resetDefaultRootsForTest()

	SetDefaultRootsPEM([]byte("ROOT-A"))
	SetDefaultRootsPEM([]byte("ROOT-B"))

	pem, found := DefaultRootsPEM()
	require.True(t, found)
	assert.Equal(t, []byte("ROOT-B"), pem)
}

func TestSetDefaultRootsPEM_CopiesInput(t *testing.T) {
	resetDefaultRootsForTest()
	defer resetDefaultRootsForTest()

	input := []byte("ROOT-A")
	SetDefaultRootsPEM(input)
	input[0] = 'X'

	pem, found := DefaultRootsPEM()
	require.True(t, found)
	assert.Equal(t, []byte("ROOT-A"), pem)
}

func TestWatchDefaultRootsFile(t *testing.T) {
	resetDefaultRootsForTest()
	defer resetDefaultRootsForTest()

	dir := t.TempDir()
	path := filepath.Join(dir, "roots.pem")
	require.NoError(t, os.WriteFile(path, []byte("INITIAL"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	require.NoError(t, WatchDefaultRootsFile(ctx, path, nil, func() {
		reloads.Add(1)
	}))

	// The initial load happens synchronously.
	pem, found := DefaultRootsPEM()
	require.True(t, found)
	assert.Equal(t, []byte("INITIAL"), pem)

	require.NoError(t, os.WriteFile(path, []byte("UPDATED"), 0o600))

	require.Eventually(t, func() bool {
		pem, found := DefaultRootsPEM()
		return found && bytes.Equal(pem, []byte("UPDATED"))
	}, 3*time.Second, 25*time.Millisecond)

	require.Eventually(t, func() bool {
		return reloads.Load() >= 1
	}, 3*time.Second, 25*time.Millisecond)
}

func TestWatchDefaultRootsFile_MissingFile(t *testing.T) {
	resetDefaultRootsForTest()
	defer resetDefaultRootsForTest()

	err := WatchDefaultRootsFile(context.Background(), filepath.Join(t.TempDir(), "absent.pem"), nil, nil)

	assert.Error(t, err)
}
