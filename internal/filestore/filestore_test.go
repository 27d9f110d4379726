package filestore

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteBlockThenReadBlockRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	fs, err := New(path, 100, 50)
	require.NoError(t, err)
	defer fs.Close()

	data := []byte("0123456789")
	require.NoError(t, fs.WriteBlock(1, 10, data))

	got, err := fs.ReadBlock(1, 10, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFileIsPreallocatedToExactLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	fs, err := New(path, 1234, 100)
	require.NoError(t, err)
	defer fs.Close()
	assert.Equal(t, int64(1234), fs.Length())
}

func TestConcurrentWritesToDistinctRegionsDoNotCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload")
	fs, err := New(path, 400, 100)
	require.NoError(t, err)
	defer fs.Close()

	var wg sync.WaitGroup
	for i := uint32(0); i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			block := make([]byte, 100)
			for j := range block {
				block[j] = byte(i)
			}
			assert.NoError(t, fs.WriteBlock(i, 0, block))
		}()
	}
	wg.Wait()

	for i := uint32(0); i < 4; i++ {
		got, err := fs.ReadBlock(i, 0, 100)
		require.NoError(t, err)
		for _, b := range got {
			assert.Equal(t, byte(i), b)
		}
	}
}
