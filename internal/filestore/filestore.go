// Package filestore is the random-access writer/reader backing a
// single-file torrent payload, positioned by (piece index, block offset).
package filestore

import (
	"fmt"
	"os"
	"sync"
)

// FileStore is a single file of exact length L, opened for read-write.
// Writes are serialized by mu; reads use positional I/O (ReadAt) and may
// proceed concurrently with each other.
type FileStore struct {
	mu          sync.Mutex
	file        *os.File
	length      int64
	pieceLength int64
	path        string
}

// New opens (creating and pre-allocating if necessary) a file at path of
// exact length `length`, with pieces of `pieceLength` bytes.
func New(path string, length, pieceLength int64) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("filestore: opening %s: %w", path, err)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, fmt.Errorf("filestore: truncating %s to %d: %w", path, length, err)
	}
	return &FileStore{file: f, length: length, pieceLength: pieceLength, path: path}, nil
}

// Path returns the destination file path.
func (fs *FileStore) Path() string {
	return fs.path
}

// WriteBlock writes data at piece_index*pieceLength + blockOffset.
func (fs *FileStore) WriteBlock(pieceIndex uint32, blockOffset int64, data []byte) error {
	pos := int64(pieceIndex)*fs.pieceLength + blockOffset
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.file.WriteAt(data, pos); err != nil {
		return fmt.Errorf("filestore: write at %d: %w", pos, err)
	}
	return fs.file.Sync()
}

// ReadBlock reads length bytes at piece_index*pieceLength + blockOffset.
// May run concurrently with other reads and with writes to other regions.
func (fs *FileStore) ReadBlock(pieceIndex uint32, blockOffset int64, length int64) ([]byte, error) {
	pos := int64(pieceIndex)*fs.pieceLength + blockOffset
	buf := make([]byte, length)
	if _, err := fs.file.ReadAt(buf, pos); err != nil {
		return nil, fmt.Errorf("filestore: read at %d: %w", pos, err)
	}
	return buf, nil
}

// Length returns the exact total payload length L.
func (fs *FileStore) Length() int64 {
	return fs.length
}

// Close flushes and closes the underlying file handle.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
