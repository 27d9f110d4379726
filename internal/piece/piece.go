// Package piece tracks the per-index download state of a single torrent
// piece: how many bytes have been written, the running SHA-1 over those
// bytes, and the digest it must match once complete.
package piece

import (
	"crypto/sha1"
	"errors"
	"hash"

	"github.com/kamalnarra/quentin-torrentino/internal/metainfo"
)

// BlockLength is the conventional request size, except for the final block
// of the final piece.
const BlockLength = metainfo.BlockLength

// ErrOffsetMismatch is returned by Write when the block offset doesn't match
// the piece's current write cursor. The caller drops the block silently,
// per the request-reordering safety rule.
var ErrOffsetMismatch = errors.New("piece: block offset does not match next offset")

// Piece is the mutable download state of one piece.
type Piece struct {
	Index          uint32
	Length         int64
	ExpectedDigest [20]byte
	NumBlocks      int

	NextOffset int64
	hasher     hash.Hash
}

// New returns a Piece with fresh, empty hash state.
func New(index uint32, length int64, digest [20]byte) *Piece {
	p := &Piece{
		Index:          index,
		Length:         length,
		ExpectedDigest: digest,
		NumBlocks:      int((length + BlockLength - 1) / BlockLength),
	}
	p.hasher = sha1.New()
	return p
}

// NextBlockLength returns the length of the next block to request, or 0 if
// the piece is fully written locally.
func (p *Piece) NextBlockLength() int64 {
	remaining := p.Length - p.NextOffset
	if remaining <= 0 {
		return 0
	}
	if remaining > BlockLength {
		return BlockLength
	}
	return remaining
}

// Write appends data at offset to the running hash and advances the write
// cursor. Returns ErrOffsetMismatch if offset != NextOffset, in which case
// the caller must drop data without modifying piece state.
func (p *Piece) Write(offset int64, data []byte) error {
	if offset != p.NextOffset {
		return ErrOffsetMismatch
	}
	p.hasher.Write(data)
	p.NextOffset += int64(len(data))
	return nil
}

// Done reports whether every byte of the piece has been written locally.
func (p *Piece) Done() bool {
	return p.NextOffset >= p.Length
}

// Verify finalizes the running digest and compares it against the expected
// digest from the metainfo.
func (p *Piece) Verify() bool {
	sum := p.hasher.Sum(nil)
	for i := range sum {
		if sum[i] != p.ExpectedDigest[i] {
			return false
		}
	}
	return true
}

// Reset clears the write cursor and starts a fresh hash context. Called
// when a piece is released back to the scheduler's pending queue, so a
// failing peer's partial hash never leaks into the next owner.
func (p *Piece) Reset() {
	p.NextOffset = 0
	p.hasher = sha1.New()
}
