// Package piecepicker implements the scheduler: it owns the canonical
// needed/in-flight/verified partition of piece indices and selects the
// next piece to request from a peer using rarest-first availability among
// the pieces that peer has.
package piecepicker

import (
	"math/rand"
	"sync"

	"github.com/kamalnarra/quentin-torrentino/internal/bitfield"
	"github.com/kamalnarra/quentin-torrentino/internal/metainfo"
	"github.com/kamalnarra/quentin-torrentino/internal/piece"
)

type state int

const (
	needed state = iota
	inFlight
	verified
)

type record struct {
	piece        *piece.Piece
	state        state
	availability int
}

// PiecePicker is the scheduler. All exported methods are safe for
// concurrent use by multiple peer goroutines; they share one mutex.
type PiecePicker struct {
	mu      sync.Mutex
	records []*record
	order   []int // shuffled needed-piece indices, rarest-first scans this
	pending []*piece.Piece

	numVerified int
	completeC   chan struct{}
	closeOnce   sync.Once
}

// New builds a scheduler for every piece described by info, with the needed
// order shuffled to avoid swarm hotspots.
func New(info *metainfo.Info) *PiecePicker {
	pp := &PiecePicker{
		records:   make([]*record, info.NumPieces),
		completeC: make(chan struct{}),
	}
	for i := 0; i < info.NumPieces; i++ {
		pp.records[i] = &record{
			piece: piece.New(uint32(i), info.PieceLengthAt(i), info.PieceDigest(i)),
			state: needed,
		}
	}
	pp.order = rand.Perm(info.NumPieces)
	return pp
}

// NewFromBitfield is like New, but pre-marks the pieces set in have as
// already verified — used to resume a partially-downloaded file.
func NewFromBitfield(info *metainfo.Info, have *bitfield.Bitfield) *PiecePicker {
	pp := New(info)
	if have == nil {
		return pp
	}
	for i := 0; i < info.NumPieces; i++ {
		if have.Test(uint32(i)) {
			pp.records[i].state = verified
			pp.numVerified++
		}
	}
	if pp.numVerified == len(pp.records) {
		close(pp.completeC)
	}
	return pp
}

// Next pops the pending queue first; else picks the lowest-availability
// piece among `needed` that the peer (per its availability bitset) has.
func (pp *PiecePicker) Next(have *bitfield.Bitfield) (*piece.Piece, bool) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if len(pp.pending) > 0 {
		pi := pp.pending[0]
		pp.pending = pp.pending[1:]
		pp.records[pi.Index].state = inFlight
		return pi, true
	}

	best := -1
	bestAvailability := 0
	for _, idx := range pp.order {
		r := pp.records[idx]
		if r.state != needed {
			continue
		}
		if have != nil && !have.Test(uint32(idx)) {
			continue
		}
		if best == -1 || r.availability < bestAvailability {
			best = idx
			bestAvailability = r.availability
		}
	}
	if best == -1 {
		return nil, false
	}
	pp.records[best].state = inFlight
	return pp.records[best].piece, true
}

// Release handles the owning peer disconnecting mid-piece. The piece's
// write cursor and hash state are reset with it (hash rollback travels
// with the piece, not the peer) and it is pushed onto the pending queue.
func (pp *PiecePicker) Release(pi *piece.Piece) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pi.Reset()
	pp.records[pi.Index].state = needed
	pp.pending = append(pp.pending, pi)
}

// Complete moves the piece to verified. If every piece is now verified,
// the completion signal (CompleteC) fires exactly once.
func (pp *PiecePicker) Complete(pi *piece.Piece) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	r := pp.records[pi.Index]
	if r.state == verified {
		return
	}
	r.state = verified
	pp.numVerified++
	if pp.numVerified == len(pp.records) {
		pp.closeOnce.Do(func() { close(pp.completeC) })
	}
}

// RecordHave bumps the availability counter for index, bounds-checked
// against N, by looking the tracked piece up by index directly — its
// counter increments regardless of which set the piece is currently in.
func (pp *PiecePicker) RecordHave(index uint32) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if int(index) >= len(pp.records) {
		return
	}
	pp.records[index].availability++
}

// CompleteC is closed exactly once, when every piece has been verified.
func (pp *PiecePicker) CompleteC() <-chan struct{} {
	return pp.completeC
}

// NumPieces returns the total piece count N.
func (pp *PiecePicker) NumPieces() int {
	return len(pp.records)
}

// NumVerified returns |verified| at this instant.
func (pp *PiecePicker) NumVerified() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.numVerified
}

// Bitfield returns a snapshot of the verified set in wire format.
func (pp *PiecePicker) Bitfield() *bitfield.Bitfield {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	bf := bitfield.New(uint32(len(pp.records)))
	for i, r := range pp.records {
		if r.state == verified {
			bf.Set(uint32(i))
		}
	}
	return bf
}
