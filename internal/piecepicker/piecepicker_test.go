package piecepicker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	"github.com/kamalnarra/quentin-torrentino/internal/bitfield"
	"github.com/kamalnarra/quentin-torrentino/internal/metainfo"
)

func threePieceInfo(t *testing.T) *metainfo.Info {
	t.Helper()
	pieces := strings.Repeat("a", 20) + strings.Repeat("b", 20) + strings.Repeat("c", 20)
	raw, err := bencode.EncodeBytes(map[string]interface{}{
		"name":         "x",
		"piece length": int64(16384),
		"pieces":       pieces,
		"length":       int64(16384 * 3),
	})
	require.NoError(t, err)
	info, err := metainfo.NewInfo(raw)
	require.NoError(t, err)
	return info
}

func TestNextSkipsPiecesThePeerLacks(t *testing.T) {
	info := threePieceInfo(t)
	pp := New(info)

	have := bitfield.New(3)
	have.Set(1)

	pi, ok := pp.Next(have)
	require.True(t, ok)
	assert.Equal(t, uint32(1), pi.Index)

	_, ok = pp.Next(have)
	assert.False(t, ok, "peer only has piece 1, already in flight")
}

func TestReleasePutsPieceBackOnPendingQueue(t *testing.T) {
	info := threePieceInfo(t)
	pp := New(info)
	have := bitfield.New(3)
	have.Set(0)

	pi, ok := pp.Next(have)
	require.True(t, ok)
	require.NoError(t, pi.Write(0, make([]byte, 10)))

	pp.Release(pi)
	assert.Equal(t, int64(0), pi.NextOffset, "hash rollback must travel with the piece")

	pi2, ok := pp.Next(have)
	require.True(t, ok)
	assert.Equal(t, pi.Index, pi2.Index)
}

func TestCompleteClosesCompleteCOnceAllVerified(t *testing.T) {
	info := threePieceInfo(t)
	pp := New(info)
	have := bitfield.New(3)
	have.Set(0)
	have.Set(1)
	have.Set(2)

	select {
	case <-pp.CompleteC():
		t.Fatal("should not be complete yet")
	default:
	}

	for i := 0; i < 3; i++ {
		pi, ok := pp.Next(have)
		require.True(t, ok)
		pp.Complete(pi)
	}

	select {
	case <-pp.CompleteC():
	default:
		t.Fatal("expected complete channel to be closed")
	}
	assert.Equal(t, 3, pp.NumVerified())
}

func TestRecordHaveIncrementsAvailabilityByIndexRegardlessOfState(t *testing.T) {
	info := threePieceInfo(t)
	pp := New(info)

	// Bug fix under test: availability lookup is by index, not by whatever
	// set the piece currently happens to be in.
	pp.RecordHave(2)
	pp.RecordHave(2)
	assert.Equal(t, 2, pp.records[2].availability)

	// Once the piece is in flight, a further have still counts.
	have := bitfield.New(3)
	have.Set(2)
	pi, ok := pp.Next(have)
	require.True(t, ok)
	require.Equal(t, uint32(2), pi.Index)
	pp.RecordHave(2)
	assert.Equal(t, 3, pp.records[2].availability)

	pp.RecordHave(99) // out of range, must not panic
}

func TestNewFromBitfieldPreVerifiesAndMayCompleteImmediately(t *testing.T) {
	info := threePieceInfo(t)
	have := bitfield.New(3)
	have.Set(0)
	have.Set(1)
	have.Set(2)

	pp := NewFromBitfield(info, have)
	assert.Equal(t, 3, pp.NumVerified())
	select {
	case <-pp.CompleteC():
	default:
		t.Fatal("expected immediate completion from a full resume bitfield")
	}
}
