package peerprotocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	hs := Handshake{InfoHash: [20]byte{1, 2, 3}, PeerID: [20]byte{9, 9, 9}}
	require.NoError(t, hs.WriteTo(&buf))
	assert.Equal(t, 68, buf.Len())

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, hs, got)
}

func TestReadHandshakeRejectsBadPstr(t *testing.T) {
	buf := make([]byte, 68)
	buf[0] = PstrLen
	copy(buf[1:20], "not the right protocol")
	_, err := ReadHandshake(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestKeepAliveYieldsNotOK(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKeepAlive(&buf))
	_, ok, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{ID: Request, Index: 5, Begin: 16384, Length: 16384}
	require.NoError(t, WriteMessage(&buf, msg))

	got, ok, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg, got)
}

func TestPieceMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	block := []byte{1, 2, 3, 4, 5}
	msg := Message{ID: Piece, Index: 1, Begin: 0, Block: block}
	require.NoError(t, WriteMessage(&buf, msg))

	got, ok, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg.Index, got.Index)
	assert.Equal(t, msg.Begin, got.Begin)
	assert.Equal(t, block, got.Block)
}

func TestBitfieldMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{ID: Bitfield, Bits: []byte{0xff, 0x00}}
	require.NoError(t, WriteMessage(&buf, msg))

	got, ok, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg.Bits, got.Bits)
}

func TestChokeMessageRejectsNonZeroPayload(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[3] = 2 // length 2: id + 1 stray byte
	buf.Write(lenBuf[:])
	buf.WriteByte(Choke)
	buf.WriteByte(0xff)

	_, _, err := ReadMessage(bufio.NewReader(&buf))
	require.ErrorIs(t, err, ErrInvalidLength)
}

func TestUnknownMessageIDIsDrainedNotFatal(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[3] = 3
	buf.Write(lenBuf[:])
	buf.WriteByte(200)
	buf.Write([]byte{1, 2})

	msg, ok, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, byte(200), msg.ID)
}
