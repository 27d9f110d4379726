// Package peerprotocol implements the wire framing and message types of the
// BitTorrent peer protocol: a fixed 68-byte handshake followed by
// length-prefixed, big-endian framed messages.
package peerprotocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Message ids, as they appear on the wire.
const (
	Choke byte = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

// ErrInvalidLength is returned when a message's declared length doesn't
// match what its id requires.
var ErrInvalidLength = errors.New("peerprotocol: invalid message length")

// PstrLen and Pstr are the fixed protocol-identifier bytes of a handshake.
const (
	PstrLen = 19
	Pstr    = "BitTorrent protocol"
)

// Handshake is the 68-byte frame exchanged before any framed message.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// WriteTo writes the handshake frame to w.
func (h Handshake) WriteTo(w io.Writer) error {
	buf := make([]byte, 68)
	buf[0] = PstrLen
	copy(buf[1:20], Pstr)
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates the fixed-shape 68-byte handshake frame.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var buf [68]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Handshake{}, fmt.Errorf("reading handshake: %w", err)
	}
	if buf[0] != PstrLen || string(buf[1:20]) != Pstr {
		return Handshake{}, errors.New("peerprotocol: invalid protocol identifier")
	}
	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// Message is a parsed, framed peer message. Index is populated for Have;
// Bits for Bitfield; Index/Begin/Length for Request and Cancel; and
// Index/Begin plus the raw block in Block for Piece.
type Message struct {
	ID     byte
	Index  uint32
	Begin  uint32
	Length uint32
	Bits   []byte
	Block  []byte
}

// String returns a short human-readable form of the message for logging.
func (m Message) String() string {
	switch m.ID {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return fmt.Sprintf("have(%d)", m.Index)
	case Bitfield:
		return "bitfield"
	case Request:
		return fmt.Sprintf("request(%d,%d,%d)", m.Index, m.Begin, m.Length)
	case Piece:
		return fmt.Sprintf("piece(%d,%d,%d bytes)", m.Index, m.Begin, len(m.Block))
	case Cancel:
		return fmt.Sprintf("cancel(%d,%d,%d)", m.Index, m.Begin, m.Length)
	default:
		return fmt.Sprintf("unknown(%d)", m.ID)
	}
}

// ReadMessage reads one framed message from r, blocking until a full frame
// (or a zero-length keep-alive) arrives. ok is false for keep-alives.
func ReadMessage(r *bufio.Reader) (msg Message, ok bool, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, false, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{}, false, nil // keep-alive
	}
	var idBuf [1]byte
	if _, err = io.ReadFull(r, idBuf[:]); err != nil {
		return Message{}, false, err
	}
	msg.ID = idBuf[0]
	payloadLen := length - 1
	switch msg.ID {
	case Choke, Unchoke, Interested, NotInterested:
		if payloadLen != 0 {
			return Message{}, false, ErrInvalidLength
		}
	case Have:
		if payloadLen != 4 {
			return Message{}, false, ErrInvalidLength
		}
		var b [4]byte
		if _, err = io.ReadFull(r, b[:]); err != nil {
			return Message{}, false, err
		}
		msg.Index = binary.BigEndian.Uint32(b[:])
	case Bitfield:
		msg.Bits = make([]byte, payloadLen)
		if _, err = io.ReadFull(r, msg.Bits); err != nil {
			return Message{}, false, err
		}
	case Request, Cancel:
		if payloadLen != 12 {
			return Message{}, false, ErrInvalidLength
		}
		var b [12]byte
		if _, err = io.ReadFull(r, b[:]); err != nil {
			return Message{}, false, err
		}
		msg.Index = binary.BigEndian.Uint32(b[0:4])
		msg.Begin = binary.BigEndian.Uint32(b[4:8])
		msg.Length = binary.BigEndian.Uint32(b[8:12])
	case Piece:
		if payloadLen < 8 {
			return Message{}, false, ErrInvalidLength
		}
		var b [8]byte
		if _, err = io.ReadFull(r, b[:]); err != nil {
			return Message{}, false, err
		}
		msg.Index = binary.BigEndian.Uint32(b[0:4])
		msg.Begin = binary.BigEndian.Uint32(b[4:8])
		msg.Block = make([]byte, payloadLen-8)
		if _, err = io.ReadFull(r, msg.Block); err != nil {
			return Message{}, false, err
		}
	default:
		// Unknown message id: drain and ignore.
		if _, err = io.CopyN(io.Discard, r, int64(payloadLen)); err != nil {
			return Message{}, false, err
		}
		return msg, true, nil
	}
	return msg, true, nil
}

// WriteMessage frames and writes msg to w.
func WriteMessage(w io.Writer, msg Message) error {
	switch msg.ID {
	case Choke, Unchoke, Interested, NotInterested:
		return writeFrame(w, []byte{msg.ID})
	case Have:
		buf := make([]byte, 5)
		buf[0] = Have
		binary.BigEndian.PutUint32(buf[1:], msg.Index)
		return writeFrame(w, buf)
	case Bitfield:
		buf := make([]byte, 1+len(msg.Bits))
		buf[0] = Bitfield
		copy(buf[1:], msg.Bits)
		return writeFrame(w, buf)
	case Request, Cancel:
		buf := make([]byte, 13)
		buf[0] = msg.ID
		binary.BigEndian.PutUint32(buf[1:5], msg.Index)
		binary.BigEndian.PutUint32(buf[5:9], msg.Begin)
		binary.BigEndian.PutUint32(buf[9:13], msg.Length)
		return writeFrame(w, buf)
	case Piece:
		buf := make([]byte, 9+len(msg.Block))
		buf[0] = Piece
		binary.BigEndian.PutUint32(buf[1:5], msg.Index)
		binary.BigEndian.PutUint32(buf[5:9], msg.Begin)
		copy(buf[9:], msg.Block)
		return writeFrame(w, buf)
	default:
		return fmt.Errorf("peerprotocol: unknown message id %d", msg.ID)
	}
}

// WriteKeepAlive writes a zero-length keep-alive frame.
func WriteKeepAlive(w io.Writer) error {
	var buf [4]byte
	_, err := w.Write(buf[:])
	return err
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
