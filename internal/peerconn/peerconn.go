// Package peerconn wraps a net.Conn into the handshake exchange and the
// framed message reader/writer goroutines shared by every peer connection,
// leech or seed, incoming or outgoing.
package peerconn

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/kamalnarra/quentin-torrentino/internal/logger"
	"github.com/kamalnarra/quentin-torrentino/internal/peerprotocol"
)

// ErrHandshakeMismatch is returned when the remote's info hash does not
// match ours.
type ErrHandshakeMismatch struct {
	Got, Want [20]byte
}

func (e *ErrHandshakeMismatch) Error() string {
	return fmt.Sprintf("peerconn: info hash mismatch: got %x want %x", e.Got, e.Want)
}

// Conn is an established, post-handshake peer connection: a reader
// goroutine delivering parsed messages on a channel, and a writer goroutine
// serializing outgoing messages, so callers never touch the socket
// directly after Run is started.
type Conn struct {
	nc     net.Conn
	peerID [20]byte
	log    logger.Logger

	messagesC chan peerprotocol.Message
	sendC     chan peerprotocol.Message
	closeC    chan struct{}
	closeOnce sync.Once
}

// Handshake performs both sides of the handshake exchange over nc (dialed
// or accepted by the caller) and returns an established Conn on success.
// infoHash is ours and must match the remote's; the remote's declared peer
// id is recorded but not checked.
func Handshake(nc net.Conn, infoHash, ourPeerID [20]byte, log logger.Logger) (*Conn, error) {
	hs := peerprotocol.Handshake{InfoHash: infoHash, PeerID: ourPeerID}
	if err := hs.WriteTo(nc); err != nil {
		return nil, fmt.Errorf("peerconn: sending handshake: %w", err)
	}
	remote, err := peerprotocol.ReadHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("peerconn: reading handshake: %w", err)
	}
	if remote.InfoHash != infoHash {
		return nil, &ErrHandshakeMismatch{Got: remote.InfoHash, Want: infoHash}
	}
	return newConn(nc, remote.PeerID, log), nil
}

// Accept is the seeder-side counterpart of Handshake: it reads the
// inbound handshake first, validates it against infoHash, and only then
// echoes ours back.
func Accept(nc net.Conn, infoHash, ourPeerID [20]byte, log logger.Logger) (*Conn, error) {
	remote, err := peerprotocol.ReadHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("peerconn: reading handshake: %w", err)
	}
	if remote.InfoHash != infoHash {
		return nil, &ErrHandshakeMismatch{Got: remote.InfoHash, Want: infoHash}
	}
	hs := peerprotocol.Handshake{InfoHash: infoHash, PeerID: ourPeerID}
	if err := hs.WriteTo(nc); err != nil {
		return nil, fmt.Errorf("peerconn: sending handshake: %w", err)
	}
	return newConn(nc, remote.PeerID, log), nil
}

func newConn(nc net.Conn, peerID [20]byte, log logger.Logger) *Conn {
	return &Conn{
		nc:        nc,
		peerID:    peerID,
		log:       log,
		messagesC: make(chan peerprotocol.Message, 64),
		sendC:     make(chan peerprotocol.Message, 64),
		closeC:    make(chan struct{}),
	}
}

// PeerID returns the 20-byte id the remote declared in its handshake.
func (c *Conn) PeerID() [20]byte { return c.peerID }

// Addr returns the remote TCP address.
func (c *Conn) Addr() net.Addr { return c.nc.RemoteAddr() }

// Messages returns the channel of successfully parsed messages. It is
// closed when the read loop exits (on error, EOF, or Close).
func (c *Conn) Messages() <-chan peerprotocol.Message {
	return c.messagesC
}

// SendMessage enqueues msg for the writer goroutine. Never blocks past the
// connection's close.
func (c *Conn) SendMessage(msg peerprotocol.Message) {
	select {
	case c.sendC <- msg:
	case <-c.closeC:
	}
}

// Run starts the reader and writer goroutines and blocks until both have
// exited, which happens when either hits an error or Close is called.
func (c *Conn) Run() {
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		c.readLoop()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	select {
	case <-c.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	c.nc.Close()
	<-readerDone
	<-writerDone
	close(c.messagesC)
}

func (c *Conn) readLoop() {
	r := bufio.NewReaderSize(c.nc, 32*1024)
	for {
		msg, ok, err := peerprotocol.ReadMessage(r)
		if err != nil {
			return
		}
		if !ok {
			continue // keep-alive
		}
		select {
		case c.messagesC <- msg:
		case <-c.closeC:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	w := bufio.NewWriterSize(c.nc, 32*1024)
	for {
		select {
		case msg := <-c.sendC:
			if err := peerprotocol.WriteMessage(w, msg); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		case <-c.closeC:
			return
		}
	}
}

// Close signals Run to tear down the connection. It returns immediately and
// does not wait for the reader and writer goroutines to exit.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closeC) })
}
