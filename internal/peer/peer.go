// Package peer drives a single established connection's leech-side state
// machine: interest/choke bookkeeping, the have-bitmap a peer advertises,
// and the one-outstanding-block request loop against whatever piece the
// scheduler currently hands it.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/kamalnarra/quentin-torrentino/internal/bitfield"
	"github.com/kamalnarra/quentin-torrentino/internal/logger"
	"github.com/kamalnarra/quentin-torrentino/internal/peerconn"
	"github.com/kamalnarra/quentin-torrentino/internal/peerprotocol"
	"github.com/kamalnarra/quentin-torrentino/internal/piece"
)

// Hub is the narrow surface a Peer needs from its coordinator. Keeping it
// an interface (rather than a pointer back to the coordinator type) avoids
// a peer<->coordinator import cycle and keeps the peer's test surface
// small.
type Hub interface {
	NextPiece(have *bitfield.Bitfield) (*piece.Piece, bool)
	ReleasePiece(pi *piece.Piece)
	CompletePiece(pi *piece.Piece)
	RecordHave(index uint32)
	WriteBlock(pieceIndex uint32, blockOffset int64, data []byte) error
	Disconnected(p *Peer)
}

// maxConnectRetries is the number of additional dial attempts after a
// ConnectionRefused error.
const maxConnectRetries = 4

// Dial connects to addr, performs the handshake, and returns a Peer ready
// for Run on success, retrying a refused connection with backoff.
func Dial(ctx context.Context, addr *net.TCPAddr, infoHash, ourPeerID [20]byte, hub Hub, log logger.Logger) (*Peer, error) {
	var nc net.Conn
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxConnectRetries)
	op := func() error {
		var err error
		d := net.Dialer{Timeout: 10 * time.Second}
		nc, err = d.DialContext(ctx, "tcp", addr.String())
		if err != nil && !isConnectionRefused(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("peer: dialing %s: %w", addr, err)
	}

	pc, err := peerconn.Handshake(nc, infoHash, ourPeerID, log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return newPeer(pc, hub, log), nil
}

// Accept wraps an already-accepted, handshaken connection (the seeder path
// shares peerconn.Accept directly; this constructor is for a leech-side
// Peer wrapping an inbound connection that also wants to download).
func Accept(pc *peerconn.Conn, hub Hub, log logger.Logger) *Peer {
	return newPeer(pc, hub, log)
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Peer tracks one connection's choke/interest state and its in-flight
// piece, if any.
type Peer struct {
	conn *peerconn.Conn
	hub  Hub
	log  logger.Logger

	AmChoked       bool
	AmInterested   bool
	PeerChoked     bool
	PeerInterested bool

	have *bitfield.Bitfield

	current *piece.Piece
	stopC   chan struct{}
}

func newPeer(pc *peerconn.Conn, hub Hub, log logger.Logger) *Peer {
	return &Peer{
		conn:       pc,
		hub:        hub,
		log:        log.Named(pc.Addr().String()),
		AmChoked:   true,
		PeerChoked: true,
		have:       bitfield.New(0),
		stopC:      make(chan struct{}),
	}
}

// Addr returns the remote address, for logging and dedup bookkeeping.
func (p *Peer) Addr() net.Addr { return p.conn.Addr() }

// PiecesHave returns how many pieces this peer has announced via its
// bitfield/have messages so far.
func (p *Peer) PiecesHave() uint32 { return p.have.Count() }

// SetNumPieces sizes the peer's have-bitmap once the coordinator knows N
// (it isn't known until the metainfo is loaded, which can race a very
// early inbound connection).
func (p *Peer) SetNumPieces(n uint32) {
	p.have = bitfield.New(n)
}

// Run drives the connection until it closes or ctx is canceled. It always
// notifies the hub exactly once via Disconnected before returning.
func (p *Peer) Run(ctx context.Context) {
	go p.conn.Run()
	defer func() {
		if p.current != nil {
			p.hub.ReleasePiece(p.current)
			p.current = nil
		}
		p.hub.Disconnected(p)
	}()

	p.conn.SendMessage(peerprotocol.Message{ID: peerprotocol.Unchoke})
	p.conn.SendMessage(peerprotocol.Message{ID: peerprotocol.Interested})
	p.AmInterested = true

	for {
		select {
		case <-ctx.Done():
			p.conn.Close()
			return
		case <-p.stopC:
			p.conn.Close()
			return
		case msg, ok := <-p.conn.Messages():
			if !ok {
				return
			}
			if err := p.handle(msg); err != nil {
				p.log.Debugw("closing connection", "error", err)
				p.conn.Close()
				return
			}
		}
	}
}

// Close stops Run and tears down the underlying connection.
func (p *Peer) Close() {
	select {
	case <-p.stopC:
	default:
		close(p.stopC)
	}
}

func (p *Peer) handle(msg peerprotocol.Message) error {
	switch msg.ID {
	case peerprotocol.Choke:
		p.AmChoked = true
		p.conn.SendMessage(peerprotocol.Message{ID: peerprotocol.Interested})
	case peerprotocol.Unchoke:
		p.AmChoked = false
		p.requestNext()
	case peerprotocol.Interested:
		p.PeerInterested = true
	case peerprotocol.NotInterested:
		p.PeerInterested = false
	case peerprotocol.Have:
		// The payload is already fully read by peerprotocol.ReadMessage by
		// the time it reaches here, so the bitmap update below always
		// reflects the piece this message actually announced.
		p.have.Set(msg.Index)
		p.hub.RecordHave(msg.Index)
		if p.current == nil {
			p.requestNext()
		}
	case peerprotocol.Bitfield:
		p.have = bitfield.FromBytes(msg.Bits, p.have.Len())
		for i := uint32(0); i < p.have.Len(); i++ {
			if p.have.Test(i) {
				p.hub.RecordHave(i)
			}
		}
	case peerprotocol.Request:
		// Leech-only connections don't serve blocks; the seeder package
		// handles upload-capable connections separately.
	case peerprotocol.Piece:
		return p.handlePiece(msg)
	case peerprotocol.Cancel:
	}
	return nil
}

func (p *Peer) handlePiece(msg peerprotocol.Message) error {
	if p.current == nil || msg.Index != p.current.Index {
		return nil // stale or unsolicited, drop silently
	}
	if err := p.current.Write(int64(msg.Begin), msg.Block); err != nil {
		if errors.Is(err, piece.ErrOffsetMismatch) {
			return nil // reordered block, drop silently
		}
		return err
	}
	if err := p.hub.WriteBlock(p.current.Index, int64(msg.Begin), msg.Block); err != nil {
		return fmt.Errorf("writing block to store: %w", err)
	}
	if p.current.Done() {
		if p.current.Verify() {
			p.hub.CompletePiece(p.current)
		} else {
			p.hub.ReleasePiece(p.current)
		}
		p.current = nil
	}
	p.requestNext()
	return nil
}

// requestNext issues the next block request for the current piece, picking
// a fresh piece from the hub's scheduler if idle. At most one block request
// is outstanding per peer at a time.
func (p *Peer) requestNext() {
	if p.AmChoked {
		return
	}
	if p.current == nil {
		pi, ok := p.hub.NextPiece(p.have)
		if !ok {
			return
		}
		p.current = pi
	}
	length := p.current.NextBlockLength()
	if length == 0 {
		return
	}
	p.conn.SendMessage(peerprotocol.Message{
		ID:     peerprotocol.Request,
		Index:  p.current.Index,
		Begin:  uint32(p.current.NextOffset),
		Length: uint32(length),
	})
}
