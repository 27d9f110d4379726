// Package seeder answers incoming peer connections once the download is
// complete (or already fully on disk at startup): validate the handshake,
// echo it back, announce a full bitfield, unchoke unconditionally, and
// serve whatever blocks are requested.
package seeder

import (
	"fmt"
	"net"

	"github.com/kamalnarra/quentin-torrentino/internal/filestore"
	"github.com/kamalnarra/quentin-torrentino/internal/logger"
	"github.com/kamalnarra/quentin-torrentino/internal/metainfo"
	"github.com/kamalnarra/quentin-torrentino/internal/peerconn"
	"github.com/kamalnarra/quentin-torrentino/internal/peerprotocol"
)

// Seeder listens for and serves incoming peer connections against a
// completed (or resumed, already-complete) file store.
type Seeder struct {
	info     *metainfo.Info
	store    *filestore.FileStore
	infoHash [20]byte
	peerID   [20]byte
	log      logger.Logger

	uploaded chan int64
}

// New returns a Seeder for info backed by store. uploaded receives the byte
// count of every block served, for the coordinator to fold into its
// cumulative upload counter; sends never block (buffered, drop-oldest is
// not needed since the coordinator drains continuously).
func New(info *metainfo.Info, store *filestore.FileStore, infoHash, peerID [20]byte, log logger.Logger) *Seeder {
	return &Seeder{
		info:     info,
		store:    store,
		infoHash: infoHash,
		peerID:   peerID,
		log:      log.Named("seeder"),
		uploaded: make(chan int64, 256),
	}
}

// Uploaded returns the channel of per-block byte counts served.
func (s *Seeder) Uploaded() <-chan int64 { return s.uploaded }

// ListenAndServe blocks accepting connections on addr until the listener is
// closed or an unrecoverable accept error occurs.
func (s *Seeder) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("seeder: listening on %s: %w", addr, err)
	}
	defer ln.Close()
	s.log.Infow("listening", "addr", addr)
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serve(nc)
	}
}

func (s *Seeder) serve(nc net.Conn) {
	defer nc.Close()
	log := s.log.Named(nc.RemoteAddr().String())

	pc, err := peerconn.Accept(nc, s.infoHash, s.peerID, log)
	if err != nil {
		log.Debugw("rejecting connection", "error", err)
		return
	}

	go pc.Run()
	pc.SendMessage(peerprotocol.Message{ID: peerprotocol.Bitfield, Bits: fullBitfield(s.info.NumPieces)})
	pc.SendMessage(peerprotocol.Message{ID: peerprotocol.Unchoke})

	for msg := range pc.Messages() {
		if msg.ID != peerprotocol.Request {
			continue
		}
		if err := s.serveRequest(pc, msg); err != nil {
			log.Debugw("serving request", "error", err)
			pc.Close()
			return
		}
	}
}

func (s *Seeder) serveRequest(pc *peerconn.Conn, msg peerprotocol.Message) error {
	if int(msg.Index) >= s.info.NumPieces {
		return fmt.Errorf("request for out-of-range piece %d", msg.Index)
	}
	block, err := s.store.ReadBlock(msg.Index, int64(msg.Begin), int64(msg.Length))
	if err != nil {
		return err
	}
	pc.SendMessage(peerprotocol.Message{ID: peerprotocol.Piece, Index: msg.Index, Begin: msg.Begin, Block: block})
	select {
	case s.uploaded <- int64(len(block)):
	default:
	}
	return nil
}

// fullBitfield packs a wire bitfield message with every one of n pieces
// set.
func fullBitfield(n int) []byte {
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		out[i/8] |= 1 << (7 - uint(i%8))
	}
	return out
}
