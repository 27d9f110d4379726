// Package coordinator owns the single-torrent download/seed lifecycle:
// peer id generation, the tracker announce loop, the peer connection pool,
// the scheduler and file store peers share, and the transfer statistics
// the status API and resume store read back.
package coordinator

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/kamalnarra/quentin-torrentino/internal/bitfield"
	"github.com/kamalnarra/quentin-torrentino/internal/filestore"
	"github.com/kamalnarra/quentin-torrentino/internal/logger"
	"github.com/kamalnarra/quentin-torrentino/internal/metainfo"
	"github.com/kamalnarra/quentin-torrentino/internal/peer"
	"github.com/kamalnarra/quentin-torrentino/internal/piece"
	"github.com/kamalnarra/quentin-torrentino/internal/piecepicker"
	"github.com/kamalnarra/quentin-torrentino/internal/resume"
	"github.com/kamalnarra/quentin-torrentino/internal/seeder"
	"github.com/kamalnarra/quentin-torrentino/internal/statusapi"
	"github.com/kamalnarra/quentin-torrentino/internal/tracker"
)

// peerIDPrefix identifies this client in the conventional Azureus-style
// peer id scheme, the way the original project stamped "-WC0001-".
const peerIDPrefix = "-qT0001-"

// Config is the subset of the root torrentino.Config the coordinator
// needs; kept as its own type so this package does not import the root
// package.
type Config struct {
	MaxPeers              int
	AnnounceTimeout       time.Duration
	MinReannounceInterval time.Duration
	SeedPort              uint16
}

// Coordinator drives one torrent end to end: announce, populate the peer
// pool, download every piece, then switch to seeding.
type Coordinator struct {
	cfg    Config
	info   *metainfo.Info
	store  *filestore.FileStore
	picker *piecepicker.PiecePicker
	clock  clock.Clock

	infoHash [20]byte
	peerID   [20]byte

	trackers []tracker.Tracker

	log logger.Logger

	mu      sync.Mutex
	peers   map[string]*peer.Peer
	wg      sync.WaitGroup
	stopC   chan struct{}
	stopOne sync.Once

	uploaded   atomic.Int64
	downloaded atomic.Int64

	downloadRate metrics.EWMA
	uploadRate   metrics.EWMA

	resumeStore *resume.Store
}

// New builds a Coordinator for mi, backed by a file at downloadPath and a
// resume database at resumeDBPath (both created if missing). It does not
// start any goroutines; call Run for that.
func New(cfg Config, mi *metainfo.MetaInfo, downloadPath, resumeDBPath string, log logger.Logger) (*Coordinator, error) {
	store, err := filestore.New(downloadPath, mi.Info.Length, mi.Info.PieceLength)
	if err != nil {
		return nil, err
	}

	resumeStore, err := resume.Open(resumeDBPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	var picker *piecepicker.PiecePicker
	var priorDownloaded, priorUploaded int64
	if st, ok, err := resumeStore.Load(mi.Info.Hash); err == nil && ok {
		have := bitfield.FromBytes(st.Bitfield, uint32(mi.Info.NumPieces))
		picker = piecepicker.NewFromBitfield(mi.Info, have)
		priorDownloaded = st.Downloaded
		priorUploaded = st.Uploaded
	} else {
		picker = piecepicker.New(mi.Info)
	}

	peerID, err := newPeerID()
	if err != nil {
		resumeStore.Close()
		store.Close()
		return nil, err
	}

	trackers := make([]tracker.Tracker, 0, len(mi.Trackers()))
	for _, url := range mi.Trackers() {
		t, err := tracker.New(url, cfg.AnnounceTimeout)
		if err != nil {
			log.Debugw("skipping unsupported tracker", "url", url, "error", err)
			continue
		}
		trackers = append(trackers, t)
	}

	c := &Coordinator{
		cfg:          cfg,
		info:         mi.Info,
		store:        store,
		picker:       picker,
		clock:        clock.New(),
		infoHash:     mi.Info.Hash,
		peerID:       peerID,
		trackers:     trackers,
		log:          log.Named("coordinator"),
		peers:        make(map[string]*peer.Peer),
		stopC:        make(chan struct{}),
		downloadRate: metrics.NewEWMA1(),
		uploadRate:   metrics.NewEWMA1(),
		resumeStore:  resumeStore,
	}
	c.downloaded.Store(priorDownloaded)
	c.uploaded.Store(priorUploaded)
	c.log = c.log.Named(uuid.NewV4().String()[:8])
	return c, nil
}

func newPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	digits := make([]byte, 20-len(peerIDPrefix))
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return id, fmt.Errorf("coordinator: generating peer id: %w", err)
		}
		digits[i] = byte('0') + byte(n.Int64())
	}
	copy(id[len(peerIDPrefix):], digits)
	return id, nil
}

// Run blocks until the torrent's context is canceled. It announces to every
// tracker, accepts peers discovered that way, downloads every piece, then
// (if seedPort is non-zero) serves the completed file to new peers.
func (c *Coordinator) Run(ctx context.Context) error {
	go c.announceLoop(ctx, tracker.EventStarted)
	go c.downloadTick(ctx)
	go c.tickSpeeds(ctx)

	select {
	case <-c.picker.CompleteC():
		c.log.Infow("download complete")
		_ = c.saveResume()
		go c.announceOnce(ctx, tracker.EventCompleted)
	case <-ctx.Done():
		c.shutdown()
		return ctx.Err()
	}

	if c.cfg.SeedPort != 0 {
		sd := seeder.New(c.info, c.store, c.infoHash, c.peerID, c.log)
		go c.drainUploads(ctx, sd)
		go func() {
			if err := sd.ListenAndServe(fmt.Sprintf(":%d", c.cfg.SeedPort)); err != nil {
				c.log.Debugw("seeder stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	c.shutdown()
	return ctx.Err()
}

func (c *Coordinator) shutdown() {
	c.stopOne.Do(func() { close(c.stopC) })
	c.mu.Lock()
	for _, p := range c.peers {
		p.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	_ = c.saveResume()
	c.store.Close()
	c.resumeStore.Close()
	_, _ = c.announceBestEffort(context.Background(), tracker.EventStopped)
}

// downloadTick periodically persists progress so a crash doesn't lose more
// than one tick's worth of work.
func (c *Coordinator) downloadTick(ctx context.Context) {
	t := c.clock.Ticker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopC:
			return
		case <-t.C:
			_ = c.saveResume()
		}
	}
}

func (c *Coordinator) saveResume() error {
	return c.resumeStore.Save(resume.State{
		InfoHash:   c.infoHash,
		Bitfield:   c.picker.Bitfield().Bytes(),
		Uploaded:   c.uploaded.Load(),
		Downloaded: c.downloaded.Load(),
	})
}

func (c *Coordinator) tickSpeeds(ctx context.Context) {
	t := c.clock.Ticker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopC:
			return
		case <-t.C:
			c.downloadRate.Tick()
			c.uploadRate.Tick()
		}
	}
}

func (c *Coordinator) drainUploads(ctx context.Context, sd *seeder.Seeder) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopC:
			return
		case n := <-sd.Uploaded():
			c.uploaded.Add(n)
			c.uploadRate.Update(n)
		}
	}
}

// announceLoop announces with event on the first call and re-announces at
// each tracker's requested interval (floored by MinReannounceInterval)
// until ctx is canceled.
func (c *Coordinator) announceLoop(ctx context.Context, firstEvent tracker.Event) {
	event := firstEvent
	for {
		interval, err := c.announceBestEffort(ctx, event)
		event = tracker.EventNone
		if err != nil {
			interval = c.cfg.MinReannounceInterval
		}
		if interval < c.cfg.MinReannounceInterval {
			interval = c.cfg.MinReannounceInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-c.stopC:
			return
		case <-c.clock.After(interval):
		}
	}
}

func (c *Coordinator) announceOnce(ctx context.Context, event tracker.Event) {
	_, _ = c.announceBestEffort(ctx, event)
}

// announceBestEffort tries every known tracker in order and stops at the
// first success; a tracker error is logged and never fatal.
func (c *Coordinator) announceBestEffort(ctx context.Context, event tracker.Event) (time.Duration, error) {
	req := tracker.Request{
		InfoHash:   c.infoHash,
		PeerID:     c.peerID,
		Port:       c.cfg.SeedPort,
		Uploaded:   c.uploaded.Load(),
		Downloaded: c.downloaded.Load(),
		Left:       c.info.Length - c.downloaded.Load(),
		Event:      event,
		NumWant:    50,
	}
	var lastErr error
	for _, t := range c.trackers {
		resp, err := t.Announce(ctx, req)
		if err != nil {
			lastErr = err
			c.log.Debugw("announce failed", "tracker", t.String(), "error", err)
			continue
		}
		c.handlePeers(ctx, resp.Peers)
		return resp.Interval, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("coordinator: no trackers configured")
	}
	return 0, lastErr
}

func (c *Coordinator) handlePeers(ctx context.Context, addrs []*net.TCPAddr) {
	c.mu.Lock()
	room := c.cfg.MaxPeers - len(c.peers)
	c.mu.Unlock()
	for _, addr := range addrs {
		if room <= 0 {
			return
		}
		key := addr.String()
		c.mu.Lock()
		_, exists := c.peers[key]
		c.mu.Unlock()
		if exists {
			continue
		}
		room--
		c.wg.Add(1)
		go c.connectPeer(ctx, addr)
	}
}

func (c *Coordinator) connectPeer(ctx context.Context, addr *net.TCPAddr) {
	defer c.wg.Done()
	p, err := peer.Dial(ctx, addr, c.infoHash, c.peerID, c, c.log)
	if err != nil {
		c.log.Debugw("connect failed", "addr", addr, "error", err)
		return
	}
	p.SetNumPieces(uint32(c.info.NumPieces))
	c.mu.Lock()
	c.peers[addr.String()] = p
	c.mu.Unlock()
	p.Run(ctx)
}

// --- peer.Hub ---

// NextPiece implements peer.Hub.
func (c *Coordinator) NextPiece(have *bitfield.Bitfield) (*piece.Piece, bool) {
	return c.picker.Next(have)
}

// ReleasePiece implements peer.Hub.
func (c *Coordinator) ReleasePiece(pi *piece.Piece) {
	c.picker.Release(pi)
}

// CompletePiece implements peer.Hub.
func (c *Coordinator) CompletePiece(pi *piece.Piece) {
	c.picker.Complete(pi)
}

// RecordHave implements peer.Hub.
func (c *Coordinator) RecordHave(index uint32) {
	c.picker.RecordHave(index)
}

// WriteBlock implements peer.Hub.
func (c *Coordinator) WriteBlock(pieceIndex uint32, blockOffset int64, data []byte) error {
	if err := c.store.WriteBlock(pieceIndex, blockOffset, data); err != nil {
		return err
	}
	c.downloaded.Add(int64(len(data)))
	c.downloadRate.Update(int64(len(data)))
	return nil
}

// Disconnected implements peer.Hub.
func (c *Coordinator) Disconnected(p *peer.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.peers {
		if v == p {
			delete(c.peers, k)
			return
		}
	}
}

// Peers returns a snapshot of every currently connected peer, in the shape
// the status API serializes directly.
func (c *Coordinator) Peers() []statusapi.PeerStat {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]statusapi.PeerStat, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, statusapi.PeerStat{
			Addr:           p.Addr().String(),
			PiecesHave:     p.PiecesHave(),
			AmChoked:       p.AmChoked,
			PeerInterested: p.PeerInterested,
		})
	}
	return out
}

// Stats returns the current transfer snapshot, in the shape the status API
// serializes directly.
func (c *Coordinator) Stats() statusapi.Stats {
	c.mu.Lock()
	numPeers := len(c.peers)
	c.mu.Unlock()
	return statusapi.Stats{
		NumPieces:    c.picker.NumPieces(),
		NumVerified:  c.picker.NumVerified(),
		NumPeers:     numPeers,
		Uploaded:     c.uploaded.Load(),
		Downloaded:   c.downloaded.Load(),
		DownloadRate: c.downloadRate.Rate(),
		UploadRate:   c.uploadRate.Rate(),
	}
}
