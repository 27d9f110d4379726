package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"time"
)

const (
	udpProtocolMagic  uint64 = 0x41727101980
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
)

var eventCode = map[Event]uint32{
	EventNone:      0,
	EventCompleted: 1,
	EventStarted:   2,
	EventStopped:   3,
}

type udpTracker struct {
	announceURL string
	addr        string
	timeout     time.Duration
}

func newUDPTracker(announceURL string, timeout time.Duration) (*udpTracker, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing udp announce url: %w", err)
	}
	return &udpTracker{announceURL: announceURL, addr: u.Host, timeout: timeout}, nil
}

func (t *udpTracker) String() string { return t.announceURL }

func (t *udpTracker) Announce(ctx context.Context, req Request) (*Response, error) {
	conn, err := net.DialTimeout("udp", t.addr, t.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %s", ErrUnreachable, t.addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(t.timeout))

	connID, err := t.connect(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect step: %s", ErrUnreachable, err)
	}
	return t.announce(conn, connID, req)
}

func (t *udpTracker) connect(conn net.Conn) (uint64, error) {
	txID := randomUint32()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(buf[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(buf[12:16], txID)
	if _, err := conn.Write(buf[:]); err != nil {
		return 0, err
	}

	var resp [16]byte
	n, err := conn.Read(resp[:])
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("short connect response: %d bytes", n)
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	gotTx := binary.BigEndian.Uint32(resp[4:8])
	if action != udpActionConnect || gotTx != txID {
		return 0, fmt.Errorf("unexpected connect response action=%d tx=%d", action, gotTx)
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (t *udpTracker) announce(conn net.Conn, connID uint64, req Request) (*Response, error) {
	txID := randomUint32()
	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], txID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], eventCode[req.Event])
	binary.BigEndian.PutUint32(buf[84:88], 0) // IP address: 0 means default
	binary.BigEndian.PutUint32(buf[88:92], randomUint32())
	numWant := req.NumWant
	if numWant == 0 {
		numWant = -1
	}
	binary.BigEndian.PutUint32(buf[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)
	if _, err := conn.Write(buf); err != nil {
		return nil, err
	}

	resp := make([]byte, 20+6*200)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("short announce response: %d bytes", n)
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	gotTx := binary.BigEndian.Uint32(resp[4:8])
	if action != udpActionAnnounce || gotTx != txID {
		return nil, fmt.Errorf("unexpected announce response action=%d tx=%d", action, gotTx)
	}
	interval := binary.BigEndian.Uint32(resp[8:12])
	peersRaw := resp[20:n]
	peers := make([]*net.TCPAddr, 0, len(peersRaw)/6)
	for i := 0; i+6 <= len(peersRaw); i += 6 {
		ip := net.IPv4(peersRaw[i], peersRaw[i+1], peersRaw[i+2], peersRaw[i+3])
		port := binary.BigEndian.Uint16(peersRaw[i+4 : i+6])
		peers = append(peers, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return &Response{Interval: time.Duration(interval) * time.Second, Peers: peers}, nil
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
