package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUDPTracker answers every connect and announce request with canned
// responses, mimicking the two-step protocol.
func fakeUDPTracker(t *testing.T) (addr string, stop func()) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 1500)
		for {
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			action := binary.BigEndian.Uint32(buf[8:12])
			txID := binary.BigEndian.Uint32(buf[12:16])
			switch action {
			case udpActionConnect:
				var resp [16]byte
				binary.BigEndian.PutUint32(resp[0:4], udpActionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], 42)
				conn.WriteTo(resp[:], raddr)
			case udpActionAnnounce:
				resp := make([]byte, 26)
				binary.BigEndian.PutUint32(resp[0:4], udpActionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800)
				binary.BigEndian.PutUint32(resp[12:16], 0) // leechers
				binary.BigEndian.PutUint32(resp[16:20], 0) // seeders
				copy(resp[20:24], net.IPv4(10, 0, 0, 1).To4())
				binary.BigEndian.PutUint16(resp[24:26], 6881)
				conn.WriteTo(resp, raddr)
			}
			_ = n
		}
	}()

	return conn.LocalAddr().String(), func() { conn.Close() }
}

func TestUDPAnnounceRoundTrip(t *testing.T) {
	addr, stop := fakeUDPTracker(t)
	defer stop()

	tr, err := newUDPTracker("udp://"+addr, 2*time.Second)
	require.NoError(t, err)

	resp, err := tr.Announce(context.Background(), Request{Port: 6881})
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "10.0.0.1:6881", resp.Peers[0].String())
}
