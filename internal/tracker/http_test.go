package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func TestHTTPAnnounceDecodesCompactPeers(t *testing.T) {
	var peerBytes [12]byte
	copy(peerBytes[0:4], net.IPv4(1, 2, 3, 4).To4())
	binary.BigEndian.PutUint16(peerBytes[4:6], 6881)
	copy(peerBytes[6:10], net.IPv4(5, 6, 7, 8).To4())
	binary.BigEndian.PutUint16(peerBytes[10:12], 6882)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.EncodeBytes(map[string]interface{}{
			"interval": int64(1800),
			"peers":    string(peerBytes[:]),
		})
		w.Write(body)
	}))
	defer srv.Close()

	tr := newHTTPTracker(srv.URL, time.Second)
	resp, err := tr.Announce(context.Background(), Request{Port: 1})
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "1.2.3.4:6881", resp.Peers[0].String())
	assert.Equal(t, "5.6.7.8:6882", resp.Peers[1].String())
}

func TestHTTPAnnounceDecodesDictionaryPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.EncodeBytes(map[string]interface{}{
			"interval": int64(900),
			"peers": []map[string]interface{}{
				{"ip": "9.9.9.9", "port": int64(51413)},
			},
		})
		w.Write(body)
	}))
	defer srv.Close()

	tr := newHTTPTracker(srv.URL, time.Second)
	resp, err := tr.Announce(context.Background(), Request{Port: 1})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "9.9.9.9:51413", resp.Peers[0].String())
}

func TestHTTPAnnounceSurfacesFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.EncodeBytes(map[string]interface{}{
			"failure reason": "unregistered torrent",
		})
		w.Write(body)
	}))
	defer srv.Close()

	tr := newHTTPTracker(srv.URL, time.Second)
	_, err := tr.Announce(context.Background(), Request{})
	require.Error(t, err)
}

func TestPercentEncodeBytesEscapesRawInfoHash(t *testing.T) {
	in := []byte{0x00, 0xFF, 'a', '-', '.', '~', '_'}
	got := percentEncodeBytes(in)
	assert.Equal(t, "%00%FFa-.~_", got)
}

func TestQueryIncludesEventWhenSet(t *testing.T) {
	tr := newHTTPTracker("http://example", time.Second)
	q := tr.query(Request{Event: EventStarted, Port: 6881})
	assert.Contains(t, q, "event=started")
	assert.Contains(t, q, "port=6881")
	assert.Contains(t, q, "compact=1")
}
