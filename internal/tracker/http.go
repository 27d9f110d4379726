package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/bencode"
)

type httpTracker struct {
	announceURL string
	client      *http.Client
}

func newHTTPTracker(announceURL string, timeout time.Duration) *httpTracker {
	return &httpTracker{
		announceURL: announceURL,
		client:      &http.Client{Timeout: timeout},
	}
}

func (t *httpTracker) String() string { return t.announceURL }

// bencodeResponse mirrors the tracker HTTP response dictionary, accepting
// both the compact (byte-string) and dictionary forms of `peers`.
type bencodeResponse struct {
	Interval   int64              `bencode:"interval"`
	FailureMsg string             `bencode:"failure reason"`
	PeersBin   bencode.RawMessage `bencode:"peers"`
}

type dictPeer struct {
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

func (t *httpTracker) Announce(ctx context.Context, req Request) (*Response, error) {
	u := t.announceURL + "?" + t.query(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %s", ErrUnreachable, err)
	}

	var br bencodeResponse
	if err := bencode.DecodeBytes(body, &br); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %s", ErrUnreachable, err)
	}
	if br.FailureMsg != "" {
		return nil, fmt.Errorf("%w: tracker failure: %s", ErrUnreachable, br.FailureMsg)
	}

	peers, err := decodePeers(br.PeersBin)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding peers: %s", ErrUnreachable, err)
	}
	return &Response{
		Interval: time.Duration(br.Interval) * time.Second,
		Peers:    peers,
	}, nil
}

// decodePeers accepts either a compact 6-bytes-per-peer byte string or a
// bencoded list of {ip, port} dictionaries.
func decodePeers(raw bencode.RawMessage) ([]*net.TCPAddr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == 'l' {
		var dicts []dictPeer
		if err := bencode.DecodeBytes(raw, &dicts); err != nil {
			return nil, err
		}
		peers := make([]*net.TCPAddr, 0, len(dicts))
		for _, d := range dicts {
			ip := net.ParseIP(d.IP)
			if ip == nil {
				continue
			}
			peers = append(peers, &net.TCPAddr{IP: ip, Port: d.Port})
		}
		return peers, nil
	}

	var compact string
	if err := bencode.DecodeBytes(raw, &compact); err != nil {
		return nil, err
	}
	b := []byte(compact)
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(b))
	}
	peers := make([]*net.TCPAddr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return peers, nil
}

// query builds the announce query string, percent-encoding the raw info
// hash byte-for-byte (net/url's escaping treats it as text, which mangles
// bytes a standard tracker requires literally).
func (t *httpTracker) query(req Request) string {
	params := []struct{ key, val string }{
		{"info_hash", percentEncodeBytes(req.InfoHash[:])},
		{"peer_id", percentEncodeBytes(req.PeerID[:])},
		{"port", strconv.Itoa(int(req.Port))},
		{"uploaded", strconv.FormatInt(req.Uploaded, 10)},
		{"downloaded", strconv.FormatInt(req.Downloaded, 10)},
		{"left", strconv.FormatInt(req.Left, 10)},
		{"compact", "1"},
	}
	if req.Event != EventNone {
		params = append(params, struct{ key, val string }{"event", string(req.Event)})
	}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, p.key+"="+p.val)
	}
	return strings.Join(parts, "&")
}

const unreservedBytes = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.~"

func percentEncodeBytes(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if strings.IndexByte(unreservedBytes, c) >= 0 {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}
