// Package tracker implements the HTTP and UDP tracker wire protocols used to
// discover peer endpoints for a torrent.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Event is the `event` tracker-request parameter.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// ErrUnreachable wraps any error contacting a tracker. It is never fatal:
// callers log it and retry on the next interval.
var ErrUnreachable = errors.New("tracker: unreachable")

// Request is one announce call.
type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int32
}

// Response is a tracker's reply to an announce.
type Response struct {
	Interval time.Duration
	Peers    []*net.TCPAddr
}

// Tracker announces a torrent's progress and receives a peer list back.
type Tracker interface {
	Announce(ctx context.Context, req Request) (*Response, error)
	String() string
}

// New picks an implementation by the announce URL's scheme: http(s) uses
// the compact/dictionary bencoded HTTP protocol, udp uses the two-step
// connect/announce UDP protocol.
func New(announceURL string, timeout time.Duration) (Tracker, error) {
	switch {
	case strings.HasPrefix(announceURL, "http://"), strings.HasPrefix(announceURL, "https://"):
		return newHTTPTracker(announceURL, timeout), nil
	case strings.HasPrefix(announceURL, "udp://"):
		return newUDPTracker(announceURL, timeout)
	default:
		return nil, fmt.Errorf("tracker: unsupported announce scheme: %s", announceURL)
	}
}
