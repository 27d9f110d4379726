// Package statusapi exposes a small read-only JSON view of the
// coordinator's transfer state over HTTP, for operators and scripts that
// want to poll progress without parsing logs.
package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kamalnarra/quentin-torrentino/internal/logger"
)

// StatsSource is the read-only surface the status API needs from a
// coordinator.
type StatsSource interface {
	Stats() Stats
	Peers() []PeerStat
}

// PeerStat describes one connected peer for the /peers endpoint.
type PeerStat struct {
	Addr           string `json:"addr"`
	PiecesHave     uint32 `json:"pieces_have"`
	AmChoked       bool   `json:"am_choked"`
	PeerInterested bool   `json:"peer_interested"`
}

// Stats is the JSON shape of a transfer snapshot.
type Stats struct {
	NumPieces    int     `json:"num_pieces"`
	NumVerified  int     `json:"num_verified"`
	NumPeers     int     `json:"num_peers"`
	Uploaded     int64   `json:"uploaded"`
	Downloaded   int64   `json:"downloaded"`
	DownloadRate float64 `json:"download_rate_bytes_per_sec"`
	UploadRate   float64 `json:"upload_rate_bytes_per_sec"`
}

// Server is the HTTP handler for the status endpoints.
type Server struct {
	source StatsSource
	log    logger.Logger
	router *mux.Router
}

// New builds a Server backed by source.
func New(source StatsSource, log logger.Logger) *Server {
	s := &Server{source: source, log: log.Named("statusapi"), router: mux.NewRouter()}
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Stats()); err != nil {
		s.log.Debugw("encoding stats response", "error", err)
	}
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Peers()); err != nil {
		s.log.Debugw("encoding peers response", "error", err)
	}
}

// ListenAndServe starts the HTTP server on addr, blocking until it exits.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Infow("listening", "addr", addr)
	return http.ListenAndServe(addr, s)
}
