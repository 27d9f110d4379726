// Package torrentino is the root of a single-torrent BitTorrent peer
// client: one file, one tracker set, one seed listener, driven by the
// config loaded here.
package torrentino

import (
	"os"
	"time"

	"gopkg.in/yaml.v1"
)

// Config is the client's on-disk configuration, loaded from a YAML file,
// with every field given a usable default so an absent file is never a
// startup error.
type Config struct {
	// SeedPort is the TCP port the seeder listens on for incoming peer
	// connections once the download completes (or immediately, if resuming
	// a torrent already fully on disk).
	SeedPort uint16 `yaml:"seed_port"`

	// DownloadDir is where the payload file is created/opened.
	DownloadDir string `yaml:"download_dir"`

	// ResumeDBPath is the boltdb file used to persist per-piece completion
	// state and cumulative transfer stats across restarts.
	ResumeDBPath string `yaml:"resume_db_path"`

	// MaxPeers bounds how many simultaneous peer connections the
	// coordinator maintains.
	MaxPeers int `yaml:"max_peers"`

	Tracker struct {
		// AnnounceTimeout bounds a single HTTP or UDP announce round trip.
		// yaml.v1 has no special case for time.Duration, so this is given
		// in nanoseconds in the config file (e.g. 15000000000 for 15s).
		AnnounceTimeout time.Duration `yaml:"announce_timeout"`
		// MinReannounceInterval floors whatever interval a tracker
		// requests, guarding against a misbehaving or hostile tracker.
		// Also given in nanoseconds.
		MinReannounceInterval time.Duration `yaml:"min_reannounce_interval"`
	} `yaml:"tracker"`

	StatusAPI struct {
		// Enabled turns on the read-only JSON status endpoint.
		Enabled bool `yaml:"enabled"`
		// Addr is the listen address, e.g. "127.0.0.1:7001".
		Addr string `yaml:"addr"`
	} `yaml:"status_api"`
}

// DefaultConfig is used as-is when no config file is present, and as the
// base that a partial config file is merged onto.
var DefaultConfig = Config{
	SeedPort:     6886,
	DownloadDir:  ".",
	ResumeDBPath: "quentin-torrentino.resume",
	MaxPeers:     50,
}

func init() {
	DefaultConfig.Tracker.AnnounceTimeout = 15 * time.Second
	DefaultConfig.Tracker.MinReannounceInterval = 30 * time.Second
	DefaultConfig.StatusAPI.Enabled = false
	DefaultConfig.StatusAPI.Addr = "127.0.0.1:7001"
}

// LoadConfig reads filename as YAML onto a copy of DefaultConfig. A missing
// file is not an error; it yields the defaults unchanged.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
