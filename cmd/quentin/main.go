// Command quentin downloads (and then seeds) a single torrent described by
// a .torrent file given on the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	homedir "github.com/mitchellh/go-homedir"

	torrentino "github.com/kamalnarra/quentin-torrentino"
	"github.com/kamalnarra/quentin-torrentino/internal/coordinator"
	"github.com/kamalnarra/quentin-torrentino/internal/logger"
	"github.com/kamalnarra/quentin-torrentino/internal/metainfo"
	"github.com/kamalnarra/quentin-torrentino/internal/statusapi"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		seedPort   = flag.Int("seed-port", -1, "override the configured seed port (0 disables seeding)")
		verbose    = flag.Bool("v", false, "enable debug logging")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <torrent-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	logger.SetVerbose(*verbose)
	log := logger.New("main")

	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	torrentPath := flag.Arg(0)

	cfg := torrentino.DefaultConfig
	if *configPath != "" {
		loaded, err := torrentino.LoadConfig(*configPath)
		if err != nil {
			log.Errorw("loading config", "error", err)
			return 1
		}
		cfg = *loaded
	}
	if *seedPort >= 0 {
		cfg.SeedPort = uint16(*seedPort)
	}

	downloadDir, err := homedir.Expand(cfg.DownloadDir)
	if err != nil {
		log.Errorw("expanding download_dir", "error", err)
		return 1
	}

	f, err := os.Open(torrentPath)
	if err != nil {
		log.Errorw("opening torrent file", "error", err)
		return 1
	}
	mi, err := metainfo.New(f)
	f.Close()
	if err != nil {
		log.Errorw("parsing torrent file", "error", err)
		return 1
	}

	downloadPath := filepath.Join(downloadDir, mi.Info.Name)
	resumePath := filepath.Join(downloadDir, cfg.ResumeDBPath)

	co, err := coordinator.New(coordinator.Config{
		MaxPeers:              cfg.MaxPeers,
		AnnounceTimeout:       cfg.Tracker.AnnounceTimeout,
		MinReannounceInterval: cfg.Tracker.MinReannounceInterval,
		SeedPort:              cfg.SeedPort,
	}, mi, downloadPath, resumePath, log)
	if err != nil {
		log.Errorw("initializing coordinator", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigC
		log.Infow("shutting down")
		cancel()
	}()

	if cfg.StatusAPI.Enabled {
		srv := statusapi.New(co, log)
		go func() {
			if err := srv.ListenAndServe(cfg.StatusAPI.Addr); err != nil {
				log.Debugw("status api stopped", "error", err)
			}
		}()
	}

	log.Infow("starting", "torrent", mi.Info.Name, "pieces", mi.Info.NumPieces)
	if err := co.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("coordinator exited", "error", err)
		return 1
	}
	return 0
}
