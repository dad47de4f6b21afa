// Command rabbitd runs a single torrent's swarm to completion (or until
// interrupted) from the command line: parse a .torrent file, verify or
// build its on-disk layout, then download/seed it while optionally
// exposing a Prometheus /metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prxssh/rabbitcore/internal/config"
	"github.com/prxssh/rabbitcore/internal/dht"
	"github.com/prxssh/rabbitcore/internal/diskqueue"
	"github.com/prxssh/rabbitcore/internal/logging"
	"github.com/prxssh/rabbitcore/internal/meta"
	"github.com/prxssh/rabbitcore/internal/metrics"
	"github.com/prxssh/rabbitcore/internal/piece"
	"github.com/prxssh/rabbitcore/internal/storage"
	"github.com/prxssh/rabbitcore/internal/swarm"
	"github.com/prxssh/rabbitcore/internal/tracker"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		torrentPath = flag.String("torrent", "", "path to a .torrent file (required)")
		downloadDir = flag.String("dir", "", "download directory (defaults to the configured default)")
		configPath  = flag.String("config", "", "optional YAML settings overlay")
		listenAddr  = flag.String("listen", ":6881", "address to accept inbound peer connections on")
		enableDHT   = flag.Bool("dht", false, "enable the DHT peer source")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	setupLogger(*logLevel)

	if *torrentPath == "" {
		slog.Error("missing required -torrent flag")
		os.Exit(2)
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		slog.Error("failed to load settings", "error", err)
		os.Exit(1)
	}
	if *enableDHT {
		settings.EnableDHT = true
	}

	dir := *downloadDir
	if dir == "" {
		dir = settings.DefaultDownloadDir
	}

	mi, err := loadTorrent(*torrentPath)
	if err != nil {
		slog.Error("failed to parse torrent", "path", *torrentPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, mi, dir, *listenAddr, settings); err != nil {
		slog.Error("rabbitd exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) {
	opts := logging.DefaultOptions()
	opts.SlogOpts.AddSource = false

	switch level {
	case "debug":
		opts.SlogOpts.Level = slog.LevelDebug
	case "warn":
		opts.SlogOpts.Level = slog.LevelWarn
	case "error":
		opts.SlogOpts.Level = slog.LevelError
	default:
		opts.SlogOpts.Level = slog.LevelInfo
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

func loadSettings(overlayPath string) (*config.Settings, error) {
	base, err := config.DefaultSettings()
	if err != nil {
		return nil, err
	}
	if overlayPath == "" {
		return base, nil
	}
	return config.LoadYAMLOverlay(overlayPath, base)
}

func loadTorrent(path string) (*meta.Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return meta.ParseMetainfo(data)
}

// run wires every subsystem for one torrent and drives it until ctx is
// cancelled. Resume-state persistence across process restarts has no
// precedent anywhere in the corpus this was built from, so every
// invocation starts with ResumeInfo unset: the swarm's own
// checking_resume -> checking_files fallback already handles that
// correctly by re-hashing everything, it just costs a fresh disk pass
// on every run. Saving/loading a resume file is future work.
func run(ctx context.Context, mi *meta.Metainfo, dir, listenAddr string, settings *config.Settings) error {
	sessionID := uuid.New().String()
	log := slog.Default().With("torrent", mi.Info.Name, "sessionID", sessionID)

	store, err := storage.NewMap(mi.Info, dir, settings)
	if err != nil {
		return fmt.Errorf("rabbitd: storage: %w", err)
	}

	disk := diskqueue.NewManager(settings, log)
	defer disk.Close()

	picker, err := piece.NewPicker(mi.Info.Pieces, uint32(mi.Info.PieceLength), uint64(mi.Size()), settings)
	if err != nil {
		return fmt.Errorf("rabbitd: picker: %w", err)
	}

	s, err := swarm.New(&swarm.Opts{
		Settings:   settings,
		Log:        log,
		Info:       mi.Info,
		InfoHash:   mi.InfoHash,
		Storage:    store,
		Disk:       disk,
		Picker:     picker,
		ListenAddr: listenAddr,
	})
	if err != nil {
		return fmt.Errorf("rabbitd: swarm: %w", err)
	}
	defer s.Close()

	trckr, err := tracker.NewTracker(mi.Announce, mi.AnnounceList, &tracker.Opts{
		OnAnnounceStart:   s.BuildAnnounceParams,
		OnAnnounceSuccess: s.AdmitPeers,
		Log:               log,
		Settings:          settings,
	})
	if err != nil {
		return fmt.Errorf("rabbitd: tracker: %w", err)
	}
	s.SetTracker(trckr)

	if settings.EnableDHT {
		table, err := dht.NewTable([20]byte{}, settings, log)
		if err != nil {
			log.Warn("dht disabled: failed to start", "error", err)
		} else {
			s.SetDHT(table)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(gctx) })

	if settings.MetricsEnabled {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg, swarmSource{s}, fmt.Sprintf("%x", mi.InfoHash), log)
		g.Go(func() error { return collector.Run(gctx) })
		g.Go(func() error { return metrics.ServeHTTP(gctx, settings.MetricsBindAddr, reg, log) })
	}

	return g.Wait()
}

// swarmSource adapts (*swarm.Swarm).Stats() to metrics.Source. Each
// method takes its own fresh snapshot rather than sharing one across a
// poll tick; Stats() is cheap (a handful of atomic loads) and the
// gauges it feeds are already only approximate between scrapes.
type swarmSource struct{ s *swarm.Swarm }

func (a swarmSource) TotalPeers() uint32        { return a.s.Stats().TotalPeers }
func (a swarmSource) ConnectingPeers() uint32   { return a.s.Stats().ConnectingPeers }
func (a swarmSource) FailedConnections() uint32 { return a.s.Stats().FailedConnections }
func (a swarmSource) UnchokedPeers() uint32     { return a.s.Stats().UnchokedPeers }
func (a swarmSource) InterestedPeers() uint32   { return a.s.Stats().InterestedPeers }
func (a swarmSource) UploadingTo() uint32       { return a.s.Stats().UploadingTo }
func (a swarmSource) DownloadingFrom() uint32   { return a.s.Stats().DownloadingFrom }
func (a swarmSource) TotalDownloaded() uint64   { return a.s.Stats().TotalDownloaded }
func (a swarmSource) TotalUploaded() uint64     { return a.s.Stats().TotalUploaded }
func (a swarmSource) DownloadRate() uint64      { return a.s.Stats().DownloadRate }
func (a swarmSource) UploadRate() uint64        { return a.s.Stats().UploadRate }
