// Package metrics exposes a single swarm's live counters as Prometheus
// gauges. A Collector polls the swarm on a fixed interval, so a scrape
// reflects the most recent poll rather than the moment of the scrape.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source is anything that can report a point-in-time metrics snapshot
// shaped like swarm.Metrics. Defined locally (rather than importing
// internal/swarm) to keep this package free of a dependency on the one
// package most likely to end up depending on it for its Run loop.
type Source interface {
	TotalPeers() uint32
	ConnectingPeers() uint32
	FailedConnections() uint32
	UnchokedPeers() uint32
	InterestedPeers() uint32
	UploadingTo() uint32
	DownloadingFrom() uint32
	TotalDownloaded() uint64
	TotalUploaded() uint64
	DownloadRate() uint64
	UploadRate() uint64
}

// Collector polls a Source on a fixed interval and republishes its
// fields as gauges under the rabbitcore_swarm_ namespace.
type Collector struct {
	src    Source
	log    *slog.Logger
	period time.Duration

	totalPeers        prometheus.Gauge
	connectingPeers    prometheus.Gauge
	failedConnections prometheus.Gauge
	unchokedPeers      prometheus.Gauge
	interestedPeers    prometheus.Gauge
	uploadingTo        prometheus.Gauge
	downloadingFrom    prometheus.Gauge
	totalDownloaded    prometheus.Counter
	totalUploaded      prometheus.Counter
	downloadRate       prometheus.Gauge
	uploadRate         prometheus.Gauge
}

// NewCollector registers a fresh set of gauges for src against reg (pass
// prometheus.DefaultRegisterer to publish on the default /metrics
// handler). infoHashHex labels every metric so multiple swarms can share
// one registry.
func NewCollector(reg prometheus.Registerer, src Source, infoHashHex string, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}

	f := promauto.With(reg)
	labels := prometheus.Labels{"info_hash": infoHashHex}

	return &Collector{
		src:    src,
		log:    log.With("component", "metrics", "infoHash", infoHashHex),
		period: 5 * time.Second,

		totalPeers: f.NewGauge(prometheus.GaugeOpts{
			Name: "rabbitcore_swarm_peers_total", ConstLabels: labels,
		}),
		connectingPeers: f.NewGauge(prometheus.GaugeOpts{
			Name: "rabbitcore_swarm_peers_connecting", ConstLabels: labels,
		}),
		failedConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "rabbitcore_swarm_connections_failed", ConstLabels: labels,
		}),
		unchokedPeers: f.NewGauge(prometheus.GaugeOpts{
			Name: "rabbitcore_swarm_peers_unchoked", ConstLabels: labels,
		}),
		interestedPeers: f.NewGauge(prometheus.GaugeOpts{
			Name: "rabbitcore_swarm_peers_interested", ConstLabels: labels,
		}),
		uploadingTo: f.NewGauge(prometheus.GaugeOpts{
			Name: "rabbitcore_swarm_peers_uploading_to", ConstLabels: labels,
		}),
		downloadingFrom: f.NewGauge(prometheus.GaugeOpts{
			Name: "rabbitcore_swarm_peers_downloading_from", ConstLabels: labels,
		}),
		totalDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "rabbitcore_swarm_bytes_downloaded_total", ConstLabels: labels,
		}),
		totalUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "rabbitcore_swarm_bytes_uploaded_total", ConstLabels: labels,
		}),
		downloadRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "rabbitcore_swarm_download_rate_bytes", ConstLabels: labels,
		}),
		uploadRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "rabbitcore_swarm_upload_rate_bytes", ConstLabels: labels,
		}),
	}
}

// Run polls the source every period until ctx is cancelled. Counters can
// only move forward, so each tick adds the delta since the last poll
// rather than re-setting an absolute value.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	var lastDown, lastUp uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.poll(&lastDown, &lastUp)
		}
	}
}

func (c *Collector) poll(lastDown, lastUp *uint64) {
	c.totalPeers.Set(float64(c.src.TotalPeers()))
	c.connectingPeers.Set(float64(c.src.ConnectingPeers()))
	c.failedConnections.Set(float64(c.src.FailedConnections()))
	c.unchokedPeers.Set(float64(c.src.UnchokedPeers()))
	c.interestedPeers.Set(float64(c.src.InterestedPeers()))
	c.uploadingTo.Set(float64(c.src.UploadingTo()))
	c.downloadingFrom.Set(float64(c.src.DownloadingFrom()))
	c.downloadRate.Set(float64(c.src.DownloadRate()))
	c.uploadRate.Set(float64(c.src.UploadRate()))

	if down := c.src.TotalDownloaded(); down > *lastDown {
		c.totalDownloaded.Add(float64(down - *lastDown))
		*lastDown = down
	}
	if up := c.src.TotalUploaded(); up > *lastUp {
		c.totalUploaded.Add(float64(up - *lastUp))
		*lastUp = up
	}
}

// ServeHTTP starts a bare /metrics endpoint on addr using reg, blocking
// until ctx is cancelled or the listener fails. Intended to run as one
// more errgroup member alongside a swarm's own background loops.
func ServeHTTP(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
