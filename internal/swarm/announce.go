package swarm

import (
	"context"
	"time"

	"github.com/prxssh/rabbitcore/internal/dht"
	"github.com/prxssh/rabbitcore/internal/tracker"
)

// SetTracker attaches a tracker constructed with this swarm's
// BuildAnnounceParams/AdmitPeers as its OnAnnounceStart/OnAnnounceSuccess
// hooks. Separate from Opts because tracker.NewTracker requires those
// hooks at construction time, and they close over the swarm itself —
// the caller must build the swarm first, then the tracker, then attach
// it here, before calling Run.
func (s *Swarm) SetTracker(t *tracker.Tracker) { s.trckr = t }

// SetDHT attaches an opportunistic peer source, consulted for dial
// candidates on its own discovery loop alongside (not instead of) the
// tracker.
func (s *Swarm) SetDHT(src dht.PeerSource) { s.dhtSrc = src }

// BuildAnnounceParams is the tracker's OnAnnounceStart hook: it reports
// our progress against the torrent as of right now. Exported so a
// caller constructing the tracker after New returns (see SetTracker) can
// pass it straight into tracker.Opts.OnAnnounceStart.
func (s *Swarm) BuildAnnounceParams() *tracker.AnnounceParams {
	metrics := s.Stats()

	var left uint64
	if s.info != nil {
		if total := uint64(s.info.Length); total > metrics.TotalDownloaded {
			left = total - metrics.TotalDownloaded
		}
	}

	event := tracker.EventNone
	switch s.State() {
	case StateCheckingResume, StateCheckingFiles:
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		InfoHash:   s.infoHash,
		PeerID:     s.localID,
		Uploaded:   metrics.TotalUploaded,
		Downloaded: metrics.TotalDownloaded,
		Left:       left,
		Event:      event,
		NumWant:    s.settings.NumWant,
		Port:       s.settings.Port,
		Key:        s.key,
	}
}

// dhtDiscoveryLoop periodically pulls candidate peers out of the DHT
// peer source and feeds them to the dialer pool. It never announces us
// into the DHT — dhtSrc is a data-structure-only routing table with no
// live KRPC socket, so there is nothing to announce through.
func (s *Swarm) dhtDiscoveryLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.settings.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			want := s.settings.MaxPeers - s.peerCount()
			if want <= 0 {
				continue
			}
			addrs := s.dhtSrc.Peers(s.infoHash, want)
			if len(addrs) > 0 {
				s.AdmitPeers(addrs)
			}
		}
	}
}
