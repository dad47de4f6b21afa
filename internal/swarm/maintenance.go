package swarm

import (
	"context"
	"net/netip"
	"time"

	"github.com/prxssh/rabbitcore/internal/peer"
)

// maintenanceLoop evicts idle connections and periodically sweeps the
// picker for requests that timed out without a PIECE response, re-
// requesting the freed blocks from whichever peers still have capacity.
func (s *Swarm) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.settings.PeerHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.evictIdlePeers()
			s.sweepTimeouts()
		}
	}
}

func (s *Swarm) evictIdlePeers() {
	var stale []*peer.Peer
	s.eachPeer(func(_ netip.AddrPort, p *peer.Peer) {
		if p.Idle() > s.settings.PeerInactivityDuration {
			stale = append(stale, p)
		}
	})
	for _, p := range stale {
		s.log.Debug("evicting idle peer", "addr", p.Addr())
		p.Close()
	}
}

// sweepTimeouts releases blocks the picker considers overdue and asks
// every still-interested, unchoked peer for more work so the freed
// blocks get reassigned promptly instead of waiting for the next
// unrelated event to trigger a request.
func (s *Swarm) sweepTimeouts() {
	released := s.picker.CheckTimeouts(s.settings.RequestTimeout)
	if len(released) == 0 {
		return
	}
	s.log.Debug("reassigning timed-out blocks", "count", len(released))

	s.eachPeer(func(addr netip.AddrPort, p *peer.Peer) {
		if p.PeerChoking() {
			return
		}
		s.requestWork(addr)
	})
}

// statsLoop recomputes the swarm-wide aggregate counters once a second
// from a snapshot of every connected peer.
func (s *Swarm) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var totUp, totDown, upRate, downRate uint64
			var unchoked, interested, uploadingTo, downloadingFrom uint32

			s.eachPeer(func(_ netip.AddrPort, p *peer.Peer) {
				st := p.Stats()
				totUp += st.Uploaded
				totDown += st.Downloaded
				upRate += st.UploadRate
				downRate += st.DownloadRate

				if !p.AmChoking() {
					unchoked++
				}
				if p.AmInterested() {
					interested++
				}
				if st.UploadRate > 0 {
					uploadingTo++
				}
				if st.DownloadRate > 0 {
					downloadingFrom++
				}
			})

			s.stats.totalUploaded.Store(totUp)
			s.stats.totalDownloaded.Store(totDown)
			s.stats.uploadRate.Store(upRate)
			s.stats.downloadRate.Store(downRate)
			s.stats.unchokedPeers.Store(unchoked)
			s.stats.interestedPeers.Store(interested)
			s.stats.uploadingTo.Store(uploadingTo)
			s.stats.downloadingFrom.Store(downloadingFrom)
		}
	}
}

// peerDialerLoop is one of several worker goroutines pulling addresses
// off connectCh and dialing them; running a pool rather than a single
// loop keeps one slow/unreachable peer from stalling every other
// pending connection attempt.
func (s *Swarm) peerDialerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case addr, ok := <-s.connectCh:
			if !ok {
				return nil
			}
			p, err := s.addPeer(ctx, addr)
			if err != nil {
				s.log.Debug("dial failed", "addr", addr, "error", err)
				continue
			}
			if p == nil {
				continue
			}
			go func() {
				if err := p.Run(ctx); err != nil {
					s.log.Debug("peer connection ended", "addr", addr, "error", err)
				}
			}()
		}
	}
}
