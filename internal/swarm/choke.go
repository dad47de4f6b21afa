package swarm

import (
	"context"
	"math/rand"
	"net/netip"
	"sort"
	"time"

	"github.com/prxssh/rabbitcore/internal/peer"
)

// chokeLoop drives the regular and optimistic unchoke schedules on their
// own independent tickers.
func (s *Swarm) chokeLoop(ctx context.Context) error {
	regular := time.NewTicker(s.settings.RechokeInterval)
	defer regular.Stop()

	optimistic := time.NewTicker(s.settings.OptimisticUnchokeInterval)
	defer optimistic.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-regular.C:
			s.recalculateRegularUnchokes()
		case <-optimistic.C:
			s.recalculateOptimisticUnchoke()
		}
	}
}

// recalculateRegularUnchokes ranks every peer interested in downloading
// from us by upload rate (as a seeder, where reciprocity doesn't apply)
// or download rate (as a leecher, rewarding peers reciprocating
// fastest) and unchokes the top UploadSlots of them, plus whichever
// peer currently holds the optimistic-unchoke slot. UploadSlots governs
// who we upload to, so the candidate pool is peers that want data from
// us (PeerInterested), not peers we want data from (AmInterested) —
// those are two different, unrelated sets.
func (s *Swarm) recalculateRegularUnchokes() {
	type candidate struct {
		addr  netip.AddrPort
		peer  *peer.Peer
		stats peer.StatsSnapshot
	}

	var candidates []candidate
	s.eachPeer(func(addr netip.AddrPort, p *peer.Peer) {
		if p.PeerInterested() {
			candidates = append(candidates, candidate{addr, p, p.Stats()})
		}
	})

	seeder := s.isSeeder()
	sort.Slice(candidates, func(i, j int) bool {
		if seeder {
			return candidates[i].stats.UploadRate > candidates[j].stats.UploadRate
		}
		return candidates[i].stats.DownloadRate > candidates[j].stats.DownloadRate
	})

	unchoke := make(map[netip.AddrPort]struct{}, s.settings.UploadSlots)
	for i := 0; i < len(candidates) && i < s.settings.UploadSlots; i++ {
		unchoke[candidates[i].addr] = struct{}{}
	}

	s.optMu.Lock()
	optimistic := s.optimisticAddr
	s.optMu.Unlock()

	s.eachPeer(func(addr netip.AddrPort, p *peer.Peer) {
		_, top := unchoke[addr]
		if top || addr == optimistic {
			if p.AmChoking() {
				p.SendUnchoke()
			}
			return
		}
		if !p.AmChoking() {
			p.SendChoke()
		}
	})
}

// recalculateOptimisticUnchoke rotates the single optimistic-unchoke
// slot among peers that are interested in us but currently choked,
// giving newcomers a chance to prove themselves without waiting for the
// regular schedule to rank them favorably.
func (s *Swarm) recalculateOptimisticUnchoke() {
	var candidates []*peer.Peer
	s.eachPeer(func(_ netip.AddrPort, p *peer.Peer) {
		if p.PeerInterested() && p.AmChoking() {
			candidates = append(candidates, p)
		}
	})

	s.optMu.Lock()
	defer s.optMu.Unlock()

	if len(candidates) == 0 {
		s.optimisticAddr = netip.AddrPort{}
		return
	}

	chosen := candidates[rand.Intn(len(candidates))]
	s.optimisticAddr = chosen.Addr()
	chosen.SendUnchoke()
}
