package dht

import (
	"context"
	"crypto/sha1"
	"net/netip"
	"sync"
	"time"
)

const (
	maxPeersPerTorrent = 2000
	maxCachedTorrents  = 10000
	peerExpiration     = 2 * time.Hour
	cacheSweepInterval = 10 * time.Minute
)

// PeerCache tracks, per torrent, the set of peer addresses this client
// has observed sharing it. A live KRPC server would populate this from
// inbound get_peers/announce_peer queries; without one, the swarm
// controller feeds it directly from whatever sources it already
// trusts (tracker responses, PEX), and reads it back as one more
// opportunistic source of dial candidates.
type PeerCache struct {
	mu   sync.RWMutex
	data map[[sha1.Size]byte]*torrentPeers
}

type torrentPeers struct {
	peers    map[netip.AddrPort]time.Time
	lastUsed time.Time
}

func NewPeerCache() *PeerCache {
	return &PeerCache{data: make(map[[sha1.Size]byte]*torrentPeers)}
}

// Run sweeps expired peer entries and empty torrents until ctx is
// cancelled.
func (pc *PeerCache) Run(ctx context.Context) error {
	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pc.sweep()
		}
	}
}

// Observe records that addr is believed to be sharing infoHash.
func (pc *PeerCache) Observe(infoHash [sha1.Size]byte, addr netip.AddrPort) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	tp, ok := pc.data[infoHash]
	if !ok {
		if len(pc.data) >= maxCachedTorrents {
			pc.evictOldestLocked()
		}
		tp = &torrentPeers{peers: make(map[netip.AddrPort]time.Time)}
		pc.data[infoHash] = tp
	}

	tp.lastUsed = time.Now()

	if _, exists := tp.peers[addr]; !exists && len(tp.peers) >= maxPeersPerTorrent {
		return
	}
	tp.peers[addr] = time.Now()
}

// Peers returns every address currently cached for infoHash.
func (pc *PeerCache) Peers(infoHash [sha1.Size]byte) []netip.AddrPort {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	tp, ok := pc.data[infoHash]
	if !ok {
		return nil
	}

	out := make([]netip.AddrPort, 0, len(tp.peers))
	for addr := range tp.peers {
		out = append(out, addr)
	}
	return out
}

func (pc *PeerCache) sweep() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	now := time.Now()
	for infoHash, tp := range pc.data {
		for addr, seenAt := range tp.peers {
			if now.Sub(seenAt) > peerExpiration {
				delete(tp.peers, addr)
			}
		}
		if len(tp.peers) == 0 {
			delete(pc.data, infoHash)
		}
	}
}

// evictOldestLocked drops the least-recently-touched torrent's entry
// set. Callers must hold pc.mu.
func (pc *PeerCache) evictOldestLocked() {
	var oldestHash [sha1.Size]byte
	var oldestTime time.Time
	first := true

	for hash, tp := range pc.data {
		if first || tp.lastUsed.Before(oldestTime) {
			oldestHash, oldestTime, first = hash, tp.lastUsed, false
		}
	}
	if !first {
		delete(pc.data, oldestHash)
	}
}
