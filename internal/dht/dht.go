package dht

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net/netip"

	"github.com/prxssh/rabbitcore/internal/config"
	"golang.org/x/sync/errgroup"
)

// PeerSource is what the swarm controller consumes: a place to report
// peers it has learned about, and a place to ask for more candidates
// when it wants them, without caring whether the answer came from a
// live DHT query, a routing table, or nothing at all.
type PeerSource interface {
	Seed(node NodeInfo)
	Observe(infoHash [sha1.Size]byte, addr netip.AddrPort)
	Peers(infoHash [sha1.Size]byte, want int) []netip.AddrPort
	Run(ctx context.Context) error
}

// Table is the data-structure-only DHT: a Kademlia routing table for
// known nodes plus a per-torrent cache of observed peer addresses.
// It never opens a UDP socket or speaks KRPC; swarm feeds it from the
// peer sources it already has and reads it back as one more place to
// look for dial candidates. A full KRPC query/response layer (see
// the teacher's krpc.go/query_handler.go/lookup.go) can be built on
// top of RoutingTable and TokenManager later without touching this
// facade's contract.
type Table struct {
	settings *config.Settings
	log      *slog.Logger

	routing *RoutingTable
	tokens  *TokenManager
	cache   *PeerCache
}

// NewTable builds a Table identified by localID, generating a fresh
// random ID if the zero value is passed.
func NewTable(localID [sha1.Size]byte, settings *config.Settings, log *slog.Logger) (*Table, error) {
	if localID == ([sha1.Size]byte{}) {
		id, err := NewLocalNodeID()
		if err != nil {
			return nil, err
		}
		localID = id
	}

	tokens, err := NewTokenManager()
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = slog.Default()
	}

	return &Table{
		settings: settings,
		log:      log.With("component", "dht"),
		routing:  NewRoutingTable(localID),
		tokens:   tokens,
		cache:    NewPeerCache(),
	}, nil
}

func (t *Table) ID() [sha1.Size]byte { return t.routing.ID() }

// Run drives the table's background maintenance (token rotation, peer
// cache expiry) until ctx is cancelled.
func (t *Table) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.tokens.Run(gctx) })
	g.Go(func() error { return t.cache.Run(gctx) })
	return g.Wait()
}

// Seed inserts a node into the routing table, e.g. from a bootstrap
// list, a BEP 5 compact node list, or a peer's PORT message.
func (t *Table) Seed(node NodeInfo) {
	if t.routing.Insert(NewContact(node)) {
		t.log.Debug("routing table seeded", "size", t.routing.Size())
	}
}

// Observe records addr as a known peer for infoHash.
func (t *Table) Observe(infoHash [sha1.Size]byte, addr netip.AddrPort) {
	t.cache.Observe(infoHash, addr)
}

// Peers returns up to want dial candidates for infoHash: first
// whatever this client has directly observed sharing it, then the
// closest routing-table contacts by XOR distance to the infohash
// (useful once a real KRPC lookup can query them, and harmless as a
// last resort today since a stale contact simply fails to dial).
func (t *Table) Peers(infoHash [sha1.Size]byte, want int) []netip.AddrPort {
	if !t.settings.EnableDHT {
		return nil
	}

	observed := t.cache.Peers(infoHash)
	if len(observed) >= want {
		return observed[:want]
	}

	out := append([]netip.AddrPort(nil), observed...)
	seen := make(map[netip.AddrPort]bool, len(out))
	for _, a := range out {
		seen[a] = true
	}

	for _, c := range t.routing.FindClosestK(infoHash, want-len(out)) {
		addr := c.Addr()
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}

	return out
}

// Stats reports the routing table's current composition.
func (t *Table) Stats() RoutingTableStats { return t.routing.GetStats() }
