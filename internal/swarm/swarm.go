// Package swarm is the top-level controller of a single torrent: it
// owns the piece picker, the disk job queue, the storage map, the
// tracker, an opportunistic peer source, and the live peer connection
// set, and drives them all through one state machine.
//
// Unlike a process-wide singleton, a Swarm is an ordinary value: a
// process that wants to seed a hundred torrents at once constructs a
// hundred of them, each with its own *config.Settings.
package swarm

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prxssh/rabbitcore/internal/config"
	"github.com/prxssh/rabbitcore/internal/diskqueue"
	"github.com/prxssh/rabbitcore/internal/dht"
	"github.com/prxssh/rabbitcore/internal/meta"
	"github.com/prxssh/rabbitcore/internal/peer"
	"github.com/prxssh/rabbitcore/internal/piece"
	"github.com/prxssh/rabbitcore/internal/storage"
	"github.com/prxssh/rabbitcore/internal/tracker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// IPFilter lets a caller reject endpoints outright, before they ever
// reach the per-IP connection-count accounting.
type IPFilter interface {
	Allowed(netip.Addr) bool
}

// allowAllFilter admits every address; the zero value of *Swarm's
// IPFilter behaves this way if none is supplied.
type allowAllFilter struct{}

func (allowAllFilter) Allowed(netip.Addr) bool { return true }

var (
	ErrAlreadyRunning = errors.New("swarm: already running")
	ErrClosed         = errors.New("swarm: closed")
)

// Opts configures a new Swarm. Storage, Disk, and Picker are
// constructed by the caller (they in turn may be shared across many
// swarms, as diskqueue.Manager is) and handed in fully formed — Swarm
// coordinates them, it doesn't own their lifecycle beyond Run.
type Opts struct {
	Settings *config.Settings
	Log      *slog.Logger

	Info     *meta.Info
	InfoHash [sha1.Size]byte

	Storage *storage.Map
	Disk    *diskqueue.Manager
	Picker  *piece.Picker

	// DHT is optional; a swarm without one relies entirely on the
	// tracker, inbound connections, and/or manually admitted peers. A
	// tracker can't be supplied here — tracker.NewTracker's hooks close
	// over the swarm itself, so it must be built after New returns and
	// attached with SetTracker.
	DHT dht.PeerSource

	IPFilter IPFilter

	// ListenAddr, if non-empty, is bound for inbound connections (e.g.
	// ":6881"). Left empty, the swarm relies entirely on outbound
	// dialing driven by AdmitPeers.
	ListenAddr string

	// ResumeInfo, if non-nil, is checked against on-disk reality before
	// falling back to a full re-hash (checking_resume state).
	ResumeInfo     []storage.ResumeFileInfo
	FullAllocation bool
}

// Swarm coordinates one torrent's tracker, picker, disk queue, storage,
// peer source, and peer connection set through the download/seed state
// machine.
type Swarm struct {
	settings *config.Settings
	log      *slog.Logger

	info     *meta.Info
	infoHash [sha1.Size]byte
	localID  [sha1.Size]byte

	// key is BEP 3's opaque per-torrent "key" announce parameter: a
	// value generated once and held stable across announces so a
	// tracker can still recognize us after our IP/port changes (NAT
	// rebind, dynamic IP). Derived from a uuid rather than a bare
	// crypto/rand read since nothing else in this package already
	// pulls in crypto/rand and a uuid is exactly "a random value with a
	// well-known, already-imported generator" here.
	key uint32

	store   *storage.Map
	disk    *diskqueue.Manager
	picker  *piece.Picker
	trckr   *tracker.Tracker
	dhtSrc  dht.PeerSource
	ipFilt  IPFilter

	uploadLimiter   *rate.Limiter
	downloadLimiter *rate.Limiter

	resumeInfo     []storage.ResumeFileInfo
	fullAllocation bool

	stateMu sync.RWMutex
	state   State

	peerMu        sync.RWMutex
	peers         map[netip.AddrPort]*peer.Peer
	perIPCount    map[netip.Addr]int
	failureCounts map[netip.AddrPort]int

	stats *Stats

	runOnce sync.Once
	closed  atomic.Bool

	connectCh chan netip.AddrPort

	optMu          sync.Mutex
	optimisticAddr netip.AddrPort

	listener *listener
	cancel   context.CancelFunc
}

// New builds a Swarm from opts. The returned Swarm does nothing until
// Run is called.
func New(opts *Opts) (*Swarm, error) {
	if opts == nil {
		return nil, errors.New("swarm: nil opts")
	}
	if opts.Settings == nil {
		return nil, errors.New("swarm: nil settings")
	}
	if opts.Storage == nil || opts.Disk == nil || opts.Picker == nil {
		return nil, errors.New("swarm: storage, disk, and picker are required")
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "swarm", "infoHash", fmt.Sprintf("%x", opts.InfoHash))

	filt := opts.IPFilter
	if filt == nil {
		filt = allowAllFilter{}
	}

	var upLim, downLim *rate.Limiter
	if opts.Settings.MaxUploadRate > 0 {
		upLim = rate.NewLimiter(rate.Limit(opts.Settings.MaxUploadRate), int(opts.Settings.MaxUploadRate))
	}
	if opts.Settings.MaxDownloadRate > 0 {
		downLim = rate.NewLimiter(rate.Limit(opts.Settings.MaxDownloadRate), int(opts.Settings.MaxDownloadRate))
	}

	localID := opts.Settings.ClientID
	id := uuid.New()

	s := &Swarm{
		settings:        opts.Settings,
		log:             log,
		info:            opts.Info,
		infoHash:        opts.InfoHash,
		localID:         localID,
		key:             binary.BigEndian.Uint32(id[:4]),
		store:           opts.Storage,
		disk:            opts.Disk,
		picker:          opts.Picker,
		dhtSrc:          opts.DHT,
		ipFilt:          filt,
		uploadLimiter:   upLim,
		downloadLimiter: downLim,
		resumeInfo:      opts.ResumeInfo,
		fullAllocation:  opts.FullAllocation,
		state:           StateCheckingResume,
		peers:           make(map[netip.AddrPort]*peer.Peer),
		perIPCount:      make(map[netip.Addr]int),
		failureCounts:   make(map[netip.AddrPort]int),
		stats:           &Stats{},
		connectCh:       make(chan netip.AddrPort, opts.Settings.MaxPeers),
	}

	if opts.ListenAddr != "" {
		ln, err := newListener(opts.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("swarm: listen %s: %w", opts.ListenAddr, err)
		}
		s.listener = ln
	}

	return s, nil
}

// Run verifies the swarm's on-disk state, then drives every background
// loop (peer dialer pool, maintenance, stats, choke scheduler, tracker
// announce loop, DHT discovery, inbound listener) until ctx is
// cancelled or an unrecoverable error occurs.
func (s *Swarm) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	if err := s.verify(ctx); err != nil {
		s.setState(StateError)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.maintenanceLoop(gctx) })
	g.Go(func() error { return s.statsLoop(gctx) })
	g.Go(func() error { return s.chokeLoop(gctx) })

	for i := 0; i < 10; i++ {
		g.Go(func() error { return s.peerDialerLoop(gctx) })
	}

	if s.trckr != nil {
		g.Go(func() error { return s.trckr.Run(gctx) })
	}
	if s.dhtSrc != nil {
		g.Go(func() error { return s.dhtSrc.Run(gctx) })
		g.Go(func() error { return s.dhtDiscoveryLoop(gctx) })
	}
	if s.listener != nil {
		g.Go(func() error { return s.listener.acceptLoop(gctx, s) })
	}

	return g.Wait()
}

// Close stops a running swarm. Safe to call even if Run was never
// invoked.
func (s *Swarm) Close() {
	s.closed.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.disk.StopSwarm(s.store)
}

// State reports the swarm's current lifecycle state.
func (s *Swarm) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Swarm) setState(next State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = next
	s.stateMu.Unlock()

	if prev != next {
		s.log.Info("state transition", "from", prev, "to", next)
	}
}

func (s *Swarm) isSeeder() bool {
	st := s.State()
	return st == StateSeeding || st == StateFinished
}

// AdmitPeers queues addrs for the dialer pool to attempt. Addresses
// already connected, over the per-swarm or per-IP cap, or rejected by
// the IP filter are silently dropped once a dialer worker picks them
// up.
func (s *Swarm) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case s.connectCh <- addr:
		default:
			s.log.Warn("admit queue full; dropping peer", "addr", addr)
		}
	}
}

// peerCount reports how many peers are currently connected.
func (s *Swarm) peerCount() int {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return len(s.peers)
}

// GetPeer returns the live connection for addr, if any.
func (s *Swarm) GetPeer(addr netip.AddrPort) (*peer.Peer, bool) {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	p, ok := s.peers[addr]
	return p, ok
}

// addPeer admits addr past the connection-admission checks and dials
// it. Returns (nil, nil) for a duplicate or inadmissible address — not
// an error, just nothing to do.
func (s *Swarm) addPeer(ctx context.Context, addr netip.AddrPort) (*peer.Peer, error) {
	if !s.ipFilt.Allowed(addr.Addr()) {
		return nil, nil
	}

	s.peerMu.RLock()
	_, dup := s.peers[addr]
	total := len(s.peers)
	perIP := s.perIPCount[addr.Addr()]
	s.peerMu.RUnlock()

	if dup || total >= s.settings.MaxPeers || perIP >= s.settings.MaxPeersPerIP {
		return nil, nil
	}

	s.stats.connecting.Add(1)
	p, err := peer.Dial(ctx, addr, &peer.Opts{
		Log:             s.log,
		Settings:        s.settings,
		InfoHash:        s.infoHash,
		LocalPeerID:     s.localID,
		PieceCount:      int(s.picker.PieceCount()),
		Callbacks:       s.callbacksFor(addr),
		UploadLimiter:   s.uploadLimiter,
		DownloadLimiter: s.downloadLimiter,
	})
	s.stats.connecting.Add(^uint32(0))
	if err != nil {
		s.stats.failedConnections.Add(1)
		return nil, err
	}

	s.registerPeer(addr, p)
	return p, nil
}

func (s *Swarm) registerPeer(addr netip.AddrPort, p *peer.Peer) {
	s.peerMu.Lock()
	s.peers[addr] = p
	s.perIPCount[addr.Addr()]++
	s.peerMu.Unlock()

	s.stats.totalPeers.Add(1)
	p.SendBitfield(s.picker.Bitfield())
}

func (s *Swarm) removePeer(addr netip.AddrPort) {
	s.peerMu.Lock()
	_, ok := s.peers[addr]
	if ok {
		delete(s.peers, addr)
		if n := s.perIPCount[addr.Addr()]; n <= 1 {
			delete(s.perIPCount, addr.Addr())
		} else {
			s.perIPCount[addr.Addr()] = n - 1
		}
	}
	s.peerMu.Unlock()

	if ok {
		s.stats.totalPeers.Add(^uint32(0))
	}
}

func (s *Swarm) onPeerDisconnect(addr netip.AddrPort) {
	s.peerMu.RLock()
	p, ok := s.peers[addr]
	s.peerMu.RUnlock()

	if ok {
		s.picker.AbortDownload(addr, p.Bitfield())
	}
	s.removePeer(addr)
}

// eachPeer calls fn for a stable snapshot of every currently connected
// peer.
func (s *Swarm) eachPeer(fn func(netip.AddrPort, *peer.Peer)) {
	s.peerMu.RLock()
	snap := make(map[netip.AddrPort]*peer.Peer, len(s.peers))
	for a, p := range s.peers {
		snap[a] = p
	}
	s.peerMu.RUnlock()

	for a, p := range snap {
		fn(a, p)
	}
}
