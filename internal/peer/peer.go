package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbitcore/internal/bitfield"
	"github.com/prxssh/rabbitcore/internal/config"
	"github.com/prxssh/rabbitcore/internal/protocol"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

var ErrProtocolViolation = errors.New("peer: protocol violation")

// MetadataSource lets a peer connection answer ut_metadata requests
// without importing internal/meta directly — the swarm controller owns
// the actual info dictionary and hands out blocks of it on demand.
type MetadataSource interface {
	// MetadataSize returns the total size of the bencoded info
	// dictionary, or ok=false if it isn't known yet (magnet link still
	// resolving).
	MetadataSize() (size int64, ok bool)
	// MetadataBlock returns the MetadataBlockSize-sized chunk of the
	// info dictionary at index, or ok=false if out of range.
	MetadataBlock(index int64) (block []byte, ok bool)
}

// Stats holds per-connection counters and timestamps. All counters are
// atomic and only increase for the connection's lifetime, except
// DownloadRate and UploadRate, which hold the current smoothed
// per-second rates.
type Stats struct {
	Downloaded        atomic.Uint64
	Uploaded          atomic.Uint64
	DownloadRate      atomic.Uint64
	UploadRate        atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	RequestsTimedOut  atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// Callbacks bundles every event a Peer reports to its owner (normally
// the swarm controller). Any field left nil is simply not invoked.
type Callbacks struct {
	OnBitfield   func(netip.AddrPort, bitfield.Bitfield)
	OnHave       func(netip.AddrPort, uint32)
	OnDisconnect func(netip.AddrPort)
	OnHandshake  func(netip.AddrPort, protocol.Handshake)
	OnPiece      func(netip.AddrPort, uint32, uint32, []byte)
	OnRequest    func(netip.AddrPort, uint32, uint32, uint32)
	RequestWork  func(netip.AddrPort)
	OnTimedOut   func(netip.AddrPort, []TimedOutRequest)
	OnExtendedHS func(netip.AddrPort, *ExtendedHandshake)

	// OnMetadataBlock and OnMetadataReject report a ut_metadata
	// response to a block this connection requested via
	// RequestMetadataBlock. totalSize is the info dictionary's total
	// size, reported alongside every data sub-message per BEP 9.
	OnMetadataBlock  func(addr netip.AddrPort, piece int64, totalSize int64, block []byte)
	OnMetadataReject func(addr netip.AddrPort, piece int64)
}

// TimedOutRequest is the exported shape of a timed-out request, handed
// back to the caller so it can return the block to the picker.
type TimedOutRequest struct {
	Piece, Begin, Length uint32
}

// Opts configures a new Peer connection.
type Opts struct {
	Log             *slog.Logger
	Settings        *config.Settings
	InfoHash        [sha1.Size]byte
	LocalPeerID     [sha1.Size]byte
	PieceCount      int
	Callbacks       Callbacks
	Metadata        MetadataSource
	UploadLimiter   *rate.Limiter // shared across every peer in the swarm; nil = unlimited
	DownloadLimiter *rate.Limiter
}

// Peer is one live connection to a remote BitTorrent client: the socket,
// framing, choke/interest state, request pipeline, and extension
// protocol support.
type Peer struct {
	log       *slog.Logger
	settings  *config.Settings
	conn      net.Conn
	addr      netip.AddrPort
	state     atomic.Uint32
	stats     Stats
	callbacks Callbacks

	bitfieldMu sync.RWMutex
	bitfield   bitfield.Bitfield

	lastActivityAt atomic.Int64
	outbox         chan *protocol.Message
	closeOnce      sync.Once
	stopped        atomic.Bool
	cancel         context.CancelFunc

	pipeline *requestPipeline

	uploadLimiter   *rate.Limiter
	downloadLimiter *rate.Limiter

	metadata   MetadataSource
	extMu      sync.Mutex
	extIDs     map[string]byte // extension name -> id WE assign in our outgoing handshake
	peerExtIDs map[string]int64 // extension name -> id the PEER uses, from their handshake
}

// Dial opens an outbound connection to addr, performs the handshake
// (verifying infoHash matches), and returns a ready Peer. The caller
// must still call Run to start the connection's I/O loops.
func Dial(ctx context.Context, addr netip.AddrPort, opts *Opts) (*Peer, error) {
	d := net.Dialer{Timeout: opts.Settings.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	hs := protocol.NewHandshake(opts.InfoHash, opts.LocalPeerID)
	peerHS, err := hs.Exchange(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	p := newPeer(conn, addr, opts)
	if p.callbacks.OnHandshake != nil {
		p.callbacks.OnHandshake(addr, peerHS)
	}
	if peerHS.SupportsExtended() {
		p.sendExtendedHandshake()
	}
	return p, nil
}

// Accept wraps an already-handshaken inbound connection (see
// AcceptHandshake) into a ready Peer.
func Accept(conn net.Conn, addr netip.AddrPort, result *AcceptResult, opts *Opts) *Peer {
	p := newPeer(conn, addr, opts)

	hs := protocol.Handshake{Pstr: "BitTorrent protocol", Reserved: result.Reserved, InfoHash: result.InfoHash, PeerID: result.PeerID}
	if p.callbacks.OnHandshake != nil {
		p.callbacks.OnHandshake(addr, hs)
	}
	if hs.SupportsExtended() {
		p.sendExtendedHandshake()
	}
	return p
}

func newPeer(conn net.Conn, addr netip.AddrPort, opts *Opts) *Peer {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "peer", "addr", addr)

	p := &Peer{
		log:             log,
		settings:        opts.Settings,
		conn:            conn,
		addr:            addr,
		callbacks:       opts.Callbacks,
		bitfield:        bitfield.New(opts.PieceCount),
		outbox:          make(chan *protocol.Message, opts.Settings.PeerOutboundQueueBacklog),
		pipeline:        newRequestPipeline(),
		uploadLimiter:   opts.UploadLimiter,
		downloadLimiter: opts.DownloadLimiter,
		metadata:        opts.Metadata,
		extIDs:          map[string]byte{extNameMetadata: 1, extNamePEX: 2},
		peerExtIDs:      map[string]int64{},
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastActivityAt.Store(time.Now().UnixNano())
	p.stats.ConnectedAt = time.Now()
	return p
}

// Run starts the read, write, and rate-estimation loops and blocks
// until the connection ends (error, context cancellation, or Close).
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })
	g.Go(func() error { return p.rateLoop(gctx) })

	return g.Wait()
}

// Close tears the connection down. Safe to call multiple times and
// concurrently with Run.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)
		if p.cancel != nil {
			p.cancel()
		}
		_ = p.conn.Close()
		close(p.outbox)
		p.stats.DisconnectedAt = time.Now()

		if p.callbacks.OnDisconnect != nil {
			p.callbacks.OnDisconnect(p.addr)
		}
		p.log.Debug("peer connection closed")
	})
}

func (p *Peer) Addr() netip.AddrPort { return p.addr }

// Idle returns how long it's been since any traffic was seen.
func (p *Peer) Idle() time.Duration {
	return time.Since(time.Unix(0, p.lastActivityAt.Load()))
}

func (p *Peer) Bitfield() bitfield.Bitfield {
	p.bitfieldMu.RLock()
	defer p.bitfieldMu.RUnlock()
	return p.bitfield.Clone()
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return p.state.Load()&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := p.state.Load()
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if p.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// PendingRequests reports how many requests are currently outstanding
// to this peer, for the caller's pipeline-depth accounting.
func (p *Peer) PendingRequests() int { return p.pipeline.len() }

// StatsSnapshot is a point-in-time, non-atomic copy of Stats, safe to
// sort and compare freely (the rechoke scheduler ranks peers by it).
type StatsSnapshot struct {
	Downloaded       uint64
	Uploaded         uint64
	DownloadRate     uint64
	UploadRate       uint64
	RequestsTimedOut uint64
	Errors           uint64
	ConnectedAt      time.Time
}

func (p *Peer) Stats() StatsSnapshot {
	return StatsSnapshot{
		Downloaded:       p.stats.Downloaded.Load(),
		Uploaded:         p.stats.Uploaded.Load(),
		DownloadRate:     p.stats.DownloadRate.Load(),
		UploadRate:       p.stats.UploadRate.Load(),
		RequestsTimedOut: p.stats.RequestsTimedOut.Load(),
		Errors:           p.stats.Errors.Load(),
		ConnectedAt:      p.stats.ConnectedAt,
	}
}

// --- outgoing messages ---

func (p *Peer) SendKeepAlive()           { p.enqueue(nil) }
func (p *Peer) SendChoke()               { p.enqueue(protocol.MessageChoke()) }
func (p *Peer) SendUnchoke()             { p.enqueue(protocol.MessageUnchoke()) }
func (p *Peer) SendInterested()          { p.enqueue(protocol.MessageInterested()) }
func (p *Peer) SendNotInterested()       { p.enqueue(protocol.MessageNotInterested()) }
func (p *Peer) SendHave(piece uint32)    { p.enqueue(protocol.MessageHave(piece)) }
func (p *Peer) SendBitfield(bf bitfield.Bitfield) {
	p.enqueue(protocol.MessageBitfield(bf.Bytes()))
}

func (p *Peer) SendRequest(piece, begin, length uint32) {
	if p.PeerChoking() {
		return
	}
	p.pipeline.add(piece, begin, length)
	p.enqueue(protocol.MessageRequest(piece, begin, length))
}

func (p *Peer) SendCancel(piece, begin, length uint32) {
	p.pipeline.cancelMatch(piece, begin)
	p.enqueue(protocol.MessageCancel(piece, begin, length))
}

func (p *Peer) SendPiece(piece, begin uint32, block []byte) {
	if p.AmChoking() {
		return
	}
	p.enqueue(protocol.MessagePiece(piece, begin, block))
}

// CheckTimeouts drops pipeline entries older than the configured
// request timeout and reports them via the OnTimedOut callback so the
// caller returns the blocks to the picker.
func (p *Peer) CheckTimeouts() {
	expired := p.pipeline.timedOut(p.settings.RequestTimeout)
	if len(expired) == 0 {
		return
	}
	p.stats.RequestsTimedOut.Add(uint64(len(expired)))

	if p.callbacks.OnTimedOut == nil {
		return
	}
	out := make([]TimedOutRequest, len(expired))
	for i, e := range expired {
		out[i] = TimedOutRequest{Piece: e.piece, Begin: e.begin, Length: e.length}
	}
	p.callbacks.OnTimedOut(p.addr, out)
}

// --- loops ---

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := p.readMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			p.stats.Errors.Add(1)
			return err
		}

		if err := p.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.settings.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-p.outbox:
			if !ok {
				return nil
			}
			if err := p.writeMessage(msg); err != nil {
				return err
			}
		case <-ticker.C:
			last := time.Unix(0, p.lastActivityAt.Load())
			if time.Since(last) >= p.settings.KeepAliveInterval {
				p.SendKeepAlive()
			}
		}
	}
}

func (p *Peer) rateLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	const alpha = 0.2
	var upEMA, downEMA uint64
	lastUp, lastDown := p.stats.Uploaded.Load(), p.stats.Downloaded.Load()
	inited := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp, curDown := p.stats.Uploaded.Load(), p.stats.Downloaded.Load()
			instUp, instDown := curUp-lastUp, curDown-lastDown

			if !inited {
				upEMA, downEMA, inited = instUp, instDown, true
			} else {
				upEMA = uint64(alpha*float64(instUp) + (1-alpha)*float64(upEMA))
				downEMA = uint64(alpha*float64(instDown) + (1-alpha)*float64(downEMA))
			}

			p.stats.UploadRate.Store(upEMA)
			p.stats.DownloadRate.Store(downEMA)
			lastUp, lastDown = curUp, curDown
		}
	}
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(p.settings.ReadTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	msg, err := protocol.ReadMessage(p.conn)
	if err != nil {
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastActivityAt.Store(time.Now().UnixNano())

	if msg != nil && msg.ID == protocol.Piece {
		if p.downloadLimiter != nil {
			_ = p.downloadLimiter.WaitN(context.Background(), len(msg.Payload))
		}
	}
	return msg, nil
}

func (p *Peer) writeMessage(msg *protocol.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.settings.WriteTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	if msg != nil && msg.ID == protocol.Piece && p.uploadLimiter != nil {
		_ = p.uploadLimiter.WaitN(context.Background(), len(msg.Payload))
	}

	if err := protocol.WriteMessage(p.conn, msg); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.onMessageWritten(msg)
	return nil
}

func (p *Peer) enqueue(msg *protocol.Message) bool {
	if p.stopped.Load() {
		return false
	}
	select {
	case p.outbox <- msg:
		return true
	default:
		return false
	}
}

func (p *Peer) onMessageWritten(msg *protocol.Message) {
	p.stats.MessagesSent.Add(1)
	p.lastActivityAt.Store(time.Now().UnixNano())

	if msg == nil {
		return
	}
	switch msg.ID {
	case protocol.Choke:
		p.setState(maskAmChoking, true)
	case protocol.Unchoke:
		p.setState(maskAmChoking, false)
	case protocol.Interested:
		p.setState(maskAmInterested, true)
	case protocol.NotInterested:
		p.setState(maskAmInterested, false)
	case protocol.Request:
		p.stats.RequestsSent.Add(1)
	case protocol.Piece:
		if n := len(msg.Payload); n >= 8 {
			p.stats.PiecesSent.Add(1)
			p.stats.Uploaded.Add(uint64(n - 8))
		}
	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)
	}
}

func (p *Peer) handleMessage(msg *protocol.Message) error {
	if protocol.IsKeepAlive(msg) {
		return nil
	}
	if err := msg.ValidatePayloadSize(); err != nil {
		return err
	}

	switch msg.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)
	case protocol.Unchoke:
		p.setState(maskPeerChoking, false)
		if p.callbacks.RequestWork != nil {
			p.callbacks.RequestWork(p.addr)
		}
	case protocol.Interested:
		p.setState(maskPeerInterested, true)
	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)
	case protocol.Bitfield:
		bf := bitfield.FromBytes(msg.Payload)
		p.bitfieldMu.Lock()
		p.bitfield = bf
		p.bitfieldMu.Unlock()
		if p.callbacks.OnBitfield != nil {
			p.callbacks.OnBitfield(p.addr, bf)
		}
	case protocol.Have:
		idx, ok := msg.ParseHave()
		if !ok {
			return fmt.Errorf("%w: malformed have", ErrProtocolViolation)
		}
		p.bitfieldMu.Lock()
		p.bitfield.Set(int(idx))
		p.bitfieldMu.Unlock()
		if p.callbacks.OnHave != nil {
			p.callbacks.OnHave(p.addr, idx)
		}
	case protocol.Request:
		idx, begin, length, ok := msg.ParseRequest()
		if !ok {
			return fmt.Errorf("%w: malformed request", ErrProtocolViolation)
		}
		p.stats.RequestsReceived.Add(1)
		if p.callbacks.OnRequest != nil {
			p.callbacks.OnRequest(p.addr, idx, begin, length)
		}
	case protocol.Piece:
		idx, begin, block, ok := msg.ParsePiece()
		if !ok {
			return fmt.Errorf("%w: malformed piece", ErrProtocolViolation)
		}
		if !p.pipeline.match(idx, begin, uint32(len(block))) {
			return fmt.Errorf("%w: unsolicited or mis-sized piece (%d,%d,%d)", ErrProtocolViolation, idx, begin, len(block))
		}
		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))
		if p.callbacks.OnPiece != nil {
			p.callbacks.OnPiece(p.addr, idx, begin, block)
		}
	case protocol.Cancel:
		p.stats.RequestsCancelled.Add(1)
	case protocol.Port:
		// DHT port announcement; the swarm controller's PeerSource
		// consumes this if it cares. Nothing to do at the peer layer.
	case protocol.Extended:
		return p.handleExtended(msg)
	default:
		return fmt.Errorf("%w: unknown message id %d", ErrProtocolViolation, msg.ID)
	}
	return nil
}
