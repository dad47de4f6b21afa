package swarm

import (
	"context"
	"crypto/sha1"
	"net"
	"net/netip"

	"github.com/prxssh/rabbitcore/internal/peer"
)

// listener accepts inbound peer connections on behalf of a single Swarm.
type listener struct {
	ln net.Listener
}

func newListener(addr string) (*listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &listener{ln: ln}, nil
}

func (l *listener) Close() {
	_ = l.ln.Close()
}

// acceptLoop accepts connections until ctx is cancelled, completing the
// handshake and handing each one off to the swarm's normal admission
// path before starting its I/O loops.
func (l *listener) acceptLoop(ctx context.Context, s *Swarm) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Warn("accept failed", "error", err)
				continue
			}
		}
		go s.acceptConn(ctx, conn)
	}
}

func (l *listener) Addr() net.Addr { return l.ln.Addr() }

// acceptConn drives one inbound connection through the handshake and,
// on success, admits it exactly as if it had been dialed outbound.
func (s *Swarm) acceptConn(ctx context.Context, conn net.Conn) {
	remoteAddr, ok := addrPortFromConn(conn)
	if !ok {
		_ = conn.Close()
		return
	}

	lookup := func(infoHash [sha1.Size]byte) ([sha1.Size]byte, bool) {
		if infoHash != s.infoHash {
			return [sha1.Size]byte{}, false
		}
		return s.localID, true
	}
	dup := func(_ [sha1.Size]byte, peerID [sha1.Size]byte) bool {
		return false
	}

	result, _, err := peer.AcceptHandshake(conn, lookup, dup)
	if err != nil {
		s.log.Debug("inbound handshake failed", "addr", remoteAddr, "error", err)
		_ = conn.Close()
		return
	}

	if !s.ipFilt.Allowed(remoteAddr.Addr()) {
		_ = conn.Close()
		return
	}

	s.peerMu.RLock()
	_, dupConn := s.peers[remoteAddr]
	total := len(s.peers)
	perIP := s.perIPCount[remoteAddr.Addr()]
	s.peerMu.RUnlock()

	if dupConn || total >= s.settings.MaxPeers || perIP >= s.settings.MaxPeersPerIP {
		_ = conn.Close()
		return
	}

	p := peer.Accept(conn, remoteAddr, result, &peer.Opts{
		Log:             s.log,
		Settings:        s.settings,
		InfoHash:        s.infoHash,
		LocalPeerID:     s.localID,
		PieceCount:      int(s.picker.PieceCount()),
		Callbacks:       s.callbacksFor(remoteAddr),
		UploadLimiter:   s.uploadLimiter,
		DownloadLimiter: s.downloadLimiter,
	})

	s.registerPeer(remoteAddr, p)
	if err := p.Run(ctx); err != nil {
		s.log.Debug("inbound peer connection ended", "addr", remoteAddr, "error", err)
	}
}

func addrPortFromConn(conn net.Conn) (netip.AddrPort, bool) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), true
}
