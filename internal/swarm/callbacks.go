package swarm

import (
	"net/netip"

	"github.com/prxssh/rabbitcore/internal/bitfield"
	"github.com/prxssh/rabbitcore/internal/peer"
	"github.com/prxssh/rabbitcore/internal/piece"
)

// callbacksFor builds the Callbacks bundle a newly connected peer at
// addr reports through. Every callback closes over addr rather than
// relying on the Peer to report its own address correctly, so the
// closures stay simple even if a connection is ever re-keyed.
func (s *Swarm) callbacksFor(addr netip.AddrPort) peer.Callbacks {
	return peer.Callbacks{
		OnBitfield:   func(a netip.AddrPort, bf bitfield.Bitfield) { s.onBitfield(a, bf) },
		OnHave:       func(a netip.AddrPort, idx uint32) { s.onHave(a, idx) },
		OnDisconnect: func(a netip.AddrPort) { s.onPeerDisconnect(a) },
		OnPiece:      func(a netip.AddrPort, idx, begin uint32, block []byte) { s.onPiece(a, idx, begin, block) },
		OnRequest:    func(a netip.AddrPort, idx, begin, length uint32) { s.onRequest(a, idx, begin, length) },
		RequestWork:  func(a netip.AddrPort) { s.requestWork(a) },
		OnTimedOut:   func(a netip.AddrPort, expired []peer.TimedOutRequest) { s.onTimedOut(a, expired) },
	}
}

// onBitfield folds a peer's announced bitfield into the picker's rarity
// tracking, then checks whether we should declare interest and ask it
// for work right away.
func (s *Swarm) onBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	s.picker.OnPeerBitfield(addr, bf)
	s.updateInterest(addr)
}

func (s *Swarm) onHave(addr netip.AddrPort, idx uint32) {
	s.picker.OnPeerHave(addr, idx)
	s.updateInterest(addr)
}

// updateInterest declares (or withdraws) interest in addr based on
// whether it has anything we still want, then asks for work if it just
// became worth talking to.
func (s *Swarm) updateInterest(addr netip.AddrPort) {
	p, ok := s.GetPeer(addr)
	if !ok {
		return
	}

	weWant := false
	bf := p.Bitfield()
	for i := uint32(0); i < s.picker.PieceCount(); i++ {
		if bf.Has(int(i)) && !s.picker.PieceComplete(i) {
			weWant = true
			break
		}
	}

	switch {
	case weWant && !p.AmInterested():
		p.SendInterested()
	case !weWant && p.AmInterested():
		p.SendNotInterested()
	}

	if weWant && !p.PeerChoking() {
		s.requestWork(addr)
	}
}

// requestWork pulls as much work as addr has capacity for and sends the
// requests. Called whenever a peer unchokes us, announces new pieces,
// or finishes a block (freeing up pipeline room).
func (s *Swarm) requestWork(addr netip.AddrPort) {
	p, ok := s.GetPeer(addr)
	if !ok || p.PeerChoking() {
		return
	}

	room := s.settings.MaxInflightRequestsPerPeer - p.PendingRequests()
	if room <= 0 {
		return
	}

	view := &piece.PeerView{Addr: addr, Bitfield: p.Bitfield(), Unchoked: !p.PeerChoking()}
	for _, req := range s.picker.NextForPeer(view, room) {
		p.SendRequest(req.Piece, req.Begin, req.Length)
	}
}

// onPiece handles an incoming block: queue it to disk, tell the picker
// it arrived (cancelling any other in-flight copies from end-game
// duplication), and kick off a hash check once the piece is complete.
func (s *Swarm) onPiece(addr netip.AddrPort, idx, begin uint32, block []byte) {
	pieceLen := int64(s.picker.PieceLength(idx))
	job := newWriteJob(s.store, idx, pieceLen, int64(begin), block)
	s.disk.Submit(job)

	others := s.picker.OnBlockReceived(addr, idx, begin)
	for _, owner := range others {
		if op, ok := s.GetPeer(owner); ok {
			op.SendCancel(idx, begin, uint32(len(block)))
		}
	}

	go func() {
		res := job.Wait()
		if res.Err != nil {
			s.log.Error("block write failed", "piece", idx, "begin", begin, "error", res.Err)
			s.onPieceFailed(idx, []netip.AddrPort{addr})
			return
		}
		if s.picker.PieceComplete(idx) {
			s.verifyPiece(idx)
		}
	}()

	s.requestWork(addr)
}

// verifyPiece submits a hash job for a just-completed piece and resolves
// it to the picker's verified/failed outcome.
func (s *Swarm) verifyPiece(idx uint32) {
	job := newHashJob(s.store, idx, int64(s.picker.PieceLength(idx)))
	s.disk.Submit(job)

	go func() {
		res := job.Wait()
		if res.Err != nil {
			s.log.Error("piece hash failed", "piece", idx, "error", res.Err)
			s.onPieceFailed(idx, s.contributorsFor(idx))
			return
		}
		if res.Hash == s.picker.PieceHash(idx) {
			s.onPieceVerified(idx)
		} else {
			s.onPieceFailed(idx, s.contributorsFor(idx))
		}
	}()
}

// contributorsFor is a best-effort list of peers currently connected;
// the picker doesn't retain per-block provenance once a block is marked
// done, so a failed piece's failure count is spread across everyone
// connected rather than just the true contributors.
func (s *Swarm) contributorsFor(_ uint32) []netip.AddrPort {
	var addrs []netip.AddrPort
	s.eachPeer(func(a netip.AddrPort, _ *peer.Peer) {
		addrs = append(addrs, a)
	})
	return addrs
}

// onRequest serves a block a peer asked us for.
func (s *Swarm) onRequest(addr netip.AddrPort, idx, begin, length uint32) {
	p, ok := s.GetPeer(addr)
	if !ok || p.AmChoking() {
		return
	}

	pieceLen := int64(s.picker.PieceLength(idx))
	job := newReadJob(s.store, idx, pieceLen, int64(begin), int64(length))
	s.disk.Submit(job)

	go func() {
		res := job.Wait()
		if res.Err != nil {
			s.log.Warn("block read failed", "piece", idx, "begin", begin, "error", res.Err)
			return
		}
		if p, ok := s.GetPeer(addr); ok {
			p.SendPiece(idx, begin, res.Data)
		}
	}()
}

func (s *Swarm) onTimedOut(addr netip.AddrPort, expired []peer.TimedOutRequest) {
	s.log.Debug("requests timed out", "addr", addr, "count", len(expired))
}
