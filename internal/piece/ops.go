package piece

import (
	"net/netip"
	"time"

	"github.com/prxssh/rabbitcore/internal/bitfield"
)

// Request is a single outstanding block request to send to a peer.
type Request struct {
	Piece  uint32
	Begin  uint32
	Length uint32
}

// OnPeerBitfield folds a peer's full piece bitfield into the rarity
// tracking: every piece the peer has that we don't becomes one step
// more common, raising its availability.
func (pk *Picker) OnPeerBitfield(peer netip.AddrPort, bf bitfield.Bitfield) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	for i := uint32(0); i < pk.pieceCount; i++ {
		if bf.Has(int(i)) && !pk.weHave.Has(int(i)) {
			pk.availability.Move(int(i), 1)
		}
	}
}

// OnPeerHave folds a single HAVE announcement into the rarity tracking.
func (pk *Picker) OnPeerHave(peer netip.AddrPort, pieceIdx uint32) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if pieceIdx >= pk.pieceCount || pk.weHave.Has(int(pieceIdx)) {
		return
	}
	pk.availability.Move(int(pieceIdx), 1)
}

// WeHave marks piece idx as fully verified and owned, removing it from
// every selection strategy.
func (pk *Picker) WeHave(idx uint32) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	pk.markVerifiedLocked(idx, true)
}

// WeDontHave reverts piece idx back to not-downloaded: every block is
// reset to want, any in-flight owners are dropped, and the availability
// bucket is left untouched (it tracks peer ownership, not ours).
func (pk *Picker) WeDontHave(idx uint32) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	pk.markVerifiedLocked(idx, false)
}

// RestorePiece reverts a piece to want after a failed hash check or a
// disk write error, identical to WeDontHave; exposed under its own name
// since callers invoke it from a different place (the disk-verification
// path, rather than "we never had this to begin with").
func (pk *Picker) RestorePiece(idx uint32) {
	pk.WeDontHave(idx)
}

func (pk *Picker) markVerifiedLocked(idx uint32, ok bool) {
	if idx >= pk.pieceCount {
		return
	}
	p := pk.pieces[idx]

	if ok {
		if p.verified {
			return
		}
		for _, b := range p.blocks {
			if b.status == StatusWant && pk.remainingBlocks > 0 {
				pk.remainingBlocks--
			}
			b.status = StatusDone
			b.owners = nil
		}
		p.doneBlocks = p.blockCount
		p.verified = true
		p.status = StatusDone
		pk.weHave.Set(int(idx))

		if pk.nextPiece == idx {
			pk.nextPiece++
			pk.nextBlock = 0
		}
		return
	}

	for _, b := range p.blocks {
		if b.status == StatusDone {
			pk.remainingBlocks++
		}
		b.status = StatusWant
		b.owners = nil
	}
	p.doneBlocks = 0
	p.verified = false
	p.status = StatusWant
	pk.weHave.Clear(int(idx))
}

// AbortDownload releases every block a peer had in flight, returning
// them to want so another peer can pick them up, and forgets the peer's
// piece availability contribution and affinity state. Call this when a
// peer connection is torn down.
func (pk *Picker) AbortDownload(peer netip.AddrPort, peerBF bitfield.Bitfield) {
	pk.peerMu.Lock()
	assignments := pk.peerAssigned[peer]
	keys := make([]uint64, 0, len(assignments))
	for k := range assignments {
		keys = append(keys, k)
	}
	delete(pk.peerAssigned, peer)
	delete(pk.peerInflight, peer)
	delete(pk.peerAffinity, peer)
	pk.peerMu.Unlock()

	pk.mu.Lock()
	for _, key := range keys {
		pieceIdx := uint32(key >> 32)
		begin := uint32(key & 0xFFFFFFFF)
		pk.releaseBlockLocked(pieceIdx, begin)
	}
	if peerBF != nil {
		for i := uint32(0); i < pk.pieceCount; i++ {
			if peerBF.Has(int(i)) {
				pk.availability.Move(int(i), -1)
			}
		}
	}
	pk.mu.Unlock()
}

func (pk *Picker) releaseBlockLocked(pieceIdx, begin uint32) {
	if pieceIdx >= pk.pieceCount {
		return
	}
	p := pk.pieces[pieceIdx]
	blockIdx, ok := BlockIndexForBegin(begin, p.length)
	if !ok || blockIdx >= p.blockCount {
		return
	}
	b := p.blocks[blockIdx]
	if b.status == StatusInflight {
		b.status = StatusWant
		pk.remainingBlocks++
	}
	b.owners = nil
}

// OnBlockReceived marks a block as done, returning any other peers that
// had the same block in flight (relevant in end-game mode, where CANCEL
// messages should be sent to them).
func (pk *Picker) OnBlockReceived(peer netip.AddrPort, pieceIdx, begin uint32) []netip.AddrPort {
	pk.unassignFromPeer(peer, pieceIdx, begin)

	pk.mu.Lock()
	defer pk.mu.Unlock()

	if pieceIdx >= pk.pieceCount {
		return nil
	}
	p := pk.pieces[pieceIdx]
	blockIdx, ok := BlockIndexForBegin(begin, p.length)
	if !ok || blockIdx >= p.blockCount {
		return nil
	}
	b := p.blocks[blockIdx]
	if b.status == StatusDone {
		return nil
	}
	if b.status == StatusWant && pk.remainingBlocks > 0 {
		pk.remainingBlocks--
	}
	b.status = StatusDone
	p.doneBlocks++

	var others []netip.AddrPort
	for _, o := range b.owners {
		if o.peer != peer {
			others = append(others, o.peer)
		}
	}
	b.owners = nil

	if pk.remainingBlocks <= uint32(pk.settings.EndgameThreshold) {
		pk.endgame = true
	}

	return others
}

// CheckTimeouts releases blocks whose in-flight request is older than
// timeout, returning them so the caller can re-request elsewhere.
func (pk *Picker) CheckTimeouts(timeout time.Duration) []Request {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	var out []Request
	now := time.Now()

	for _, p := range pk.pieces {
		if p.verified {
			continue
		}
		for bi, b := range p.blocks {
			if b.status != StatusInflight || len(b.owners) == 0 {
				continue
			}

			kept := b.owners[:0]
			for _, o := range b.owners {
				if now.Sub(o.requestedAt) <= timeout {
					kept = append(kept, o)
					continue
				}

				begin, length, _ := BlockBounds(p.length, uint32(bi))
				out = append(out, Request{Piece: p.index, Begin: begin, Length: length})
				pk.peerMu.Lock()
				delete(pk.peerAssigned[o.peer], blockKey(p.index, begin))
				if n := pk.peerInflight[o.peer]; n > 0 {
					pk.peerInflight[o.peer] = n - 1
				}
				pk.peerMu.Unlock()
			}
			b.owners = kept
			if len(b.owners) == 0 {
				b.status = StatusWant
				pk.remainingBlocks++
			}
		}
	}

	return out
}

func (pk *Picker) unassignFromPeer(peer netip.AddrPort, pieceIdx, begin uint32) {
	key := blockKey(pieceIdx, begin)

	pk.peerMu.Lock()
	defer pk.peerMu.Unlock()

	if assignments, ok := pk.peerAssigned[peer]; ok {
		delete(assignments, key)
		if len(assignments) == 0 {
			delete(pk.peerAssigned, peer)
		}
	}
	if n, ok := pk.peerInflight[peer]; ok {
		if n > 0 {
			pk.peerInflight[peer] = n - 1
		}
		if pk.peerInflight[peer] == 0 {
			delete(pk.peerInflight, peer)
		}
	}
}
