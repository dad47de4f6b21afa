package piece

import (
	"math/rand/v2"
	"net/netip"
	"sort"
	"time"

	"github.com/prxssh/rabbitcore/internal/bitfield"
	"github.com/prxssh/rabbitcore/internal/config"
)

// NextForPeer returns up to n new requests to send to peer, in priority
// order:
//
//  1. affinity: continue the piece this peer most recently fetched a
//     block from, if it still has unfinished blocks the peer can serve;
//  2. whole-piece mode: once the peer's outstanding request count
//     reaches WholePieceThreshold, refuse to open a brand-new piece for
//     it and only extend pieces already in progress — unless end-game
//     has already begun, in which case end-game wins and candidates
//     are unrestricted;
//  3. the configured strategy (rarest-first, sequential, or random).
//     Rarest-first and random are partitioned by piece priority so
//     higher-priority pieces are always exhausted before lower ones;
//     sequential takes pieces in index order and only skips
//     PrioritySkip pieces.
func (pk *Picker) NextForPeer(peer *PeerView, n int) []Request {
	if peer == nil || !peer.Unchoked || n <= 0 {
		return nil
	}

	capacity := pk.peerCapacity(peer.Addr)
	if capacity == 0 {
		return nil
	}
	n = min(n, capacity)

	pk.mu.RLock()
	endgame := pk.endgame
	pk.mu.RUnlock()

	if endgame {
		return pk.selectEndgame(peer, n)
	}

	reqs := make([]Request, 0, n)

	if aff, ok := pk.affinityPiece(peer.Addr); ok {
		reqs = append(reqs, pk.drainPiece(peer.Addr, aff, peer.Bitfield, n)...)
	}

	wholePieceMode := pk.peerInflightCount(peer.Addr) >= pk.settings.WholePieceThreshold
	if wholePieceMode {
		reqs = append(reqs, pk.continueInProgress(peer.Addr, peer.Bitfield, n-len(reqs))...)
		return reqs
	}

	remaining := n - len(reqs)
	if remaining <= 0 {
		return reqs
	}

	var strategy func(netip.AddrPort, bitfield.Bitfield, int) []Request
	switch pk.settings.PieceDownloadStrategy {
	case config.PieceDownloadStrategySequential:
		strategy = pk.selectSequential
	case config.PieceDownloadStrategyRandom:
		strategy = pk.selectRandom
	default:
		strategy = pk.selectRarestFirst
	}

	reqs = append(reqs, strategy(peer.Addr, peer.Bitfield, remaining)...)
	return reqs
}

// affinityPiece returns the last piece index the peer fetched a block
// from, if that piece is still unfinished.
func (pk *Picker) affinityPiece(peer netip.AddrPort) (uint32, bool) {
	pk.peerMu.RLock()
	idx, ok := pk.peerAffinity[peer]
	pk.peerMu.RUnlock()
	if !ok {
		return 0, false
	}

	pk.mu.RLock()
	defer pk.mu.RUnlock()
	if idx >= pk.pieceCount || pk.pieces[idx].verified {
		return 0, false
	}
	return idx, true
}

// drainPiece requests remaining blocks of a single piece the peer has,
// up to n.
func (pk *Picker) drainPiece(peer netip.AddrPort, idx uint32, peerBF bitfield.Bitfield, n int) []Request {
	if n <= 0 || !peerBF.Has(int(idx)) {
		return nil
	}

	pk.mu.Lock()
	defer pk.mu.Unlock()

	p := pk.pieces[idx]
	if p.verified {
		return nil
	}

	var reqs []Request
	for bi := uint32(0); bi < p.blockCount && len(reqs) < n; bi++ {
		if p.blocks[bi].status != StatusWant {
			continue
		}
		if req, ok := pk.safeAssignLocked(peer, idx, bi, 1); ok {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// continueInProgress implements whole-piece assignment: rather than
// spreading a peer's request quota across many pieces, it hands the
// peer every remaining block of a single piece that already has a done
// block, and never opens a fresh one (with no such piece the peer gets
// no requests). This keeps
// the last few pieces from being fragmented across slow peers near
// the end of a download.
func (pk *Picker) continueInProgress(peer netip.AddrPort, peerBF bitfield.Bitfield, n int) []Request {
	if n <= 0 {
		return nil
	}

	pk.mu.Lock()
	defer pk.mu.Unlock()

	target := uint32(0)
	found := false
	for i := uint32(0); i < pk.pieceCount; i++ {
		p := pk.pieces[i]
		if p.verified || p.priority == PrioritySkip || !peerBF.Has(int(i)) {
			continue
		}
		if p.doneBlocks > 0 {
			target, found = i, true
			break
		}
	}
	if !found {
		return nil
	}

	p := pk.pieces[target]
	var reqs []Request
	for bi := uint32(0); bi < p.blockCount && len(reqs) < n; bi++ {
		if p.blocks[bi].status != StatusWant {
			continue
		}
		if req, ok := pk.safeAssignLocked(peer, target, bi, 1); ok {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

func (pk *Picker) selectEndgame(peer *PeerView, n int) []Request {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	var reqs []Request
	for _, p := range pk.pieces {
		if len(reqs) >= n {
			break
		}
		if p.verified || p.priority == PrioritySkip || !peer.Bitfield.Has(int(p.index)) {
			continue
		}
		for bi := uint32(0); bi < p.blockCount && len(reqs) < n; bi++ {
			b := p.blocks[bi]
			if b.status == StatusDone {
				continue
			}
			alreadyOwns := false
			for _, o := range b.owners {
				if o.peer == peer.Addr {
					alreadyOwns = true
					break
				}
			}
			if alreadyOwns {
				continue
			}
			if req, ok := pk.safeAssignLocked(peer.Addr, p.index, bi, pk.settings.EndgameDupPerBlock); ok {
				reqs = append(reqs, req)
			}
		}
	}
	return reqs
}

func (pk *Picker) selectSequential(peer netip.AddrPort, peerBF bitfield.Bitfield, n int) []Request {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	var reqs []Request
	for pk.nextPiece < pk.pieceCount && len(reqs) < n {
		for pk.nextPiece < pk.pieceCount && (pk.pieces[pk.nextPiece].verified || pk.pieces[pk.nextPiece].priority == PrioritySkip) {
			pk.nextPiece++
			pk.nextBlock = 0
		}
		if pk.nextPiece >= pk.pieceCount || !peerBF.Has(int(pk.nextPiece)) {
			return reqs
		}

		p := pk.pieces[pk.nextPiece]
		advanced := false
		for bi := pk.nextBlock; bi < p.blockCount && len(reqs) < n; bi++ {
			if p.blocks[bi].status != StatusWant {
				continue
			}
			if req, ok := pk.safeAssignLocked(peer, p.index, bi, 1); ok {
				reqs = append(reqs, req)
				pk.nextBlock = bi + 1
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}
	return reqs
}

func (pk *Picker) selectRandom(peer netip.AddrPort, peerBF bitfield.Bitfield, n int) []Request {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	candidates := pk.candidatesByPriorityLocked(peerBF)
	if len(candidates) == 0 {
		return nil
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return pk.pieces[candidates[i]].priority > pk.pieces[candidates[j]].priority
	})

	var reqs []Request
	for _, idx := range candidates {
		if len(reqs) >= n {
			break
		}
		p := pk.pieces[idx]
		for bi := uint32(0); bi < p.blockCount && len(reqs) < n; bi++ {
			if p.blocks[bi].status != StatusWant {
				continue
			}
			if req, ok := pk.safeAssignLocked(peer, idx, bi, 1); ok {
				reqs = append(reqs, req)
				break
			}
		}
	}
	return reqs
}

func (pk *Picker) selectRarestFirst(peer netip.AddrPort, peerBF bitfield.Bitfield, n int) []Request {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	byPriority := pk.candidatesByPriorityLocked(peerBF)
	wanted := make(map[uint32]bool, len(byPriority))
	for _, idx := range byPriority {
		wanted[idx] = true
	}

	var reqs []Request
	rarestAvail, ok := pk.availability.FirstNonEmpty()
	if !ok {
		return nil
	}

	// Priority classes high to low; rarest availability first within each.
	var classBuckets [][]int
	for prio := MaxPriority; prio > PrioritySkip; prio-- {
		for a := rarestAvail; a <= pk.availability.maxAvail; a++ {
			var bucket []int
			for _, idx := range pk.availability.Bucket(a) {
				if pk.pieces[idx].priority == prio {
					bucket = append(bucket, idx)
				}
			}
			classBuckets = append(classBuckets, bucket)
		}
	}

	for _, bucket := range classBuckets {
		for _, idx := range bucket {
			if len(reqs) >= n || !wanted[uint32(idx)] {
				continue
			}
			p := pk.pieces[idx]
			for bi := uint32(0); bi < p.blockCount && len(reqs) < n; bi++ {
				if p.blocks[bi].status != StatusWant {
					continue
				}
				if req, ok := pk.safeAssignLocked(peer, uint32(idx), bi, 1); ok {
					reqs = append(reqs, req)
					break
				}
			}
		}
	}
	return reqs
}

// candidatesByPriorityLocked returns eligible piece indices the peer has,
// sorted with higher priority classes first (pk.mu must be held).
func (pk *Picker) candidatesByPriorityLocked(peerBF bitfield.Bitfield) []uint32 {
	byPrio := make([][]uint32, MaxPriority+1)
	for i := uint32(0); i < pk.pieceCount; i++ {
		p := pk.pieces[i]
		if p.verified || p.priority == PrioritySkip || !peerBF.Has(int(i)) {
			continue
		}
		byPrio[p.priority] = append(byPrio[p.priority], i)
	}

	out := make([]uint32, 0, pk.pieceCount)
	for prio := MaxPriority; prio > PrioritySkip; prio-- {
		out = append(out, byPrio[prio]...)
	}
	return out
}

func (pk *Picker) peerCapacity(peer netip.AddrPort) int {
	pk.peerMu.RLock()
	used := pk.peerInflight[peer]
	pk.peerMu.RUnlock()

	return max(0, pk.settings.MaxInflightRequestsPerPeer-used)
}

// peerInflightCount returns how many blocks are currently outstanding
// to peer.
func (pk *Picker) peerInflightCount(peer netip.AddrPort) int {
	pk.peerMu.RLock()
	defer pk.peerMu.RUnlock()

	return pk.peerInflight[peer]
}

// safeAssignLocked assigns block bi of piece idx to peer, provided fewer
// than duplicateLimit peers already own it. pk.mu must be held.
func (pk *Picker) safeAssignLocked(
	peer netip.AddrPort,
	idx, bi uint32,
	duplicateLimit int,
) (Request, bool) {
	p := pk.pieces[idx]
	b := p.blocks[bi]

	begin, length, ok := BlockBounds(p.length, bi)
	if !ok || len(b.owners) >= duplicateLimit {
		return Request{}, false
	}

	p.status = StatusInflight
	b.status = StatusInflight
	b.owners = append(b.owners, &blockOwner{peer: peer, requestedAt: time.Now()})
	if pk.remainingBlocks > 0 {
		pk.remainingBlocks--
	}

	pk.peerMu.Lock()
	if pk.peerAssigned[peer] == nil {
		pk.peerAssigned[peer] = make(map[uint64]struct{})
	}
	pk.peerAssigned[peer][blockKey(idx, begin)] = struct{}{}
	pk.peerInflight[peer]++
	pk.peerAffinity[peer] = idx
	pk.peerMu.Unlock()

	return Request{Piece: idx, Begin: begin, Length: length}, true
}
