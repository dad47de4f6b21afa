package swarm

import (
	"context"
	"net/netip"

	"github.com/prxssh/rabbitcore/internal/peer"
)

// verify drives the startup portion of the state machine: check the
// resume data against on-disk reality; if it doesn't match (or there
// isn't any), hash every piece instead. Either way the picker ends up
// knowing exactly which pieces we already have before the download
// loops start.
func (s *Swarm) verify(ctx context.Context) error {
	s.setState(StateCheckingResume)

	ok, err := s.checkFastResume()
	if err != nil {
		return err
	}
	if !ok {
		s.setState(StateCheckingFiles)
		if err := s.checkFiles(ctx); err != nil {
			return err
		}
	}

	s.advanceIfComplete()
	return nil
}

// checkFastResume compares resumeInfo's recorded (size, mtime) pairs
// against on-disk reality via a single control job. A nil/empty
// resumeInfo (no prior session) is treated as a mismatch, forcing a
// full re-hash.
func (s *Swarm) checkFastResume() (bool, error) {
	if len(s.resumeInfo) == 0 {
		return false, nil
	}

	job := newCheckFastResumeJob(s.store, s.resumeInfo, s.fullAllocation)
	s.disk.Submit(job)
	res := job.Wait()
	if res.Err != nil {
		return false, res.Err
	}

	if res.OK {
		for i := uint32(0); i < s.picker.PieceCount(); i++ {
			s.picker.WeHave(i)
		}
	}
	return res.OK, nil
}

// checkFiles hashes every piece, telling the picker which ones verify.
// Pieces that fail are left as want so the normal download loop picks
// them up from peers.
func (s *Swarm) checkFiles(ctx context.Context) error {
	n := s.picker.PieceCount()
	for i := uint32(0); i < n; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job := newHashJob(s.store, i, int64(s.picker.PieceLength(i)))
		s.disk.Submit(job)
		res := job.Wait()
		if res.Err != nil {
			s.log.Warn("check_files hash failed", "piece", i, "error", res.Err)
			continue
		}
		if res.Hash == s.picker.PieceHash(i) {
			s.picker.WeHave(i)
		}
	}
	return nil
}

// advanceIfComplete transitions into seeding if every piece already
// verified (e.g. a completed resume), otherwise into downloading.
func (s *Swarm) advanceIfComplete() {
	if s.allPiecesVerified() {
		s.setState(StateSeeding)
		return
	}
	s.setState(StateDownloading)
}

func (s *Swarm) allPiecesVerified() bool {
	bf := s.picker.Bitfield()
	return bf.All()
}

// onPieceVerified runs once a piece's write-flush hash job confirms a
// match: mark it done, announce HAVE to every peer, and check for a
// download -> finished/seeding transition.
func (s *Swarm) onPieceVerified(idx uint32) {
	s.picker.WeHave(idx)
	s.announceHave(idx)

	if s.State() == StateDownloading && s.allPiecesVerified() {
		s.setState(StateFinished)
		s.setState(StateSeeding)
	}
}

func (s *Swarm) announceHave(idx uint32) {
	s.eachPeer(func(_ netip.AddrPort, p *peer.Peer) {
		p.SendHave(idx)
	})
}

// onPieceFailed runs when a piece's verification hash doesn't match:
// return the piece to want, and bump the failure counter of every peer
// that contributed a block to it, disconnecting any that crossed the
// threshold.
func (s *Swarm) onPieceFailed(idx uint32, contributors []netip.AddrPort) {
	s.picker.RestorePiece(idx)

	s.peerMu.Lock()
	var toDisconnect []netip.AddrPort
	for _, addr := range contributors {
		s.failureCounts[addr]++
		if s.failureCounts[addr] > s.settings.MaxPieceFailuresPerPeer {
			toDisconnect = append(toDisconnect, addr)
		}
	}
	s.peerMu.Unlock()

	for _, addr := range toDisconnect {
		if p, ok := s.GetPeer(addr); ok {
			s.log.Warn("disconnecting peer over piece failure threshold", "addr", addr)
			p.Close()
		}
	}
}
