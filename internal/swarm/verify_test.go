package swarm

import (
	"net/netip"
	"testing"
)

func TestCheckFastResume_NoResumeInfoForcesRehash(t *testing.T) {
	settings := testSettings(t)
	s := newTestSwarm(t, settings)

	ok, err := s.checkFastResume()
	if err != nil {
		t.Fatalf("checkFastResume() error = %v", err)
	}
	if ok {
		t.Error("checkFastResume() = true with no resume info, want false")
	}
}

func TestAdvanceIfComplete_AllVerifiedGoesToSeeding(t *testing.T) {
	settings := testSettings(t)
	s := newTestSwarm(t, settings)

	for i := uint32(0); i < s.picker.PieceCount(); i++ {
		s.picker.WeHave(i)
	}

	s.advanceIfComplete()
	if got := s.State(); got != StateSeeding {
		t.Errorf("State() = %v, want %v", got, StateSeeding)
	}
}

func TestAdvanceIfComplete_PartialGoesToDownloading(t *testing.T) {
	settings := testSettings(t)
	s := newTestSwarm(t, settings)

	s.advanceIfComplete()
	if got := s.State(); got != StateDownloading {
		t.Errorf("State() = %v, want %v", got, StateDownloading)
	}
}

func TestOnPieceFailed_RestoresPieceAndCountsFailures(t *testing.T) {
	settings := testSettings(t)
	settings.MaxPieceFailuresPerPeer = 2
	s := newTestSwarm(t, settings)

	s.picker.WeHave(0)

	addr := mustAddr(t, "1.2.3.4:6881")
	s.onPieceFailed(0, []netip.AddrPort{addr})

	if s.picker.PieceComplete(0) {
		t.Error("piece 0 still marked complete after onPieceFailed")
	}
	if n := s.failureCounts[addr]; n != 1 {
		t.Errorf("failureCounts[addr] = %d, want 1", n)
	}
}

func TestOnPieceFailed_DisconnectsOverThreshold(t *testing.T) {
	settings := testSettings(t)
	settings.MaxPieceFailuresPerPeer = 1
	s := newTestSwarm(t, settings)

	addr := mustAddr(t, "1.2.3.4:6881")
	s.failureCounts[addr] = 1

	// No live *peer.Peer is registered for addr, so the disconnect path
	// (GetPeer + Close) is a no-op here; this only exercises the
	// counting and threshold-crossing decision, not the actual close.
	s.onPieceFailed(0, []netip.AddrPort{addr})

	if n := s.failureCounts[addr]; n != 2 {
		t.Errorf("failureCounts[addr] = %d, want 2", n)
	}
}
