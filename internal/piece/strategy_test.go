package piece

import (
	"crypto/sha1"
	"net/netip"
	"testing"

	"github.com/prxssh/rabbitcore/internal/config"
)

func TestNextForPeer_Sequential(t *testing.T) {
	settings := testSettings(t)
	settings.PieceDownloadStrategy = config.PieceDownloadStrategySequential
	settings.EndgameThreshold = 0

	hashes := [][sha1.Size]byte{{0x1}, {0x2}, {0x3}}
	pk, err := NewPicker(hashes, 16384, 49152, settings)
	if err != nil {
		t.Fatalf("NewPicker error: %v", err)
	}
	peer := netip.MustParseAddrPort("1.2.3.4:5678")
	peerView := &PeerView{Addr: peer, Bitfield: onesBitfield(3), Unchoked: true}

	reqs := pk.NextForPeer(peerView, 1)
	if len(reqs) != 1 || reqs[0].Piece != 0 {
		t.Fatalf("expected first request to target piece 0, got %+v", reqs)
	}
}

func TestNextForPeer_RarestFirst(t *testing.T) {
	settings := testSettings(t)
	settings.PieceDownloadStrategy = config.PieceDownloadStrategyRarestFirst
	settings.EndgameThreshold = 0

	hashes := [][sha1.Size]byte{{0x1}, {0x2}, {0x3}}
	pk, err := NewPicker(hashes, 16384, 49152, settings)
	if err != nil {
		t.Fatalf("NewPicker error: %v", err)
	}

	bf := onesBitfield(3)
	// Make pieces 0 and 2 common, piece 1 rare, by announcing several
	// peer bitfields that only include 0 and 2.
	for i := 0; i < 3; i++ {
		other := netip.MustParseAddrPort("9.9.9.9:1")
		commonBF := onesBitfield(3)
		commonBF.Clear(1)
		pk.OnPeerBitfield(other, commonBF)
	}

	peer := netip.MustParseAddrPort("1.2.3.4:5678")
	peerView := &PeerView{Addr: peer, Bitfield: bf, Unchoked: true}

	reqs := pk.NextForPeer(peerView, 1)
	if len(reqs) != 1 || reqs[0].Piece != 1 {
		t.Fatalf("expected rarest piece (1) to be picked first, got %+v", reqs)
	}
}

func TestNextForPeer_AffinityContinuesSamePiece(t *testing.T) {
	settings := testSettings(t)
	settings.EndgameThreshold = 0
	hashes := [][sha1.Size]byte{{0x1}, {0x2}}
	pk, err := NewPicker(hashes, 32768, 65536, settings) // 2 blocks per piece
	if err != nil {
		t.Fatalf("NewPicker error: %v", err)
	}
	peer := netip.MustParseAddrPort("1.2.3.4:5678")
	peerView := &PeerView{Addr: peer, Bitfield: onesBitfield(2), Unchoked: true}

	first := pk.NextForPeer(peerView, 1)
	if len(first) != 1 {
		t.Fatalf("expected 1 request, got %d", len(first))
	}

	second := pk.NextForPeer(peerView, 1)
	if len(second) != 1 || second[0].Piece != first[0].Piece {
		t.Fatalf("expected affinity to continue piece %d, got %+v", first[0].Piece, second)
	}
}

func TestNextForPeer_ChokedPeerGetsNothing(t *testing.T) {
	settings := testSettings(t)
	hashes := [][sha1.Size]byte{{0x1}}
	pk, err := NewPicker(hashes, 16384, 16384, settings)
	if err != nil {
		t.Fatalf("NewPicker error: %v", err)
	}
	peer := netip.MustParseAddrPort("1.2.3.4:5678")
	peerView := &PeerView{Addr: peer, Bitfield: onesBitfield(1), Unchoked: false}

	if reqs := pk.NextForPeer(peerView, 5); reqs != nil {
		t.Fatalf("choked peer should get no requests, got %+v", reqs)
	}
}

func TestNextForPeer_EndgameAllowsDuplicateOwners(t *testing.T) {
	settings := testSettings(t)
	settings.EndgameThreshold = 100 // force endgame immediately

	hashes := [][sha1.Size]byte{{0x1}}
	pk, err := NewPicker(hashes, 16384, 16384, settings)
	if err != nil {
		t.Fatalf("NewPicker error: %v", err)
	}

	peerA := netip.MustParseAddrPort("1.1.1.1:1")
	peerB := netip.MustParseAddrPort("2.2.2.2:2")
	bf := onesBitfield(1)

	viewA := &PeerView{Addr: peerA, Bitfield: bf, Unchoked: true}
	reqsA := pk.NextForPeer(viewA, 1)
	if len(reqsA) != 1 {
		t.Fatalf("expected peer A to get a request once in endgame, got %+v", reqsA)
	}

	viewB := &PeerView{Addr: peerB, Bitfield: bf, Unchoked: true}
	reqsB := pk.NextForPeer(viewB, 1)
	if len(reqsB) != 1 {
		t.Fatalf("expected peer B to duplicate-request the same block in endgame, got %+v", reqsB)
	}
}
