package piece

import (
	"crypto/sha1"
	"net/netip"
	"testing"

	"github.com/prxssh/rabbitcore/internal/bitfield"
	"github.com/prxssh/rabbitcore/internal/config"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()

	s, err := config.DefaultSettings()
	if err != nil {
		t.Fatalf("DefaultSettings() error: %v", err)
	}
	return s
}

func TestNewPicker(t *testing.T) {
	tests := []struct {
		name        string
		pieceHashes [][sha1.Size]byte
		pieceLen    uint32
		size        uint64
		wantErr     bool
		wantCount   uint32
	}{
		{
			name:        "valid arguments",
			pieceHashes: [][sha1.Size]byte{{}, {}},
			pieceLen:    16384,
			size:        32768,
			wantCount:   2,
		},
		{
			name:        "invalid size",
			pieceHashes: [][sha1.Size]byte{},
			pieceLen:    16384,
			size:        0,
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pk, err := NewPicker(tt.pieceHashes, tt.pieceLen, tt.size, testSettings(t))
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewPicker() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && pk.PieceCount() != tt.wantCount {
				t.Errorf("PieceCount() = %d, want %d", pk.PieceCount(), tt.wantCount)
			}
		})
	}
}

func TestPicker_PieceLengthAndHash(t *testing.T) {
	hashes := [][sha1.Size]byte{{0x1}, {0x2}}
	pk, err := NewPicker(hashes, 16384, 32768, testSettings(t))
	if err != nil {
		t.Fatalf("NewPicker error: %v", err)
	}

	if got := pk.PieceLength(0); got != 16384 {
		t.Errorf("PieceLength(0) = %d, want 16384", got)
	}
	if got := pk.PieceHash(1); got != hashes[1] {
		t.Errorf("PieceHash(1) = %v, want %v", got, hashes[1])
	}
	if pk.PieceComplete(0) {
		t.Errorf("PieceComplete(0) should be false initially")
	}
}

func TestPicker_WeHaveAndWeDontHave(t *testing.T) {
	hashes := [][sha1.Size]byte{{0x1}}
	pk, err := NewPicker(hashes, 16384, 16384, testSettings(t))
	if err != nil {
		t.Fatalf("NewPicker error: %v", err)
	}

	pk.WeHave(0)
	if !pk.PieceComplete(0) {
		t.Errorf("expected piece 0 complete after WeHave")
	}
	if status := pk.PieceStatus(); status[0] != StatusDone {
		t.Errorf("PieceStatus()[0] = %v, want StatusDone", status[0])
	}
	if !pk.Bitfield().Has(0) {
		t.Errorf("Bitfield() should report piece 0 as had")
	}

	pk.WeDontHave(0)
	if pk.PieceComplete(0) {
		t.Errorf("expected piece 0 incomplete after WeDontHave")
	}
	if pk.Bitfield().Has(0) {
		t.Errorf("Bitfield() should not report piece 0 after WeDontHave")
	}
}

func TestPicker_OnBlockReceived_MarksBlockDone(t *testing.T) {
	hashes := [][sha1.Size]byte{{0x1}}
	pk, err := NewPicker(hashes, 16384, 16384, testSettings(t))
	if err != nil {
		t.Fatalf("NewPicker error: %v", err)
	}
	peer := netip.MustParseAddrPort("1.2.3.4:5678")

	peerView := &PeerView{Addr: peer, Bitfield: onesBitfield(1), Unchoked: true}
	reqs := pk.NextForPeer(peerView, 1)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}

	others := pk.OnBlockReceived(peer, reqs[0].Piece, reqs[0].Begin)
	if others != nil {
		t.Errorf("expected no redundant owners, got %v", others)
	}
	if !pk.PieceComplete(0) {
		t.Errorf("single-block piece should be complete after its only block arrives")
	}
}

func TestPicker_AbortDownload_ReleasesBlocks(t *testing.T) {
	hashes := [][sha1.Size]byte{{0x1}, {0x2}}
	pk, err := NewPicker(hashes, 16384, 32768, testSettings(t))
	if err != nil {
		t.Fatalf("NewPicker error: %v", err)
	}
	peer := netip.MustParseAddrPort("1.2.3.4:5678")
	bf := onesBitfield(2)

	peerView := &PeerView{Addr: peer, Bitfield: bf, Unchoked: true}
	reqs := pk.NextForPeer(peerView, 10)
	if len(reqs) == 0 {
		t.Fatalf("expected at least one request")
	}

	pk.AbortDownload(peer, bf)

	// After abort, a fresh peer should be able to get the same blocks again.
	peer2 := netip.MustParseAddrPort("5.6.7.8:9999")
	peerView2 := &PeerView{Addr: peer2, Bitfield: bf, Unchoked: true}
	reqs2 := pk.NextForPeer(peerView2, 10)
	if len(reqs2) == 0 {
		t.Fatalf("expected blocks to be reassignable after AbortDownload")
	}
}

func TestPicker_CheckTimeouts(t *testing.T) {
	hashes := [][sha1.Size]byte{{0x1}}
	pk, err := NewPicker(hashes, 16384, 16384, testSettings(t))
	if err != nil {
		t.Fatalf("NewPicker error: %v", err)
	}
	peer := netip.MustParseAddrPort("1.2.3.4:5678")
	peerView := &PeerView{Addr: peer, Bitfield: onesBitfield(1), Unchoked: true}

	if reqs := pk.NextForPeer(peerView, 1); len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}

	timeouts := pk.CheckTimeouts(0) // anything requested "now" is already > 0 elapsed
	if len(timeouts) != 1 {
		t.Fatalf("expected 1 timed-out request, got %d", len(timeouts))
	}

	// Block should be assignable again immediately.
	if reqs := pk.NextForPeer(peerView, 1); len(reqs) != 1 {
		t.Fatalf("expected block to be re-requestable after timeout, got %d requests", len(reqs))
	}
}

func TestPicker_SetPriority_ExcludesFromSelection(t *testing.T) {
	hashes := [][sha1.Size]byte{{0x1}, {0x2}}
	pk, err := NewPicker(hashes, 16384, 32768, testSettings(t))
	if err != nil {
		t.Fatalf("NewPicker error: %v", err)
	}
	pk.SetPriority(0, PrioritySkip)

	peer := netip.MustParseAddrPort("1.2.3.4:5678")
	peerView := &PeerView{Addr: peer, Bitfield: onesBitfield(2), Unchoked: true}

	reqs := pk.NextForPeer(peerView, 10)
	for _, r := range reqs {
		if r.Piece == 0 {
			t.Errorf("piece 0 has PrioritySkip and should never be requested, got %+v", r)
		}
	}
}

func onesBitfield(n int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}
