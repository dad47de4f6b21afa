package piece

import "testing"

func TestPieceCount(t *testing.T) {
	tests := []struct {
		name      string
		size      uint64
		pieceLen  uint32
		wantCount uint32
		wantOK    bool
	}{
		{"zero size", 0, 1024, 0, false},
		{"zero pieceLen", 1024, 0, 0, false},
		{"exact fit", 2048, 1024, 2, true},
		{"one extra byte", 2049, 1024, 3, true},
		{"less than one piece", 512, 1024, 1, true},
		{"large size", 1 << 30, 1 << 20, 1024, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotCount, gotOK := PieceCount(tt.size, tt.pieceLen)
			if gotCount != tt.wantCount || gotOK != tt.wantOK {
				t.Errorf("PieceCount() = (%v, %v), want (%v, %v)", gotCount, gotOK, tt.wantCount, tt.wantOK)
			}
		})
	}
}

func TestLastPieceLength(t *testing.T) {
	tests := []struct {
		name     string
		size     uint64
		pieceLen uint32
		wantLen  uint32
		wantOK   bool
	}{
		{"zero size", 0, 1024, 0, false},
		{"zero pieceLen", 1024, 0, 0, false},
		{"exact fit", 2048, 1024, 1024, true},
		{"one extra byte", 2049, 1024, 1, true},
		{"less than one piece", 512, 1024, 512, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotLen, gotOK := LastPieceLength(tt.size, tt.pieceLen)
			if gotLen != tt.wantLen || gotOK != tt.wantOK {
				t.Errorf("LastPieceLength() = (%v, %v), want (%v, %v)", gotLen, gotOK, tt.wantLen, tt.wantOK)
			}
		})
	}
}

func TestPieceLengthAt(t *testing.T) {
	tests := []struct {
		name     string
		index    uint32
		size     uint64
		pieceLen uint32
		wantLen  uint32
		wantOK   bool
	}{
		{"zero size", 0, 0, 1024, 0, false},
		{"zero pieceLen", 0, 1024, 0, 0, false},
		{"first piece", 0, 2048, 1024, 1024, true},
		{"last piece", 1, 2048, 1024, 1024, true},
		{"out of bounds", 2, 2048, 1024, 0, false},
		{"last piece (not exact)", 2, 2049, 1024, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotLen, gotOK := PieceLengthAt(tt.index, tt.size, tt.pieceLen)
			if gotLen != tt.wantLen || gotOK != tt.wantOK {
				t.Errorf("PieceLengthAt() = (%v, %v), want (%v, %v)", gotLen, gotOK, tt.wantLen, tt.wantOK)
			}
		})
	}
}

func TestBlockCountForPiece(t *testing.T) {
	tests := []struct {
		name      string
		pieceLen  uint32
		blockLen  uint32
		wantCount uint32
		wantOK    bool
	}{
		{"zero pieceLen", 0, 16384, 0, false},
		{"zero blockLen", 1024, 0, 0, false},
		{"exact fit", 32768, 16384, 2, true},
		{"one extra byte", 32769, 16384, 3, true},
		{"less than one block", 8192, 16384, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotCount, gotOK := BlockCountForPiece(tt.pieceLen, tt.blockLen)
			if gotCount != tt.wantCount || gotOK != tt.wantOK {
				t.Errorf("BlockCountForPiece() = (%v, %v), want (%v, %v)", gotCount, gotOK, tt.wantCount, tt.wantOK)
			}
		})
	}
}

func TestBlockIndexForBegin(t *testing.T) {
	tests := []struct {
		name      string
		begin     uint32
		pieceLen  uint32
		wantIndex uint32
		wantOK    bool
	}{
		{"zero begin", 0, 32768, 0, true},
		{"in first block", 8192, 32768, 0, true},
		{"at boundary", 16384, 32768, 1, true},
		{"in second block", 24576, 32768, 1, true},
		{"out of bounds", 32768, 32768, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotIndex, gotOK := BlockIndexForBegin(tt.begin, tt.pieceLen)
			if gotIndex != tt.wantIndex || gotOK != tt.wantOK {
				t.Errorf("BlockIndexForBegin() = (%v, %v), want (%v, %v)", gotIndex, gotOK, tt.wantIndex, tt.wantOK)
			}
		})
	}
}

func TestBlockBounds(t *testing.T) {
	tests := []struct {
		name       string
		pieceLen   uint32
		blockIdx   uint32
		wantBegin  uint32
		wantLength uint32
		wantOK     bool
	}{
		{"zero pieceLen", 0, 0, 0, 0, false},
		{"first block", 32768, 0, 0, 16384, true},
		{"second block", 32768, 1, 16384, 16384, true},
		{"last block (not exact)", 32769, 2, 32768, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotBegin, gotLength, gotOK := BlockBounds(tt.pieceLen, tt.blockIdx)
			if gotBegin != tt.wantBegin || gotLength != tt.wantLength || gotOK != tt.wantOK {
				t.Errorf("BlockBounds() = (%v, %v, %v), want (%v, %v, %v)", gotBegin, gotLength, gotOK, tt.wantBegin, tt.wantLength, tt.wantOK)
			}
		})
	}
}
