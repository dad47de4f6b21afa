// Package piece implements the piece picker: it tracks which blocks of
// which pieces are wanted, in flight, or done, ranks candidate pieces by
// rarity and priority, and decides what to request next from a given
// peer.
package piece

import (
	"crypto/sha1"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbitcore/internal/bitfield"
	"github.com/prxssh/rabbitcore/internal/config"
)

// Status is the lifecycle state of a block or a piece.
type Status uint8

const (
	StatusWant Status = iota
	StatusInflight
	StatusDone
)

// Priority ranks a piece's download eligibility, 0 through MaxPriority.
// PrioritySkip pieces are never selected by any strategy; pieces of equal
// priority are then ranked by rarity (or random order, depending on the
// configured strategy). The sequential strategy takes pieces in index
// order whatever their priority, skipping only PrioritySkip pieces.
type Priority uint8

const (
	PrioritySkip   Priority = 0
	PriorityNormal Priority = 4
	MaxPriority    Priority = 7
)

type blockOwner struct {
	peer        netip.AddrPort
	requestedAt time.Time
}

type block struct {
	status Status
	owners []*blockOwner
}

type pieceState struct {
	index         uint32
	status        Status
	priority      Priority
	length        uint32
	blockCount    uint32
	lastBlockSize uint32
	doneBlocks    uint32
	verified      bool
	blocks        []*block
	hash          [sha1.Size]byte
}

// BlockInfo identifies a block a peer should be asked for.
type BlockInfo struct {
	PieceIdx uint32
	Begin    uint32
	Length   uint32
}

// PeerView is the picker's view of one peer connection: its address, the
// pieces it has, and whether it has unchoked us (a choked peer will
// refuse requests, so the picker must not burn pipeline slots on it).
type PeerView struct {
	Addr     netip.AddrPort
	Bitfield bitfield.Bitfield
	Unchoked bool
}

// Picker tracks per-block download state across every piece of a single
// torrent and decides what to request next.
type Picker struct {
	settings *config.Settings

	mu              sync.RWMutex
	pieces          []*pieceState
	pieceCount      uint32
	nextPiece       uint32
	nextBlock       uint32
	remainingBlocks uint32
	lastPieceLength uint32
	endgame         bool
	availability    *availabilityBucket
	weHave          bitfield.Bitfield

	peerMu        sync.RWMutex
	peerAffinity  map[netip.AddrPort]uint32 // last piece index a peer fetched a block from
	peerInflight  map[netip.AddrPort]int
	peerAssigned  map[netip.AddrPort]map[uint64]struct{}
}

// permutationSeed derives a stable per-torrent seed for the
// availability bucket's tie-break shuffling from its piece hashes
// (effectively the infohash's constituents): the same torrent always
// permutes the same way, distinct torrents don't.
func permutationSeed(pieceHashes [][sha1.Size]byte) []byte {
	if len(pieceHashes) == 0 {
		return nil
	}
	seed := make([]byte, 0, len(pieceHashes)*sha1.Size)
	for _, h := range pieceHashes {
		seed = append(seed, h[:]...)
	}
	return seed
}

// NewPicker builds a picker for a torrent with the given piece hashes and
// piece length, covering a content of size bytes. settings supplies the
// tunables (peer cap, strategy, endgame/whole-piece thresholds); it is a
// snapshot and is not mutated.
func NewPicker(
	pieceHashes [][sha1.Size]byte,
	pieceLen uint32,
	size uint64,
	settings *config.Settings,
) (*Picker, error) {
	lastPieceLen, ok := LastPieceLength(size, pieceLen)
	if !ok {
		return nil, errors.New("piece: size/pieceLen out of bounds")
	}

	n := len(pieceHashes)
	pieces := make([]*pieceState, n)
	totalBlocks := uint32(0)

	for i := 0; i < n; i++ {
		currLen, _ := PieceLengthAt(uint32(i), size, pieceLen)
		blockCount, _ := BlocksInPiece(currLen)
		blocks := make([]*block, blockCount)
		totalBlocks += blockCount

		for j := range blocks {
			blocks[j] = &block{status: StatusWant}
		}

		lastBlockLen, _ := LastBlockInPiece(currLen)

		pieces[i] = &pieceState{
			index:         uint32(i),
			status:        StatusWant,
			priority:      PriorityNormal,
			length:        currLen,
			blocks:        blocks,
			blockCount:    blockCount,
			hash:          pieceHashes[i],
			lastBlockSize: lastBlockLen,
		}
	}

	return &Picker{
		settings:        settings,
		pieces:          pieces,
		pieceCount:      uint32(n),
		remainingBlocks: totalBlocks,
		lastPieceLength: lastPieceLen,
		endgame:         totalBlocks <= uint32(settings.EndgameThreshold),
		availability:    newAvailabilityBucket(n, settings.MaxPeers, permutationSeed(pieceHashes)),
		weHave:          bitfield.New(n),
		peerAffinity:    make(map[netip.AddrPort]uint32),
		peerInflight:    make(map[netip.AddrPort]int),
		peerAssigned:    make(map[netip.AddrPort]map[uint64]struct{}),
	}, nil
}

func (pk *Picker) PieceCount() uint32 {
	pk.mu.RLock()
	defer pk.mu.RUnlock()

	return pk.pieceCount
}

func (pk *Picker) PieceLength(idx uint32) uint32 {
	pk.mu.RLock()
	defer pk.mu.RUnlock()

	return pk.pieces[idx].length
}

func (pk *Picker) PieceHash(idx uint32) [sha1.Size]byte {
	pk.mu.RLock()
	defer pk.mu.RUnlock()

	return pk.pieces[idx].hash
}

func (pk *Picker) PieceComplete(idx uint32) bool {
	pk.mu.RLock()
	defer pk.mu.RUnlock()

	p := pk.pieces[idx]
	return p.doneBlocks == p.blockCount
}

// PieceStatus returns the current status of every piece, indexed by
// piece index.
func (pk *Picker) PieceStatus() []Status {
	pk.mu.RLock()
	defer pk.mu.RUnlock()

	states := make([]Status, pk.pieceCount)
	for i, p := range pk.pieces {
		states[i] = p.status
	}

	return states
}

// SetPriority assigns a download priority to a piece. PrioritySkip
// removes it from every selection strategy until raised again.
func (pk *Picker) SetPriority(idx uint32, prio Priority) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if idx < pk.pieceCount {
		pk.pieces[idx].priority = prio
	}
}

// Bitfield returns a snapshot of the pieces we currently have complete.
func (pk *Picker) Bitfield() bitfield.Bitfield {
	pk.mu.RLock()
	defer pk.mu.RUnlock()

	return pk.weHave.Clone()
}

func blockKey(piece, begin uint32) uint64 {
	return uint64(piece)<<32 | uint64(begin)
}
