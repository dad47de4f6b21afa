package peer

import (
	"crypto/sha1"
	"errors"
	"io"
	"net"

	"github.com/prxssh/rabbitcore/internal/protocol"
)

var (
	ErrUnknownSwarm  = errors.New("peer: info hash does not match any known swarm")
	ErrDuplicatePeer = errors.New("peer: already connected to this peer for this swarm")
	ErrBadProtocol   = errors.New("peer: unrecognized protocol string")
)

// SwarmLookup resolves an inbound handshake's info hash to the local
// peer id to answer with, or reports the hash as unrecognized — the
// receive FSM's read_info_hash "swarm lookup + attach" step.
type SwarmLookup func(infoHash [sha1.Size]byte) (localPeerID [sha1.Size]byte, ok bool)

// DuplicateCheck reports whether remotePeerID is already connected
// within the swarm identified by infoHash — the receive FSM's
// read_peer_id "duplicate-peer check" step.
type DuplicateCheck func(infoHash [sha1.Size]byte, remotePeerID [sha1.Size]byte) bool

// AcceptResult carries the outcome of a successful inbound handshake.
type AcceptResult struct {
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
	Reserved [8]byte
}

// AcceptHandshake drives a freshly accepted connection through the
// receive FSM's handshake states — read_proto_len, read_proto,
// read_info_hash, read_peer_id — before any message framing begins. On
// success the local handshake has already been written back and the
// connection is positioned to enter the message loop at read_msg_len.
func AcceptHandshake(conn net.Conn, lookup SwarmLookup, dup DuplicateCheck) (*AcceptResult, connState, error) {
	state := stateProtoLen

	var lenBuf [1]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, state, err
	}
	if lenBuf[0] != 19 {
		return nil, state, ErrBadProtocol
	}

	state = stateProto
	rest := make([]byte, int(lenBuf[0])+8) // pstr + reserved
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, state, err
	}
	if string(rest[:19]) != "BitTorrent protocol" {
		return nil, state, ErrBadProtocol
	}
	var reserved [8]byte
	copy(reserved[:], rest[19:])

	state = stateInfoHash
	var infoHash [sha1.Size]byte
	if _, err := io.ReadFull(conn, infoHash[:]); err != nil {
		return nil, state, err
	}
	localPeerID, ok := lookup(infoHash)
	if !ok {
		return nil, state, ErrUnknownSwarm
	}

	state = statePeerID
	var remotePeerID [sha1.Size]byte
	if _, err := io.ReadFull(conn, remotePeerID[:]); err != nil {
		return nil, state, err
	}
	if dup != nil && dup(infoHash, remotePeerID) {
		return nil, state, ErrDuplicatePeer
	}

	reply := protocol.NewHandshake(infoHash, localPeerID)
	if err := protocol.WriteHandshake(conn, *reply); err != nil {
		return nil, state, err
	}

	return &AcceptResult{InfoHash: infoHash, PeerID: remotePeerID, Reserved: reserved}, stateMsgLen, nil
}
