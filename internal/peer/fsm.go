// Package peer implements one BitTorrent peer connection: the inbound
// handshake state machine, the length-prefixed message framer, the
// per-peer request pipeline, and the BEP 10 extension protocol
// (including ut_metadata). It is the only package that touches a raw
// net.Conn to another client.
package peer

// connState names a step of the inbound connection's handshake state
// machine, in the order a freshly accepted socket passes through them.
// Outbound connections skip straight to stateMsgLen once
// protocol.Handshake.Exchange succeeds, since the dialer already knows
// the info hash it's connecting for.
type connState uint8

const (
	stateProtoLen connState = iota
	stateProto
	stateInfoHash
	statePeerID
	stateMsgLen
	stateMsgBody
)

func (s connState) String() string {
	switch s {
	case stateProtoLen:
		return "read_proto_len"
	case stateProto:
		return "read_proto"
	case stateInfoHash:
		return "read_info_hash"
	case statePeerID:
		return "read_peer_id"
	case stateMsgLen:
		return "read_msg_len"
	case stateMsgBody:
		return "read_msg_body"
	default:
		return "unknown"
	}
}
