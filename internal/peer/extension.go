package peer

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/prxssh/rabbitcore/internal/bencode"
)

// extHandshakeID is the reserved extended-message id for the BEP 10
// handshake itself, before any peer-local ids have been negotiated.
const extHandshakeID = 0

// Names of the extensions this engine negotiates. The peer-local id
// assigned to each is whatever the remote side's "m" dictionary says
// (or, for the message we send, whatever we choose to advertise).
const (
	extNameMetadata = "ut_metadata"
	extNamePEX      = "ut_pex"
)

// ut_metadata message types (BEP 9).
const (
	metadataRequest = 0
	metadataData    = 1
	metadataReject  = 2
)

// MetadataBlockSize is the chunk size ut_metadata splits the info
// dictionary into, fixed by BEP 9.
const MetadataBlockSize = 16 * 1024

var (
	ErrExtensionNotSupported = errors.New("peer: remote does not support this extension")
	ErrMalformedExtension    = errors.New("peer: malformed extension sub-message")
)

// ExtendedHandshake is the BEP 10 handshake payload: a bencoded dict
// carried as the body of an Extended message with ext-id 0.
type ExtendedHandshake struct {
	// M maps extension name to the peer-local id the sender uses for
	// it. An id of 0 means the extension is being turned off.
	M map[string]int64
	// P is the sender's listening TCP port, if any.
	P int64
	// V is a free-form client version string.
	V string
	// ReqQ is the sender's max outstanding ut_metadata/request queue
	// depth.
	ReqQ int64
	// MetadataSize is the total size in bytes of the info dictionary,
	// included once the sender actually has it.
	MetadataSize int64
	// YourIP is the sender's observed address for the receiving peer.
	YourIP netip.Addr
}

// MarshalExtendedHandshake bencodes h into the payload of an Extended
// message (the caller wraps it with protocol.MessageExtended(0, ...)).
func MarshalExtendedHandshake(h *ExtendedHandshake) ([]byte, error) {
	m := make(map[string]any, len(h.M))
	for name, id := range h.M {
		m[name] = id
	}

	dict := map[string]any{"m": m}
	if h.P != 0 {
		dict["p"] = h.P
	}
	if h.V != "" {
		dict["v"] = h.V
	}
	if h.ReqQ != 0 {
		dict["reqq"] = h.ReqQ
	}
	if h.MetadataSize != 0 {
		dict["metadata_size"] = h.MetadataSize
	}
	if h.YourIP.IsValid() {
		dict["yourip"] = string(h.YourIP.AsSlice())
	}

	return bencode.Marshal(dict)
}

// UnmarshalExtendedHandshake decodes a BEP 10 handshake payload.
func UnmarshalExtendedHandshake(body []byte) (*ExtendedHandshake, error) {
	v, err := bencode.Unmarshal(body)
	if err != nil {
		return nil, err
	}
	dict, err := bencode.ToDict(v)
	if err != nil {
		return nil, err
	}

	h := &ExtendedHandshake{M: make(map[string]int64)}
	if raw, ok := dict["m"]; ok {
		md, err := bencode.ToDict(raw)
		if err != nil {
			return nil, fmt.Errorf("peer: extension handshake 'm': %w", err)
		}
		for name, idv := range md {
			id, err := bencode.ToInt(idv)
			if err != nil {
				continue
			}
			h.M[name] = id
		}
	}
	if raw, ok := dict["p"]; ok {
		h.P, _ = bencode.ToInt(raw)
	}
	if raw, ok := dict["v"]; ok {
		h.V, _ = bencode.ToString(raw)
	}
	if raw, ok := dict["reqq"]; ok {
		h.ReqQ, _ = bencode.ToInt(raw)
	}
	if raw, ok := dict["metadata_size"]; ok {
		h.MetadataSize, _ = bencode.ToInt(raw)
	}

	return h, nil
}

// metadataMessage is one ut_metadata sub-message: a bencoded dict,
// optionally followed by the raw piece payload for msg_type=data.
type metadataMessage struct {
	Type      int64
	Piece     int64
	TotalSize int64 // only meaningful for Type == metadataData
	Block     []byte
}

func marshalMetadataMessage(msg metadataMessage) []byte {
	dict := map[string]any{
		"msg_type": msg.Type,
		"piece":    msg.Piece,
	}
	if msg.Type == metadataData {
		dict["total_size"] = msg.TotalSize
	}

	header, _ := bencode.Marshal(dict) // map keys are well-formed; Marshal of this shape cannot fail
	if len(msg.Block) == 0 {
		return header
	}
	return append(header, msg.Block...)
}

// unmarshalMetadataMessage splits body into its bencoded header and
// trailing raw block, tolerating the decoder not reporting how many
// bytes of body it consumed by re-encoding candidate prefixes is
// unnecessary here: bencode.NewDecoder exposes Decode() over the whole
// buffer and any bytes after a top-level dict belong to the data block.
func unmarshalMetadataMessage(body []byte) (metadataMessage, error) {
	dec := bencode.NewDecoder(body)
	v, err := dec.Decode()
	if err != nil {
		return metadataMessage{}, err
	}
	dict, err := bencode.ToDict(v)
	if err != nil {
		return metadataMessage{}, err
	}

	msgType, err := bencode.ToInt(dict["msg_type"])
	if err != nil {
		return metadataMessage{}, ErrMalformedExtension
	}
	piece, err := bencode.ToInt(dict["piece"])
	if err != nil {
		return metadataMessage{}, ErrMalformedExtension
	}

	msg := metadataMessage{Type: msgType, Piece: piece}
	if msgType == metadataData {
		if total, err := bencode.ToInt(dict["total_size"]); err == nil {
			msg.TotalSize = total
		}
		msg.Block = dec.Remainder()
	}
	return msg, nil
}
