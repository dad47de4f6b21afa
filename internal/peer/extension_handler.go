package peer

import (
	"fmt"

	"github.com/prxssh/rabbitcore/internal/protocol"
)

// sendExtendedHandshake announces the extensions this connection
// supports (BEP 10), including the current metadata size if known.
func (p *Peer) sendExtendedHandshake() {
	h := &ExtendedHandshake{
		M:    map[string]int64{extNameMetadata: int64(p.extIDs[extNameMetadata]), extNamePEX: int64(p.extIDs[extNamePEX])},
		V:    "rabbitcore/1.0",
		ReqQ: int64(p.settings.MaxInflightRequestsPerPeer),
	}
	if p.metadata != nil {
		if size, ok := p.metadata.MetadataSize(); ok {
			h.MetadataSize = size
		}
	}

	body, err := MarshalExtendedHandshake(h)
	if err != nil {
		p.log.Warn("failed to marshal extended handshake", "err", err)
		return
	}
	p.enqueue(protocol.MessageExtended(extHandshakeID, body))
}

// localExtName reverse-looks-up the extension name we assigned id to in
// our own handshake, since an Extended message addressed to us uses our
// local id table, not the peer's.
func (p *Peer) localExtName(id byte) (string, bool) {
	p.extMu.Lock()
	defer p.extMu.Unlock()

	for name, localID := range p.extIDs {
		if localID == id {
			return name, true
		}
	}
	return "", false
}

func (p *Peer) handleExtended(msg *protocol.Message) error {
	extID, body, ok := msg.ParseExtended()
	if !ok {
		return fmt.Errorf("%w: empty extended message", ErrProtocolViolation)
	}

	if extID == extHandshakeID {
		hs, err := UnmarshalExtendedHandshake(body)
		if err != nil {
			return fmt.Errorf("%w: bad extension handshake: %v", ErrProtocolViolation, err)
		}

		p.extMu.Lock()
		for name, id := range hs.M {
			p.peerExtIDs[name] = id
		}
		p.extMu.Unlock()

		if p.callbacks.OnExtendedHS != nil {
			p.callbacks.OnExtendedHS(p.addr, hs)
		}
		return nil
	}

	name, ok := p.localExtName(extID)
	if !ok {
		// Unknown extension id; BEP 10 says to ignore rather than
		// disconnect, since peers may send messages for extensions
		// we never advertised support for.
		return nil
	}

	switch name {
	case extNameMetadata:
		return p.handleMetadataMessage(body)
	default:
		return nil
	}
}

func (p *Peer) handleMetadataMessage(body []byte) error {
	msg, err := unmarshalMetadataMessage(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	switch msg.Type {
	case metadataRequest:
		p.serveMetadataRequest(msg.Piece)
	case metadataData:
		if p.callbacks.OnMetadataBlock != nil {
			p.callbacks.OnMetadataBlock(p.addr, msg.Piece, msg.TotalSize, msg.Block)
		}
	case metadataReject:
		if p.callbacks.OnMetadataReject != nil {
			p.callbacks.OnMetadataReject(p.addr, msg.Piece)
		}
	}
	return nil
}

func (p *Peer) serveMetadataRequest(piece int64) {
	peerID, ok := p.metadataExtID()
	if !ok {
		return
	}

	if p.metadata == nil {
		p.sendMetadataReject(peerID, piece)
		return
	}
	block, ok := p.metadata.MetadataBlock(piece)
	if !ok {
		p.sendMetadataReject(peerID, piece)
		return
	}

	size, _ := p.metadata.MetadataSize()
	body := marshalMetadataMessage(metadataMessage{Type: metadataData, Piece: piece, TotalSize: size, Block: block})
	p.enqueue(protocol.MessageExtended(peerID, body))
}

func (p *Peer) sendMetadataReject(peerID byte, piece int64) {
	body := marshalMetadataMessage(metadataMessage{Type: metadataReject, Piece: piece})
	p.enqueue(protocol.MessageExtended(peerID, body))
}

// RequestMetadataBlock asks the peer for one ut_metadata block, failing
// if the peer never advertised support for the extension.
func (p *Peer) RequestMetadataBlock(piece int64) error {
	peerID, ok := p.metadataExtID()
	if !ok {
		return ErrExtensionNotSupported
	}

	body := marshalMetadataMessage(metadataMessage{Type: metadataRequest, Piece: piece})
	p.enqueue(protocol.MessageExtended(peerID, body))
	return nil
}

// SupportsMetadataExtension reports whether the peer's handshake
// advertised ut_metadata support.
func (p *Peer) SupportsMetadataExtension() bool {
	_, ok := p.metadataExtID()
	return ok
}

func (p *Peer) metadataExtID() (byte, bool) {
	p.extMu.Lock()
	defer p.extMu.Unlock()

	id, ok := p.peerExtIDs[extNameMetadata]
	if !ok || id <= 0 || id > 255 {
		return 0, false
	}
	return byte(id), true
}
