package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"net/netip"
)

const (
	compactNodeInfoSizeV4 = 26 // 20-byte id + 4-byte IPv4 + 2-byte port
	compactNodeInfoSizeV6 = 38 // 20-byte id + 16-byte IPv6 + 2-byte port
)

// NodeInfo identifies one DHT node: its 160-bit ID and the address it
// answers queries on.
type NodeInfo struct {
	ID   [sha1.Size]byte
	Addr netip.AddrPort
}

// NewLocalNodeID generates a random 160-bit ID for this client's own
// DHT identity.
func NewLocalNodeID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// EncodeCompactNodeInfo serializes n per BEP 5's compact node-info
// format. Returns nil if n's address family doesn't match ipv6.
func EncodeCompactNodeInfo(n NodeInfo, ipv6 bool) []byte {
	addr := n.Addr.Addr()

	if ipv6 {
		if !addr.Is6() {
			return nil
		}
		buf := make([]byte, compactNodeInfoSizeV6)
		copy(buf[:20], n.ID[:])
		a16 := addr.As16()
		copy(buf[20:36], a16[:])
		binary.BigEndian.PutUint16(buf[36:38], n.Addr.Port())
		return buf
	}

	if !addr.Is4() {
		return nil
	}
	buf := make([]byte, compactNodeInfoSizeV4)
	copy(buf[:20], n.ID[:])
	a4 := addr.As4()
	copy(buf[20:24], a4[:])
	binary.BigEndian.PutUint16(buf[24:26], n.Addr.Port())
	return buf
}

// DecodeCompactNodeInfoList parses a concatenated run of compact
// node-info entries (BEP 5's "nodes"/"nodes6" values).
func DecodeCompactNodeInfoList(data []byte, ipv6 bool) []NodeInfo {
	stride := compactNodeInfoSizeV4
	if ipv6 {
		stride = compactNodeInfoSizeV6
	}

	if len(data)%stride != 0 {
		return nil
	}

	count := len(data) / stride
	nodes := make([]NodeInfo, 0, count)

	for i := 0; i < count; i++ {
		chunk := data[i*stride : (i+1)*stride]

		var id [sha1.Size]byte
		copy(id[:], chunk[:20])

		var addr netip.Addr
		var port uint16
		if ipv6 {
			var a16 [16]byte
			copy(a16[:], chunk[20:36])
			addr = netip.AddrFrom16(a16)
			port = binary.BigEndian.Uint16(chunk[36:38])
		} else {
			addr = netip.AddrFrom4([4]byte{chunk[20], chunk[21], chunk[22], chunk[23]})
			port = binary.BigEndian.Uint16(chunk[24:26])
		}

		nodes = append(nodes, NodeInfo{ID: id, Addr: netip.AddrPortFrom(addr, port)})
	}

	return nodes
}
