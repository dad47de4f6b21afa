// Package dht implements the Kademlia routing-table data structure used
// to opportunistically discover peers (BEP 5), independent of any live
// KRPC transport: bucket management, XOR distance, and a per-torrent
// known-peer cache that the swarm controller feeds from whatever peer
// sources it already has (trackers, PEX) and reads back from when
// looking for more candidates to dial.
package dht

import (
	"bytes"
	"crypto/sha1"
	"math/bits"
)

// Distance returns the Kademlia XOR distance between two node IDs.
func Distance(a, b [sha1.Size]byte) [sha1.Size]byte {
	var d [sha1.Size]byte
	for i := 0; i < sha1.Size; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance reports whether a or b is closer to target:
// -1 if a is closer, 0 if equidistant, 1 if b is closer.
func CompareDistance(target, a, b [sha1.Size]byte) int {
	da := Distance(target, a)
	db := Distance(target, b)
	return bytes.Compare(da[:], db[:])
}

// PrefixLen returns the number of leading zero bits in the XOR
// distance between a and b — the length of their shared ID prefix.
func PrefixLen(a, b [sha1.Size]byte) int {
	d := Distance(a, b)

	for i := 0; i < sha1.Size; i++ {
		if d[i] != 0 {
			return i*8 + bits.LeadingZeros8(d[i])
		}
	}

	return sha1.Size * 8
}

// BucketIndex returns which of the 160 buckets remoteID falls into,
// relative to localID: the length of the shared ID prefix, which is
// also the position of the first differing bit. Bucket 0 holds the
// most distant contacts (differ in the very first bit); bucket 159
// holds the nearest (differ only in the last bit).
func BucketIndex(localID, remoteID [sha1.Size]byte) int {
	prefixLen := PrefixLen(localID, remoteID)
	if prefixLen >= BucketCount-1 {
		return BucketCount - 1
	}
	return prefixLen
}
