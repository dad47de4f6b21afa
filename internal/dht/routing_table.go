package dht

import (
	"crypto/sha1"
	"sort"
	"sync"
)

// BucketCount is the number of buckets in a full 160-bit routing table.
const BucketCount = sha1.Size * 8

// RoutingTable is a Kademlia k-bucket table keyed on XOR distance from
// a local node ID. It has no network awareness of its own: callers
// feed it contacts learned elsewhere (bootstrap nodes, BEP 5 compact
// node lists carried in tracker/PEX data, PORT messages) and read back
// the closest known contacts to a target ID.
type RoutingTable struct {
	localID [sha1.Size]byte
	mut     sync.RWMutex
	buckets [BucketCount]*Bucket
}

func NewRoutingTable(localID [sha1.Size]byte) *RoutingTable {
	rt := &RoutingTable{localID: localID}
	for i := range rt.buckets {
		rt.buckets[i] = NewBucket()
	}
	return rt
}

func (rt *RoutingTable) ID() [sha1.Size]byte { return rt.localID }

// Insert adds contact to its bucket. If the bucket is full, it evicts
// a bad contact to make room; a full bucket of good/questionable
// contacts rejects the newcomer (BEP 5 leaves this to a ping-driven
// maintenance routine, out of scope without a live transport).
func (rt *RoutingTable) Insert(contact *Contact) bool {
	if contact.ID() == rt.localID {
		return false
	}

	bucket := rt.buckets[BucketIndex(rt.localID, contact.ID())]
	if bucket.Insert(contact) {
		return true
	}
	return rt.handleFullBucket(bucket, contact)
}

func (rt *RoutingTable) handleFullBucket(bucket *Bucket, newContact *Contact) bool {
	lru := bucket.LRU()
	if lru == nil {
		return false
	}

	if lru.IsBad() {
		bucket.Remove(lru.ID())
		bucket.Insert(newContact)
		return true
	}

	return false
}

func (rt *RoutingTable) Remove(id [sha1.Size]byte) bool {
	return rt.buckets[BucketIndex(rt.localID, id)].Remove(id)
}

func (rt *RoutingTable) Get(id [sha1.Size]byte) *Contact {
	return rt.buckets[BucketIndex(rt.localID, id)].Get(id)
}

// FindClosestK returns the k contacts closest to target, widening
// outward from target's own bucket until enough candidates are
// gathered or the table is exhausted.
func (rt *RoutingTable) FindClosestK(target [sha1.Size]byte, k int) []*Contact {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	targetBucket := BucketIndex(rt.localID, target)

	var contacts []*Contact
	contacts = append(contacts, rt.buckets[targetBucket].All()...)

	for i := 1; len(contacts) < k && (targetBucket-i >= 0 || targetBucket+i < BucketCount); i++ {
		if targetBucket-i >= 0 {
			contacts = append(contacts, rt.buckets[targetBucket-i].All()...)
		}
		if targetBucket+i < BucketCount {
			contacts = append(contacts, rt.buckets[targetBucket+i].All()...)
		}
	}

	sort.Slice(contacts, func(i, j int) bool {
		return CompareDistance(target, contacts[i].ID(), contacts[j].ID()) < 0
	})

	if len(contacts) > k {
		contacts = contacts[:k]
	}
	return contacts
}

func (rt *RoutingTable) Size() int {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	count := 0
	for _, bucket := range rt.buckets {
		count += bucket.Len()
	}
	return count
}

func (rt *RoutingTable) GetBucketsNeedingRefresh() []int {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	var indices []int
	for i, bucket := range rt.buckets {
		if bucket.Len() > 0 && bucket.NeedsRefresh() {
			indices = append(indices, i)
		}
	}
	return indices
}

func (rt *RoutingTable) GetQuestionableContacts() []*Contact {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	var questionable []*Contact
	for _, bucket := range rt.buckets {
		for _, contact := range bucket.All() {
			if contact.IsQuestionable() {
				questionable = append(questionable, contact)
			}
		}
	}
	return questionable
}

type RoutingTableStats struct {
	TotalContacts        int
	GoodContacts         int
	QuestionableContacts int
	BadContacts          int
	FilledBuckets        int
	EmptyBuckets         int
}

func (rt *RoutingTable) GetStats() RoutingTableStats {
	rt.mut.RLock()
	defer rt.mut.RUnlock()

	stats := RoutingTableStats{}

	for _, bucket := range rt.buckets {
		contacts := bucket.All()
		if len(contacts) == 0 {
			stats.EmptyBuckets++
			continue
		}

		stats.FilledBuckets++
		stats.TotalContacts += len(contacts)

		for _, c := range contacts {
			switch {
			case c.IsGood():
				stats.GoodContacts++
			case c.IsQuestionable():
				stats.QuestionableContacts++
			case c.IsBad():
				stats.BadContacts++
			}
		}
	}

	return stats
}
