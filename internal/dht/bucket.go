package dht

import (
	"crypto/sha1"
	"sync"
	"time"
)

// K is Kademlia's bucket capacity.
const K = 8

// bucketRefreshInterval is how long a bucket can go untouched before it
// needs a refresh lookup targeted at a random ID in its range.
const bucketRefreshInterval = 15 * time.Minute

// Bucket holds up to K contacts whose IDs share a given-length prefix
// with the local node's ID.
type Bucket struct {
	mut         sync.RWMutex
	contacts    []*Contact
	lastChanged time.Time
}

func NewBucket() *Bucket {
	return &Bucket{
		contacts:    make([]*Contact, 0, K),
		lastChanged: time.Now(),
	}
}

func (b *Bucket) Len() int {
	b.mut.RLock()
	defer b.mut.RUnlock()
	return len(b.contacts)
}

func (b *Bucket) IsFull() bool {
	b.mut.RLock()
	defer b.mut.RUnlock()
	return len(b.contacts) >= K
}

func (b *Bucket) Get(id [sha1.Size]byte) *Contact {
	b.mut.RLock()
	defer b.mut.RUnlock()

	for _, c := range b.contacts {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// Insert adds contact, or moves it to the most-recently-seen end if
// already present. Returns false if the bucket is full and contact is
// new.
func (b *Bucket) Insert(contact *Contact) bool {
	b.mut.Lock()
	defer b.mut.Unlock()

	for i, c := range b.contacts {
		if c.ID() == contact.ID() {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, contact)
			b.lastChanged = time.Now()
			return true
		}
	}

	if len(b.contacts) < K {
		b.contacts = append(b.contacts, contact)
		b.lastChanged = time.Now()
		return true
	}

	return false
}

func (b *Bucket) Remove(id [sha1.Size]byte) bool {
	b.mut.Lock()
	defer b.mut.Unlock()

	for i, c := range b.contacts {
		if c.ID() == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.lastChanged = time.Now()
			return true
		}
	}
	return false
}

// LRU returns the least-recently-seen contact (the front of the
// bucket), the natural eviction candidate when the bucket is full.
func (b *Bucket) LRU() *Contact {
	b.mut.RLock()
	defer b.mut.RUnlock()

	if len(b.contacts) == 0 {
		return nil
	}
	return b.contacts[0]
}

func (b *Bucket) NeedsRefresh() bool {
	b.mut.RLock()
	defer b.mut.RUnlock()
	return time.Since(b.lastChanged) > bucketRefreshInterval
}

func (b *Bucket) All() []*Contact {
	b.mut.RLock()
	defer b.mut.RUnlock()

	result := make([]*Contact, len(b.contacts))
	copy(result, b.contacts)
	return result
}
