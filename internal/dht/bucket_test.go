package dht

import (
	"crypto/sha1"
	"net/netip"
	"testing"
)

func testNode(t *testing.T, seed byte) NodeInfo {
	t.Helper()

	var id [sha1.Size]byte
	id[0] = seed
	return NodeInfo{ID: id, Addr: netip.MustParseAddrPort("127.0.0.1:6881")}
}

func TestBucket_InsertGetRemove(t *testing.T) {
	b := NewBucket()
	c := NewContact(testNode(t, 1))

	if !b.Insert(c) {
		t.Fatal("Insert into empty bucket should succeed")
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
	if got := b.Get(c.ID()); got != c {
		t.Fatalf("Get returned %v, want %v", got, c)
	}

	if !b.Remove(c.ID()) {
		t.Fatal("Remove should report success")
	}
	if b.Len() != 0 {
		t.Fatalf("Len() after remove = %d, want 0", b.Len())
	}
	if b.Remove(c.ID()) {
		t.Fatal("second Remove of the same id should report false")
	}
}

func TestBucket_FillsToK(t *testing.T) {
	b := NewBucket()

	for i := 0; i < K; i++ {
		if !b.Insert(NewContact(testNode(t, byte(i)))) {
			t.Fatalf("Insert %d should succeed while bucket has room", i)
		}
	}
	if !b.IsFull() {
		t.Fatal("bucket should be full after K inserts")
	}

	overflow := NewContact(testNode(t, K))
	if b.Insert(overflow) {
		t.Fatal("Insert into a full bucket with a new id should fail")
	}
}

func TestBucket_InsertExistingMovesToBack(t *testing.T) {
	b := NewBucket()
	first := NewContact(testNode(t, 1))
	second := NewContact(testNode(t, 2))

	b.Insert(first)
	b.Insert(second)

	if b.LRU() != first {
		t.Fatal("LRU should be the first-inserted contact")
	}

	b.Insert(first) // re-insert moves it to the back
	if b.LRU() != second {
		t.Fatal("LRU should be second after first is re-inserted")
	}
}

func TestContact_StateTransitions(t *testing.T) {
	c := NewContact(testNode(t, 1))

	if c.IsGood() {
		t.Fatal("a fresh contact should start questionable, not good")
	}

	c.MarkSeen()
	if !c.IsGood() {
		t.Fatal("MarkSeen should make the contact good")
	}

	c.MarkFailed()
	c.MarkFailed()
	if c.IsBad() {
		t.Fatal("two failures should not yet mark a contact bad")
	}
	c.MarkFailed()
	if !c.IsBad() {
		t.Fatal("three consecutive failures should mark a contact bad")
	}
}

func TestContact_PendingQueries(t *testing.T) {
	c := NewContact(testNode(t, 1))

	c.MarkQueried("tx1")
	if c.PendingQueries() != 1 {
		t.Fatalf("PendingQueries() = %d, want 1", c.PendingQueries())
	}

	c.MarkResponse("tx1")
	if c.PendingQueries() != 0 {
		t.Fatalf("PendingQueries() after response = %d, want 0", c.PendingQueries())
	}
}
