package storage

import (
	"container/list"
	"os"
	"sync"
)

// filePool is an LRU cache of open *os.File descriptors, shared across
// every Map operation. Files are opened O_RDWR on first use and kept
// open until evicted, renamed away, or the pool is closed. A file
// actively serving a read or write is pinned and never evicted.
//
// The storage map always opens files O_RDWR, so there is no narrower
// read-only mode to track separately — the "opening with a wider mode
// evicts the narrower one" rule collapses to a single descriptor per
// path.
type filePool struct {
	mu     sync.Mutex
	cap    int // 0 = unbounded
	ll     *list.List
	elems  map[string]*list.Element
	pinned map[string]int
}

type poolEntry struct {
	path string
	f    *os.File
}

func newFilePool(capacity int) *filePool {
	return &filePool{
		cap:    capacity,
		ll:     list.New(),
		elems:  make(map[string]*list.Element),
		pinned: make(map[string]int),
	}
}

// acquire returns an open descriptor for path, pinning it so eviction
// skips it until a matching release. Callers must call release exactly
// once per successful acquire.
func (p *filePool) acquire(path string) (*os.File, error) {
	p.mu.Lock()
	if el, ok := p.elems[path]; ok {
		p.ll.MoveToFront(el)
		p.pinned[path]++
		f := el.Value.(*poolEntry).f
		p.mu.Unlock()
		return f, nil
	}
	p.mu.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another goroutine may have opened the same path while we didn't
	// hold the lock; prefer the entry already in the pool.
	if el, ok := p.elems[path]; ok {
		f.Close()
		p.ll.MoveToFront(el)
		p.pinned[path]++
		return el.Value.(*poolEntry).f, nil
	}

	if p.cap > 0 {
		for p.ll.Len() >= p.cap && p.evictOneLocked() {
		}
	}

	el := p.ll.PushFront(&poolEntry{path: path, f: f})
	p.elems[path] = el
	p.pinned[path] = 1
	return f, nil
}

// release unpins path, making it eligible for eviction again.
func (p *filePool) release(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := p.pinned[path]; n > 0 {
		p.pinned[path] = n - 1
	}
}

// evictOneLocked closes and drops the least-recently-used unpinned
// entry. Returns false if every entry is pinned (the pool is then
// allowed to exceed cap rather than block or fail the caller).
func (p *filePool) evictOneLocked() bool {
	for e := p.ll.Back(); e != nil; e = e.Prev() {
		entry := e.Value.(*poolEntry)
		if p.pinned[entry.path] > 0 {
			continue
		}
		entry.f.Close()
		p.ll.Remove(e)
		delete(p.elems, entry.path)
		delete(p.pinned, entry.path)
		return true
	}
	return false
}

// evict force-closes and drops path regardless of LRU order, used
// before a rename so the stale descriptor isn't left dangling.
func (p *filePool) evict(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.elems[path]
	if !ok {
		return
	}
	el.Value.(*poolEntry).f.Close()
	p.ll.Remove(el)
	delete(p.elems, path)
	delete(p.pinned, path)
}

// closeAll closes every descriptor the pool holds and resets it to
// empty.
func (p *filePool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for e := p.ll.Front(); e != nil; e = e.Next() {
		e.Value.(*poolEntry).f.Close()
	}
	p.ll = list.New()
	p.elems = make(map[string]*list.Element)
	p.pinned = make(map[string]int)
}
