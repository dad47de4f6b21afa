package diskqueue

import (
	"sync"
	"time"

	"github.com/prxssh/rabbitcore/internal/config"
	"github.com/prxssh/rabbitcore/internal/piece"
	"github.com/prxssh/rabbitcore/internal/storage"
)

// cacheKey identifies one piece's cache entry within a specific
// storage's write-back cache.
type cacheKey struct {
	storage *storage.Map
	piece   uint32
}

// cacheEntry is a dense, per-block-index buffer set for one piece —
// REDESIGN: the original's sparse char** block map becomes a [][]byte
// here, one (possibly nil) buffer per block index, since Go has no
// pointer arithmetic reason to keep it sparse.
type cacheEntry struct {
	blocks    [][]byte
	have      int
	total     int
	lastWrite time.Time
}

func (e *cacheEntry) full() bool { return e.have == e.total }

// blockCache is the disk queue's write-back cache: writes land here
// first and are coalesced into a single contiguous flush once every
// block of a piece has arrived, instead of hitting storage per block.
type blockCache struct {
	mu        sync.Mutex
	entries   map[cacheKey]*cacheEntry
	maxBlocks int
	blockLen  uint32
}

func newBlockCache(settings *config.Settings) *blockCache {
	return &blockCache{
		entries:   make(map[cacheKey]*cacheEntry),
		maxBlocks: settings.DiskCacheSize,
		blockLen:  piece.MaxBlockLength,
	}
}

// put stores buf as the block at byte offset within piece's entry,
// dropping any previous buffer at that block index, and reports
// whether the piece is now fully cached.
func (c *blockCache) put(s *storage.Map, pieceIdx uint32, pieceLen uint32, offset int64, buf []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{storage: s, piece: pieceIdx}
	e, ok := c.entries[key]
	if !ok {
		blockCount, _ := piece.BlockCountForPiece(pieceLen, c.blockLen)
		e = &cacheEntry{blocks: make([][]byte, blockCount), total: int(blockCount)}
		c.entries[key] = e
	}

	idx := int(offset / int64(c.blockLen))
	if idx >= 0 && idx < len(e.blocks) {
		if e.blocks[idx] == nil {
			e.have++
		}
		e.blocks[idx] = buf
	}
	e.lastWrite = time.Now()

	return e.full()
}

// insertReadThrough inserts blocks fetched to satisfy a read miss into
// the cache, so a soon-repeated read of the same range avoids disk I/O.
// Unlike put, it never reports fullness — a read-through insertion is
// not a write and must not trigger a flush.
func (c *blockCache) insertReadThrough(s *storage.Map, pieceIdx uint32, pieceLen uint32, offset int64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{storage: s, piece: pieceIdx}
	e, ok := c.entries[key]
	if !ok {
		blockCount, _ := piece.BlockCountForPiece(pieceLen, c.blockLen)
		e = &cacheEntry{blocks: make([][]byte, blockCount), total: int(blockCount)}
		c.entries[key] = e
	}

	pos := int64(0)
	for pos < int64(len(data)) {
		abs := offset + pos
		idx := int(abs / int64(c.blockLen))
		if idx < 0 || idx >= len(e.blocks) {
			break
		}
		blockStart := int64(idx) * int64(c.blockLen)
		blockEnd := blockStart + int64(c.blockLen)
		hi := min(blockEnd, offset+int64(len(data)))
		lo := max(blockStart, offset)

		if e.blocks[idx] == nil && lo == blockStart && hi-blockStart == int64(c.blockLen) {
			buf := make([]byte, hi-lo)
			copy(buf, data[lo-offset:hi-offset])
			e.blocks[idx] = buf
			e.have++
		}
		pos = hi - offset
	}
	e.lastWrite = time.Now()
}

// readIfFullyCached copies len(dst) bytes starting at offset within
// piece into dst, returning false without modifying dst if any covered
// block is missing from the cache.
func (c *blockCache) readIfFullyCached(s *storage.Map, pieceIdx uint32, offset int64, dst []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[cacheKey{storage: s, piece: pieceIdx}]
	if !ok || len(dst) == 0 {
		return false
	}

	start := int(offset / int64(c.blockLen))
	end := int((offset + int64(len(dst)) - 1) / int64(c.blockLen))
	if start < 0 || end >= len(e.blocks) {
		return false
	}
	for i := start; i <= end; i++ {
		if e.blocks[i] == nil {
			return false
		}
	}

	pos := 0
	for i := start; i <= end; i++ {
		b := e.blocks[i]
		blockStart := int64(i) * int64(c.blockLen)

		lo := int64(0)
		if i == start {
			lo = offset - blockStart
		}
		hi := int64(len(b))
		if i == end {
			hi = offset + int64(len(dst)) - blockStart
		}
		n := copy(dst[pos:], b[lo:hi])
		pos += n
	}
	return true
}

// extract removes and returns s's entry for piece, if cached.
func (c *blockCache) extract(s *storage.Map, pieceIdx uint32) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{storage: s, piece: pieceIdx}
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	return e, ok
}

// clear discards (without flushing) any cached blocks for (s, piece).
func (c *blockCache) clear(s *storage.Map, pieceIdx uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{storage: s, piece: pieceIdx})
}

// cachedBlockCount returns the number of cached blocks across every
// entry, the quantity cache_size bounds.
func (c *blockCache) cachedBlockCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		n += e.have
	}
	return n
}

// takeOldest removes and returns the entry with the oldest last_write
// across every storage, for capacity-triggered eviction.
func (c *blockCache) takeOldest() (cacheKey, *cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		oldestKey   cacheKey
		oldestEntry *cacheEntry
		found       bool
	)
	for k, e := range c.entries {
		if !found || e.lastWrite.Before(oldestEntry.lastWrite) {
			oldestKey, oldestEntry, found = k, e, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
	return oldestKey, oldestEntry, found
}

// takeExpired removes and returns one entry whose last_write is older
// than expiry, or false if none qualifies.
func (c *blockCache) takeExpired(expiry time.Duration) (cacheKey, *cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-expiry)
	for k, e := range c.entries {
		if e.lastWrite.Before(cutoff) {
			delete(c.entries, k)
			return k, e, true
		}
	}
	return cacheKey{}, nil, false
}

// takeAnyForStorage removes and returns one cached entry belonging to
// s, used to drain every entry on teardown.
func (c *blockCache) takeAnyForStorage(s *storage.Map) (cacheKey, *cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if k.storage == s {
			delete(c.entries, k)
			return k, e, true
		}
	}
	return cacheKey{}, nil, false
}

// discardForStorage drops every cached entry belonging to s without
// flushing, used before DeleteFiles so a pending write-back never
// recreates a file that's about to be removed.
func (c *blockCache) discardForStorage(s *storage.Map) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.entries {
		if k.storage == s {
			delete(c.entries, k)
		}
	}
}

// flushEntry writes e's cached blocks to storage: one contiguous writev
// if every block is present, or one writev per present block otherwise.
func flushEntry(s *storage.Map, pieceIdx uint32, e *cacheEntry, blockLen uint32) error {
	if e == nil {
		return nil
	}

	if e.full() {
		buf := make([]byte, 0, e.total*int(blockLen))
		for _, b := range e.blocks {
			buf = append(buf, b...)
		}
		return s.WriteV(pieceIdx, 0, buf)
	}

	for idx, b := range e.blocks {
		if b == nil {
			continue
		}
		if err := s.WriteV(pieceIdx, int64(idx)*int64(blockLen), b); err != nil {
			return err
		}
	}
	return nil
}
