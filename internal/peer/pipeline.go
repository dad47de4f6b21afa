package peer

import (
	"sync"
	"time"
)

// pipelineEntry is one block requested from a peer and not yet answered.
type pipelineEntry struct {
	piece, begin, length uint32
	sentAt               time.Time
}

// requestPipeline tracks the blocks this connection has asked its peer
// for but not yet received, enforcing the request pipeline's matching
// and timeout rules from the receive FSM's "Request pipeline" behavior.
type requestPipeline struct {
	mu      sync.Mutex
	entries []pipelineEntry
}

func newRequestPipeline() *requestPipeline {
	return &requestPipeline{}
}

// add records a request just sent to the peer.
func (rp *requestPipeline) add(piece, begin, length uint32) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.entries = append(rp.entries, pipelineEntry{piece, begin, length, time.Now()})
}

// match removes the pipeline entry for (piece, begin) if one is
// pending and its recorded length equals blockLen, reporting whether it
// was found this way. A PIECE that doesn't match any in-flight request
// at all, or that matches one but carries the wrong length, is a
// protocol violation: the receive FSM never accepts a payload other
// than the one it asked for, so a peer can't reuse a legitimate
// (piece,begin) tag to smuggle an oversized or undersized block past
// the pipeline and into storage.
func (rp *requestPipeline) match(piece, begin, blockLen uint32) bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	for i, e := range rp.entries {
		if e.piece == piece && e.begin == begin {
			if e.length != blockLen {
				return false
			}
			rp.entries = append(rp.entries[:i], rp.entries[i+1:]...)
			return true
		}
	}
	return false
}

// cancelMatch removes the pipeline entry for (piece, begin) regardless
// of length, used when a CANCEL is sent locally and the caller doesn't
// care whether it was actually pending.
func (rp *requestPipeline) cancelMatch(piece, begin uint32) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	for i, e := range rp.entries {
		if e.piece == piece && e.begin == begin {
			rp.entries = append(rp.entries[:i], rp.entries[i+1:]...)
			return
		}
	}
}

func (rp *requestPipeline) len() int {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return len(rp.entries)
}

// timedOut removes and returns every entry whose request is older than
// timeout, for the caller to return to the picker and count against the
// peer's failure budget.
func (rp *requestPipeline) timedOut(timeout time.Duration) []pipelineEntry {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var expired []pipelineEntry
	kept := rp.entries[:0]
	for _, e := range rp.entries {
		if e.sentAt.Before(cutoff) {
			expired = append(expired, e)
		} else {
			kept = append(kept, e)
		}
	}
	rp.entries = kept
	return expired
}
