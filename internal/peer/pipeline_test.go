package peer

import (
	"testing"
	"time"
)

func TestRequestPipeline_AddAndMatch(t *testing.T) {
	rp := newRequestPipeline()
	rp.add(1, 0, 16384)
	rp.add(1, 16384, 16384)

	if got := rp.len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}
	if !rp.match(1, 0, 16384) {
		t.Fatalf("match(1,0,16384) = false, want true")
	}
	if got := rp.len(); got != 1 {
		t.Fatalf("len after match = %d, want 1", got)
	}
	if rp.match(1, 0, 16384) {
		t.Fatalf("match(1,0,16384) should fail once already consumed")
	}
}

func TestRequestPipeline_MatchUnsolicitedFails(t *testing.T) {
	rp := newRequestPipeline()
	rp.add(1, 0, 16384)

	if rp.match(2, 0, 16384) {
		t.Fatalf("match on unrequested (piece,begin) should fail")
	}
	if got := rp.len(); got != 1 {
		t.Fatalf("len = %d, want 1 (unmatched entry stays)", got)
	}
}

func TestRequestPipeline_MatchWrongLengthFails(t *testing.T) {
	rp := newRequestPipeline()
	rp.add(1, 0, 16384)

	if rp.match(1, 0, 8192) {
		t.Fatalf("match with wrong length should fail")
	}
	if got := rp.len(); got != 1 {
		t.Fatalf("len = %d, want 1 (entry stays pending after a length mismatch)", got)
	}
	if !rp.match(1, 0, 16384) {
		t.Fatalf("match with correct length should still succeed afterwards")
	}
}

func TestRequestPipeline_Cancel(t *testing.T) {
	rp := newRequestPipeline()
	rp.add(1, 0, 16384)
	rp.cancelMatch(1, 0)

	if got := rp.len(); got != 0 {
		t.Fatalf("len after cancel = %d, want 0", got)
	}
	// cancel on an absent entry must not panic or misbehave.
	rp.cancelMatch(1, 0)
}

func TestRequestPipeline_TimedOut(t *testing.T) {
	rp := newRequestPipeline()
	rp.add(1, 0, 16384)
	time.Sleep(5 * time.Millisecond)
	rp.add(2, 0, 16384)

	expired := rp.timedOut(2 * time.Millisecond)
	if len(expired) != 1 {
		t.Fatalf("expired = %d, want 1", len(expired))
	}
	if expired[0].piece != 1 {
		t.Fatalf("expired entry piece = %d, want 1", expired[0].piece)
	}
	if got := rp.len(); got != 1 {
		t.Fatalf("remaining len = %d, want 1", got)
	}
}

func TestRequestPipeline_TimedOutNoneExpired(t *testing.T) {
	rp := newRequestPipeline()
	rp.add(1, 0, 16384)

	expired := rp.timedOut(time.Hour)
	if len(expired) != 0 {
		t.Fatalf("expired = %d, want 0", len(expired))
	}
	if got := rp.len(); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
}
