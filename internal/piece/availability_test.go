package piece

import "testing"

func TestAvailabilityBucket_MoveAndFirstNonEmpty(t *testing.T) {
	b := newAvailabilityBucket(4, 8, nil)

	if a, ok := b.FirstNonEmpty(); !ok || a != 0 {
		t.Fatalf("FirstNonEmpty() = (%d,%v), want (0,true) initially", a, ok)
	}

	b.Move(2, 1)
	if got := b.Availability(2); got != 1 {
		t.Fatalf("Availability(2) = %d, want 1", got)
	}

	bucket1 := b.Bucket(1)
	if len(bucket1) != 1 || bucket1[0] != 2 {
		t.Fatalf("Bucket(1) = %v, want [2]", bucket1)
	}

	// piece 2 is the only one at level 1; pieces 0,1,3 remain at level 0
	// which is still non-empty, so FirstNonEmpty should report level 0.
	if a, ok := b.FirstNonEmpty(); !ok || a != 0 {
		t.Fatalf("FirstNonEmpty() = (%d,%v), want (0,true)", a, ok)
	}

	for _, i := range []int{0, 1, 3} {
		b.Move(i, 1)
	}
	if a, ok := b.FirstNonEmpty(); !ok || a != 1 {
		t.Fatalf("FirstNonEmpty() = (%d,%v), want (1,true) once level 0 empties", a, ok)
	}
}

func TestAvailabilityBucket_MoveClampsToMaxAvail(t *testing.T) {
	b := newAvailabilityBucket(1, 2, nil)

	for i := 0; i < 5; i++ {
		b.Move(0, 1)
	}
	if got := b.Availability(0); got != 2 {
		t.Fatalf("Availability(0) = %d, want clamped to maxAvail 2", got)
	}

	for i := 0; i < 5; i++ {
		b.Move(0, -1)
	}
	if got := b.Availability(0); got != 0 {
		t.Fatalf("Availability(0) = %d, want clamped to 0", got)
	}
}
