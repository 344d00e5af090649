package reactor

import (
	"fmt"
	"testing"
)

func TestSeenSetDetectsDuplicates(t *testing.T) {
	s := NewSeenSet(10, 5)

	if s.Seen("a") {
		t.Fatal("fresh key reported as seen")
	}
	if !s.Seen("a") {
		t.Fatal("repeated key not reported as seen")
	}
}

func TestSeenSetHasDoesNotRecord(t *testing.T) {
	s := NewSeenSet(10, 5)

	// Has alone never consumes the key: callers can probe, attempt a side
	// effect, and only Add on success.
	if s.Has("tx") {
		t.Fatal("fresh key reported as present")
	}
	if s.Has("tx") {
		t.Fatal("Has recorded the key")
	}

	s.Add("tx")
	if !s.Has("tx") {
		t.Fatal("added key not reported as present")
	}

	s.Add("tx") // idempotent
	if got := s.Len(); got != 1 {
		t.Fatalf("duplicate Add grew the set: Len=%d", got)
	}
}

func TestSeenSetAddCompacts(t *testing.T) {
	s := NewSeenSet(10, 5)
	for i := 0; i < 11; i++ {
		s.Add(fmt.Sprintf("k%d", i))
	}
	if got := s.Len(); got != 5 {
		t.Fatalf("after compaction Len=%d, want 5", got)
	}
}

func TestSeenSetCompactsToNewest(t *testing.T) {
	s := NewSeenSet(10, 5)

	for i := 0; i < 11; i++ {
		s.Seen(fmt.Sprintf("k%d", i))
	}

	// 11 inserts tripped compaction down to the newest 5 (k6..k10).
	if got := s.Len(); got != 5 {
		t.Fatalf("after compaction Len=%d, want 5", got)
	}
	for i := 6; i <= 10; i++ {
		if !s.Seen(fmt.Sprintf("k%d", i)) {
			t.Errorf("recent key k%d evicted", i)
		}
	}
	// k0 was evicted, so it reads as fresh again.
	if s.Seen("k0") {
		t.Error("evicted key still reported as seen")
	}
}

func TestSeenSetDefaults(t *testing.T) {
	s := NewSeenSet(0, 0)
	if s.max != DefaultDedupeMax || s.keep != DefaultDedupeMax/2 {
		t.Fatalf("defaults not applied: max=%d keep=%d", s.max, s.keep)
	}
}
