package internal

import (
	"sort"
	"testing"
)

func TestTrackCollidingHashes(t *testing.T) {
	s := NewShard()
	a := CellRef{Key: "k1", Column: "a"}
	b := CellRef{Key: "k2", Column: "b"}

	// both cells land on the same hash
	s.Track(7, a, 100)
	s.Track(7, b, 200)
	if got := s.Tracked(); got != 2 {
		t.Fatalf("Tracked() = %d, want 2", got)
	}

	if due := s.Due(150); len(due) != 1 || due[0] != a {
		t.Fatalf("Due(150) = %v, want [%v]", due, a)
	}
	if due := s.Due(250); len(due) != 1 || due[0] != b {
		t.Fatalf("Due(250) = %v, want [%v]", due, b)
	}
	if got := s.Tracked(); got != 0 {
		t.Errorf("Tracked() = %d after expiry, want 0", got)
	}
}

func TestUntrackKeepsCollidingCell(t *testing.T) {
	s := NewShard()
	a := CellRef{Key: "k1", Column: "a"}
	b := CellRef{Key: "k2", Column: "b"}
	c := CellRef{Key: "k3", Column: "c"}

	s.Track(7, a, 100)
	s.Track(7, b, 300)
	s.Track(9, c, 200)
	s.Untrack(7, a)

	due := s.Due(1000)
	sort.Slice(due, func(i, j int) bool { return due[i].Key < due[j].Key })
	if len(due) != 2 || due[0] != b || due[1] != c {
		t.Fatalf("Due(1000) = %v, want [%v %v]", due, b, c)
	}
}

func TestTrackReschedules(t *testing.T) {
	s := NewShard()
	a := CellRef{Key: "k", Column: "a"}

	s.Track(1, a, 100)
	s.Track(1, a, 500)
	if due := s.Due(200); len(due) != 0 {
		t.Fatalf("rescheduled cell reported due: %v", due)
	}
	if due := s.Due(500); len(due) != 1 {
		t.Fatalf("Due(500) = %v, want one cell", due)
	}
}
