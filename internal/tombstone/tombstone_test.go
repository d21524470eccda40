package tombstone

import (
	"path/filepath"
	"testing"
)

func mustOpen(t *testing.T) *Lattice {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "tombstones.bin"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// Invariant 7: tombstone monotonicity.
func TestSetMonotonic(t *testing.T) {
	l := mustOpen(t)
	const seq = 42
	if l.Get(seq) {
		t.Fatal("expected unset bit initially")
	}
	l.Set(seq)
	if !l.Get(seq) {
		t.Fatal("expected bit set after Set")
	}
	l.Set(seq) // idempotent
	if !l.Get(seq) {
		t.Fatal("expected bit to remain set after repeated Set")
	}
}

// Boundary: the highest addressable bit, 2^32-1, is reachable.
func TestHighestBit(t *testing.T) {
	l := mustOpen(t)
	const top = ^uint32(0) // 4294967295
	if l.Get(top) {
		t.Fatal("expected unset initially")
	}
	l.Set(top)
	if !l.Get(top) {
		t.Fatal("expected top bit set")
	}
	// A neighboring bit in the same word must be unaffected.
	if l.Get(top - 1) {
		t.Fatal("neighboring bit must remain unset")
	}
}

func TestIndependentSeqsDoNotInterfere(t *testing.T) {
	l := mustOpen(t)
	seqs := []uint32{3, 500, 999}
	for _, s := range seqs {
		l.Set(s)
	}
	for _, s := range seqs {
		if !l.Get(s) {
			t.Fatalf("expected seq %d set", s)
		}
	}
	for s := uint32(0); s < 1000; s++ {
		want := false
		for _, m := range seqs {
			if s == m {
				want = true
			}
		}
		if got := l.Get(s); got != want {
			t.Fatalf("seq %d: got %v want %v", s, got, want)
		}
	}
}
