package dedup

import (
	"testing"
	"time"
)

func mustNew(t *testing.T) *Dedup {
	t.Helper()
	d, err := New(1000, time.Hour, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func cidFixture(b byte) [36]byte {
	var c [36]byte
	c[0] = b
	c[1] = 0xAA
	return c
}

// Invariant 3 / scenario S4: feeding the same CID twice reports one
// archived event and one duplicate.
func TestSeenIdempotent(t *testing.T) {
	d := mustNew(t)
	cid := cidFixture(0x01)

	if d.Seen(cid) {
		t.Fatal("first Seen should report not-seen")
	}
	if !d.Seen(cid) {
		t.Fatal("second Seen should report duplicate")
	}
	if !d.Seen(cid) {
		t.Fatal("third Seen should still report duplicate")
	}
}

func TestSeenDistinctCIDsIndependent(t *testing.T) {
	d := mustNew(t)
	a := cidFixture(0x01)
	b := cidFixture(0x02)

	if d.Seen(a) {
		t.Fatal("a should be new")
	}
	if d.Seen(b) {
		t.Fatal("b should be new")
	}
	if !d.Seen(a) {
		t.Fatal("a should now be a duplicate")
	}
}

func TestBloomResetDoesNotLoseExactSet(t *testing.T) {
	d := mustNew(t)
	cid := cidFixture(0x05)

	d.Seen(cid)
	d.bloom.reset() // simulate the periodic reset firing
	if !d.Seen(cid) {
		t.Fatal("exact set must still catch the duplicate after a bloom reset")
	}
}
