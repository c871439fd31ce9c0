package shm

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRingFreeAndUsedSpace(t *testing.T) {
	r := NewRing(make([]byte, 64))

	cases := []struct {
		head, tail uint32
		free, used uint32
	}{
		{0, 0, 64, 0},    // empty, tail at zero releases the gap
		{10, 0, 54, 10},  // tail at zero
		{10, 10, 63, 0},  // empty elsewhere keeps the one-byte gap
		{20, 10, 53, 10}, // head ahead of tail
		{10, 20, 9, 54},  // wrapped
		{63, 20, 20, 43}, // head at the end
	}

	for _, c := range cases {
		if got := r.FreeSpace(c.head, c.tail); got != c.free {
			t.Errorf("FreeSpace(%d, %d) = %d, want %d", c.head, c.tail, got, c.free)
		}
		if got := r.UsedSpace(c.head, c.tail); got != c.used {
			t.Errorf("UsedSpace(%d, %d) = %d, want %d", c.head, c.tail, got, c.used)
		}
	}
}

// Writing then reading N bytes returns the cursors to their starting
// positions modulo the ring size, from any seed position.
func TestRingWriteReadRestoresCursors(t *testing.T) {
	const size = 128
	r := NewRing(make([]byte, size))
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		start := uint32(rng.Intn(size))
		n := 1 + rng.Intn(size-2)
		if uint32(n) >= r.FreeSpace(start, start) {
			n = int(r.FreeSpace(start, start)) - 1
		}
		if n <= 0 {
			continue
		}

		data := make([]byte, n)
		rng.Read(data)

		head := r.WriteAt(start, data)
		if want := (start + uint32(n)) % size; head != want {
			t.Fatalf("trial %d: head = %d, want %d", trial, head, want)
		}

		out := make([]byte, n)
		tail := r.ReadAt(start, out)
		if tail != head {
			t.Fatalf("trial %d: tail %d did not catch head %d", trial, tail, head)
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("trial %d: data mismatch after wrap at %d", trial, start)
		}
	}
}

// Writes seeded so they straddle the boundary must read back intact for
// random split offsets.
func TestRingWrapAroundSplit(t *testing.T) {
	const size = 256
	r := NewRing(make([]byte, size))
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 100; trial++ {
		n := 16 + rng.Intn(64)
		// Seed the head so the write is guaranteed to split.
		start := uint32(size - 1 - rng.Intn(n-1))

		data := make([]byte, n)
		rng.Read(data)

		r.WriteAt(start, data)
		out := make([]byte, n)
		r.ReadAt(start, out)

		if !bytes.Equal(out, data) {
			t.Fatalf("trial %d: split write at %d (len %d) corrupted data", trial, start, n)
		}
	}
}

func TestRingCopyAtDoesNotAdvance(t *testing.T) {
	r := NewRing(make([]byte, 32))
	data := []byte("peekaboo")
	r.WriteAt(30, data) // splits across the boundary

	first := make([]byte, len(data))
	second := make([]byte, len(data))
	r.CopyAt(30, first)
	r.CopyAt(30, second)

	if !bytes.Equal(first, data) || !bytes.Equal(second, data) {
		t.Fatal("CopyAt returned different bytes on repeated peeks")
	}
}

// At most size-1 bytes may ever be outstanding when the tail is nonzero.
func TestRingOutstandingBound(t *testing.T) {
	const size = 64
	r := NewRing(make([]byte, size))

	for tail := uint32(1); tail < size; tail += 13 {
		head := tail
		free := r.FreeSpace(head, tail)
		if free != size-1 {
			t.Fatalf("empty ring at tail %d reports %d free, want %d", tail, free, size-1)
		}
		// Fill to the limit: writes must stay strictly below FreeSpace.
		n := free - 1
		head = r.WriteAt(head, make([]byte, n))
		if r.UsedSpace(head, tail) != n {
			t.Fatalf("used %d after writing %d", r.UsedSpace(head, tail), n)
		}
		if r.FreeSpace(head, tail) != size-1-n {
			t.Fatalf("free %d after writing %d", r.FreeSpace(head, tail), n)
		}
	}
}
