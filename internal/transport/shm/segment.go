/*
 *
 * Copyright 2025 CodeKnife authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

// Segment layout constants. The header is packed: four 32-bit counters and
// nothing else, immediately followed by the two rings.
const (
	// SharedHeaderSize is the size of the position-counter header.
	SharedHeaderSize = 16

	// DefaultRingSize is the per-direction ring capacity (1 MiB).
	DefaultRingSize = 1 << 20

	// MinRingSize bounds configuration; a ring must hold at least one
	// maximum-header packet plus slack.
	MinRingSize = 4096
)

// Client attach polling: the client waits for the server to publish a
// zeroed header before it starts reading.
const (
	attachRetries  = 10
	attachInterval = 100 * time.Millisecond
)

// CounterIndex names one of the four shared position counters.
type CounterIndex int

const (
	CtrServerWrite CounterIndex = iota
	CtrServerRead
	CtrClientWrite
	CtrClientRead
	counterCount
)

// SharedCounter is a 32-bit position counter living in the shared segment.
// It is observed concurrently by two processes, so loads and stores use
// sequentially consistent ordering; Go's atomic package guarantees the
// needed full fences on all supported architectures.
type SharedCounter struct {
	p *uint32
}

// Load atomically reads the counter.
func (c SharedCounter) Load() uint32 { return atomic.LoadUint32(c.p) }

// Store atomically writes the counter.
func (c SharedCounter) Store(v uint32) { atomic.StoreUint32(c.p, v) }

// mapping is the platform view of an attached segment. Implementations live
// in the platform-specific files.
type mapping interface {
	bytes() []byte
	// close detaches the mapping from this process.
	close() error
	// destroy removes the underlying OS object. Only the owner calls it.
	destroy() error
}

// Segment is an attached shared-memory segment holding the counter header
// and both rings. The owner (server) zeroes it on creation and removes the
// OS object on Close; clients attach to an existing segment and verify the
// server has initialized it.
type Segment struct {
	m        mapping
	mem      []byte
	ringSize uint32
	owner    bool
}

// SegmentSize returns the total byte size of a segment for the given
// per-direction ring capacity.
func SegmentSize(ringSize uint32) int {
	return SharedHeaderSize + 2*int(ringSize)
}

// CreateSegment allocates (or re-attaches to) the named segment as the
// owning server and zeroes the header counters and both rings.
func CreateSegment(channel string, ringSize uint32) (*Segment, error) {
	if err := checkRingSize(ringSize); err != nil {
		return nil, err
	}
	m, err := createMapping(channel, SegmentSize(ringSize))
	if err != nil {
		return nil, fmt.Errorf("create segment for channel %q: %w", channel, err)
	}
	s := &Segment{m: m, mem: m.bytes(), ringSize: ringSize, owner: true}
	for i := CounterIndex(0); i < counterCount; i++ {
		s.Counter(i).Store(0)
	}
	clear(s.mem[SharedHeaderSize:])
	return s, nil
}

// OpenSegment attaches to an existing named segment as the client. The open
// is retried while the server has not created the segment yet, and the
// counters are then polled until the server has zeroed them; both waits are
// bounded, and a timeout aborts the attach.
func OpenSegment(channel string, ringSize uint32) (*Segment, error) {
	if err := checkRingSize(ringSize); err != nil {
		return nil, err
	}

	var m mapping
	var err error
	for attempt := 0; attempt < attachRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(attachInterval)
		}
		m, err = openMapping(channel, SegmentSize(ringSize))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open segment for channel %q: %w", channel, err)
	}

	s := &Segment{m: m, mem: m.bytes(), ringSize: ringSize, owner: false}
	for attempt := 0; ; attempt++ {
		if s.countersZero() {
			return s, nil
		}
		if attempt >= attachRetries {
			s.Close()
			return nil, fmt.Errorf("channel %q: server did not initialize segment in time", channel)
		}
		time.Sleep(attachInterval)
	}
}

func checkRingSize(ringSize uint32) error {
	if ringSize < MinRingSize {
		return fmt.Errorf("ring size %d below minimum %d", ringSize, MinRingSize)
	}
	return nil
}

func (s *Segment) countersZero() bool {
	for i := CounterIndex(0); i < counterCount; i++ {
		if s.Counter(i).Load() != 0 {
			return false
		}
	}
	return true
}

// Counter returns the shared counter at the given header slot.
func (s *Segment) Counter(i CounterIndex) SharedCounter {
	p := (*uint32)(unsafe.Pointer(&s.mem[4*int(i)]))
	return SharedCounter{p: p}
}

// RingSize returns the per-direction ring capacity.
func (s *Segment) RingSize() uint32 { return s.ringSize }

// ServerToClient returns the byte region of the ring written by the server
// and read by the client.
func (s *Segment) ServerToClient() []byte {
	return s.mem[SharedHeaderSize : SharedHeaderSize+int(s.ringSize)]
}

// ClientToServer returns the byte region of the ring written by the client
// and read by the server.
func (s *Segment) ClientToServer() []byte {
	off := SharedHeaderSize + int(s.ringSize)
	return s.mem[off : off+int(s.ringSize)]
}

// Close detaches the segment. The owning server additionally removes the
// OS object; clients only detach.
func (s *Segment) Close() error {
	if s.m == nil {
		return nil
	}
	var firstErr error
	if err := s.m.close(); err != nil {
		firstErr = err
	}
	if s.owner {
		if err := s.m.destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.m = nil
	s.mem = nil
	return firstErr
}

// memoryMapping backs a Segment with process-local memory. It exists for
// the portable tests and in-process loopbacks; the word slice keeps the
// region 4-byte aligned for the atomic counters.
type memoryMapping struct {
	words []uint32
	mem   []byte
}

func (m *memoryMapping) bytes() []byte  { return m.mem }
func (m *memoryMapping) close() error   { return nil }
func (m *memoryMapping) destroy() error { return nil }

// NewMemorySegment builds a process-local segment with the same layout as a
// shared one. Both "peers" must share the returned value.
func NewMemorySegment(ringSize uint32) *Segment {
	size := SegmentSize(ringSize)
	words := make([]uint32, (size+3)/4)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	m := &memoryMapping{words: words, mem: mem}
	return &Segment{m: m, mem: mem, ringSize: ringSize, owner: false}
}
