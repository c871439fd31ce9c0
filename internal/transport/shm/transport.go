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
	"errors"
	"fmt"
	"log/slog"

	"github.com/shareworker/CodeKnife/internal/packet"
	"github.com/shareworker/CodeKnife/internal/transport"
)

// ErrPacketTooLarge is returned for packets that can never fit the ring.
var ErrPacketTooLarge = errors.New("shm: packet exceeds ring capacity")

// magicBytes is the packet magic as it appears in ring memory.
var magicBytes = [4]byte{0x4C, 0x49, 0x54, 0x55}

// Options configure a Transport.
type Options struct {
	// RingSize is the per-direction ring capacity. Both peers must agree.
	// Zero selects DefaultRingSize.
	RingSize uint32

	// Logger receives transport diagnostics. Nil selects slog.Default().
	Logger *slog.Logger
}

func (o *Options) fill() {
	if o.RingSize == 0 {
		o.RingSize = DefaultRingSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Transport composes the segment, the semaphore set and the two rings into
// packet-level writes and reads for one peer of a channel.
//
// WritePacket and ReadPacket never block: write-side contention comes back
// as WriteBusy, exhausted space as WriteFull, and an idle incoming ring as
// ReadEmpty. The status is meaningful only when the returned error is nil.
type Transport struct {
	role   transport.Role
	seg    *Segment
	sems   SemaphoreSet
	logger *slog.Logger

	tx     *Ring
	txHead SharedCounter
	txTail SharedCounter

	rx     *Ring
	rxHead SharedCounter
	rxTail SharedCounter

	myWriteSem   SemIndex
	peerReadSem  SemIndex
	myReadSem    SemIndex
	peerWriteSem SemIndex

	hdrScratch [packet.HeaderSize]byte
	writeBuf   []byte
}

// New attaches one peer of the named channel. The server creates and
// initializes the segment and semaphores; the client attaches to existing
// ones, waiting a bounded time for the server to publish them.
func New(channel string, role transport.Role, opts Options) (*Transport, error) {
	if channel == "" {
		return nil, errors.New("shm: empty channel name")
	}
	opts.fill()

	var (
		seg  *Segment
		sems SemaphoreSet
		err  error
	)
	if role == transport.RoleServer {
		seg, err = CreateSegment(channel, opts.RingSize)
		if err != nil {
			return nil, err
		}
		sems, err = CreateSemaphores(channel)
	} else {
		seg, err = OpenSegment(channel, opts.RingSize)
		if err != nil {
			return nil, err
		}
		sems, err = OpenSemaphores(channel)
	}
	if err != nil {
		seg.Close()
		return nil, err
	}
	return bind(seg, sems, role, opts.Logger), nil
}

// NewPair builds two in-process transports over one memory segment and one
// local semaphore set: a loopback channel for tests and same-process peers.
func NewPair(ringSize uint32, logger *slog.Logger) (server, client *Transport) {
	if ringSize == 0 {
		ringSize = DefaultRingSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	seg := NewMemorySegment(ringSize)
	sems := NewLocalSemaphores()
	return bind(seg, sems, transport.RoleServer, logger),
		bind(seg, sems, transport.RoleClient, logger)
}

// bind wires the role-dependent selection of ring regions, counters and
// semaphore indexes. The server writes server_to_client and reads
// client_to_server; the client mirrors it.
func bind(seg *Segment, sems SemaphoreSet, role transport.Role, logger *slog.Logger) *Transport {
	t := &Transport{
		role:   role,
		seg:    seg,
		sems:   sems,
		logger: logger,
	}
	if role == transport.RoleServer {
		t.tx = NewRing(seg.ServerToClient())
		t.txHead = seg.Counter(CtrServerWrite)
		t.txTail = seg.Counter(CtrClientRead)
		t.myWriteSem = SemServerWrite
		t.peerReadSem = SemClientRead

		t.rx = NewRing(seg.ClientToServer())
		t.rxHead = seg.Counter(CtrClientWrite)
		t.rxTail = seg.Counter(CtrServerRead)
		t.myReadSem = SemServerRead
		t.peerWriteSem = SemClientWrite
	} else {
		t.tx = NewRing(seg.ClientToServer())
		t.txHead = seg.Counter(CtrClientWrite)
		t.txTail = seg.Counter(CtrServerRead)
		t.myWriteSem = SemClientWrite
		t.peerReadSem = SemServerRead

		t.rx = NewRing(seg.ServerToClient())
		t.rxHead = seg.Counter(CtrServerWrite)
		t.rxTail = seg.Counter(CtrClientRead)
		t.myReadSem = SemClientRead
		t.peerWriteSem = SemServerWrite
	}
	return t
}

// MaxPayload returns the largest payload a packet on this channel may carry.
func (t *Transport) MaxPayload() uint32 {
	return t.tx.Size() - packet.HeaderSize - packet.ChecksumSize
}

// WritePacket publishes one packet on the outgoing ring.
//
// The write-side mutex semaphore is only ever tried, never waited on:
// contention is WriteBusy and the caller backs off. After a successful
// write the peer's read counter is signaled before the mutex is released,
// so a wakeup cannot land while the mutex is still nominally held.
func (t *Transport) WritePacket(p *packet.Packet) (transport.WriteStatus, error) {
	total := p.TotalSize()
	if total > t.tx.Size() {
		return transport.WriteFull, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, total, t.tx.Size())
	}

	ok, err := t.sems.TryWait(t.myWriteSem)
	if err != nil {
		return transport.WriteBusy, err
	}
	if !ok {
		return transport.WriteBusy, nil
	}

	head := t.txHead.Load()
	tail := t.txTail.Load()
	if t.tx.FreeSpace(head, tail) <= total {
		t.sems.Signal(t.myWriteSem)
		return transport.WriteFull, nil
	}

	if cap(t.writeBuf) < int(total) {
		t.writeBuf = make([]byte, total)
	}
	buf := t.writeBuf[:total]
	if err := p.SerializeTo(buf); err != nil {
		t.sems.Signal(t.myWriteSem)
		return transport.WriteBusy, err
	}

	newHead := t.tx.WriteAt(head, buf)
	t.txHead.Store(newHead)

	t.sems.Signal(t.peerReadSem)
	t.sems.Signal(t.myWriteSem)
	return transport.WriteOK, nil
}

// ReadPacket consumes one packet from the incoming ring.
//
// An empty ring is detected before any semaphore is taken. Corrupt bytes
// (bad magic, impossible length, failed checksum) are discarded and the
// tail advanced so the ring cannot stall behind garbage; the next valid
// packet is surfaced by a later attempt.
func (t *Transport) ReadPacket() (*packet.Packet, transport.ReadStatus, error) {
	head := t.rxHead.Load()
	tail := t.rxTail.Load()
	if head == tail {
		return nil, transport.ReadEmpty, nil
	}

	ok, err := t.sems.TryWait(t.myReadSem)
	if err != nil {
		return nil, transport.ReadEmpty, err
	}
	if !ok {
		return nil, transport.ReadEmpty, nil
	}

	// Positions may have advanced while acquiring the semaphore.
	head = t.rxHead.Load()
	tail = t.rxTail.Load()
	if head == tail {
		t.sems.Signal(t.myReadSem)
		return nil, transport.ReadEmpty, nil
	}

	used := t.rx.UsedSpace(head, tail)
	if used < packet.HeaderSize+packet.ChecksumSize {
		t.resync(head, tail)
		return nil, transport.ReadInvalid, nil
	}

	t.rx.CopyAt(tail, t.hdrScratch[:])
	hdr, _ := packet.PeekHeader(t.hdrScratch[:])
	if hdr.Magic != packet.Magic || hdr.PayloadLen > t.MaxPayload() {
		t.logger.Warn(fmt.Sprintf("shm: bad packet header at tail %d (magic=%#x len=%d)", tail, hdr.Magic, hdr.PayloadLen),
			"event", "shm:header:invalid")
		t.resync(head, tail)
		return nil, transport.ReadInvalid, nil
	}

	total := packet.HeaderSize + hdr.PayloadLen + packet.ChecksumSize
	if used < total {
		// The declared length runs past what the writer published.
		t.logger.Warn(fmt.Sprintf("shm: truncated packet at tail %d (need %d, used %d)", tail, total, used),
			"event", "shm:header:truncated")
		t.resync(head, tail)
		return nil, transport.ReadInvalid, nil
	}

	buf := make([]byte, total)
	t.rx.CopyAt(tail, buf)
	p, perr := packet.Parse(buf)

	// The packet's bytes are consumed either way; a checksum mismatch
	// discards exactly this packet and keeps the ring aligned.
	t.rxTail.Store((tail + total) % t.rx.Size())
	t.sems.Signal(t.peerWriteSem)

	if perr != nil || !p.Valid() {
		t.logger.Warn(fmt.Sprintf("shm: dropping packet with bad checksum at tail %d (%d bytes)", tail, total),
			"event", "shm:crc:mismatch")
		return nil, transport.ReadInvalid, nil
	}
	return p, transport.ReadOK, nil
}

// resync advances the tail to the next magic boundary inside the used
// region, or all the way to head when none exists. The freed space is
// signaled to the peer writer; when bytes remain, the local read counter
// is re-armed so the surviving packet is picked up without a new post.
func (t *Transport) resync(head, tail uint32) {
	size := t.rx.Size()
	used := t.rx.UsedSpace(head, tail)

	newTail := head
	if used > 4 {
		for off := uint32(1); off <= used-4; off++ {
			pos := (tail + off) % size
			if t.rx.ByteAt(pos) == magicBytes[0] &&
				t.rx.ByteAt(pos+1) == magicBytes[1] &&
				t.rx.ByteAt(pos+2) == magicBytes[2] &&
				t.rx.ByteAt(pos+3) == magicBytes[3] {
				newTail = pos
				break
			}
		}
	}

	dropped := t.rx.UsedSpace(newTail, tail)
	t.logger.Warn(fmt.Sprintf("shm: resynchronized past %d corrupt bytes", dropped),
		"event", "shm:resync")

	t.rxTail.Store(newTail)
	t.sems.Signal(t.peerWriteSem)
	if newTail != head {
		t.sems.Signal(t.myReadSem)
	}
}

// Close releases the semaphore handles and detaches the segment. The server
// also destroys both OS objects; errors are collected, not short-circuited.
func (t *Transport) Close() error {
	var firstErr error
	if t.sems != nil {
		if err := t.sems.Close(); err != nil {
			firstErr = err
		}
		if t.role == transport.RoleServer {
			if err := t.sems.Destroy(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		t.sems = nil
	}
	if t.seg != nil {
		if err := t.seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.seg = nil
	}
	return firstErr
}
