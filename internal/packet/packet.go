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

// Package packet implements the framed, checksum-protected packet format
// carried over the IPC transports.
//
// A packet on the wire is a fixed 24-byte header, an opaque payload, and a
// trailing CRC-32 computed across header and payload:
//
//	uint32 magic      // 0x5554494C ("UTIL")
//	uint8  version    // currently 1
//	uint8  type       // MessageType
//	uint16 reserved   // zero
//	uint32 payloadLen // payload length in bytes
//	uint32 seqNum     // writer-chosen sequence number
//	uint64 timestamp  // milliseconds since epoch at encoding time
//	bytes  payload
//	uint32 crc32
//
// Both peers live on the same host, so multi-byte fields use the shared
// native byte order (little-endian on all supported targets).
package packet

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Magic identifies the start of a packet: "UTIL" in ASCII.
const Magic = uint32(0x5554494C)

// Version is the current packet format version.
const Version = uint8(1)

// Sizes of the fixed parts of the wire format.
const (
	HeaderSize   = 24
	ChecksumSize = 4
)

// MessageType identifies the kind of traffic a packet carries.
type MessageType uint8

const (
	TypeRequest   MessageType = 0x01
	TypeResponse  MessageType = 0x02
	TypeHeartbeat MessageType = 0x03
	TypeError     MessageType = 0x04
	// 0x05-0xFF reserved
)

// String returns a short name for the message type.
func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeError:
		return "ERROR"
	default:
		return "RESERVED"
	}
}

// Header is the in-memory form of the fixed packet header.
type Header struct {
	Magic      uint32
	Version    uint8
	Type       MessageType
	Reserved   uint16
	PayloadLen uint32
	SeqNum     uint32
	Timestamp  uint64
}

var (
	// ErrNoSpace indicates the destination buffer cannot hold the packet.
	ErrNoSpace = errors.New("packet: destination too small")

	// ErrTruncated indicates the input ends before a complete packet.
	ErrTruncated = errors.New("packet: input shorter than a complete packet")

	// ErrBadMagic indicates the input does not start with the packet magic.
	ErrBadMagic = errors.New("packet: bad magic")
)

// Packet owns a decoded or to-be-encoded packet. The payload is deep-copied
// on construction and on parse; its lifetime equals the packet's.
type Packet struct {
	Header   Header
	Payload  []byte
	Checksum uint32
}

// New builds a packet of the given type carrying a copy of payload. The
// timestamp is the caller-provided wall clock in milliseconds; the checksum
// is computed immediately.
func New(t MessageType, seq uint32, payload []byte, nowMillis uint64) *Packet {
	p := &Packet{
		Header: Header{
			Magic:      Magic,
			Version:    Version,
			Type:       t,
			PayloadLen: uint32(len(payload)),
			SeqNum:     seq,
			Timestamp:  nowMillis,
		},
	}
	if len(payload) > 0 {
		p.Payload = append([]byte(nil), payload...)
	}
	p.Checksum = p.computeChecksum()
	return p
}

// TotalSize returns the on-wire size: header + payload + checksum.
func (p *Packet) TotalSize() uint32 {
	return HeaderSize + p.Header.PayloadLen + ChecksumSize
}

// Valid recomputes the CRC across header and payload and compares it with
// the stored checksum. A packet with zeroed magic is never valid.
func (p *Packet) Valid() bool {
	if p.Header.Magic != Magic {
		return false
	}
	return p.computeChecksum() == p.Checksum
}

// computeChecksum runs CRC-32 (reflected polynomial 0xEDB88320, initial and
// final XOR 0xFFFFFFFF) across the serialized header followed by the payload.
func (p *Packet) computeChecksum() uint32 {
	var hdr [HeaderSize]byte
	encodeHeaderTo(&hdr, p.Header)
	crc := crc32.Update(0, crc32.IEEETable, hdr[:])
	if len(p.Payload) > 0 {
		crc = crc32.Update(crc, crc32.IEEETable, p.Payload)
	}
	return crc
}

// SerializeTo copies header, payload and checksum contiguously into dst.
// It fails with ErrNoSpace when dst cannot hold TotalSize bytes.
func (p *Packet) SerializeTo(dst []byte) error {
	total := int(p.TotalSize())
	if len(dst) < total {
		return ErrNoSpace
	}
	var hdr [HeaderSize]byte
	encodeHeaderTo(&hdr, p.Header)
	copy(dst, hdr[:])
	copy(dst[HeaderSize:], p.Payload)
	binary.LittleEndian.PutUint32(dst[HeaderSize+len(p.Payload):], p.Checksum)
	return nil
}

// Serialize returns a freshly allocated wire image of the packet.
func (p *Packet) Serialize() []byte {
	out := make([]byte, p.TotalSize())
	p.SerializeTo(out)
	return out
}

// Parse reconstructs a packet from a contiguous byte slice. The input must
// hold at least a complete header plus checksum, start with the packet
// magic, and declare a payload length that fits the input. Parse copies the
// payload; callers may reuse b afterwards. The checksum is carried over
// verbatim; use Valid to verify it.
func Parse(b []byte) (*Packet, error) {
	if len(b) < HeaderSize+ChecksumSize {
		return nil, ErrTruncated
	}
	hdr := decodeHeader(b)
	if hdr.Magic != Magic {
		return nil, ErrBadMagic
	}
	if int(hdr.PayloadLen) > len(b)-HeaderSize-ChecksumSize {
		return nil, ErrTruncated
	}
	p := &Packet{Header: hdr}
	if hdr.PayloadLen > 0 {
		p.Payload = append([]byte(nil), b[HeaderSize:HeaderSize+hdr.PayloadLen]...)
	}
	p.Checksum = binary.LittleEndian.Uint32(b[HeaderSize+hdr.PayloadLen:])
	return p, nil
}

// PeekHeader decodes just the fixed header from b without copying a payload.
func PeekHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrTruncated
	}
	return decodeHeader(b), nil
}

func encodeHeaderTo(dst *[HeaderSize]byte, h Header) {
	b := dst[:]
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	b[4] = h.Version
	b[5] = byte(h.Type)
	binary.LittleEndian.PutUint16(b[6:8], h.Reserved)
	binary.LittleEndian.PutUint32(b[8:12], h.PayloadLen)
	binary.LittleEndian.PutUint32(b[12:16], h.SeqNum)
	binary.LittleEndian.PutUint64(b[16:24], h.Timestamp)
}

func decodeHeader(b []byte) Header {
	var h Header
	h.Magic = binary.LittleEndian.Uint32(b[0:4])
	h.Version = b[4]
	h.Type = MessageType(b[5])
	h.Reserved = binary.LittleEndian.Uint16(b[6:8])
	h.PayloadLen = binary.LittleEndian.Uint32(b[8:12])
	h.SeqNum = binary.LittleEndian.Uint32(b[12:16])
	h.Timestamp = binary.LittleEndian.Uint64(b[16:24])
	return h
}

// Checksum exposes the packet CRC-32 for external verification: reflected
// polynomial 0xEDB88320, initial value 0xFFFFFFFF, final XOR 0xFFFFFFFF.
func Checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
