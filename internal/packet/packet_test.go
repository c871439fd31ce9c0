package packet

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte(""),
		[]byte("hello"),
		bytes.Repeat([]byte{0xA5}, 512*1024),
		{0x00},
		{0x4C, 0x49, 0x54, 0x55}, // payload that happens to contain the magic
	}

	for i, payload := range payloads {
		p := New(TypeRequest, uint32(i), payload, 1234567890)
		wire := p.Serialize()

		got, err := Parse(wire)
		if err != nil {
			t.Fatalf("payload %d: Parse failed: %v", i, err)
		}
		if !got.Valid() {
			t.Fatalf("payload %d: round-tripped packet not valid", i)
		}
		if got.Header.Type != TypeRequest {
			t.Fatalf("payload %d: type mismatch: got %v", i, got.Header.Type)
		}
		if got.Header.SeqNum != uint32(i) {
			t.Fatalf("payload %d: seq mismatch: got %d", i, got.Header.SeqNum)
		}
		if got.Header.Timestamp != 1234567890 {
			t.Fatalf("payload %d: timestamp mismatch: got %d", i, got.Header.Timestamp)
		}
		if !bytes.Equal(got.Payload, payload) && len(payload) > 0 {
			t.Fatalf("payload %d: payload mismatch", i)
		}
	}
}

func TestTotalSize(t *testing.T) {
	p := New(TypeResponse, 0, []byte("abc"), 0)
	want := uint32(HeaderSize + 3 + ChecksumSize)
	if p.TotalSize() != want {
		t.Fatalf("TotalSize: got %d, want %d", p.TotalSize(), want)
	}
	if len(p.Serialize()) != int(want) {
		t.Fatalf("Serialize length: got %d, want %d", len(p.Serialize()), want)
	}
}

// Flipping any single byte of the serialized form must be caught, either by
// the magic check in Parse or by the checksum in Valid.
func TestChecksumDetectsCorruption(t *testing.T) {
	p := New(TypeRequest, 7, []byte("the quick brown fox"), 99)
	wire := p.Serialize()

	for i := range wire {
		corrupt := append([]byte(nil), wire...)
		corrupt[i] ^= 0x40

		got, err := Parse(corrupt)
		if err != nil {
			continue // magic or length check rejected it first
		}
		if got.Valid() {
			t.Fatalf("flipped byte %d went undetected", i)
		}
	}
}

// Reference vector for the CRC-32 of the codec: reflected polynomial
// 0xEDB88320, init 0xFFFFFFFF, final XOR 0xFFFFFFFF.
func TestChecksumVector(t *testing.T) {
	if got := Checksum([]byte("123456789")); got != 0xCBF43926 {
		t.Fatalf("crc32(\"123456789\") = %#08X, want 0xCBF43926", got)
	}
}

func TestParseRejectsShortInput(t *testing.T) {
	p := New(TypeRequest, 0, []byte("payload"), 0)
	wire := p.Serialize()

	for _, n := range []int{0, 1, HeaderSize - 1, HeaderSize, HeaderSize + ChecksumSize - 1} {
		if _, err := Parse(wire[:n]); err == nil {
			t.Fatalf("Parse accepted %d-byte input", n)
		}
	}

	// Truncating the payload must be rejected via the declared length.
	if _, err := Parse(wire[:len(wire)-ChecksumSize-1]); err == nil {
		t.Fatal("Parse accepted packet with truncated payload")
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	p := New(TypeRequest, 0, nil, 0)
	wire := p.Serialize()
	wire[0] ^= 0xFF

	if _, err := Parse(wire); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestSerializeToNoSpace(t *testing.T) {
	p := New(TypeRequest, 0, []byte("abcdef"), 0)
	dst := make([]byte, p.TotalSize()-1)
	if err := p.SerializeTo(dst); err != ErrNoSpace {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
}

func TestPayloadIsDeepCopied(t *testing.T) {
	src := []byte("mutable")
	p := New(TypeRequest, 0, src, 0)
	src[0] = 'X'
	if !p.Valid() {
		t.Fatal("mutating the source payload invalidated the packet")
	}

	wire := p.Serialize()
	got, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	wire[HeaderSize] = 'X'
	if !got.Valid() {
		t.Fatal("mutating the wire image invalidated the parsed packet")
	}
}
