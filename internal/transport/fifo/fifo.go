//go:build unix

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

// Package fifo implements the packet transport over a pair of POSIX named
// pipes, one per direction. It shares the packet format with the
// shared-memory transport but streams bytes through the kernel instead of a
// ring, so the reader keeps a scan buffer and resynchronizes on the packet
// magic after garbage. Unix only.
package fifo

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shareworker/CodeKnife/internal/packet"
	"github.com/shareworker/CodeKnife/internal/transport"
)

const (
	// scanBufferSize bounds the reassembly buffer and therefore the
	// largest packet the pipe transport accepts.
	scanBufferSize = 64 * 1024

	fifoPerms = 0666

	// writeRetries bounds the spin finishing a partially written packet;
	// abandoning one mid-stream would corrupt the byte stream.
	writeRetries  = 100
	writeInterval = time.Millisecond
)

// ErrPacketTooLarge is returned for packets above the scan-buffer bound.
var ErrPacketTooLarge = errors.New("fifo: packet exceeds pipe transport limit")

// Options configure a pipe transport.
type Options struct {
	// Dir is where the two FIFO nodes live. Empty selects os.TempDir().
	Dir string

	// Logger receives transport diagnostics. Nil selects slog.Default().
	Logger *slog.Logger
}

// Transport is one peer of a two-pipe packet channel. The write end is
// opened read-write so opening never blocks on an absent reader; both ends
// are non-blocking so the engine's cooperative shutdown is never stalled in
// the kernel.
type Transport struct {
	role   transport.Role
	logger *slog.Logger

	wfd       int
	rfd       int
	writePath string
	readPath  string

	scan    []byte
	readBuf []byte
}

// New opens (creating when missing) both FIFOs of the channel and wires the
// direction matching the role. Either peer may arrive first: both create
// the nodes, and only the server unlinks them on Close.
func New(channel string, role transport.Role, opts Options) (*Transport, error) {
	if channel == "" {
		return nil, errors.New("fifo: empty channel name")
	}
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s2c := filepath.Join(opts.Dir, channel+".s2c.fifo")
	c2s := filepath.Join(opts.Dir, channel+".c2s.fifo")
	for _, path := range []string{s2c, c2s} {
		if err := unix.Mkfifo(path, fifoPerms); err != nil && err != unix.EEXIST {
			return nil, fmt.Errorf("mkfifo %s: %w", path, err)
		}
	}

	t := &Transport{
		role:    role,
		logger:  opts.Logger,
		wfd:     -1,
		rfd:     -1,
		readBuf: make([]byte, 16*1024),
	}
	if role == transport.RoleServer {
		t.writePath, t.readPath = s2c, c2s
	} else {
		t.writePath, t.readPath = c2s, s2c
	}

	wfd, err := unix.Open(t.writePath, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("open %s for writing: %w", t.writePath, err)
	}
	t.wfd = wfd

	rfd, err := unix.Open(t.readPath, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("open %s for reading: %w", t.readPath, err)
	}
	t.rfd = rfd
	return t, nil
}

// MaxPayload returns the largest payload a pipe packet may carry.
func (t *Transport) MaxPayload() uint32 {
	return scanBufferSize - packet.HeaderSize - packet.ChecksumSize
}

// WritePacket streams one serialized packet into the pipe. A pipe with no
// room at all reports WriteFull; once the first byte is out the rest is
// retried under pressure, because a torn packet would desynchronize the
// stream. A pipe still full after writeRetries attempts, writeInterval
// apart, reports an error with the packet only partly written.
func (t *Transport) WritePacket(p *packet.Packet) (transport.WriteStatus, error) {
	if p.TotalSize() > scanBufferSize {
		return transport.WriteFull, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, p.TotalSize(), scanBufferSize)
	}
	wire := p.Serialize()

	written := 0
	for attempt := 0; written < len(wire); attempt++ {
		n, err := unix.Write(t.wfd, wire[written:])
		if n > 0 {
			written += n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			if written == 0 {
				return transport.WriteFull, nil
			}
			if attempt >= writeRetries {
				return transport.WriteFull, fmt.Errorf("fifo: pipe stalled after %d bytes of %d", written, len(wire))
			}
			time.Sleep(writeInterval)
			continue
		}
		if err != nil {
			return transport.WriteFull, fmt.Errorf("write %s: %w", t.writePath, err)
		}
	}
	return transport.WriteOK, nil
}

// ReadPacket drains whatever the pipe holds into the scan buffer and
// extracts the next complete packet. Garbage before a magic boundary is
// dropped; a packet failing its checksum is consumed and reported invalid.
func (t *Transport) ReadPacket() (*packet.Packet, transport.ReadStatus, error) {
	if err := t.fill(); err != nil {
		return nil, transport.ReadEmpty, err
	}

	// Drop bytes up to the next magic boundary.
	if skip := t.findMagic(); skip > 0 {
		t.logger.Warn(fmt.Sprintf("fifo: resynchronized past %d corrupt bytes", skip),
			"event", "fifo:resync")
		t.scan = t.scan[skip:]
		if len(t.scan) == 0 {
			return nil, transport.ReadInvalid, nil
		}
	}

	if len(t.scan) < packet.HeaderSize+packet.ChecksumSize {
		return nil, transport.ReadEmpty, nil
	}

	hdr, _ := packet.PeekHeader(t.scan)
	if hdr.PayloadLen > t.MaxPayload() {
		// Impossible length: skip this magic and rescan.
		t.logger.Warn(fmt.Sprintf("fifo: dropping header with impossible length %d", hdr.PayloadLen),
			"event", "fifo:header:invalid")
		t.scan = t.scan[1:]
		return nil, transport.ReadInvalid, nil
	}

	total := int(packet.HeaderSize + hdr.PayloadLen + packet.ChecksumSize)
	if len(t.scan) < total {
		return nil, transport.ReadEmpty, nil
	}

	p, perr := packet.Parse(t.scan[:total])
	t.scan = t.scan[total:]
	if perr != nil || !p.Valid() {
		t.logger.Warn("fifo: dropping packet with bad checksum", "event", "fifo:crc:mismatch")
		return nil, transport.ReadInvalid, nil
	}
	return p, transport.ReadOK, nil
}

// fill appends available pipe bytes to the scan buffer without blocking.
func (t *Transport) fill() error {
	for len(t.scan) < scanBufferSize {
		n, err := unix.Read(t.rfd, t.readBuf)
		if n > 0 {
			t.scan = append(t.scan, t.readBuf[:n]...)
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == nil {
			// EAGAIN: drained. nil with n==0: no writer connected.
			return nil
		}
		return fmt.Errorf("read %s: %w", t.readPath, err)
	}
	return nil
}

// findMagic returns how many leading scan bytes precede the next packet
// magic. When no boundary is present it returns all but the last three
// bytes, or 0 when the scan holds three bytes or fewer.
func (t *Transport) findMagic() int {
	for i := 0; i+4 <= len(t.scan); i++ {
		if t.scan[i] == 0x4C && t.scan[i+1] == 0x49 && t.scan[i+2] == 0x54 && t.scan[i+3] == 0x55 {
			return i
		}
	}
	// Keep the last three bytes: they may be a magic prefix.
	if n := len(t.scan) - 3; n > 0 {
		return n
	}
	return 0
}

// Close closes both pipe ends; the server also unlinks the FIFO nodes.
func (t *Transport) Close() error {
	var firstErr error
	if t.wfd >= 0 {
		if err := unix.Close(t.wfd); err != nil {
			firstErr = err
		}
		t.wfd = -1
	}
	if t.rfd >= 0 {
		if err := unix.Close(t.rfd); err != nil && firstErr == nil {
			firstErr = err
		}
		t.rfd = -1
	}
	if t.role == transport.RoleServer {
		for _, path := range []string{t.writePath, t.readPath} {
			if path == "" {
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
