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

// Package transport defines the contract shared by the packet transports:
// the shared-memory channel and the named-pipe channel. A transport moves
// whole packets between exactly two peers on one host; flow control is
// backpressure only, surfaced as non-error outcome codes.
package transport

import "github.com/shareworker/CodeKnife/internal/packet"

// Role distinguishes the owning peer from the attaching peer. The server
// creates and destroys OS resources; the client attaches and detaches.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// String returns the lowercase role label.
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// WriteStatus is the outcome of a single write attempt. Busy and Full are
// transient: callers retry with backoff.
type WriteStatus int

const (
	// WriteOK means the packet was published.
	WriteOK WriteStatus = iota
	// WriteBusy means the write-side mutex was contended; retry later.
	WriteBusy
	// WriteFull means the channel lacks space for the packet; retry later.
	WriteFull
)

// ReadStatus is the outcome of a single read attempt.
type ReadStatus int

const (
	// ReadOK means a validated packet was returned.
	ReadOK ReadStatus = iota
	// ReadEmpty means no packet is available right now.
	ReadEmpty
	// ReadInvalid means corrupt bytes were discarded; try again.
	ReadInvalid
)

// Transport is a bidirectional packet channel between two peers. WritePacket
// and ReadPacket never block: contended or exhausted states come back as
// statuses, and errors are reserved for unusable transports or oversized
// packets. Close releases attach handles on every path; the server side also
// destroys the underlying OS objects.
type Transport interface {
	WritePacket(p *packet.Packet) (WriteStatus, error)
	ReadPacket() (*packet.Packet, ReadStatus, error)
	Close() error
}
