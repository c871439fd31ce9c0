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

package ipc

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/shareworker/CodeKnife/internal/packet"
)

// PeerStatus is the record carried inside heartbeat packets. It is encoded
// as CBOR so fields can be added without breaking older peers.
type PeerStatus struct {
	InstanceID    string `cbor:"id"`
	Role          string `cbor:"role"`
	UptimeMillis  uint64 `cbor:"uptime"`
	Sent          uint64 `cbor:"sent"`
	Received      uint64 `cbor:"received"`
	OutboundDepth int    `cbor:"out_depth"`
	InboundDepth  int    `cbor:"in_depth"`
}

// statusPayload encodes this engine's current status record.
func (e *Engine) statusPayload() ([]byte, error) {
	e.mu.Lock()
	startedAt := e.startedAt
	role := e.role
	e.mu.Unlock()

	st := PeerStatus{
		InstanceID:    e.id.String(),
		Role:          role.String(),
		UptimeMillis:  uint64(time.Since(startedAt).Milliseconds()),
		Sent:          e.sent.Load(),
		Received:      e.received.Load(),
		OutboundDepth: e.outbound.len(),
		InboundDepth:  e.inbound.len(),
	}
	return cbor.Marshal(st)
}

// observeHeartbeat decodes a heartbeat payload and retains the most recent
// peer status. Undecodable heartbeats are dropped with a log line.
func (e *Engine) observeHeartbeat(p *packet.Packet) {
	var st PeerStatus
	if err := cbor.Unmarshal(p.Payload, &st); err != nil {
		e.logger.Warn(fmt.Sprintf("ipc: undecodable heartbeat: %s", err), "event", "ipc:heartbeat:decode")
		return
	}
	e.peerMu.Lock()
	e.peer = &st
	e.peerSeen = time.Now()
	e.peerMu.Unlock()
}

// PeerStatus returns the most recently observed peer heartbeat record and
// whether one has been seen since Start.
func (e *Engine) PeerStatus() (PeerStatus, bool) {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	if e.peer == nil {
		return PeerStatus{}, false
	}
	return *e.peer, true
}

// PeerSeen returns when the last heartbeat arrived.
func (e *Engine) PeerSeen() (time.Time, bool) {
	e.peerMu.Lock()
	defer e.peerMu.Unlock()
	return e.peerSeen, e.peer != nil
}

func (e *Engine) resetPeer() {
	e.peerMu.Lock()
	e.peer = nil
	e.peerSeen = time.Time{}
	e.peerMu.Unlock()
}
