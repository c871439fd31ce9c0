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

	"github.com/shareworker/CodeKnife/internal/packet"
	"github.com/shareworker/CodeKnife/internal/transport"
)

// receiverLoop drains up to recvBatchSize packets per pass. Data payloads
// go onto the inbound queue; heartbeats update the peer status record
// instead. A pass that yields nothing sleeps in 5 ms quanta, re-checking
// the run state between each, so shutdown is observed within 50 ms.
func (e *Engine) receiverLoop() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(fmt.Sprintf("ipc: receiver worker panicked: %v", r), "event", "ipc:receiver:panic")
		}
		e.wg.Done()
	}()

	for e.running() {
		received := 0
		for i := 0; i < recvBatchSize && e.running(); i++ {
			p, st, err := e.tr.ReadPacket()
			if err != nil {
				e.logger.Error(fmt.Sprintf("ipc: read failed: %s", err), "event", "ipc:read:error")
				break
			}
			if st == transport.ReadInvalid {
				// Corrupt bytes were discarded; keep draining.
				continue
			}
			if st != transport.ReadOK {
				break
			}
			received++
			e.dispatch(p)
		}

		if received == 0 {
			for i := 0; i < idleSleepQuantums && e.running(); i++ {
				time.Sleep(idleSleepQuantum)
			}
		}
	}
}

// dispatch routes one validated packet.
func (e *Engine) dispatch(p *packet.Packet) {
	if p.Header.Type == packet.TypeHeartbeat {
		e.observeHeartbeat(p)
		return
	}
	if !e.inbound.push(p.Payload) {
		e.dropped.Add(1)
		e.logger.Warn(fmt.Sprintf("ipc: inbound queue full, dropping %d-byte message", len(p.Payload)),
			"event", "ipc:recv:overflow")
		return
	}
	e.received.Add(1)
}
