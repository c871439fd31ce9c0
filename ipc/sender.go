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

// senderLoop drains the outbound queue into the transport. Each message is
// wrapped into a packet (REQUEST from the client, RESPONSE from the server)
// and written with bounded retry; a message that exhausts its retries goes
// back to the head of the queue unless the queue is at capacity.
func (e *Engine) senderLoop() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(fmt.Sprintf("ipc: sender worker panicked: %v", r), "event", "ipc:sender:panic")
		}
		e.wg.Done()
	}()

	msgType := packet.TypeRequest
	if e.role == RoleServer {
		msgType = packet.TypeResponse
	}
	lastHeartbeat := time.Now()

	for e.running() {
		msg, ok := e.outbound.popWait(sendWaitInterval)
		if !ok {
			if e.hbPeriod > 0 && time.Since(lastHeartbeat) >= e.hbPeriod {
				e.sendHeartbeat()
				lastHeartbeat = time.Now()
			}
			continue
		}

		// Data packets carry sequence number zero; only heartbeats use
		// the private liveness counter.
		pkt := packet.New(msgType, 0, msg, e.clock.NowMillis())
		if e.writeWithRetry(pkt) {
			e.sent.Add(1)
			continue
		}

		if e.running() && e.outbound.len() < queueLimit {
			e.outbound.pushFront(msg)
			e.requeued.Add(1)
			continue
		}
		e.dropped.Add(1)
		e.logger.Warn(fmt.Sprintf("ipc: dropping undeliverable %d-byte message", len(msg)),
			"event", "ipc:send:dropped")
	}
}

// writeWithRetry attempts the write up to writeAttempts times, sleeping
// 10ms*2^attempt between tries. Busy and Full are the retryable outcomes;
// a transport error is terminal for this message.
func (e *Engine) writeWithRetry(pkt *packet.Packet) bool {
	for attempt := 0; attempt < writeAttempts && e.running(); attempt++ {
		if attempt > 0 {
			time.Sleep(writeBackoffBase << attempt)
		}
		st, err := e.tr.WritePacket(pkt)
		if err != nil {
			e.logger.Error(fmt.Sprintf("ipc: write failed: %s", err), "event", "ipc:write:error")
			return false
		}
		if st == transport.WriteOK {
			return true
		}
	}
	return false
}

// sendHeartbeat publishes one best-effort heartbeat packet carrying the
// engine's CBOR status record. Heartbeats are never retried.
func (e *Engine) sendHeartbeat() {
	payload, err := e.statusPayload()
	if err != nil {
		e.logger.Error(fmt.Sprintf("ipc: heartbeat encode failed: %s", err), "event", "ipc:heartbeat:encode")
		return
	}
	seq := uint32(e.heartbeats.Add(1))
	pkt := packet.New(packet.TypeHeartbeat, seq, payload, e.clock.NowMillis())
	if st, err := e.tr.WritePacket(pkt); err == nil && st == transport.WriteOK {
		return
	}
	// Dropped heartbeats are expected under pressure; the next period
	// covers for them.
}
