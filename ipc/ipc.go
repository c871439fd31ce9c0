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

// Package ipc is the message-oriented engine over the packet transports.
//
// One Engine per peer wraps a transport with an outbound and an inbound
// queue and two worker goroutines: the sender drains the outbound queue
// into packets with bounded retry and backoff, the receiver drains packets
// in batches onto the inbound queue. Lifecycle is IDLE -> RUNNING -> IDLE;
// configuration is only accepted while idle, Stop is idempotent, and
// cancellation is strictly cooperative (workers observe the state within
// 50 ms of any transition; no blocking primitive is held across it).
package ipc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shareworker/CodeKnife/internal/transport"
	"github.com/shareworker/CodeKnife/internal/transport/fifo"
	"github.com/shareworker/CodeKnife/internal/transport/shm"
)

// Role labels a peer. The server owns the channel's OS resources; the
// client attaches to them.
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

func (r Role) transportRole() transport.Role {
	if r == RoleServer {
		return transport.RoleServer
	}
	return transport.RoleClient
}

// Engine lifecycle states.
const (
	stateIdle int32 = iota
	stateInitializing
	stateRunning
	stateStopping
)

// Queue bound shared by both directions.
const queueLimit = 1000

// Worker cadence constants: the sender's queue wait, the receiver's batch
// size and its idle sleep quantum.
const (
	sendWaitInterval  = 50 * time.Millisecond
	recvBatchSize     = 10
	idleSleepQuantum  = 5 * time.Millisecond
	idleSleepQuantums = 10

	writeAttempts    = 3
	writeBackoffBase = 10 * time.Millisecond
)

var (
	// ErrNotIdle is returned when configuration is attempted on a peer
	// that has already started.
	ErrNotIdle = errors.New("ipc: engine is not idle")

	// ErrNoChannel is returned by Start when no channel is configured.
	ErrNoChannel = errors.New("ipc: channel name not configured")
)

// Clock supplies packet timestamps; tests substitute a fixed one.
type Clock interface {
	NowMillis() uint64
}

type systemClock struct{}

func (systemClock) NowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// Options configure an Engine at construction. The zero value works.
type Options struct {
	// Logger receives engine diagnostics. Nil selects slog.Default().
	Logger *slog.Logger

	// Clock supplies packet timestamps. Nil selects the system clock.
	Clock Clock

	// RingSize overrides the shared-memory ring capacity. Both peers
	// must agree. Zero selects the transport default (1 MiB).
	RingSize uint32

	// Transport selects the backend: "shm" (default) or "fifo".
	Transport string

	// PipeDir overrides the directory for "fifo" pipe nodes.
	PipeDir string

	// HeartbeatInterval enables periodic heartbeat packets carrying the
	// engine's status record. Zero disables heartbeats.
	HeartbeatInterval time.Duration
}

// Stats is a snapshot of engine traffic counters.
type Stats struct {
	Sent       uint64
	Received   uint64
	Dropped    uint64
	Requeued   uint64
	Heartbeats uint64
}

// Engine is one peer of a channel. All methods are safe for concurrent use.
type Engine struct {
	id     uuid.UUID
	logger *slog.Logger
	clock  Clock

	mu        sync.Mutex // guards configuration below while idle
	channel   string
	role      Role
	backend   string
	ringSize  uint32
	pipeDir   string
	hbPeriod  time.Duration
	startedAt time.Time

	state atomic.Int32

	tr       transport.Transport
	outbound *msgQueue
	inbound  *msgQueue
	wg       sync.WaitGroup

	// newTransport overrides transport construction; tests wire loopback
	// pairs through it.
	newTransport func(channel string, role Role) (transport.Transport, error)

	sent       atomic.Uint64
	received   atomic.Uint64
	dropped    atomic.Uint64
	requeued   atomic.Uint64
	heartbeats atomic.Uint64

	peerMu   sync.Mutex
	peer     *PeerStatus
	peerSeen time.Time
}

// New builds an idle, unconfigured engine.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	backend := opts.Transport
	if backend == "" {
		backend = "shm"
	}
	id := uuid.New()
	return &Engine{
		id:       id,
		logger:   opts.Logger.With("instance", id.String()),
		clock:    opts.Clock,
		backend:  backend,
		ringSize: opts.RingSize,
		pipeDir:  opts.PipeDir,
		hbPeriod: opts.HeartbeatInterval,
		outbound: newMsgQueue(queueLimit),
		inbound:  newMsgQueue(queueLimit),
	}
}

// InstanceID returns the engine's unique identity.
func (e *Engine) InstanceID() uuid.UUID { return e.id }

// Configure sets the channel name and role. Valid only while idle.
func (e *Engine) Configure(channel string, role Role) error {
	if e.state.Load() != stateIdle {
		e.logger.Error("ipc: configure rejected while engine is active", "event", "ipc:configure:rejected")
		return ErrNotIdle
	}
	e.mu.Lock()
	e.channel = channel
	e.role = role
	e.mu.Unlock()
	return nil
}

// Start attaches the transport and launches the worker goroutines. On any
// failure the engine returns to idle with all handles released.
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(stateIdle, stateInitializing) {
		e.logger.Warn("ipc: start ignored, engine already active", "event", "ipc:start:ignored")
		return ErrNotIdle
	}

	e.mu.Lock()
	channel, role := e.channel, e.role
	backend, ringSize, pipeDir := e.backend, e.ringSize, e.pipeDir
	e.mu.Unlock()

	if channel == "" {
		e.state.Store(stateIdle)
		e.logger.Error("ipc: start without a channel name", "event", "ipc:start:noconfig")
		return ErrNoChannel
	}

	tr, err := e.openTransport(channel, role, backend, ringSize, pipeDir)
	if err != nil {
		e.state.Store(stateIdle)
		e.logger.Error(fmt.Sprintf("ipc: attach failed: %s", err), "event", "ipc:attach:failed")
		return fmt.Errorf("ipc: attach channel %q: %w", channel, err)
	}

	e.tr = tr
	e.outbound.reset()
	e.inbound.reset()
	e.resetPeer()
	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.state.Store(stateRunning)
	e.wg.Add(2)
	go e.senderLoop()
	go e.receiverLoop()

	e.logger.Info(fmt.Sprintf("ipc: started on channel %q as %s via %s", channel, role, backend),
		"event", "ipc:started")
	return nil
}

func (e *Engine) openTransport(channel string, role Role, backend string, ringSize uint32, pipeDir string) (transport.Transport, error) {
	if e.newTransport != nil {
		return e.newTransport(channel, role)
	}
	switch backend {
	case "shm":
		return shm.New(channel, role.transportRole(), shm.Options{RingSize: ringSize, Logger: e.logger})
	case "fifo":
		return fifo.New(channel, role.transportRole(), fifo.Options{Dir: pipeDir, Logger: e.logger})
	}
	return nil, fmt.Errorf("unknown transport %q", backend)
}

// Stop winds the engine down: concurrent calls coalesce on a single
// compare-and-swap, the workers are woken and joined, and the transport is
// torn down. Failures during teardown are logged, never propagated.
func (e *Engine) Stop() {
	if !e.state.CompareAndSwap(stateRunning, stateStopping) {
		return
	}

	e.outbound.wakeAll()
	e.inbound.wakeAll()
	e.wg.Wait()

	if e.tr != nil {
		if err := e.tr.Close(); err != nil {
			e.logger.Error(fmt.Sprintf("ipc: transport teardown: %s", err), "event", "ipc:stop:teardown")
		}
		e.tr = nil
	}

	e.state.Store(stateIdle)
	e.logger.Info("ipc: stopped", "event", "ipc:stopped")
}

// IsRunning reports whether the workers are live.
func (e *Engine) IsRunning() bool { return e.state.Load() == stateRunning }

func (e *Engine) running() bool { return e.state.Load() == stateRunning }

// Send enqueues one message for delivery. It returns false when the engine
// is not running or the outbound queue is at capacity; it never blocks on
// the peer.
func (e *Engine) Send(msg []byte) bool {
	if !e.running() {
		return false
	}
	if !e.outbound.push(append([]byte(nil), msg...)) {
		e.dropped.Add(1)
		e.logger.Warn(fmt.Sprintf("ipc: outbound queue full, dropping %d-byte message", len(msg)),
			"event", "ipc:send:overflow")
		return false
	}
	return true
}

// Receive dequeues the next inbound message without blocking. The second
// return is false when no message is available.
func (e *Engine) Receive() ([]byte, bool) {
	return e.inbound.pop()
}

// Stats returns a snapshot of the traffic counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Sent:       e.sent.Load(),
		Received:   e.received.Load(),
		Dropped:    e.dropped.Load(),
		Requeued:   e.requeued.Load(),
		Heartbeats: e.heartbeats.Load(),
	}
}
