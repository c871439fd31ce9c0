package ipc

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shareworker/CodeKnife/internal/transport"
	"github.com/shareworker/CodeKnife/internal/transport/shm"
)

// loopbackHub hands out linked in-process transport halves. A fresh pair is
// minted whenever both halves of the previous one have been taken, so
// engines can stop and start again over a clean channel.
type loopbackHub struct {
	mu       sync.Mutex
	ringSize uint32
	server   transport.Transport
	client   transport.Transport
}

func (h *loopbackHub) take(role Role) (transport.Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil && h.client == nil {
		h.server, h.client = shm.NewPair(h.ringSize, nil)
	}
	if role == RoleServer {
		tr := h.server
		h.server = nil
		return tr, nil
	}
	tr := h.client
	h.client = nil
	return tr, nil
}

// enginePair wires two engines over an in-process loopback channel.
func enginePair(t *testing.T, opts Options) (server, client *Engine) {
	t.Helper()

	hub := &loopbackHub{ringSize: opts.RingSize}
	server = New(opts)
	server.newTransport = func(_ string, role Role) (transport.Transport, error) { return hub.take(role) }
	client = New(opts)
	client.newTransport = func(_ string, role Role) (transport.Transport, error) { return hub.take(role) }

	channel := fmt.Sprintf("t-%s-%d", t.Name(), time.Now().UnixNano())
	if err := server.Configure(channel, RoleServer); err != nil {
		t.Fatalf("server Configure: %v", err)
	}
	if err := client.Configure(channel, RoleClient); err != nil {
		t.Fatalf("client Configure: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	if err := client.Start(); err != nil {
		server.Stop()
		t.Fatalf("client Start: %v", err)
	}
	t.Cleanup(func() {
		client.Stop()
		server.Stop()
	})
	return server, client
}

// receiveWithin polls Receive until a message arrives or the deadline hits.
func receiveWithin(t *testing.T, e *Engine, d time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if msg, ok := e.Receive(); ok {
			return msg
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no message received in time")
	return nil
}

func TestEchoSmall(t *testing.T) {
	server, client := enginePair(t, Options{})

	if !client.Send([]byte("hello")) {
		t.Fatal("Send returned false on a running engine")
	}
	got := receiveWithin(t, server, 500*time.Millisecond)
	if string(got) != "hello" {
		t.Fatalf("server received %q", got)
	}
}

func TestServerResponse(t *testing.T) {
	server, client := enginePair(t, Options{})

	client.Send([]byte("hello"))
	receiveWithin(t, server, 500*time.Millisecond)

	if !server.Send([]byte("world")) {
		t.Fatal("server Send returned false")
	}
	got := receiveWithin(t, client, 500*time.Millisecond)
	if string(got) != "world" {
		t.Fatalf("client received %q", got)
	}
}

func TestBurstOrdering(t *testing.T) {
	server, client := enginePair(t, Options{})

	const n = 100
	for i := 0; i < n; i++ {
		if !client.Send([]byte(fmt.Sprintf("m%d", i))) {
			t.Fatalf("Send %d returned false", i)
		}
	}
	for i := 0; i < n; i++ {
		got := receiveWithin(t, server, 2*time.Second)
		if want := fmt.Sprintf("m%d", i); string(got) != want {
			t.Fatalf("message %d: got %q, want %q", i, got, want)
		}
	}
	if msg, ok := server.Receive(); ok {
		t.Fatalf("duplicate message after burst: %q", msg)
	}
}

func TestLargePayload(t *testing.T) {
	server, client := enginePair(t, Options{})

	payload := bytes.Repeat([]byte{0xA5}, 512*1024)
	if !client.Send(payload) {
		t.Fatal("Send returned false for large payload")
	}
	got := receiveWithin(t, server, 2*time.Second)
	if len(got) != len(payload) {
		t.Fatalf("received %d bytes, want %d", len(got), len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("large payload corrupted in transit")
	}
}

func TestSendBeforeStart(t *testing.T) {
	e := New(Options{})
	if e.Send([]byte("nope")) {
		t.Fatal("Send succeeded on an idle engine")
	}
	if _, ok := e.Receive(); ok {
		t.Fatal("Receive yielded a message on an idle engine")
	}
	if e.IsRunning() {
		t.Fatal("idle engine claims to be running")
	}
}

func TestStartWithoutChannel(t *testing.T) {
	e := New(Options{})
	if err := e.Start(); err == nil {
		e.Stop()
		t.Fatal("Start succeeded without a channel name")
	}
	if e.IsRunning() {
		t.Fatal("engine running after failed start")
	}
	// The engine stays usable: configure and fail again on attach only.
	if err := e.Configure("late", RoleServer); err != nil {
		t.Fatalf("Configure after failed start: %v", err)
	}
}

func TestConfigureRejectedWhileRunning(t *testing.T) {
	server, _ := enginePair(t, Options{})

	if err := server.Configure("other", RoleClient); err != ErrNotIdle {
		t.Fatalf("Configure while running: got %v, want ErrNotIdle", err)
	}
	// State must be unchanged: the engine still works on its channel.
	if !server.IsRunning() {
		t.Fatal("rejected Configure disturbed the running engine")
	}
}

func TestStopIdempotentAndConcurrent(t *testing.T) {
	server, client := enginePair(t, Options{})
	client.Stop()

	const stoppers = 8
	var wg sync.WaitGroup
	wg.Add(stoppers)
	for i := 0; i < stoppers; i++ {
		go func() {
			defer wg.Done()
			server.Stop()
		}()
	}
	wg.Wait()

	if server.IsRunning() {
		t.Fatal("engine still running after concurrent Stop")
	}
	server.Stop() // further calls are no-ops
}

func TestGracefulStopUnderLoad(t *testing.T) {
	server, client := enginePair(t, Options{})

	// Two producers per peer emit continuously until the engines stop.
	var wg sync.WaitGroup
	for _, e := range []*Engine{server, client} {
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(e *Engine) {
				defer wg.Done()
				for e.IsRunning() {
					e.Send([]byte("pressure"))
				}
			}(e)
		}
	}

	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	client.Stop()
	server.Stop()
	elapsed := time.Since(start)

	wg.Wait()
	if elapsed > time.Second {
		t.Fatalf("stop under load took %v", elapsed)
	}
	if server.IsRunning() || client.IsRunning() {
		t.Fatal("an engine survived Stop")
	}
}

func TestRestartAfterStop(t *testing.T) {
	server, client := enginePair(t, Options{})

	client.Send([]byte("first"))
	receiveWithin(t, server, 500*time.Millisecond)

	client.Stop()
	server.Stop()

	if err := server.Start(); err != nil {
		t.Fatalf("server restart: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("client restart: %v", err)
	}

	client.Send([]byte("second"))
	got := receiveWithin(t, server, 500*time.Millisecond)
	if string(got) != "second" {
		t.Fatalf("after restart received %q", got)
	}
}

func TestHeartbeatExchange(t *testing.T) {
	server, client := enginePair(t, Options{HeartbeatInterval: 20 * time.Millisecond})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, ok := server.PeerStatus(); ok {
			if st.Role != "client" {
				t.Fatalf("server saw peer role %q", st.Role)
			}
			if st.InstanceID != client.InstanceID().String() {
				t.Fatalf("server saw peer id %q, want %q", st.InstanceID, client.InstanceID())
			}
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatal("server never observed a client heartbeat")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Heartbeats must not surface as messages.
	if msg, ok := server.Receive(); ok {
		t.Fatalf("heartbeat leaked into the inbound queue: %q", msg)
	}
}

func TestStatsCount(t *testing.T) {
	server, client := enginePair(t, Options{})

	const n = 25
	for i := 0; i < n; i++ {
		client.Send([]byte("x"))
	}
	for i := 0; i < n; i++ {
		receiveWithin(t, server, time.Second)
	}

	deadline := time.Now().Add(time.Second)
	for client.Stats().Sent < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := client.Stats().Sent; got != n {
		t.Fatalf("client sent count %d, want %d", got, n)
	}
	if got := server.Stats().Received; got != n {
		t.Fatalf("server received count %d, want %d", got, n)
	}
}
