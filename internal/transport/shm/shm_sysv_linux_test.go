//go:build linux && (amd64 || arm64)

package shm

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shareworker/CodeKnife/internal/packet"
	"github.com/shareworker/CodeKnife/internal/transport"
)

// createSysvPair attaches a server and a client through real SysV objects.
func createSysvPair(t *testing.T) (server, client *Transport) {
	t.Helper()
	channel := fmt.Sprintf("sysv-%s-%d-%d", t.Name(), os.Getpid(), time.Now().UnixNano())

	server, err := New(channel, transport.RoleServer, Options{RingSize: MinRingSize})
	if err != nil {
		t.Skipf("SysV IPC unavailable: %v", err)
	}
	client, err = New(channel, transport.RoleClient, Options{RingSize: MinRingSize})
	if err != nil {
		server.Close()
		t.Fatalf("client attach failed: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestSysvRoundTrip(t *testing.T) {
	server, client := createSysvPair(t)

	mustWrite(t, client, packet.New(packet.TypeRequest, 1, []byte("over sysv"), 0))
	got := mustRead(t, server)
	if string(got.Payload) != "over sysv" {
		t.Fatalf("payload %q", got.Payload)
	}

	mustWrite(t, server, packet.New(packet.TypeResponse, 2, []byte("ack"), 0))
	if got := mustRead(t, client); string(got.Payload) != "ack" {
		t.Fatalf("payload %q", got.Payload)
	}
}

// A client attaching to a freshly created channel must see the header the
// server zeroed.
func TestSysvClientVerifiesInitialization(t *testing.T) {
	channel := fmt.Sprintf("sysv-init-%d-%d", os.Getpid(), time.Now().UnixNano())

	server, err := New(channel, transport.RoleServer, Options{RingSize: MinRingSize})
	if err != nil {
		t.Skipf("SysV IPC unavailable: %v", err)
	}
	defer server.Close()

	client, err := New(channel, transport.RoleClient, Options{RingSize: MinRingSize})
	if err != nil {
		t.Fatalf("client attach failed: %v", err)
	}
	defer client.Close()

	for i := CounterIndex(0); i < counterCount; i++ {
		if v := client.seg.Counter(i).Load(); v != 0 {
			t.Fatalf("counter %d = %d after attach", i, v)
		}
	}
}

// A client with no server must give up within the bounded retry window.
func TestSysvClientAttachTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("bounded retry takes about a second")
	}
	channel := fmt.Sprintf("sysv-absent-%d-%d", os.Getpid(), time.Now().UnixNano())

	start := time.Now()
	_, err := New(channel, transport.RoleClient, Options{RingSize: MinRingSize})
	if err == nil {
		t.Fatal("client attached to a channel no server created")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("attach retry ran %v, expected to stay bounded", elapsed)
	}
}
