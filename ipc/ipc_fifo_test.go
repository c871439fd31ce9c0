//go:build unix

package ipc

import (
	"fmt"
	"testing"
	"time"
)

// End-to-end over the named-pipe backend, exercising the real transport
// selection path rather than the loopback hook.
func TestEngineOverPipes(t *testing.T) {
	dir := t.TempDir()
	channel := fmt.Sprintf("pipe-%d", time.Now().UnixNano())

	server := New(Options{Transport: "fifo", PipeDir: dir})
	client := New(Options{Transport: "fifo", PipeDir: dir})
	if err := server.Configure(channel, RoleServer); err != nil {
		t.Fatalf("server Configure: %v", err)
	}
	if err := client.Configure(channel, RoleClient); err != nil {
		t.Fatalf("client Configure: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	t.Cleanup(server.Stop)
	if err := client.Start(); err != nil {
		t.Fatalf("client Start: %v", err)
	}
	t.Cleanup(client.Stop)

	if !client.Send([]byte("through the pipe")) {
		t.Fatal("Send returned false")
	}
	got := receiveWithin(t, server, time.Second)
	if string(got) != "through the pipe" {
		t.Fatalf("received %q", got)
	}

	server.Send([]byte("and back"))
	if got := receiveWithin(t, client, time.Second); string(got) != "and back" {
		t.Fatalf("client received %q", got)
	}
}

func TestEngineRejectsUnknownTransport(t *testing.T) {
	e := New(Options{Transport: "carrier-pigeon"})
	if err := e.Configure("x", RoleServer); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Start(); err == nil {
		e.Stop()
		t.Fatal("unknown transport accepted")
	}
	if e.IsRunning() {
		t.Fatal("engine running after failed start")
	}
}
