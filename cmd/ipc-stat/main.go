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

// ipc-stat prints the OS object identity and memory layout of a channel,
// then probes how many packets of various sizes one ring accepts before
// reporting backpressure.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/shareworker/CodeKnife/internal/packet"
	"github.com/shareworker/CodeKnife/internal/transport"
	"github.com/shareworker/CodeKnife/internal/transport/shm"
)

func main() {
	var (
		channel  = flag.String("channel", "demo", "channel name")
		ringSize = flag.Uint("ring", shm.DefaultRingSize, "per-direction ring size")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	fmt.Printf("=== Channel identity ===\n")
	fmt.Printf("segment key:    %#x\n", shm.ChannelKey(*channel, shm.KeySegment))
	fmt.Printf("semaphore key:  %#x\n", shm.ChannelKey(*channel, shm.KeySemaphores))
	fmt.Printf("win mapping:    %s\n", shm.MappingName(*channel))
	for _, role := range []string{"server", "client"} {
		for _, dir := range []string{"write", "read"} {
			fmt.Printf("win semaphore:  %s\n", shm.SemaphoreName(*channel, role, dir))
		}
	}

	size := uint32(*ringSize)
	fmt.Printf("\n=== Segment layout ===\n")
	fmt.Printf("header:           %d bytes\n", shm.SharedHeaderSize)
	fmt.Printf("ring size:        %d bytes each\n", size)
	fmt.Printf("total segment:    %d bytes\n", shm.SegmentSize(size))
	fmt.Printf("packet overhead:  %d bytes\n", packet.HeaderSize+packet.ChecksumSize)
	fmt.Printf("max payload:      %d bytes\n", size-packet.HeaderSize-packet.ChecksumSize)

	// Capacity probe over an in-memory loopback: fill one direction with
	// same-sized packets until the transport reports backpressure.
	fmt.Printf("\n=== Capacity probe ===\n")
	for _, payloadSize := range []int{64, 512, 4096, 65536} {
		if uint32(payloadSize) >= size {
			continue
		}
		server, client := shm.NewPair(size, logger)
		payload := make([]byte, payloadSize)
		count := 0
		for {
			st, err := client.WritePacket(packet.New(packet.TypeRequest, 0, payload, 0))
			if err != nil || st != transport.WriteOK {
				break
			}
			count++
		}
		fmt.Printf("%7d-byte payloads: %d packets before FULL\n", payloadSize, count)
		client.Close()
		server.Close()
	}
}
