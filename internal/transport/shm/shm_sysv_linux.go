//go:build linux && (amd64 || arm64)

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

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SysV IPC permissions for segment and semaphores.
const ipcPerms = 0666

// sysvMapping is a SysV shared-memory attachment.
type sysvMapping struct {
	id  int
	mem []byte
}

func (m *sysvMapping) bytes() []byte { return m.mem }

func (m *sysvMapping) close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.SysvShmDetach(m.mem)
	m.mem = nil
	if err != nil {
		return fmt.Errorf("shmdt: %w", err)
	}
	return nil
}

func (m *sysvMapping) destroy() error {
	if _, err := unix.SysvShmCtl(m.id, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("shmctl IPC_RMID: %w", err)
	}
	return nil
}

// createMapping creates or reuses the SysV segment keyed off the channel
// name and attaches it.
func createMapping(channel string, size int) (mapping, error) {
	key := ChannelKey(channel, KeySegment)
	id, err := unix.SysvShmGet(key, size, unix.IPC_CREAT|ipcPerms)
	if err != nil {
		return nil, fmt.Errorf("shmget key %#x: %w", key, err)
	}
	return attachSysv(id, size)
}

// openMapping attaches to an existing SysV segment without creating one.
func openMapping(channel string, size int) (mapping, error) {
	key := ChannelKey(channel, KeySegment)
	id, err := unix.SysvShmGet(key, size, 0)
	if err != nil {
		return nil, fmt.Errorf("shmget key %#x: %w", key, err)
	}
	return attachSysv(id, size)
}

func attachSysv(id, size int) (mapping, error) {
	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shmat id %d: %w", id, err)
	}
	if len(mem) < size {
		unix.SysvShmDetach(mem)
		return nil, fmt.Errorf("segment id %d is %d bytes, need %d", id, len(mem), size)
	}
	return &sysvMapping{id: id, mem: mem[:size]}, nil
}
