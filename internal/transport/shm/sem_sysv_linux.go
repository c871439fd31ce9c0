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
	"unsafe"

	"golang.org/x/sys/unix"
)

// semctl command and flag values not exported by x/sys/unix. IPC_64 selects
// the modern semid_ds layout, matching what libc passes.
const (
	semCtlGetVal = 12
	semCtlSetVal = 16
	semCtlIPC64  = 0x100
)

// sembuf mirrors the kernel's struct sembuf.
type sembuf struct {
	semNum uint16
	semOp  int16
	semFlg int16
}

// sysvSemaphores is a SysV semaphore set of four semaphores.
type sysvSemaphores struct {
	id int
}

// createSemaphoreSet creates (or reuses) the channel's semaphore set and
// sets the initial values {1, 0, 1, 0}.
func createSemaphoreSet(channel string) (SemaphoreSet, error) {
	key := ChannelKey(channel, KeySemaphores)
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), semCount, unix.IPC_CREAT|ipcPerms)
	if errno != 0 {
		return nil, fmt.Errorf("semget key %#x: %w", key, errno)
	}
	s := &sysvSemaphores{id: int(id)}
	for i, val := range semInitialValues {
		_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, id, uintptr(i), semCtlSetVal|semCtlIPC64, uintptr(val), 0, 0)
		if errno != 0 {
			s.Destroy()
			return nil, fmt.Errorf("semctl SETVAL %d: %w", i, errno)
		}
	}
	return s, nil
}

// openSemaphoreSet opens an existing semaphore set without creating one.
func openSemaphoreSet(channel string) (SemaphoreSet, error) {
	key := ChannelKey(channel, KeySemaphores)
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), semCount, 0)
	if errno != 0 {
		return nil, fmt.Errorf("semget key %#x: %w", key, errno)
	}
	return &sysvSemaphores{id: int(id)}, nil
}

func (s *sysvSemaphores) op(i SemIndex, delta int16, flags int16) unix.Errno {
	sb := sembuf{semNum: uint16(i), semOp: delta, semFlg: flags}
	for {
		_, _, errno := unix.Syscall(unix.SYS_SEMOP, uintptr(s.id), uintptr(unsafe.Pointer(&sb)), 1)
		if errno == unix.EINTR {
			continue
		}
		return errno
	}
}

func (s *sysvSemaphores) Wait(i SemIndex) error {
	if errno := s.op(i, -1, 0); errno != 0 {
		return fmt.Errorf("semop wait %d: %w", i, errno)
	}
	return nil
}

func (s *sysvSemaphores) TryWait(i SemIndex) (bool, error) {
	errno := s.op(i, -1, int16(unix.IPC_NOWAIT))
	switch errno {
	case 0:
		return true, nil
	case unix.EAGAIN:
		return false, nil
	}
	return false, fmt.Errorf("semop trywait %d: %w", i, errno)
}

func (s *sysvSemaphores) Signal(i SemIndex) error {
	// SysV semaphores carry no per-semaphore maximum, so the set's maxima
	// are checked before posting; a post at the maximum is a no-op.
	val, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.id), uintptr(i), semCtlGetVal, 0, 0, 0)
	if errno == 0 && int(val) >= semMaxValues[int(i)] {
		return nil
	}
	errno = s.op(i, 1, 0)
	// ERANGE means the counter is saturated; availability is still
	// indicated by the header, so the post is treated as delivered.
	if errno != 0 && errno != unix.ERANGE {
		return fmt.Errorf("semop signal %d: %w", i, errno)
	}
	return nil
}

func (s *sysvSemaphores) Close() error { return nil }

func (s *sysvSemaphores) Destroy() error {
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.id), 0, unix.IPC_RMID, 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("semctl IPC_RMID: %w", errno)
	}
	return nil
}
