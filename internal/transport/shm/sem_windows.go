//go:build windows

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
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procCreateSemaphoreW = modkernel32.NewProc("CreateSemaphoreW")
	procOpenSemaphoreW   = modkernel32.NewProc("OpenSemaphoreW")
	procReleaseSemaphore = modkernel32.NewProc("ReleaseSemaphore")
)

const (
	semaphoreModifyState = 0x0002
	synchronizeAccess    = 0x00100000

	waitTimeout = 0x00000102

	// ReleaseSemaphore when the count is at its maximum.
	errTooManyPosts = syscall.Errno(298)
)

// semObjectName maps a semaphore index to its Local\ object name.
func semObjectName(channel string, i SemIndex) string {
	role := "server"
	if i == SemClientWrite || i == SemClientRead {
		role = "client"
	}
	dir := "write"
	if i == SemServerRead || i == SemClientRead {
		dir = "read"
	}
	return SemaphoreName(channel, role, dir)
}

// winSemaphores is the named semaphore quadruple. Windows reclaims named
// semaphores when the last handle closes, so Destroy is a handle close.
type winSemaphores struct {
	handles [semCount]windows.Handle
}

func createSemaphoreSet(channel string) (SemaphoreSet, error) {
	s := &winSemaphores{}
	for i := SemIndex(0); i < semCount; i++ {
		namep, err := windows.UTF16PtrFromString(semObjectName(channel, i))
		if err != nil {
			s.Close()
			return nil, err
		}
		h, _, callErr := procCreateSemaphoreW.Call(
			0,
			uintptr(semInitialValues[int(i)]),
			uintptr(semMaxValues[int(i)]),
			uintptr(unsafe.Pointer(namep)),
		)
		if h == 0 {
			s.Close()
			return nil, fmt.Errorf("CreateSemaphore %q: %w", semObjectName(channel, i), callErr)
		}
		s.handles[i] = windows.Handle(h)
	}
	return s, nil
}

func openSemaphoreSet(channel string) (SemaphoreSet, error) {
	s := &winSemaphores{}
	for i := SemIndex(0); i < semCount; i++ {
		namep, err := windows.UTF16PtrFromString(semObjectName(channel, i))
		if err != nil {
			s.Close()
			return nil, err
		}
		h, _, callErr := procOpenSemaphoreW.Call(
			uintptr(semaphoreModifyState|synchronizeAccess),
			0,
			uintptr(unsafe.Pointer(namep)),
		)
		if h == 0 {
			s.Close()
			return nil, fmt.Errorf("OpenSemaphore %q: %w", semObjectName(channel, i), callErr)
		}
		s.handles[i] = windows.Handle(h)
	}
	return s, nil
}

func (s *winSemaphores) Wait(i SemIndex) error {
	ev, err := windows.WaitForSingleObject(s.handles[i], windows.INFINITE)
	if err != nil {
		return fmt.Errorf("WaitForSingleObject: %w", err)
	}
	if ev != windows.WAIT_OBJECT_0 {
		return fmt.Errorf("WaitForSingleObject: unexpected result %#x", ev)
	}
	return nil
}

func (s *winSemaphores) TryWait(i SemIndex) (bool, error) {
	ev, err := windows.WaitForSingleObject(s.handles[i], 0)
	if err != nil {
		return false, fmt.Errorf("WaitForSingleObject: %w", err)
	}
	switch ev {
	case windows.WAIT_OBJECT_0:
		return true, nil
	case waitTimeout:
		return false, nil
	}
	return false, fmt.Errorf("WaitForSingleObject: unexpected result %#x", ev)
}

func (s *winSemaphores) Signal(i SemIndex) error {
	r, _, callErr := procReleaseSemaphore.Call(uintptr(s.handles[i]), 1, 0)
	if r == 0 {
		// Saturated counter: availability is still indicated by the
		// header, so the post counts as delivered.
		if errno, ok := callErr.(syscall.Errno); ok && errno == errTooManyPosts {
			return nil
		}
		return fmt.Errorf("ReleaseSemaphore: %w", callErr)
	}
	return nil
}

func (s *winSemaphores) Close() error {
	var firstErr error
	for i, h := range s.handles {
		if h != 0 {
			if err := windows.CloseHandle(h); err != nil && firstErr == nil {
				firstErr = err
			}
			s.handles[i] = 0
		}
	}
	return firstErr
}

func (s *winSemaphores) Destroy() error { return s.Close() }
