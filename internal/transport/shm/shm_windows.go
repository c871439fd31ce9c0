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
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// winMapping is a view of a named pagefile-backed file mapping. The mapping
// object lives as long as any process holds a handle, so destroy is a no-op:
// the kernel reclaims it when the server's handle goes away.
type winMapping struct {
	handle windows.Handle
	addr   uintptr
	size   int
}

func (m *winMapping) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(m.addr)), m.size)
}

func (m *winMapping) close() error {
	var firstErr error
	if m.addr != 0 {
		if err := windows.UnmapViewOfFile(m.addr); err != nil {
			firstErr = fmt.Errorf("UnmapViewOfFile: %w", err)
		}
		m.addr = 0
	}
	if m.handle != 0 {
		if err := windows.CloseHandle(m.handle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("CloseHandle: %w", err)
		}
		m.handle = 0
	}
	return firstErr
}

func (m *winMapping) destroy() error { return nil }

// createMapping creates (or opens, if the server restarted) the named file
// mapping in the Local\ session namespace and maps a read-write view.
func createMapping(channel string, size int) (mapping, error) {
	namep, err := windows.UTF16PtrFromString(MappingName(channel))
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, uint32(size), namep)
	if err != nil && err != windows.ERROR_ALREADY_EXISTS {
		return nil, fmt.Errorf("CreateFileMapping %q: %w", MappingName(channel), err)
	}
	return mapView(h, size)
}

// openMapping opens the named mapping the server published. CreateFileMapping
// is used so the probe is race-free: a fresh object (no ERROR_ALREADY_EXISTS)
// means the server is not up yet, and the accidental object is dropped.
func openMapping(channel string, size int) (mapping, error) {
	namep, err := windows.UTF16PtrFromString(MappingName(channel))
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, uint32(size), namep)
	if err == nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("mapping %q: %w", MappingName(channel), os.ErrNotExist)
	}
	if err != windows.ERROR_ALREADY_EXISTS {
		return nil, fmt.Errorf("CreateFileMapping %q: %w", MappingName(channel), err)
	}
	return mapView(h, size)
}

func mapView(h windows.Handle, size int) (mapping, error) {
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("MapViewOfFile: %w", err)
	}
	return &winMapping{handle: h, addr: addr, size: size}, nil
}
