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

// Keying derives OS object identifiers from a channel name. The derivation
// is pure so both peers agree without a shared file (ftok would need one).

// KeyKind selects which object family a key names.
type KeyKind int

const (
	// KeySegment keys the shared-memory segment.
	KeySegment KeyKind = iota
	// KeySemaphores keys the semaphore set.
	KeySemaphores
)

// ChannelKey derives a deterministic 31-bit positive key for the given
// channel name and object kind: djb2 over name plus a per-kind suffix,
// masked to 31 bits, with 0 remapped to 1 (0 is IPC_PRIVATE).
func ChannelKey(name string, kind KeyKind) int {
	suffix := "_shm"
	if kind == KeySemaphores {
		suffix = "_sem"
	}
	key := uint32(0)
	for _, c := range []byte(name + suffix) {
		key = key*33 + uint32(c)
	}
	key &= 0x7FFFFFFF
	if key == 0 {
		key = 1
	}
	return int(key)
}

// Windows object names. The Local\ session namespace is used deliberately:
// Global\ would require SeCreateGlobalPrivilege.

// MappingName returns the Windows file-mapping object name for a channel.
func MappingName(channel string) string {
	return `Local\` + channel + "_shm"
}

// SemaphoreName returns the Windows named-semaphore name for one side's
// write or read semaphore. role is "server" or "client"; dir is "write" or
// "read".
func SemaphoreName(channel, role, dir string) string {
	return `Local\` + channel + "_" + role + "_" + dir
}
