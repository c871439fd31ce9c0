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

// Package shm implements the shared-memory packet transport.
//
// Two peers sharing a channel name attach to one named segment holding a
// 16-byte header of four cross-process atomic position counters followed by
// two independent single-producer/single-consumer ring buffers, one per
// direction. Four named semaphores per channel provide write-side mutual
// exclusion and read-side data-available signaling. The server creates and
// destroys the OS objects; the client attaches to existing ones and detaches.
//
// Position counters live in shared memory and are observed concurrently by
// two processes, so every access uses sequentially consistent atomics rather
// than per-thread acquire/release.
//
// Platform backends are selected at build time: SysV IPC on Linux, named
// file mappings and named semaphores on Windows, and stubs elsewhere.
package shm
