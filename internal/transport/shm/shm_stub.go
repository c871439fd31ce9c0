//go:build !windows && !(linux && (amd64 || arm64))

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

import "errors"

// ErrPlatformUnsupported is returned on platforms without a shared-memory
// backend. Memory-backed segments and local semaphore sets still work.
var ErrPlatformUnsupported = errors.New("shm: no shared-memory backend on this platform")

func createMapping(string, int) (mapping, error) { return nil, ErrPlatformUnsupported }
func openMapping(string, int) (mapping, error)   { return nil, ErrPlatformUnsupported }

func createSemaphoreSet(string) (SemaphoreSet, error) { return nil, ErrPlatformUnsupported }
func openSemaphoreSet(string) (SemaphoreSet, error)   { return nil, ErrPlatformUnsupported }
