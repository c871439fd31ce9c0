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
	"sync"
	"time"
)

// SemIndex names one of the four channel semaphores.
type SemIndex int

const (
	// SemServerWrite guards the server's writer against racing a reader
	// over the server_to_client head update. Binary, initial 1.
	SemServerWrite SemIndex = 0
	// SemServerRead counts data available on the server's incoming side.
	// Counting, initial 0.
	SemServerRead SemIndex = 1
	// SemClientWrite is the client-side write mutex. Binary, initial 1.
	SemClientWrite SemIndex = 2
	// SemClientRead counts data available on the client's incoming side.
	// Counting, initial 0.
	SemClientRead SemIndex = 3

	semCount = 4
)

// Initial values and maxima, indexed by SemIndex. The write mutexes are
// binary; the read counters saturate at their maximum, which is treated as
// success (data availability is still indicated by the header).
var (
	semInitialValues = [semCount]int{1, 0, 1, 0}
	semMaxValues     = [semCount]int{1, 1000, 1, 1000}
)

// SemaphoreSet is the named semaphore quadruple of one channel.
//
// TryWait never blocks: it reports false on contention. Writers only ever
// use TryWait so that engine shutdown stays cooperative. Destroy removes
// the OS objects and is called by the server only.
type SemaphoreSet interface {
	Wait(i SemIndex) error
	TryWait(i SemIndex) (bool, error)
	Signal(i SemIndex) error
	Close() error
	Destroy() error
}

// CreateSemaphores creates the channel's semaphore set with initial values
// {1, 0, 1, 0}. Server side.
func CreateSemaphores(channel string) (SemaphoreSet, error) {
	s, err := createSemaphoreSet(channel)
	if err != nil {
		return nil, fmt.Errorf("create semaphores for channel %q: %w", channel, err)
	}
	return s, nil
}

// OpenSemaphores opens an existing semaphore set, retrying while the server
// has not created it yet. Client side.
func OpenSemaphores(channel string) (SemaphoreSet, error) {
	var err error
	for attempt := 0; attempt < attachRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(attachInterval)
		}
		var s SemaphoreSet
		s, err = openSemaphoreSet(channel)
		if err == nil {
			return s, nil
		}
	}
	return nil, fmt.Errorf("open semaphores for channel %q: %w", channel, err)
}

// localSemaphores implements SemaphoreSet with process-local state. It backs
// the portable tests and in-process loopbacks, mirroring the saturation and
// non-blocking semantics of the OS-backed sets.
type localSemaphores struct {
	mu     sync.Mutex
	cond   *sync.Cond
	counts [semCount]int
}

// NewLocalSemaphores returns an in-process semaphore set initialized like a
// freshly created channel set. Both "peers" must share the returned value.
func NewLocalSemaphores() SemaphoreSet {
	s := &localSemaphores{}
	s.cond = sync.NewCond(&s.mu)
	for i := range s.counts {
		s.counts[i] = semInitialValues[i]
	}
	return s
}

func (s *localSemaphores) Wait(i SemIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.counts[i] == 0 {
		s.cond.Wait()
	}
	s.counts[i]--
	return nil
}

func (s *localSemaphores) TryWait(i SemIndex) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[i] == 0 {
		return false, nil
	}
	s.counts[i]--
	return true, nil
}

func (s *localSemaphores) Signal(i SemIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[i] < semMaxValues[int(i)] {
		s.counts[i]++
	}
	s.cond.Broadcast()
	return nil
}

func (s *localSemaphores) Close() error   { return nil }
func (s *localSemaphores) Destroy() error { return nil }
