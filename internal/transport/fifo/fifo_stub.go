//go:build !unix

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

// Package fifo implements the packet transport over POSIX named pipes.
// On this platform only a stub is available.
package fifo

import (
	"errors"
	"log/slog"

	"github.com/shareworker/CodeKnife/internal/transport"
)

// ErrUnsupported is returned where named pipes are unavailable.
var ErrUnsupported = errors.New("fifo: named-pipe transport requires a unix platform")

// Options configure a pipe transport.
type Options struct {
	Dir    string
	Logger *slog.Logger
}

// New always fails on this platform.
func New(channel string, role transport.Role, opts Options) (transport.Transport, error) {
	return nil, ErrUnsupported
}
