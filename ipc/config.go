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

package ipc

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the TOML file form of an engine's settings.
//
//	channel = "billing"
//	role = "server"
//	transport = "shm"
//	ring_size = 1048576
//	heartbeat_interval = "2s"
type Config struct {
	Channel           string `toml:"channel"`
	Role              string `toml:"role"`
	Transport         string `toml:"transport"`
	RingSize          uint32 `toml:"ring_size"`
	PipeDir           string `toml:"pipe_dir"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
}

// LoadConfig reads and parses a TOML config file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &c, nil
}

// ParseRole maps the config role label to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "server":
		return RoleServer, nil
	case "client":
		return RoleClient, nil
	}
	return RoleServer, fmt.Errorf("unknown role %q (want server or client)", s)
}

// Options converts the file form into engine Options plus channel and role.
func (c *Config) Options() (Options, string, Role, error) {
	role, err := ParseRole(c.Role)
	if err != nil {
		return Options{}, "", RoleServer, err
	}
	opts := Options{
		Transport: c.Transport,
		RingSize:  c.RingSize,
		PipeDir:   c.PipeDir,
	}
	if c.HeartbeatInterval != "" {
		d, err := time.ParseDuration(c.HeartbeatInterval)
		if err != nil {
			return Options{}, "", RoleServer, fmt.Errorf("heartbeat_interval: %w", err)
		}
		opts.HeartbeatInterval = d
	}
	return opts, c.Channel, role, nil
}

// NewFromConfig builds a configured engine from a loaded config file.
func NewFromConfig(c *Config) (*Engine, error) {
	opts, channel, role, err := c.Options()
	if err != nil {
		return nil, err
	}
	e := New(opts)
	if err := e.Configure(channel, role); err != nil {
		return nil, err
	}
	return e, nil
}
