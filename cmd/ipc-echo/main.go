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

// ipc-echo is a demo peer: it reads lines from stdin and sends them over
// the channel, and prints whatever the other peer sends. With -echo the
// peer bounces every received message straight back.
//
// Run a server and a client in two terminals:
//
//	ipc-echo -channel demo -role server -echo
//	ipc-echo -channel demo -role client
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/shareworker/CodeKnife/ipc"
)

func main() {
	// Optional .env in the working directory, in the aleph-feeder manner.
	godotenv.Load()

	var (
		configPath = flag.String("config", "", "TOML config file (overrides the other flags)")
		channel    = flag.String("channel", envOr("IPC_CHANNEL", "demo"), "channel name")
		roleName   = flag.String("role", envOr("IPC_ROLE", "client"), "server or client")
		backend    = flag.String("transport", envOr("IPC_TRANSPORT", "shm"), "shm or fifo")
		heartbeat  = flag.Duration("heartbeat", 2*time.Second, "heartbeat period (0 disables)")
		echo       = flag.Bool("echo", false, "bounce received messages back")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var engine *ipc.Engine
	if *configPath != "" {
		cfg, err := ipc.LoadConfig(*configPath)
		if err != nil {
			logger.Error(fmt.Sprintf("loading config: %s", err))
			os.Exit(1)
		}
		engine, err = ipc.NewFromConfig(cfg)
		if err != nil {
			logger.Error(fmt.Sprintf("bad config: %s", err))
			os.Exit(1)
		}
	} else {
		role, err := ipc.ParseRole(*roleName)
		if err != nil {
			logger.Error(err.Error())
			os.Exit(1)
		}
		engine = ipc.New(ipc.Options{
			Logger:            logger,
			Transport:         *backend,
			HeartbeatInterval: *heartbeat,
		})
		if err := engine.Configure(*channel, role); err != nil {
			logger.Error(err.Error())
			os.Exit(1)
		}
	}

	if err := engine.Start(); err != nil {
		logger.Error(fmt.Sprintf("start failed: %s", err))
		os.Exit(1)
	}
	defer engine.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// Stdin lines become outbound messages.
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if !engine.Send([]byte(sc.Text())) {
				logger.Warn("send refused")
			}
		}
	}()

	fmt.Println("connected; type lines to send, ^C to quit")
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			fmt.Println("shutting down")
			return
		case <-ticker.C:
			for {
				msg, ok := engine.Receive()
				if !ok {
					break
				}
				fmt.Printf("<- %s\n", msg)
				if *echo {
					engine.Send(msg)
				}
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
