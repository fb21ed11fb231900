// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package integration_test exercises the lattice stack the way a
// deployment runs it: a broker listening on a Unix socket, the
// subprocess server mounted as the rexec service, and clients dialing
// in over the socket. Everything runs in-process except the spawned
// /bin/sh children.
package integration_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/lattice-foundation/lattice/bus"
	"github.com/lattice-foundation/lattice/lib/testutil"
	"github.com/lattice-foundation/lattice/subprocess"
)

const testTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// node is one in-process lattice node: a broker with a Unix socket
// listener and the rexec service mounted on it.
type node struct {
	socket string
	server *subprocess.Server
}

// startNode brings up a node. auth may be nil for an open node.
func startNode(t *testing.T, auth subprocess.AuthFunc) *node {
	t.Helper()
	socket := filepath.Join(testutil.SocketDir(t), "bus.sock")

	broker := bus.NewBroker(testLogger())
	t.Cleanup(func() { broker.Close() })
	if err := broker.ListenUnix(socket); err != nil {
		t.Fatalf("listen on %s: %v", socket, err)
	}

	server, err := subprocess.NewServer(subprocess.ServerConfig{
		Conn:     broker.Connect(),
		LocalURI: "local://" + socket,
		Auth:     auth,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	return &node{socket: socket, server: server}
}

// dial connects a fresh client over the node's socket.
func (n *node) dial(t *testing.T) (*subprocess.Client, *bus.Conn) {
	t.Helper()
	conn, err := bus.Dial(n.socket, testLogger())
	if err != nil {
		t.Fatalf("dialing %s: %v", n.socket, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return subprocess.NewClient(conn), conn
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// runToEnd plays an exec stream out to its terminal error.
func runToEnd(t *testing.T, stream *subprocess.ExecStream) ([]subprocess.ExecEvent, error) {
	t.Helper()
	ctx := testContext(t)
	var events []subprocess.ExecEvent
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return events, err
		}
		events = append(events, *ev)
	}
}

func outputBytes(events []subprocess.ExecEvent, stream string) string {
	var data []byte
	for _, ev := range events {
		if ev.Type == subprocess.ResponseTypeOutput && ev.IO != nil && ev.IO.Stream == stream {
			data = append(data, ev.IO.Data...)
		}
	}
	return string(data)
}

// waitListEmpty polls the list endpoint until no subprocesses remain.
func waitListEmpty(t *testing.T, client *subprocess.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	for {
		resp, err := client.List(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(resp.Procs) == 0 {
			return
		}
		if ctx.Err() != nil {
			t.Fatalf("timed out waiting for registry to empty, %d left", len(resp.Procs))
		}
		time.Sleep(10 * time.Millisecond) //nolint:realclock registry poll
	}
}
