// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/lattice-foundation/lattice/lib/codec"
	"github.com/lattice-foundation/lattice/lib/netutil"
)

// ListenUnix starts accepting connections on a Unix socket. Any stale
// socket file at path is removed first. Accepting runs in the
// background; Broker.Close stops it and removes the socket file.
//
// The wire protocol is a bidirectional stream of CBOR-encoded
// [Message] values. CBOR is self-delimiting, so no framing layer is
// needed.
func (b *Broker) ListenUnix(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bus: removing stale socket %s: %w", path, err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("bus: listening on %s: %w", path, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		listener.Close()
		os.Remove(path)
		return ErrClosed
	}
	b.listeners[path] = listener
	b.mu.Unlock()

	b.logger.Info("bus listening", "path", path)

	b.pumps.Add(1)
	go func() {
		defer b.pumps.Done()
		b.acceptLoop(listener)
	}()
	return nil
}

func (b *Broker) acceptLoop(listener net.Listener) {
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Error("accept failed", "error", err)
			continue
		}

		link := &wireLink{
			id:      newIdentity(),
			broker:  b,
			conn:    netConn,
			logger:  b.logger.With("conn", newWireLabel(netConn)),
			encoder: codec.NewEncoder(netConn),
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			netConn.Close()
			return
		}
		b.conns[link.id] = link
		b.mu.Unlock()

		b.pumps.Add(1)
		go func() {
			defer b.pumps.Done()
			link.readPump()
		}()
	}
}

// newWireLabel renders a socket connection's address for logs.
func newWireLabel(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" && addr.String() != "@" {
		return addr.String()
	}
	return "unix-peer"
}

// wireLink is the broker-side endpoint for one socket client.
type wireLink struct {
	id     string
	broker *Broker
	conn   net.Conn
	logger *slog.Logger

	encMu   sync.Mutex
	encoder *codec.Encoder

	closeOnce sync.Once
}

func (l *wireLink) identity() string { return l.id }

// deliver encodes one message onto the socket. An encode failure
// means the client is gone; the link tears down, which synthesizes
// disconnect notifications.
func (l *wireLink) deliver(msg *Message) {
	l.encMu.Lock()
	err := l.encoder.Encode(msg)
	l.encMu.Unlock()
	if err != nil {
		if !netutil.IsExpectedCloseError(err) {
			l.logger.Debug("write to socket client failed", "topic", msg.Topic, "error", err)
		}
		l.teardown()
	}
}

func (l *wireLink) kill() { l.teardown() }

// readPump decodes messages from the socket and routes them until the
// client hangs up.
func (l *wireLink) readPump() {
	decoder := codec.NewDecoder(l.conn)
	for {
		var msg Message
		if err := decoder.Decode(&msg); err != nil {
			if !netutil.IsExpectedCloseError(err) {
				l.logger.Debug("socket client read failed", "error", err)
			}
			l.teardown()
			return
		}
		if err := l.broker.route(&msg, l); err != nil {
			// Broker shut down; the socket is about to close too.
			l.teardown()
			return
		}
	}
}

func (l *wireLink) teardown() {
	l.closeOnce.Do(func() {
		l.conn.Close()
		l.broker.connClosed(l)
	})
}

// Dial connects to a broker's Unix socket. The returned connection
// makes requests and receives responses; it cannot register services.
func Dial(path string, logger *slog.Logger) (*Conn, error) {
	netConn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bus: dialing %s: %w", path, err)
	}

	conn := newConn(newIdentity(), logger)
	encoder := codec.NewEncoder(netConn)
	var encMu sync.Mutex
	conn.send = func(msg *Message) error {
		encMu.Lock()
		defer encMu.Unlock()
		if err := encoder.Encode(msg); err != nil {
			return fmt.Errorf("bus: writing to %s: %w", path, err)
		}
		return nil
	}
	conn.notifyClose = func() {
		netConn.Close()
	}

	go conn.run()
	go func() {
		decoder := codec.NewDecoder(netConn)
		for {
			var msg Message
			if err := decoder.Decode(&msg); err != nil {
				conn.Close()
				return
			}
			conn.enqueue(&msg)
		}
	}()

	return conn, nil
}
