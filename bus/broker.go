// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// endpoint is the broker's view of one attached connection,
// in-process or wire.
type endpoint interface {
	// identity returns the broker-assigned connection identity.
	identity() string
	// deliver hands a routed message to the connection. May block on
	// the connection's queue; never called under the broker lock.
	deliver(msg *Message)
	// kill forces the connection closed. Used by Broker.Close.
	kill()
}

// Broker routes messages between connections. See the package
// documentation for the routing model.
type Broker struct {
	logger *slog.Logger

	mu        sync.Mutex
	closed    bool
	conns     map[string]endpoint            // identity -> connection
	services  map[string]endpoint            // service prefix -> serving connection
	owned     map[string][]string            // identity -> service prefixes it registered
	contacted map[string]map[string]struct{} // identity -> services it has sent requests to
	listeners map[string]net.Listener        // socket path -> listener

	// pumps tracks accept loops and wire read pumps for Close.
	pumps sync.WaitGroup
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:    logger,
		conns:     make(map[string]endpoint),
		services:  make(map[string]endpoint),
		owned:     make(map[string][]string),
		contacted: make(map[string]map[string]struct{}),
		listeners: make(map[string]net.Listener),
	}
}

// Connect attaches a new in-process connection and starts its
// dispatch goroutine.
func (b *Broker) Connect() *Conn {
	conn := newConn(newIdentity(), b.logger)
	conn.send = func(msg *Message) error {
		return b.route(msg, conn)
	}
	conn.registerService = func(service string) error {
		return b.register(conn, service)
	}
	conn.notifyClose = func() {
		b.connClosed(conn)
	}

	b.mu.Lock()
	b.conns[conn.id] = conn
	b.mu.Unlock()

	go conn.run()
	return conn
}

// In-process connections are endpoints directly.

func (c *Conn) identity() string     { return c.id }
func (c *Conn) deliver(msg *Message) { c.enqueue(msg) }
func (c *Conn) kill()                { _ = c.Close() }

// register claims a service prefix for conn.
func (b *Broker) register(conn *Conn, service string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, taken := b.services[service]; taken {
		return fmt.Errorf("bus: service %q already registered", service)
	}
	b.services[service] = conn
	b.owned[conn.id] = append(b.owned[conn.id], service)
	b.logger.Info("service registered", "service", service, "conn", conn.id)
	return nil
}

// route delivers one message from an attached connection. Requests go
// to the registered service; responses go to the connection named by
// Sender. Routing decisions happen under the broker lock; delivery
// happens outside it.
func (b *Broker) route(msg *Message, from endpoint) error {
	switch msg.Kind {
	case KindRequest:
		return b.routeRequest(msg, from)
	case KindResponse:
		return b.routeResponse(msg, from)
	default:
		return fmt.Errorf("bus: message with unknown kind %d", msg.Kind)
	}
}

func (b *Broker) routeRequest(msg *Message, from endpoint) error {
	origin := from.identity()
	// The origin identity is broker-controlled: whatever the sender
	// put there is overwritten.
	msg.Sender = origin

	service := topicService(msg.Topic)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	target := b.services[service]
	if target != nil {
		set := b.contacted[origin]
		if set == nil {
			set = make(map[string]struct{})
			b.contacted[origin] = set
		}
		set[service] = struct{}{}
	}
	b.mu.Unlock()

	if target == nil {
		b.logger.Debug("no service for topic", "topic", msg.Topic, "sender", origin)
		if msg.NoReply {
			return nil
		}
		from.deliver(&Message{
			Kind:   KindResponse,
			Topic:  msg.Topic,
			Seq:    msg.Seq,
			Sender: origin,
			Errnum: int(unix.ENOSYS),
			Error:  fmt.Sprintf("no service registered for %q", msg.Topic),
		})
		return nil
	}

	target.deliver(msg)
	return nil
}

func (b *Broker) routeResponse(msg *Message, from endpoint) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	target := b.conns[msg.Sender]
	b.mu.Unlock()

	if target == nil {
		// The requester is gone. Normal during client teardown with
		// responses in flight.
		b.logger.Debug("dropping response for departed connection",
			"topic", msg.Topic, "dest", msg.Sender, "from", from.identity())
		return nil
	}

	target.deliver(msg)
	return nil
}

// connClosed removes a connection and notifies every service it had
// contacted with a synthesized "<service>.disconnect" request.
func (b *Broker) connClosed(conn endpoint) {
	id := conn.identity()

	b.mu.Lock()
	delete(b.conns, id)
	for _, service := range b.owned[id] {
		delete(b.services, service)
		b.logger.Info("service unregistered", "service", service, "conn", id)
	}
	delete(b.owned, id)
	contacted := b.contacted[id]
	delete(b.contacted, id)

	var notify []endpoint
	var topics []string
	for service := range contacted {
		if target := b.services[service]; target != nil {
			notify = append(notify, target)
			topics = append(topics, service+".disconnect")
		}
	}
	b.mu.Unlock()

	for i, target := range notify {
		target.deliver(&Message{
			Kind:    KindRequest,
			Topic:   topics[i],
			Sender:  id,
			NoReply: true,
		})
	}
}

// Close shuts the broker down: listeners stop accepting, every
// attached connection is closed, and socket files are removed. Blocks
// until accept loops and wire read pumps have exited.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	listeners := b.listeners
	b.listeners = make(map[string]net.Listener)
	var endpoints []endpoint
	for _, conn := range b.conns {
		endpoints = append(endpoints, conn)
	}
	b.mu.Unlock()

	for path, listener := range listeners {
		listener.Close()
		os.Remove(path)
	}
	for _, conn := range endpoints {
		conn.kill()
	}

	b.pumps.Wait()
	return nil
}

// newIdentity returns a fresh random connection identity (16 hex
// characters).
func newIdentity() string {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("bus: reading random identity: " + err.Error())
	}
	return hex.EncodeToString(raw[:])
}
