// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lattice-foundation/lattice/lib/codec"
)

// HandlerFunc processes one inbound request on the connection's
// dispatch goroutine. The handler owns the response: it calls
// [Conn.Respond] or [Conn.RespondError] zero or more times, possibly
// after returning (streamed responses are posted later with
// [Conn.Post]).
type HandlerFunc func(msg *Message)

// workQueueDepth bounds each connection's dispatch queue. Delivery
// blocks when the queue is full, backpressuring the sender.
const workQueueDepth = 1024

// Conn is one attachment to a broker: either in-process (via
// [Broker.Connect]) or over a Unix socket (via [Dial]). All methods
// are safe for concurrent use; handlers and posted closures run
// serialized on the connection's dispatch goroutine.
type Conn struct {
	id     string
	logger *slog.Logger

	// send transmits one message toward the broker. In-process
	// connections route directly; dialed connections encode onto the
	// socket.
	send func(*Message) error

	// registerService claims a service prefix with the broker. Nil
	// on dialed connections.
	registerService func(service string) error

	// notifyClose runs exactly once when the connection closes:
	// in-process connections tell the broker, dialed connections
	// close their socket.
	notifyClose func()

	work chan func()
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	closed   bool
	seq      uint64
	handlers map[string]HandlerFunc
	pending  map[uint64]*RPC
}

// newConn builds the common connection state. The caller fills in
// send, registerService, and notifyClose, then starts the dispatch
// loop with run.
func newConn(id string, logger *slog.Logger) *Conn {
	return &Conn{
		id:       id,
		logger:   logger.With("conn", id),
		work:     make(chan func(), workQueueDepth),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		handlers: make(map[string]HandlerFunc),
		pending:  make(map[uint64]*RPC),
	}
}

// run is the dispatch loop. Everything that touches handler state
// runs here.
func (c *Conn) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.work:
			fn()
		case <-c.quit:
			c.failPending()
			return
		}
	}
}

// ID returns the broker-assigned connection identity.
func (c *Conn) ID() string {
	return c.id
}

// Done is closed when the dispatch goroutine has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// HandleFunc registers a handler for one exact topic. Register
// handlers before claiming the service with [Conn.Register]; requests
// arriving for a registered service with no matching handler receive
// an ENOSYS error response.
func (c *Conn) HandleFunc(topic string, handler HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[topic]; exists {
		panic(fmt.Sprintf("bus: duplicate handler for topic %q", topic))
	}
	c.handlers[topic] = handler
}

// Register claims a service prefix: every request whose topic's
// service prefix matches is delivered to this connection. Only
// in-process connections may serve.
func (c *Conn) Register(service string) error {
	if c.registerService == nil {
		return errors.New("bus: service registration requires an in-process connection")
	}
	return c.registerService(service)
}

// Post schedules fn on the dispatch goroutine, after everything
// already queued. Post after Close is a silent no-op.
func (c *Conn) Post(fn func()) {
	select {
	case c.work <- fn:
	case <-c.quit:
	}
}

// Request sends a request and returns the handle for its response
// stream. auth is an optional identity token; pass nil when the
// target service runs open.
func (c *Conn) Request(topic string, payload any, auth []byte) (*RPC, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.seq++
	seq := c.seq
	rpc := newRPC(c, seq)
	c.pending[seq] = rpc
	c.mu.Unlock()

	msg := &Message{
		Kind:    KindRequest,
		Topic:   topic,
		Seq:     seq,
		Auth:    auth,
		Payload: raw,
	}
	if err := c.send(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return nil, err
	}
	return rpc, nil
}

// Send transmits a request that expects no response. Used for
// fire-and-forget traffic like rexec.write.
func (c *Conn) Send(topic string, payload any, auth []byte) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	return c.send(&Message{
		Kind:    KindRequest,
		Topic:   topic,
		Seq:     seq,
		NoReply: true,
		Auth:    auth,
		Payload: raw,
	})
}

// Respond sends one success response for req. A request may receive
// any number of success responses before a terminal error response.
func (c *Conn) Respond(req *Message, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return c.send(&Message{
		Kind:    KindResponse,
		Topic:   req.Topic,
		Seq:     req.Seq,
		Sender:  req.Sender,
		Payload: raw,
	})
}

// RespondError sends the terminal error response for req. An errnum
// of zero would read as success on the wire, so it is coerced to
// EINVAL.
func (c *Conn) RespondError(req *Message, errnum int, text string) error {
	if errnum == 0 {
		errnum = int(unix.EINVAL)
	}
	return c.send(&Message{
		Kind:   KindResponse,
		Topic:  req.Topic,
		Seq:    req.Seq,
		Sender: req.Sender,
		Errnum: errnum,
		Error:  text,
	})
}

// Close tears the connection down: the broker is notified (triggering
// disconnect synthesis), outstanding RPCs fail with ErrClosed, and
// the dispatch goroutine exits.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if c.notifyClose != nil {
			c.notifyClose()
		}
		close(c.quit)
	})
	return nil
}

// enqueue hands an inbound message to the dispatch loop. Blocks when
// the queue is full; drops the message once the connection is
// closing.
func (c *Conn) enqueue(msg *Message) {
	select {
	case c.work <- func() { c.dispatch(msg) }:
	case <-c.quit:
	}
}

// dispatch routes one inbound message. Runs on the dispatch
// goroutine.
func (c *Conn) dispatch(msg *Message) {
	switch msg.Kind {
	case KindResponse:
		c.dispatchResponse(msg)
	case KindRequest:
		c.dispatchRequest(msg)
	default:
		c.logger.Warn("dropping message with unknown kind",
			"kind", int(msg.Kind), "topic", msg.Topic)
	}
}

func (c *Conn) dispatchResponse(msg *Message) {
	c.mu.Lock()
	rpc := c.pending[msg.Seq]
	if rpc != nil && msg.Errnum != 0 {
		// Terminal: no further responses can match this seq.
		delete(c.pending, msg.Seq)
	}
	c.mu.Unlock()

	if rpc == nil {
		c.logger.Debug("dropping response with no matching request",
			"topic", msg.Topic, "seq", msg.Seq)
		return
	}
	rpc.deliver(msg)
}

func (c *Conn) dispatchRequest(msg *Message) {
	c.mu.Lock()
	handler := c.handlers[msg.Topic]
	c.mu.Unlock()

	if handler == nil {
		if !msg.NoReply {
			if err := c.RespondError(msg, int(unix.ENOSYS), "no handler for "+msg.Topic); err != nil {
				c.logger.Error("responding to unhandled topic", "topic", msg.Topic, "error", err)
			}
		}
		c.logger.Warn("no handler for topic", "topic", msg.Topic, "sender", msg.Sender)
		return
	}
	handler(msg)
}

// failPending closes every outstanding RPC's response channel so
// blocked Next calls return ErrClosed. Runs on the dispatch goroutine
// as its final act.
func (c *Conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for seq, rpc := range c.pending {
		delete(c.pending, seq)
		rpc.hangup()
	}
}

// forget removes an RPC's pending entry. Called by RPC.Close.
func (c *Conn) forget(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// marshalPayload encodes a payload value, passing nil through as an
// empty payload and raw pre-encoded bytes untouched.
func marshalPayload(payload any) (codec.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case codec.RawMessage:
		return p, nil
	case []byte:
		return codec.RawMessage(p), nil
	}
	raw, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bus: encoding payload: %w", err)
	}
	return codec.RawMessage(raw), nil
}
