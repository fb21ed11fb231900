// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"sync"
)

// responseQueueDepth bounds buffered responses per RPC. A consumer
// that falls further behind backpressures its connection's dispatch
// loop.
const responseQueueDepth = 256

// RPC is the client-side handle for one request's response stream.
// Obtain one from [Conn.Request]; read it with [Next]; dispose of it
// with [Close] once done (terminal errors dispose automatically).
type RPC struct {
	conn *Conn
	seq  uint64

	responses chan *Message
	abandoned chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	terminal error
}

func newRPC(conn *Conn, seq uint64) *RPC {
	return &RPC{
		conn:      conn,
		seq:       seq,
		responses: make(chan *Message, responseQueueDepth),
		abandoned: make(chan struct{}),
	}
}

// Next returns the next response. After the stream's terminal error
// response, and after any buffered responses are drained, Next
// returns that terminal error (every subsequent call returns it
// again). If the connection drops mid-stream, Next returns
// [ErrClosed].
func (r *RPC) Next(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-r.responses:
		if !ok {
			return nil, r.terminalError()
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close abandons the RPC: its pending entry is removed and any
// further responses for it are dropped. Safe to call multiple times
// and after a terminal error.
func (r *RPC) Close() {
	r.closeOnce.Do(func() {
		r.conn.forget(r.seq)
		close(r.abandoned)
	})
}

// deliver hands a response to the consumer. Runs on the connection's
// dispatch goroutine. An error response sets the sticky terminal
// error and closes the stream; buffered responses ahead of it drain
// first.
func (r *RPC) deliver(msg *Message) {
	if msg.Errnum != 0 {
		r.mu.Lock()
		r.terminal = &Error{Errnum: msg.Errnum, Text: msg.Error}
		r.mu.Unlock()
		close(r.responses)
		return
	}
	select {
	case r.responses <- msg:
	case <-r.abandoned:
	case <-r.conn.quit:
	}
}

// hangup fails the stream without a terminal response. Called when
// the connection closes.
func (r *RPC) hangup() {
	r.mu.Lock()
	if r.terminal == nil {
		r.terminal = ErrClosed
		r.mu.Unlock()
		close(r.responses)
		return
	}
	r.mu.Unlock()
}

func (r *RPC) terminalError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal != nil {
		return r.terminal
	}
	return ErrClosed
}
