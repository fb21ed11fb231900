// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package subprocess

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/lattice-foundation/lattice/bus"
	"github.com/lattice-foundation/lattice/lib/ioenc"
)

// Client drives a remote subprocess server over the bus.
type Client struct {
	conn  *bus.Conn
	token []byte
}

// NewClient wraps a bus connection for talking to a subprocess
// server.
func NewClient(conn *bus.Conn) *Client {
	return &Client{conn: conn}
}

// SetToken attaches an identity token to every subsequent request.
// Servers running with an authorization hook require one.
func (c *Client) SetToken(token []byte) {
	c.token = token
}

// Exec starts a command on the server and returns the event stream
// for it. The stream carries state transitions and, for each stream
// enabled in req, output chunks, ending with a terminal error that
// [IsEnd] reports true for when the command simply finished.
func (c *Client) Exec(req ExecRequest) (*ExecStream, error) {
	if req.Command == nil {
		return nil, fmt.Errorf("command is required")
	}
	rpc, err := c.conn.Request(TopicExec, req, c.token)
	if err != nil {
		return nil, err
	}
	return &ExecStream{rpc: rpc}, nil
}

// Write sends input to a running subprocess's stream. Delivery is
// fire-and-forget: errors surface only through the exec event stream
// if the server faults the subprocess.
func (c *Client) Write(pid int, io ioenc.Chunk) error {
	return c.conn.Send(TopicWrite, WriteRequest{Pid: pid, IO: io}, c.token)
}

// CloseWrite marks a subprocess input stream finished, delivering
// end of file to the child.
func (c *Client) CloseWrite(pid int, stream string, rank string) error {
	return c.Write(pid, ioenc.NewEOF(stream, rank))
}

// Kill delivers sig to a subprocess's process group.
func (c *Client) Kill(ctx context.Context, pid int, sig unix.Signal) error {
	rpc, err := c.conn.Request(TopicKill, KillRequest{Pid: pid, Signum: int(sig)}, c.token)
	if err != nil {
		return err
	}
	defer rpc.Close()
	_, err = rpc.Next(ctx)
	return err
}

// List reports the server's live subprocesses in start order.
func (c *Client) List(ctx context.Context) (*ListResponse, error) {
	rpc, err := c.conn.Request(TopicList, struct{}{}, c.token)
	if err != nil {
		return nil, err
	}
	defer rpc.Close()
	msg, err := rpc.Next(ctx)
	if err != nil {
		return nil, err
	}
	var resp ListResponse
	if err := msg.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding list response: %w", err)
	}
	return &resp, nil
}

// ExecStream is the consumer handle for one exec request's event
// stream.
type ExecStream struct {
	rpc *bus.RPC
}

// Next returns the next event. A non-nil error ends the stream: if
// [IsEnd] reports true the subprocess ran to completion and all
// output was delivered; anything else is a failure.
func (s *ExecStream) Next(ctx context.Context) (*ExecEvent, error) {
	msg, err := s.rpc.Next(ctx)
	if err != nil {
		return nil, err
	}
	var ev ExecEvent
	if err := msg.Decode(&ev); err != nil {
		return nil, fmt.Errorf("decoding exec event: %w", err)
	}
	return &ev, nil
}

// Close abandons the stream. The subprocess keeps running; use
// [Client.Kill] or rely on disconnect cleanup to stop it.
func (s *ExecStream) Close() {
	s.rpc.Close()
}

// IsEnd reports whether err is the clean end-of-stream terminator.
func IsEnd(err error) bool {
	return bus.Errnum(err) == int(unix.ENODATA)
}
