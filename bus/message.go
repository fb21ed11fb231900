// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lattice-foundation/lattice/lib/codec"
)

// Kind discriminates the two message directions.
type Kind uint8

const (
	// KindRequest flows from a requester toward a registered service.
	KindRequest Kind = 1
	// KindResponse flows from a service back to the requester.
	KindResponse Kind = 2
)

// Message is the bus wire envelope. The broker reads only the
// envelope fields; Payload is opaque to it.
type Message struct {
	// Kind is the message direction.
	Kind Kind `cbor:"kind"`

	// Topic is the dotted method name, e.g. "rexec.exec". The
	// service prefix (everything before the last dot) selects the
	// serving connection.
	Topic string `cbor:"topic"`

	// Seq correlates responses with requests. Assigned per origin
	// connection; unique only within one connection's lifetime.
	Seq uint64 `cbor:"seq"`

	// Sender is a connection identity. On requests it is the origin,
	// stamped by the broker (anything the client set is overwritten).
	// On responses it is the destination, copied from the request by
	// the responder.
	Sender string `cbor:"sender,omitempty"`

	// NoReply marks a request that expects no response. The broker
	// drops such requests silently when no service matches instead
	// of synthesizing an error response.
	NoReply bool `cbor:"noreply,omitempty"`

	// Errnum is the POSIX error code on error responses. Zero means
	// success; a response with nonzero Errnum terminates its request
	// stream.
	Errnum int `cbor:"errnum,omitempty"`

	// Error is the human-readable error text accompanying Errnum.
	Error string `cbor:"error,omitempty"`

	// Auth is an optional caller identity token. The broker passes
	// it through untouched; services feed it to their authorization
	// hook.
	Auth []byte `cbor:"auth,omitempty"`

	// Payload is the CBOR-encoded request or response body.
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errors.New("bus: message has no payload")
	}
	if err := codec.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("bus: decoding %s payload: %w", m.Topic, err)
	}
	return nil
}

// ErrClosed is returned by operations on a closed connection and by
// [RPC.Next] when the connection drops before the stream completes.
var ErrClosed = errors.New("bus: connection closed")

// Error is the terminal error of a request stream: the errnum and
// text of the error response that ended it.
type Error struct {
	Errnum int
	Text   string
}

func (e *Error) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("%s (errno %d)", e.Text, e.Errnum)
	}
	return fmt.Sprintf("request failed (errno %d)", e.Errnum)
}

// Errnum extracts the POSIX error code from an error returned by
// [RPC.Next]. Returns 0 if err carries no bus error.
func Errnum(err error) int {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr.Errnum
	}
	return 0
}

// topicService returns the service prefix of a topic: everything
// before the last dot, or the whole topic when it has none.
func topicService(topic string) string {
	if i := strings.LastIndex(topic, "."); i >= 0 {
		return topic[:i]
	}
	return topic
}
