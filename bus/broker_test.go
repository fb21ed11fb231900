// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lattice-foundation/lattice/lib/testutil"
)

const testTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoService registers an "echo" service whose echo.ping handler
// responds with the request payload.
func echoService(t *testing.T, broker *Broker) *Conn {
	t.Helper()
	service := broker.Connect()
	service.HandleFunc("echo.ping", func(msg *Message) {
		var body map[string]any
		if err := msg.Decode(&body); err != nil {
			t.Errorf("decoding ping payload: %v", err)
			return
		}
		if err := service.Respond(msg, body); err != nil {
			t.Errorf("responding to ping: %v", err)
		}
	})
	if err := service.Register("echo"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return service
}

func TestRequestResponse(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()
	echoService(t, broker)

	client := broker.Connect()
	rpc, err := client.Request("echo.ping", map[string]any{"value": "hello"}, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer rpc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	resp, err := rpc.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	var body map[string]any
	if err := resp.Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if body["value"] != "hello" {
		t.Errorf("echoed value = %v, want hello", body["value"])
	}
}

func TestNoServiceRegistered(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	client := broker.Connect()
	rpc, err := client.Request("nowhere.op", nil, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer rpc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err = rpc.Next(ctx)
	if err == nil {
		t.Fatal("expected error for unregistered service")
	}
	if got := Errnum(err); got != int(unix.ENOSYS) {
		t.Errorf("Errnum = %d, want ENOSYS (%d)", got, int(unix.ENOSYS))
	}
}

func TestNoHandlerForTopic(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()
	echoService(t, broker)

	client := broker.Connect()
	// The echo service is registered but has no echo.reverse handler.
	rpc, err := client.Request("echo.reverse", nil, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer rpc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err = rpc.Next(ctx)
	if got := Errnum(err); got != int(unix.ENOSYS) {
		t.Errorf("Errnum = %d, want ENOSYS (%d)", got, int(unix.ENOSYS))
	}
}

func TestStreamedResponsesEndWithTerminal(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	service := broker.Connect()
	service.HandleFunc("stream.read", func(msg *Message) {
		for i := 0; i < 3; i++ {
			if err := service.Respond(msg, map[string]any{"index": i}); err != nil {
				t.Errorf("Respond %d: %v", i, err)
			}
		}
		if err := service.RespondError(msg, int(unix.ENODATA), "end of stream"); err != nil {
			t.Errorf("RespondError: %v", err)
		}
	})
	if err := service.Register("stream"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client := broker.Connect()
	rpc, err := client.Request("stream.read", nil, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer rpc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	for i := 0; i < 3; i++ {
		resp, err := rpc.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		var body struct {
			Index int `json:"index"`
		}
		if err := resp.Decode(&body); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if body.Index != i {
			t.Errorf("response %d: index = %d, want %d", i, body.Index, i)
		}
	}

	// The terminal error arrives after the buffered responses, and
	// repeats on subsequent calls.
	for attempt := 0; attempt < 2; attempt++ {
		_, err = rpc.Next(ctx)
		if got := Errnum(err); got != int(unix.ENODATA) {
			t.Fatalf("attempt %d: Errnum = %d, want ENODATA (%d)", attempt, got, int(unix.ENODATA))
		}
	}
}

func TestConcurrentStreamsNoCrossTalk(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	// The handler holds the first request until the second arrives,
	// then interleaves the two response streams so both are in flight
	// through the broker at once. waiting needs no lock: handlers for
	// one connection share a dispatch loop.
	service := broker.Connect()
	var waiting []*Message
	service.HandleFunc("feed.stream", func(msg *Message) {
		waiting = append(waiting, msg)
		if len(waiting) < 2 {
			return
		}
		for round := 0; round < 2; round++ {
			for _, req := range waiting {
				var body struct {
					Marker string `json:"marker"`
				}
				if err := req.Decode(&body); err != nil {
					t.Errorf("decoding request: %v", err)
					return
				}
				if err := service.Respond(req, map[string]any{"marker": body.Marker}); err != nil {
					t.Errorf("Respond: %v", err)
				}
			}
		}
		for _, req := range waiting {
			if err := service.RespondError(req, int(unix.ENODATA), "end of stream"); err != nil {
				t.Errorf("RespondError: %v", err)
			}
		}
	})
	if err := service.Register("feed"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	type streamResult struct {
		marker string
		seen   []string
		err    error
	}
	results := make(chan streamResult, 2)
	for _, marker := range []string{"left", "right"} {
		marker := marker
		go func() {
			client := broker.Connect()
			rpc, err := client.Request("feed.stream", map[string]any{"marker": marker}, nil)
			if err != nil {
				results <- streamResult{marker: marker, err: err}
				return
			}
			defer rpc.Close()
			var seen []string
			for {
				resp, err := rpc.Next(ctx)
				if err != nil {
					if Errnum(err) != int(unix.ENODATA) {
						results <- streamResult{marker: marker, err: err}
					} else {
						results <- streamResult{marker: marker, seen: seen}
					}
					return
				}
				var body struct {
					Marker string `json:"marker"`
				}
				if err := resp.Decode(&body); err != nil {
					results <- streamResult{marker: marker, err: err}
					return
				}
				seen = append(seen, body.Marker)
			}
		}()
	}

	for i := 0; i < 2; i++ {
		result := testutil.RequireReceive(t, results, testTimeout, "stream result")
		if result.err != nil {
			t.Fatalf("stream %q: %v", result.marker, result.err)
		}
		if len(result.seen) != 2 {
			t.Fatalf("stream %q: got %d responses, want 2", result.marker, len(result.seen))
		}
		for _, got := range result.seen {
			if got != result.marker {
				t.Errorf("stream %q received a response addressed to %q", result.marker, got)
			}
		}
	}
}

func TestSendIsFireAndForget(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	received := make(chan *Message, 1)
	service := broker.Connect()
	service.HandleFunc("sink.write", func(msg *Message) {
		received <- msg
	})
	if err := service.Register("sink"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client := broker.Connect()
	if err := client.Send("sink.write", map[string]any{"data": "x"}, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg := testutil.RequireReceive(t, received, testTimeout, "waiting for sink.write")
	if !msg.NoReply {
		t.Error("Send should mark the request NoReply")
	}

	// Send to an unregistered service is silently dropped.
	if err := client.Send("void.write", nil, nil); err != nil {
		t.Fatalf("Send to unregistered service: %v", err)
	}
}

func TestSenderIsBrokerAssigned(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	senders := make(chan string, 2)
	service := broker.Connect()
	service.HandleFunc("ident.who", func(msg *Message) {
		senders <- msg.Sender
		if err := service.RespondError(msg, int(unix.ENODATA), "done"); err != nil {
			t.Errorf("RespondError: %v", err)
		}
	})
	if err := service.Register("ident"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	clientA := broker.Connect()
	clientB := broker.Connect()

	for _, client := range []*Conn{clientA, clientB} {
		rpc, err := client.Request("ident.who", nil, nil)
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		rpc.Close()
	}

	first := testutil.RequireReceive(t, senders, testTimeout, "first sender")
	second := testutil.RequireReceive(t, senders, testTimeout, "second sender")

	if first == "" || second == "" {
		t.Fatal("sender identity missing")
	}
	if first == second {
		t.Errorf("distinct connections share identity %q", first)
	}
	if first != clientA.ID() {
		t.Errorf("sender = %q, want connection identity %q", first, clientA.ID())
	}
}

func TestDisconnectSynthesis(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	disconnects := make(chan *Message, 4)
	service := broker.Connect()
	service.HandleFunc("job.submit", func(msg *Message) {
		// Deliberately no response: the request stays open.
	})
	service.HandleFunc("job.disconnect", func(msg *Message) {
		disconnects <- msg
	})
	if err := service.Register("job"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client := broker.Connect()
	clientID := client.ID()

	// Two requests to the same service still produce one disconnect.
	for i := 0; i < 2; i++ {
		rpc, err := client.Request("job.submit", nil, nil)
		if err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
		defer rpc.Close()
	}

	client.Close()

	msg := testutil.RequireReceive(t, disconnects, testTimeout, "waiting for disconnect")
	if msg.Topic != "job.disconnect" {
		t.Errorf("topic = %q, want job.disconnect", msg.Topic)
	}
	if msg.Sender != clientID {
		t.Errorf("sender = %q, want %q", msg.Sender, clientID)
	}
	if !msg.NoReply {
		t.Error("disconnect notification should be NoReply")
	}

	select {
	case extra := <-disconnects:
		t.Errorf("second disconnect for one connection: %+v", extra)
	case <-time.After(100 * time.Millisecond): //nolint:realclock absence check
	}
}

func TestDisconnectOnlyToContactedServices(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	contactedDisconnects := make(chan *Message, 1)
	contacted := broker.Connect()
	contacted.HandleFunc("used.op", func(msg *Message) {})
	contacted.HandleFunc("used.disconnect", func(msg *Message) {
		contactedDisconnects <- msg
	})
	if err := contacted.Register("used"); err != nil {
		t.Fatalf("Register used: %v", err)
	}

	untouchedDisconnects := make(chan *Message, 1)
	untouched := broker.Connect()
	untouched.HandleFunc("idle.disconnect", func(msg *Message) {
		untouchedDisconnects <- msg
	})
	if err := untouched.Register("idle"); err != nil {
		t.Fatalf("Register idle: %v", err)
	}

	client := broker.Connect()
	if err := client.Send("used.op", nil, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	client.Close()

	testutil.RequireReceive(t, contactedDisconnects, testTimeout, "contacted service disconnect")

	select {
	case msg := <-untouchedDisconnects:
		t.Errorf("uncontacted service notified: %+v", msg)
	case <-time.After(100 * time.Millisecond): //nolint:realclock absence check
	}
}

func TestRegisterConflict(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	first := broker.Connect()
	if err := first.Register("solo"); err != nil {
		t.Fatalf("first Register: %v", err)
	}

	second := broker.Connect()
	if err := second.Register("solo"); err == nil {
		t.Fatal("second Register should fail")
	}
}

func TestServiceFreedOnClose(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	first := broker.Connect()
	if err := first.Register("transient"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	first.Close()
	testutil.RequireClosed(t, first.Done(), testTimeout, "first conn drained")

	second := broker.Connect()
	if err := second.Register("transient"); err != nil {
		t.Errorf("Register after previous owner closed: %v", err)
	}
}

func TestCloseFailsPendingRPCs(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	service := broker.Connect()
	service.HandleFunc("hang.op", func(msg *Message) {
		// Never respond.
	})
	if err := service.Register("hang"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client := broker.Connect()
	rpc, err := client.Request("hang.op", nil, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err = rpc.Next(ctx)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Next after close: got %v, want ErrClosed", err)
	}

	// New requests fail immediately.
	if _, err := client.Request("hang.op", nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Request after close: got %v, want ErrClosed", err)
	}
}

func TestBrokerCloseStopsTraffic(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	echoService(t, broker)
	client := broker.Connect()

	if err := broker.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := client.Request("echo.ping", nil, nil); err == nil {
		t.Error("Request after broker close should fail")
	}
}
