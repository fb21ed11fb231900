// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/lattice-foundation/lattice/lib/testutil"
)

func TestPostRunsInOrder(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	conn := broker.Connect()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		conn.Post(func() {
			order = append(order, i)
		})
	}
	conn.Post(func() { close(done) })

	testutil.RequireClosed(t, done, testTimeout, "posted closures drained")
	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, posted closures ran out of order: %v", i, got, order)
		}
	}
}

func TestPostFromHandlerRunsAfterHandler(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	// A closure posted from inside a handler runs on the same
	// dispatch goroutine, after the handler returns. The subprocess
	// server leans on this ordering for its callbacks.
	events := make(chan string, 3)
	service := broker.Connect()
	service.HandleFunc("seq.op", func(msg *Message) {
		service.Post(func() { events <- "posted" })
		events <- "handler"
	})
	if err := service.Register("seq"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client := broker.Connect()
	if err := client.Send("seq.op", nil, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	first := testutil.RequireReceive(t, events, testTimeout, "first event")
	second := testutil.RequireReceive(t, events, testTimeout, "second event")
	if first != "handler" || second != "posted" {
		t.Errorf("event order = [%s, %s], want [handler, posted]", first, second)
	}
}

func TestPostAfterCloseDoesNotBlock(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	conn := broker.Connect()
	conn.Close()
	testutil.RequireClosed(t, conn.Done(), testTimeout, "conn drained")

	// Must return without running the closure and without blocking.
	conn.Post(func() {
		t.Error("closure ran after close")
	})
}

func TestDuplicateHandlerPanics(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	conn := broker.Connect()
	conn.HandleFunc("dup.op", func(msg *Message) {})

	defer func() {
		if recover() == nil {
			t.Error("duplicate HandleFunc did not panic")
		}
	}()
	conn.HandleFunc("dup.op", func(msg *Message) {})
}

func TestRequestRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	conn := broker.Connect()
	if _, err := conn.Request("any.op", make(chan int), nil); err == nil {
		t.Error("Request with unencodable payload should fail")
	}
}

func TestRespondErrorCoercesZeroErrnum(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	service := broker.Connect()
	service.HandleFunc("strict.op", func(msg *Message) {
		if err := service.RespondError(msg, 0, "no code supplied"); err != nil {
			t.Errorf("RespondError: %v", err)
		}
	})
	if err := service.Register("strict"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client := broker.Connect()
	rpc, err := client.Request("strict.op", nil, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer rpc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err = rpc.Next(ctx)
	if got := Errnum(err); got != int(unix.EINVAL) {
		t.Errorf("Errnum = %d, want EINVAL (%d)", got, int(unix.EINVAL))
	}
}

func TestAuthTokenReachesHandler(t *testing.T) {
	t.Parallel()

	broker := NewBroker(testLogger())
	defer broker.Close()

	tokens := make(chan []byte, 1)
	service := broker.Connect()
	service.HandleFunc("gate.op", func(msg *Message) {
		tokens <- msg.Auth
		if err := service.RespondError(msg, int(unix.ENODATA), "done"); err != nil {
			t.Errorf("RespondError: %v", err)
		}
	})
	if err := service.Register("gate"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	client := broker.Connect()
	rpc, err := client.Request("gate.op", nil, []byte("signed-token"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer rpc.Close()

	got := testutil.RequireReceive(t, tokens, testTimeout, "token at handler")
	if string(got) != "signed-token" {
		t.Errorf("Auth = %q, want signed-token", got)
	}
}
