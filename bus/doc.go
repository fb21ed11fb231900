// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus implements the Lattice node-local message bus.
//
// A [Broker] routes CBOR request and response messages between
// connections. Services live in the daemon process and attach with
// [Broker.Connect]; external tools reach the same broker through a
// Unix socket ([Broker.ListenUnix], [Dial]). The broker is purely a
// router: it never decodes payloads, and the only messages it
// originates are "no service" error responses and disconnect
// notifications.
//
// # Routing
//
// Topics are dotted names ("rexec.exec"). The service prefix is the
// topic up to the last dot; a connection that has called
// [Conn.Register]("rexec") receives every request whose topic starts
// with "rexec.". Responses route back to the requester: the broker
// stamps each request with the origin connection's identity, the
// responder copies that identity onto its responses, and the broker
// delivers them by identity. One request may produce any number of
// responses; an error response (nonzero errnum) terminates the
// stream. Identities are broker-assigned random strings, never
// client-controlled.
//
// # Dispatch model
//
// Each connection owns one dispatch goroutine. Registered handlers,
// RPC response delivery, and closures submitted with [Conn.Post] all
// run on it, in order. Code that lives entirely on the dispatch loop
// needs no locking; this is what the subprocess server relies on.
//
// # Disconnects
//
// When a connection goes away (explicit [Conn.Close], or its socket
// drops), the broker synthesizes a "<service>.disconnect" request to
// every service that connection had sent requests to, carrying the
// departed connection's identity as the sender. Services use this to
// clean up per-client state.
//
// Service registration is in-process only. Socket clients make
// requests; they do not serve.
package bus
