// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package subprocess runs commands on behalf of remote requesters and
// streams their lifecycle and output back over the bus.
//
// The package has three layers. [Spawn] is the local process
// facility: it starts a [Command] in its own process group, wires
// stdin, stdout, stderr, and any named extra channels (delivered to
// the child as inherited socket descriptors, with the descriptor
// number published in an environment variable named after the
// channel), and reports everything that happens through callbacks.
// All callbacks run on a caller-supplied dispatch function, so a
// caller that hands in a serializing dispatcher (such as
// [bus.Conn.Post]) never needs locks: state transitions, output
// availability, and completion arrive strictly ordered, with
// [State.Running] first, every output chunk and end-of-file marker
// before the [State.Exited] transition, and completion last.
//
// [Server] is the remote-execution core. Mounted on a bus connection
// with [NewServer], it serves five topics under the "rexec" service:
// exec starts a command and streams [StateResponse] and
// [OutputResponse] events back on the request until a terminal error
// response ends the stream (ENODATA on a clean finish); write feeds
// a running subprocess's input streams, fire and forget; kill
// signals a subprocess's process group; list reports live
// subprocesses in start order; and disconnect, synthesized by the
// broker when a requester's connection drops, kills everything that
// requester started. The server keeps exactly one registry entry per
// live subprocess, added when exec succeeds and removed when the
// terminal response goes out, and [Server.Shutdown] drains it:
// further execs are refused, live processes are signaled, and the
// returned channel closes when the last entry is gone.
//
// [Client] wraps the request side: [Client.Exec] returns an
// [ExecStream] of decoded [ExecEvent] values, [Client.Write] sends
// input chunks, and [Client.Kill] and [Client.List] cover the
// control topics. A stream ends with an error; [IsEnd] distinguishes
// the clean terminator from a real failure.
//
// An optional [AuthFunc] gates exec, write, kill, and list. The
// requester's identity token rides in the request envelope; the hook
// sees the whole message and returns nil to admit or an error whose
// text is relayed verbatim as the denial reason.
package subprocess
