// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package subprocess

import "github.com/lattice-foundation/lattice/lib/ioenc"

// ServiceName is the bus service the server registers. The five
// topics below route to it.
const ServiceName = "rexec"

const (
	TopicExec       = "rexec.exec"
	TopicWrite      = "rexec.write"
	TopicKill       = "rexec.kill"
	TopicList       = "rexec.list"
	TopicDisconnect = "rexec.disconnect"
)

// ExecRequest asks the server to spawn a command. The three flags
// select which output streams the requester wants forwarded; streams
// not selected are discarded on the server.
type ExecRequest struct {
	Command      *Command `json:"cmd"`
	OnChannelOut bool     `json:"on_channel_out"`
	OnStdout     bool     `json:"on_stdout"`
	OnStderr     bool     `json:"on_stderr"`
}

// StateResponse reports a lifecycle transition on the exec response
// stream. Running carries the pid; Exited carries the raw wait
// status instead.
type StateResponse struct {
	Type   string `json:"type"`
	Rank   int    `json:"rank"`
	Pid    int    `json:"pid,omitempty"`
	State  State  `json:"state"`
	Status *int   `json:"status,omitempty"`
}

// OutputResponse carries one drained output chunk (or its end-of-file
// marker) on the exec response stream.
type OutputResponse struct {
	Type string      `json:"type"`
	Rank int         `json:"rank"`
	Pid  int         `json:"pid"`
	IO   ioenc.Chunk `json:"io"`
}

// WriteRequest forwards an input chunk to a running subprocess.
// Fire-and-forget: the server never responds on this topic.
type WriteRequest struct {
	Pid int         `json:"pid"`
	IO  ioenc.Chunk `json:"io"`
}

// KillRequest delivers a signal to a subprocess's process group.
type KillRequest struct {
	Pid    int `json:"pid"`
	Signum int `json:"signum"`
}

// ProcInfo is one live subprocess in a list response.
type ProcInfo struct {
	Pid int    `json:"pid"`
	Cmd string `json:"cmd"`
}

// ListResponse enumerates live subprocesses in registry order.
type ListResponse struct {
	Rank  int        `json:"rank"`
	Procs []ProcInfo `json:"procs"`
}

// Response type tags on the exec stream.
const (
	ResponseTypeState  = "state"
	ResponseTypeOutput = "output"
)

// ExecEvent is the client-side decoding of one exec stream response.
// Type discriminates: state responses fill State (and Pid or Status),
// output responses fill Pid and IO.
type ExecEvent struct {
	Type   string       `json:"type"`
	Rank   int          `json:"rank"`
	Pid    int          `json:"pid,omitempty"`
	State  State        `json:"state,omitempty"`
	Status *int         `json:"status,omitempty"`
	IO     *ioenc.Chunk `json:"io,omitempty"`
}
