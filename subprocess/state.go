// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package subprocess

import "fmt"

// State is a subprocess lifecycle state. A normal run moves
// Starting → Running → Exited. Failed is entered from any
// non-terminal state through the server's fault path (spawn machinery
// breaking mid-flight, write overflow, broken response path). Exited
// and Failed are terminal: no further callbacks are delivered for a
// subprocess after it reaches either.
type State int

const (
	// Starting means the OS process exists but the running
	// notification has not yet been delivered.
	Starting State = iota

	// Running means the process is alive: writes and signals apply.
	Running

	// Exited means the process was reaped; the raw wait status is
	// available from [Subprocess.ExitStatus].
	Exited

	// Failed means the owner force-failed the subprocess; the
	// captured errno is available from [Subprocess.FailedErrno].
	Failed
)

// String returns the lowercase wire form of the state.
func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler. States serialize as
// their lowercase names on both JSON and CBOR.
func (s State) MarshalText() ([]byte, error) {
	switch s {
	case Starting, Running, Exited, Failed:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("unknown subprocess state %d", int(s))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(data []byte) error {
	parsed, err := ParseState(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses the lowercase wire form of a state.
func ParseState(name string) (State, error) {
	switch name {
	case "starting":
		return Starting, nil
	case "running":
		return Running, nil
	case "exited":
		return Exited, nil
	case "failed":
		return Failed, nil
	}
	return 0, fmt.Errorf("unknown subprocess state %q", name)
}

// Terminal reports whether the state is Exited or Failed.
func (s State) Terminal() bool {
	return s == Exited || s == Failed
}
