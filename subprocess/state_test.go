// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package subprocess

import "testing"

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{Starting, "starting"},
		{Running, "running"},
		{Exited, "exited"},
		{Failed, "failed"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestParseState(t *testing.T) {
	t.Parallel()

	for _, state := range []State{Starting, Running, Exited, Failed} {
		parsed, err := ParseState(state.String())
		if err != nil {
			t.Fatalf("ParseState(%q): %v", state.String(), err)
		}
		if parsed != state {
			t.Errorf("ParseState(%q) = %v, want %v", state.String(), parsed, state)
		}
	}

	if _, err := ParseState("rewinding"); err == nil {
		t.Error("ParseState accepted an unknown state name")
	}
}

func TestMarshalUnknownState(t *testing.T) {
	t.Parallel()

	if _, err := State(42).MarshalText(); err == nil {
		t.Error("MarshalText accepted an unknown state")
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  bool
	}{
		{Starting, false},
		{Running, false},
		{Exited, true},
		{Failed, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("%v.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}
