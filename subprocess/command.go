// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package subprocess

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Stream names for the three standard streams. Auxiliary channel
// streams are named by [Command.Channels].
const (
	StreamStdin  = "stdin"
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ErrEmptyCommand is returned when a command has no argv.
var ErrEmptyCommand = errors.New("command string is empty")

// Command describes a program to run: argv, environment, working
// directory, and optional named auxiliary channels. It is the payload
// of an exec request, so it serializes to JSON and CBOR.
type Command struct {
	// Argv is the program and its arguments. Argv[0] is resolved
	// against PATH at spawn time.
	Argv []string `json:"argv"`

	// Env is the child environment. Empty means the spawning daemon
	// decides (the server substitutes its own environment before
	// spawning).
	Env map[string]string `json:"env,omitempty"`

	// Dir is the working directory. Empty inherits the daemon's.
	Dir string `json:"dir,omitempty"`

	// Channels names auxiliary bidirectional byte streams. Each
	// becomes a socketpair: the child-side descriptor number is
	// published to the child as an environment variable named after
	// the channel, and the parent side is readable and writable as a
	// stream with the channel's name.
	Channels []string `json:"channels,omitempty"`
}

// NewCommand builds a Command from a program and its arguments.
func NewCommand(argv ...string) *Command {
	return &Command{Argv: argv}
}

// SetEnv sets one environment variable on the command.
func (c *Command) SetEnv(key, value string) {
	if c.Env == nil {
		c.Env = make(map[string]string)
	}
	c.Env[key] = value
}

// InheritEnv fills the command's environment from a "KEY=VALUE" list
// such as os.Environ. Existing entries are not overwritten.
func (c *Command) InheritEnv(environ []string) {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		if _, exists := c.Env[key]; exists {
			continue
		}
		c.SetEnv(key, value)
	}
}

// EnvList renders the environment as a sorted "KEY=VALUE" list for
// os/exec. The result is never nil: a command with an empty
// environment produces an empty child environment, not an inherited
// one.
func (c *Command) EnvList() []string {
	env := make([]string, 0, len(c.Env))
	for key, value := range c.Env {
		env = append(env, key+"="+value)
	}
	slices.Sort(env)
	return env
}

// Validate checks that the command is runnable: non-empty argv and
// well-formed channel names (channel names double as environment
// variable names in the child).
func (c *Command) Validate() error {
	if len(c.Argv) == 0 || c.Argv[0] == "" {
		return ErrEmptyCommand
	}
	seen := make(map[string]struct{}, len(c.Channels))
	for _, name := range c.Channels {
		if name == "" {
			return errors.New("channel name is empty")
		}
		if strings.ContainsAny(name, "=\x00") {
			return fmt.Errorf("channel name %q is not a valid environment variable name", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate channel name %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
