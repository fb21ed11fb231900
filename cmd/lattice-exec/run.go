// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/lattice-foundation/lattice/lib/ioenc"
	"github.com/lattice-foundation/lattice/subprocess"
)

func runCommand(args []string) (int, error) {
	var (
		conn       connFlags
		specPath   string
		dir        string
		envFlags   []string
		noStdin    bool
		forceStdin bool
	)
	flagSet := pflag.NewFlagSet("lattice-exec run", pflag.ContinueOnError)
	// Everything after the first positional belongs to the remote
	// command, flags included.
	flagSet.SetInterspersed(false)
	conn.register(flagSet)
	flagSet.StringVar(&specPath, "spec", "", "JSONC file holding the command spec")
	flagSet.StringVar(&dir, "dir", "", "working directory on the node")
	flagSet.StringArrayVar(&envFlags, "env", nil, "environment entry KEY=VALUE (repeatable)")
	flagSet.BoolVar(&noStdin, "no-stdin", false, "do not forward stdin")
	flagSet.BoolVar(&forceStdin, "stdin", false, "forward stdin even when it is a terminal")
	if err := flagSet.Parse(args); err != nil {
		return 0, err
	}

	command, err := buildCommand(specPath, flagSet.Args(), dir, envFlags)
	if err != nil {
		return 0, err
	}

	client, busConn, err := conn.dial()
	if err != nil {
		return 0, err
	}
	defer busConn.Close()

	stream, err := client.Exec(subprocess.ExecRequest{
		Command:      command,
		OnStdout:     true,
		OnStderr:     true,
		OnChannelOut: len(command.Channels) > 0,
	})
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	ctx := context.Background()
	first, err := stream.Next(ctx)
	if err != nil {
		return 0, fmt.Errorf("starting command: %w", err)
	}
	if first.Type != subprocess.ResponseTypeState || first.State != subprocess.Running {
		return 0, fmt.Errorf("unexpected first event of type %q", first.Type)
	}
	pid := first.Pid
	rank := strconv.Itoa(first.Rank)

	if shouldForwardStdin(noStdin, forceStdin) {
		go pumpStdin(client, pid, rank)
	}
	go forwardSignals(client, pid)

	status := -1
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if subprocess.IsEnd(err) {
				return exitCode(status), nil
			}
			return 0, err
		}
		switch {
		case ev.Type == subprocess.ResponseTypeOutput && ev.IO != nil:
			writeOutput(ev.IO)
		case ev.Type == subprocess.ResponseTypeState && ev.State == subprocess.Exited && ev.Status != nil:
			status = *ev.Status
		}
	}
}

// buildCommand assembles the remote command from the spec file and
// the command line. Positional argv wins over the spec's.
func buildCommand(specPath string, argv []string, dir string, envFlags []string) (*subprocess.Command, error) {
	command := &subprocess.Command{}
	if specPath != "" {
		data, err := os.ReadFile(specPath)
		if err != nil {
			return nil, fmt.Errorf("reading spec: %w", err)
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), command); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", specPath, err)
		}
	}
	if len(argv) > 0 {
		command.Argv = argv
	}
	if dir != "" {
		command.Dir = dir
	}
	for _, kv := range envFlags {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed --env entry %q, want KEY=VALUE", kv)
		}
		command.SetEnv(key, value)
	}
	if len(command.Argv) == 0 {
		return nil, errors.New("no command given: pass argv or --spec")
	}
	return command, nil
}

func shouldForwardStdin(noStdin, force bool) bool {
	if noStdin {
		return false
	}
	if force {
		return true
	}
	return !term.IsTerminal(int(os.Stdin.Fd()))
}

// writeOutput relays one remote chunk to the local streams. Channel
// output lands on stdout alongside the remote stdout.
func writeOutput(chunk *ioenc.Chunk) {
	if chunk.EOF || len(chunk.Data) == 0 {
		return
	}
	if chunk.Stream == subprocess.StreamStderr {
		_, _ = os.Stderr.Write(chunk.Data)
		return
	}
	_, _ = os.Stdout.Write(chunk.Data)
}

// pumpStdin forwards local stdin in bounded chunks, ending with an
// end-of-file marker. Write errors end the pump; the exec stream
// reports whatever the server decided.
func pumpStdin(client *subprocess.Client, pid int, rank string) {
	buf := make([]byte, 64*1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if werr := client.Write(pid, ioenc.New(subprocess.StreamStdin, rank, chunk)); werr != nil {
				return
			}
		}
		if err != nil {
			_ = client.CloseWrite(pid, subprocess.StreamStdin, rank)
			return
		}
	}
}

// forwardSignals relays SIGINT and SIGTERM to the remote process
// group, so interrupting the CLI interrupts the command.
func forwardSignals(client *subprocess.Client, pid int) {
	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	for sig := range signals {
		sysSig, ok := sig.(syscall.Signal)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		_ = client.Kill(ctx, pid, unix.Signal(sysSig))
		cancel()
	}
}

// exitCode maps a remote wait status onto the CLI's own exit code,
// the way a shell reports it: the exit status, or 128 plus the signal
// number for a signal death.
func exitCode(status int) int {
	if status < 0 {
		return 1
	}
	ws := unix.WaitStatus(status)
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	}
	return 1
}
