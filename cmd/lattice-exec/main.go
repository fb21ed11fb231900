// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/lattice-foundation/lattice/bus"
	"github.com/lattice-foundation/lattice/lib/version"
	"github.com/lattice-foundation/lattice/subprocess"
)

// requestTimeout bounds the control requests (list, kill, info).
// Command runs are unbounded.
const requestTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" || args[0] == "help" {
		printUsage(os.Stderr)
		return 2
	}
	if args[0] == "--version" {
		fmt.Printf("lattice-exec %s\n", version.Info())
		return 0
	}

	var code int
	var err error
	switch args[0] {
	case "run":
		code, err = runCommand(args[1:])
	case "list":
		err = listCommand(args[1:])
	case "kill":
		err = killCommand(args[1:])
	case "info":
		err = infoCommand(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "lattice-exec: unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		return 2
	}
	if err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "lattice-exec: %v\n", err)
		return 1
	}
	return code
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: lattice-exec <command> [flags] [args]

Commands:
  run   run a command on the node, streaming its output
  list  list live subprocesses
  kill  deliver a signal to a subprocess
  info  show node identity

Common flags:
  --socket path   daemon bus socket (default $LATTICE_SOCKET or /run/lattice/bus.sock)
  --token path    identity token file for daemons running with authorization

Run 'lattice-exec <command> --help' for command flags.
`)
}

// connFlags are the daemon-connection flags every subcommand shares.
type connFlags struct {
	socket string
	token  string
}

func (f *connFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.socket, "socket", defaultSocket(), "daemon bus socket path")
	flagSet.StringVar(&f.token, "token", "", "path to an identity token file")
}

func defaultSocket() string {
	if path := os.Getenv("LATTICE_SOCKET"); path != "" {
		return path
	}
	return "/run/lattice/bus.sock"
}

// dial connects to the daemon and wraps the connection in a
// subprocess client. The caller owns closing the returned connection.
func (f *connFlags) dial() (*subprocess.Client, *bus.Conn, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	conn, err := bus.Dial(f.socket, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", f.socket, err)
	}
	client := subprocess.NewClient(conn)
	if f.token != "" {
		token, err := os.ReadFile(f.token)
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("reading token: %w", err)
		}
		client.SetToken(token)
	}
	return client, conn, nil
}
