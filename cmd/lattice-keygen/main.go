// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/lattice-foundation/lattice/lib/authtoken"
	"github.com/lattice-foundation/lattice/lib/version"
	"github.com/lattice-foundation/lattice/subprocess"
)

// defaultStateDir is where the signing keypair lives unless
// --state-dir says otherwise.
const defaultStateDir = "/var/lib/lattice"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}
	switch args[0] {
	case "--help", "-h", "help":
		printUsage(os.Stdout)
		return 0
	case "--version":
		fmt.Println(version.Info())
		return 0
	}

	var err error
	switch args[0] {
	case "init":
		err = initCommand(args[1:])
	case "mint":
		err = mintCommand(args[1:])
	case "verify":
		err = verifyCommand(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "lattice-keygen: unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		return 2
	}
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "lattice-keygen: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: lattice-keygen <command> [flags]

Commands:
  init     generate a token signing keypair in the state directory
  mint     mint a caller identity token signed by the keypair
  verify   verify a token file and print its claims

Flags vary per command; run "lattice-keygen <command> --help".

The daemon verifies tokens against the public key only: point its
auth.public_key_file at the token-signing-key.pub written by init and
keep the private key on the minting host.
`)
}

func initCommand(args []string) error {
	var stateDir string
	flagSet := pflag.NewFlagSet("lattice-keygen init", pflag.ContinueOnError)
	flagSet.StringVar(&stateDir, "state-dir", defaultStateDir, "directory holding the signing keypair")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", stateDir, err)
	}
	if _, _, err := authtoken.LoadKeypair(stateDir); err == nil {
		return fmt.Errorf("%s already holds a keypair; remove it first to rotate", stateDir)
	}

	public, private, err := authtoken.GenerateKeypair()
	if err != nil {
		return err
	}
	if err := authtoken.SaveKeypair(stateDir, public, private); err != nil {
		return err
	}
	fmt.Printf("keypair written to %s\n", stateDir)
	return nil
}

func mintCommand(args []string) error {
	var (
		stateDir string
		subject  string
		audience string
		ttl      time.Duration
		outPath  string
	)
	flagSet := pflag.NewFlagSet("lattice-keygen mint", pflag.ContinueOnError)
	flagSet.StringVar(&stateDir, "state-dir", defaultStateDir, "directory holding the signing keypair")
	flagSet.StringVar(&subject, "subject", "", "caller name to mint the token for")
	flagSet.StringVar(&audience, "audience", subprocess.ServiceName, "service the token is scoped to")
	flagSet.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	flagSet.StringVar(&outPath, "out", "", "file to write the token to (default stdout)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if subject == "" {
		return errors.New("--subject is required")
	}
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	_, private, err := authtoken.LoadKeypair(stateDir)
	if err != nil {
		return err
	}
	id, err := authtoken.NewID()
	if err != nil {
		return err
	}
	now := time.Now()
	tokenBytes, err := authtoken.Mint(private, &authtoken.Token{
		Subject:   subject,
		Audience:  audience,
		ID:        id,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return err
	}

	if outPath == "" {
		// Tokens are raw binary; dumping one on a terminal helps
		// nobody.
		if term.IsTerminal(int(os.Stdout.Fd())) {
			return errors.New("stdout is a terminal; pass --out or redirect")
		}
		_, err := os.Stdout.Write(tokenBytes)
		return err
	}
	if err := os.WriteFile(outPath, tokenBytes, 0600); err != nil {
		return fmt.Errorf("writing token: %w", err)
	}
	fmt.Printf("token %s for %q written to %s, expires %s\n",
		id, subject, outPath, now.Add(ttl).Format(time.RFC3339))
	return nil
}

func verifyCommand(args []string) error {
	var stateDir string
	flagSet := pflag.NewFlagSet("lattice-keygen verify", pflag.ContinueOnError)
	flagSet.StringVar(&stateDir, "state-dir", defaultStateDir, "directory holding the signing keypair")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("verify takes exactly one token file")
	}

	tokenBytes, err := os.ReadFile(flagSet.Arg(0))
	if err != nil {
		return err
	}
	public, _, err := authtoken.LoadKeypair(stateDir)
	if err != nil {
		return err
	}
	token, err := authtoken.Verify(public, tokenBytes)
	if err != nil {
		return err
	}

	fmt.Printf("subject:  %s\n", token.Subject)
	fmt.Printf("audience: %s\n", token.Audience)
	fmt.Printf("id:       %s\n", token.ID)
	fmt.Printf("issued:   %s\n", time.Unix(token.IssuedAt, 0).Format(time.RFC3339))
	fmt.Printf("expires:  %s\n", time.Unix(token.ExpiresAt, 0).Format(time.RFC3339))
	return nil
}
