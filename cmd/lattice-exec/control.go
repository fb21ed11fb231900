// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

func listCommand(args []string) error {
	var conn connFlags
	flagSet := pflag.NewFlagSet("lattice-exec list", pflag.ContinueOnError)
	conn.register(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 0 {
		return fmt.Errorf("unexpected argument %q", flagSet.Arg(0))
	}

	client, busConn, err := conn.dial()
	if err != nil {
		return err
	}
	defer busConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := client.List(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tPID\tCOMMAND")
	for _, proc := range resp.Procs {
		fmt.Fprintf(tw, "%d\t%d\t%s\n", resp.Rank, proc.Pid, proc.Cmd)
	}
	return tw.Flush()
}

func killCommand(args []string) error {
	var (
		conn   connFlags
		signum int
	)
	flagSet := pflag.NewFlagSet("lattice-exec kill", pflag.ContinueOnError)
	conn.register(flagSet)
	flagSet.IntVar(&signum, "signal", int(unix.SIGTERM), "signal number to deliver")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("kill takes exactly one pid, got %d arguments", flagSet.NArg())
	}
	pid, err := strconv.Atoi(flagSet.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid pid %q", flagSet.Arg(0))
	}

	client, busConn, err := conn.dial()
	if err != nil {
		return err
	}
	defer busConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return client.Kill(ctx, pid, unix.Signal(signum))
}

func infoCommand(args []string) error {
	var conn connFlags
	flagSet := pflag.NewFlagSet("lattice-exec info", pflag.ContinueOnError)
	conn.register(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	_, busConn, err := conn.dial()
	if err != nil {
		return err
	}
	defer busConn.Close()

	rpc, err := busConn.Request("lattice.info", struct{}{}, nil)
	if err != nil {
		return err
	}
	defer rpc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	msg, err := rpc.Next(ctx)
	if err != nil {
		return err
	}

	var info struct {
		Rank       int    `json:"rank"`
		URI        string `json:"uri"`
		Version    string `json:"version"`
		BinaryHash string `json:"binary_hash"`
		NumCPU     int    `json:"nproc"`
		Node       struct {
			Hostname      string `json:"hostname"`
			KernelVersion string `json:"kernel"`
			CPU           struct {
				Model   string `json:"model"`
				Logical int    `json:"logical"`
			} `json:"cpu"`
			MemoryTotalMB int `json:"memory_total_mb"`
		} `json:"node"`
		Load struct {
			One     float64 `json:"one"`
			Five    float64 `json:"five"`
			Fifteen float64 `json:"fifteen"`
		} `json:"load"`
		MemAvailableMB int `json:"mem_available_mb"`
	}
	if err := msg.Decode(&info); err != nil {
		return fmt.Errorf("decoding info response: %w", err)
	}

	fmt.Printf("rank:        %d\n", info.Rank)
	fmt.Printf("uri:         %s\n", info.URI)
	fmt.Printf("version:     %s\n", info.Version)
	if info.BinaryHash != "" {
		fmt.Printf("binary hash: %s\n", info.BinaryHash)
	}
	if info.Node.Hostname != "" {
		fmt.Printf("hostname:    %s\n", info.Node.Hostname)
	}
	if info.Node.KernelVersion != "" {
		fmt.Printf("kernel:      %s\n", info.Node.KernelVersion)
	}
	if info.Node.CPU.Model != "" {
		fmt.Printf("cpu:         %s\n", info.Node.CPU.Model)
	}
	fmt.Printf("cpus:        %d\n", info.NumCPU)
	if info.Node.MemoryTotalMB > 0 {
		fmt.Printf("memory:      %d MB total, %d MB available\n",
			info.Node.MemoryTotalMB, info.MemAvailableMB)
	}
	fmt.Printf("load:        %.2f %.2f %.2f\n", info.Load.One, info.Load.Five, info.Load.Fifteen)
	return nil
}
