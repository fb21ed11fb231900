// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"runtime"

	"github.com/lattice-foundation/lattice/bus"
	"github.com/lattice-foundation/lattice/lib/config"
	"github.com/lattice-foundation/lattice/lib/hwinfo"
	"github.com/lattice-foundation/lattice/lib/version"
)

// infoResponse is the lattice.info payload: enough for an operator or
// an aggregating tool to identify the node, the build serving it, and
// whether the node has headroom. Node inventory is probed once at
// startup; load and available memory are read per request.
type infoResponse struct {
	Rank           int             `json:"rank"`
	URI            string          `json:"uri"`
	Version        string          `json:"version"`
	BinaryHash     string          `json:"binary_hash,omitempty"`
	NumCPU         int             `json:"nproc"`
	Node           hwinfo.NodeInfo `json:"node"`
	Load           hwinfo.LoadAvg  `json:"load"`
	MemAvailableMB int             `json:"mem_available_mb"`
}

// registerInfo mounts the lattice.info endpoint on its own bus
// connection.
func registerInfo(broker *bus.Broker, cfg *config.Config, binaryHash string, logger *slog.Logger) error {
	node := hwinfo.Probe()
	conn := broker.Connect()
	conn.HandleFunc("lattice.info", func(msg *bus.Message) {
		err := conn.Respond(msg, infoResponse{
			Rank:           cfg.Rank,
			URI:            cfg.URI(),
			Version:        version.Info(),
			BinaryHash:     binaryHash,
			NumCPU:         runtime.NumCPU(),
			Node:           node,
			Load:           hwinfo.ReadLoadAvg(),
			MemAvailableMB: hwinfo.ReadMemAvailableMB(),
		})
		if err != nil {
			logger.Error("error responding to lattice.info request", "error", err)
		}
	})
	return conn.Register("lattice")
}
