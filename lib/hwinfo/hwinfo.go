// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

// NodeInfo is the static hardware inventory of a node. Collected once
// at daemon startup and reported by the info endpoint.
type NodeInfo struct {
	Hostname      string  `json:"hostname,omitempty"`
	KernelVersion string  `json:"kernel,omitempty"`
	CPU           CPUInfo `json:"cpu"`
	MemoryTotalMB int     `json:"memory_total_mb,omitempty"`
	SwapTotalMB   int     `json:"swap_total_mb,omitempty"`
	NUMANodes     int     `json:"numa_nodes,omitempty"`
}

// CPUInfo describes the CPU topology of a node.
type CPUInfo struct {
	Model          string `json:"model,omitempty"`
	Sockets        int    `json:"sockets,omitempty"`
	CoresPerSocket int    `json:"cores_per_socket,omitempty"`
	ThreadsPerCore int    `json:"threads_per_core,omitempty"`
	Logical        int    `json:"logical,omitempty"`
	L3CacheKB      int    `json:"l3_cache_kb,omitempty"`
}

// LoadAvg is the node's load averages over one, five, and fifteen
// minutes.
type LoadAvg struct {
	One     float64 `json:"one"`
	Five    float64 `json:"five"`
	Fifteen float64 `json:"fifteen"`
}
