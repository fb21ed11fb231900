// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Probe collects the static hardware inventory of this node.
func Probe() NodeInfo {
	return probeFrom("/proc", "/sys")
}

// probeFrom is the testable implementation of Probe. It takes root
// paths for /proc and /sys so tests can point at synthetic trees.
func probeFrom(procRoot, sysRoot string) NodeInfo {
	info := NodeInfo{}
	info.Hostname, _ = os.Hostname()
	info.KernelVersion = kernelVersion()
	info.CPU = probeCPU(procRoot, sysRoot)
	info.MemoryTotalMB, info.SwapTotalMB = probeMemory()
	info.NUMANodes = countNUMANodes(sysRoot)
	return info
}

func kernelVersion() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}

// probeCPU walks the per-CPU topology directories once, collecting
// socket and core identities together. Core IDs repeat across sockets,
// so physical cores are counted as (package, core) pairs.
func probeCPU(procRoot, sysRoot string) CPUInfo {
	info := CPUInfo{Model: readCPUModel(filepath.Join(procRoot, "cpuinfo"))}
	base := filepath.Join(sysRoot, "devices/system/cpu")

	type coreKey struct{ pkg, core string }
	packages := make(map[string]struct{})
	cores := make(map[coreKey]struct{})
	for _, name := range listCPUDirs(base) {
		info.Logical++
		topology := filepath.Join(base, name, "topology")
		pkg := readSysfsString(filepath.Join(topology, "physical_package_id"))
		core := readSysfsString(filepath.Join(topology, "core_id"))
		if pkg != "" {
			packages[pkg] = struct{}{}
		}
		if pkg != "" && core != "" {
			cores[coreKey{pkg, core}] = struct{}{}
		}
	}
	info.Sockets = len(packages)
	if info.Sockets > 0 {
		info.CoresPerSocket = len(cores) / info.Sockets
	}
	info.ThreadsPerCore = threadsPerCore(base)
	info.L3CacheKB = readCacheKB(filepath.Join(base, "cpu0/cache/index3/size"))
	return info
}

// listCPUDirs returns the cpuN directory names under the sysfs CPU
// base, skipping cpufreq, cpuidle, and the other non-CPU entries.
func listCPUDirs(base string) []string {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		suffix := name[3:]
		if suffix == "" || suffix[0] < '0' || suffix[0] > '9' {
			continue
		}
		names = append(names, name)
	}
	return names
}

// readCPUModel extracts the first "model name" line from /proc/cpuinfo.
func readCPUModel(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "model name") {
			continue
		}
		if _, value, ok := strings.Cut(line, ":"); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// threadsPerCore counts the entries in cpu0's thread_siblings_list.
// "0,96" means CPUs 0 and 96 share a core, so two threads per core.
func threadsPerCore(base string) int {
	siblings := readSysfsString(filepath.Join(base, "cpu0/topology/thread_siblings_list"))
	if siblings == "" {
		return 1
	}
	return strings.Count(siblings, ",") + 1
}

// readCacheKB parses a sysfs cache size file ("32768K") into
// kilobytes.
func readCacheKB(path string) int {
	value := strings.TrimSuffix(readSysfsString(path), "K")
	if value == "" {
		return 0
	}
	kb, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return kb
}

// probeMemory returns total RAM and swap in megabytes from sysinfo(2).
func probeMemory() (memoryMB, swapMB int) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0
	}
	unit := uint64(info.Unit)
	memoryMB = int(uint64(info.Totalram) * unit / (1 << 20))
	swapMB = int(uint64(info.Totalswap) * unit / (1 << 20))
	return memoryMB, swapMB
}

// countNUMANodes counts nodeN directories under the sysfs node base.
func countNUMANodes(sysRoot string) int {
	entries, err := os.ReadDir(filepath.Join(sysRoot, "devices/system/node"))
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, "node") {
			continue
		}
		suffix := name[4:]
		if suffix != "" && suffix[0] >= '0' && suffix[0] <= '9' {
			count++
		}
	}
	return count
}

// ReadLoadAvg returns the node's load averages from /proc/loadavg.
func ReadLoadAvg() LoadAvg {
	return readLoadAvgFrom("/proc/loadavg")
}

func readLoadAvgFrom(path string) LoadAvg {
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadAvg{}
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return LoadAvg{}
	}
	parse := func(s string) float64 {
		value, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return value
	}
	return LoadAvg{
		One:     parse(fields[0]),
		Five:    parse(fields[1]),
		Fifteen: parse(fields[2]),
	}
}

// ReadMemAvailableMB returns the kernel's estimate of memory available
// for new work, in megabytes, from /proc/meminfo. Returns 0 when the
// estimate is missing, as on very old kernels.
func ReadMemAvailableMB() int {
	return readMemAvailableFrom("/proc/meminfo")
}

func readMemAvailableFrom(path string) int {
	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// "MemAvailable: 12345678 kB"
		if len(fields) >= 2 && fields[0] == "MemAvailable:" {
			kb, err := strconv.Atoi(fields[1])
			if err != nil {
				return 0
			}
			return kb / 1024
		}
	}
	return 0
}

// readSysfsString reads a single-line sysfs file and returns its
// trimmed content, or "" on any error.
func readSysfsString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
