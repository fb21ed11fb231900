// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now()
// when tests need unique identifiers for client names, stream
// payloads, or request bodies that must be distinguishable in shared
// logs.
//
//	name := testutil.UniqueID("client")      // "client-1", "client-2", ...
//	line := testutil.UniqueID("stdin-line")  // "stdin-line-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
