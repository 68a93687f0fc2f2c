// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry counts notable producer events in process-local atoms.
// The counters are cheap enough to bump from any path and are dumped
// through the log on demand, typically at shutdown.
package telemetry // import "github.com/probekit/probed/telemetry"

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// AtomID identifies one counter.
type AtomID int

const (
	// AtomTriggerForwarded counts triggers forwarded to the service.
	AtomTriggerForwarded AtomID = iota
	// AtomTriggerDropped counts triggers dropped because the producer was
	// disconnected at the time of activation.
	AtomTriggerDropped
	// AtomFlushTimeout counts flush requests that hit the forced-completion
	// deadline.
	AtomFlushTimeout
	// AtomWatchdogMemoryLimit counts watchdog memory limit programmings.
	AtomWatchdogMemoryLimit
	// AtomProducerRestart counts full producer restarts after losing the
	// service while connected.
	AtomProducerRestart

	atomIDMax
)

var atomNames = [atomIDMax]string{
	AtomTriggerForwarded:    "trigger_forwarded",
	AtomTriggerDropped:      "trigger_dropped_disconnected",
	AtomFlushTimeout:        "flush_timeout",
	AtomWatchdogMemoryLimit: "watchdog_memory_limit_set",
	AtomProducerRestart:     "producer_restart",
}

var (
	counters [atomIDMax]atomic.Uint64
	dumpMu   sync.Mutex
)

// Increment bumps the counter for id by one.
func Increment(id AtomID) {
	counters[id].Add(1)
}

// Get returns the current value of the counter for id.
func Get(id AtomID) uint64 {
	return counters[id].Load()
}

// Reset zeroes all counters. Intended for tests.
func Reset() {
	for i := range counters {
		counters[i].Store(0)
	}
}

// Dump logs all non-zero counters.
func Dump() {
	dumpMu.Lock()
	defer dumpMu.Unlock()
	for i := range counters {
		if v := counters[i].Load(); v != 0 {
			log.Infof("telemetry: %s=%d", atomNames[i], v)
		}
	}
}
