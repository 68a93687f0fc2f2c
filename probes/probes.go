// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package probes defines the data-source abstraction shared by all probe
// implementations: the static per-kind descriptor, the DataSource interface
// the orchestrator drives, and the embeddable base carrying the dynamic
// per-instance state.
package probes // import "github.com/probekit/probed/probes"

import (
	"github.com/probekit/probed/tracing"
)

// Flags describe static capabilities of a data-source kind.
type Flags uint32

const (
	// FlagHandlesIncrementalState marks kinds that support rewinding their
	// per-session interning state without a stop.
	FlagHandlesIncrementalState Flags = 1 << iota
)

// Descriptor statically describes one data-source kind. Exactly one
// Descriptor value exists per kind for the process lifetime; the
// orchestrator uses pointer identity to group peer instances.
type Descriptor struct {
	// Name is the stable identifier the service selects the kind by.
	Name string

	// Flags carry the capability bits advertised at registration.
	Flags Flags

	// FillDescriptor, if set, augments the registration message with
	// kind-specific fields.
	FillDescriptor func(desc *tracing.DataSourceDescriptor)
}

// DataSource is one live instance of a probe bound to a tracing session.
// All methods run on the task runner.
type DataSource interface {
	// Base exposes the dynamic per-instance state.
	Base() *SourceBase

	// Start begins emitting packets. Called at most once, after setup.
	Start()

	// Flush commits all buffered packets and calls done once they are
	// durable in the shared memory buffer.
	Flush(id tracing.FlushID, done func())

	// Stop halts the instance and releases its resources. The instance
	// must not be used afterwards.
	Stop()

	// ClearIncrementalState rewinds per-session interning state.
	ClearIncrementalState()
}

// SourceBase is the dynamic state every data-source instance carries.
// Implementations embed it and hand it out via Base.
type SourceBase struct {
	// Desc points at the kind's process-constant descriptor.
	Desc *Descriptor

	// SessionID is the tracing session this instance belongs to.
	SessionID tracing.SessionID

	// Started is false after setup and true once the orchestrator has
	// issued Start.
	Started bool
}

// Base returns b. It exists so embedding SourceBase satisfies the
// DataSource interface.
func (b *SourceBase) Base() *SourceBase { return b }
