// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package metatrace traces the producer itself. Other components record
// events (flush fan-outs, acks, timeouts) into a process-global bounded
// ring; a metatrace data source drains that ring into its session's trace
// buffer on flush. The orchestrator issues one final flush when stopping a
// metatrace instance so the flush activity of the other data sources of
// the session is captured.
package metatrace // import "github.com/probekit/probed/probes/metatrace"

import (
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"

	"github.com/probekit/probed/probes"
	"github.com/probekit/probed/tracing"
)

// SourceDescriptor is the process-constant descriptor of the metatrace
// kind.
var SourceDescriptor = &probes.Descriptor{
	Name: "probed.metatrace",
}

const ringCapacity = 8192

// event is one recorded producer-side event.
type event struct {
	Name      string `cbor:"1,keyasint"`
	Arg       uint64 `cbor:"2,keyasint,omitempty"`
	NanosMono int64  `cbor:"3,keyasint"`
}

// eventBatch is the packet payload of one drain.
type eventBatch struct {
	Events  []event `cbor:"1,keyasint"`
	Dropped uint64  `cbor:"2,keyasint,omitempty"`
}

var (
	ringMu  sync.Mutex
	ring    []event
	dropped uint64
	epoch   = time.Now()
)

// Record appends one event to the global ring. Cheap enough to call from
// any producer path; events are dropped (and counted) when no metatrace
// instance drains fast enough.
func Record(name string, arg uint64) {
	ringMu.Lock()
	defer ringMu.Unlock()
	if len(ring) >= ringCapacity {
		dropped++
		return
	}
	ring = append(ring, event{
		Name:      name,
		Arg:       arg,
		NanosMono: int64(time.Since(epoch)),
	})
}

// drain takes all recorded events and the drop count.
func drain() ([]event, uint64) {
	ringMu.Lock()
	defer ringMu.Unlock()
	events, droppedNow := ring, dropped
	ring, dropped = nil, 0
	return events, droppedNow
}

// DataSource drains the global event ring into its trace buffer.
type DataSource struct {
	probes.SourceBase

	writer tracing.TraceWriter
}

// NewDataSource builds a metatrace instance.
func NewDataSource(sessionID tracing.SessionID,
	writer tracing.TraceWriter) *DataSource {
	ds := &DataSource{writer: writer}
	ds.Desc = SourceDescriptor
	ds.SessionID = sessionID
	return ds
}

func (ds *DataSource) Start() {
	Record("metatrace_start", uint64(ds.SessionID))
}

// Flush writes all recorded events and commits the writer.
func (ds *DataSource) Flush(_ tracing.FlushID, done func()) {
	events, droppedNow := drain()
	if len(events) > 0 || droppedNow > 0 {
		payload, err := cbor.Marshal(&eventBatch{
			Events:  events,
			Dropped: droppedNow,
		})
		if err != nil {
			log.Errorf("Failed to encode metatrace batch: %v", err)
		} else if err = ds.writer.WritePacket(payload); err != nil {
			log.Errorf("Failed to write metatrace batch: %v", err)
		}
	}
	ds.writer.Flush(done)
}

func (ds *DataSource) Stop() {
	if err := ds.writer.Close(); err != nil {
		log.Debugf("metatrace writer close: %v", err)
	}
}

// ClearIncrementalState is a no-op.
func (ds *DataSource) ClearIncrementalState() {}
