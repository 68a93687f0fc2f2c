// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package ftrace // import "github.com/probekit/probed/probes/ftrace"

import (
	log "github.com/sirupsen/logrus"

	"github.com/probekit/probed/probes"
	"github.com/probekit/probed/tracing"
)

// supportedEvents is advertised in the registration descriptor.
var supportedEvents = []string{
	"sched/sched_switch",
	"sched/sched_process_exit",
	"sched/sched_process_fork",
	"task/task_newtask",
	"task/task_rename",
	"ext4/ext4_da_write_begin",
	"f2fs/f2fs_write_begin",
}

// SourceDescriptor is the process-constant descriptor of the ftrace kind.
var SourceDescriptor = &probes.Descriptor{
	Name: "linux.ftrace",
	FillDescriptor: func(desc *tracing.DataSourceDescriptor) {
		desc.FtraceSupportedEvents = supportedEvents
	},
}

// DataSource is one ftrace instance bound to a tracing session. The shared
// Controller writes drained event bundles through its trace writer and
// fills its metadata; the producer broadcasts that metadata to the peer
// data sources of the session.
type DataSource struct {
	probes.SourceBase

	controller *Controller
	config     tracing.FtraceConfig
	writer     tracing.TraceWriter
	metadata   Metadata
}

// NewDataSource builds an ftrace instance and registers it with the
// controller.
func NewDataSource(controller *Controller, sessionID tracing.SessionID,
	config *tracing.FtraceConfig, writer tracing.TraceWriter) (*DataSource, error) {
	ds := &DataSource{
		controller: controller,
		writer:     writer,
	}
	if config != nil {
		ds.config = *config
	}
	ds.Desc = SourceDescriptor
	ds.SessionID = sessionID

	if err := controller.AddDataSource(ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// Metadata exposes the accumulated cross-data-source metadata. The producer
// clears it after broadcasting.
func (ds *DataSource) Metadata() *Metadata {
	return &ds.metadata
}

func (ds *DataSource) Start() {
	log.Debugf("ftrace data source started (session=%d)", ds.SessionID)
}

// Flush drains the per-CPU pipes and commits the writer; done fires once
// the packets are durable.
func (ds *DataSource) Flush(_ tracing.FlushID, done func()) {
	ds.controller.Flush(func() {
		ds.writer.Flush(done)
	})
}

// Stop unregisters from the controller and releases the writer.
func (ds *DataSource) Stop() {
	ds.controller.RemoveDataSource(ds)
	if err := ds.writer.Close(); err != nil {
		log.Debugf("ftrace writer close: %v", err)
	}
}

// ClearIncrementalState is a no-op: ftrace keeps no per-session interning.
func (ds *DataSource) ClearIncrementalState() {}
