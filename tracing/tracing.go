// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracing holds the core types shared between the producer, the IPC
// endpoint and the individual data sources: session and instance
// identifiers, the data-source descriptor and config messages, the trace
// writer abstraction and the producer/endpoint contracts.
package tracing // import "github.com/probekit/probed/tracing"

// SessionID identifies a tracing session. It is assigned by the tracing
// service and opaque to the producer.
type SessionID uint64

// InstanceID identifies one data-source instance within the producer.
// Assigned by the tracing service.
type InstanceID uint64

// BufferID selects one of the shared-memory buffers of a tracing session.
type BufferID uint32

// FlushID tags one flush request issued by the service.
type FlushID uint64

// SMBScrapingMode selects whether the service may scrape the producer's
// shared memory buffer on flush or disconnect.
type SMBScrapingMode int

const (
	SMBScrapingDefault SMBScrapingMode = iota
	SMBScrapingEnabled
	SMBScrapingDisabled
)

const (
	// DefaultSharedMemSizeHint is the shared memory size the producer asks
	// the service for when connecting.
	DefaultSharedMemSizeHint = 1024 * 1024

	// DefaultSharedMemPageSizeHint is the requested shared memory page size.
	DefaultSharedMemPageSizeHint = 32 * 1024
)

// DataSourceDescriptor is the registration message advertising one
// data-source kind to the service.
type DataSourceDescriptor struct {
	Name                         string   `cbor:"1,keyasint"`
	WillNotifyOnStart            bool     `cbor:"2,keyasint,omitempty"`
	WillNotifyOnStop             bool     `cbor:"3,keyasint,omitempty"`
	HandlesIncrementalStateClear bool     `cbor:"4,keyasint,omitempty"`
	FtraceSupportedEvents        []string `cbor:"5,keyasint,omitempty"`
	SysStatsSupportedCounters    []string `cbor:"6,keyasint,omitempty"`
}

// FtraceConfig is the ftrace-specific part of a data-source config.
type FtraceConfig struct {
	Events        []string `cbor:"1,keyasint,omitempty"`
	DrainPeriodMs uint32   `cbor:"2,keyasint,omitempty"`
	BufferSizeKB  uint32   `cbor:"3,keyasint,omitempty"`
}

// ProcessStatsConfig is the process-stats specific part of a data-source
// config.
type ProcessStatsConfig struct {
	ScanAllProcessesOnStart bool   `cbor:"1,keyasint,omitempty"`
	ProcStatsPollMs         uint32 `cbor:"2,keyasint,omitempty"`

	// DisableOnDemandDumps opts the instance out of the pid metadata
	// broadcast fed by the ftrace data sources of its session.
	DisableOnDemandDumps bool `cbor:"3,keyasint,omitempty"`
}

// InodeFileConfig is the inode-file specific part of a data-source config.
type InodeFileConfig struct {
	ScanIntervalMs  uint32   `cbor:"1,keyasint,omitempty"`
	ScanMountPoints []string `cbor:"2,keyasint,omitempty"`
}

// SysStatsConfig is the sys-stats specific part of a data-source config.
type SysStatsConfig struct {
	StatPeriodMs    uint32 `cbor:"1,keyasint,omitempty"`
	MeminfoPeriodMs uint32 `cbor:"2,keyasint,omitempty"`
}

// DataSourceConfig is the per-instance configuration the service sends with
// SetupDataSource. Name selects the data-source kind, TargetBuffer the
// shared-memory buffer all packets of this instance go to.
type DataSourceConfig struct {
	Name             string              `cbor:"1,keyasint"`
	TargetBuffer     BufferID            `cbor:"2,keyasint,omitempty"`
	TraceDurationMs  uint32              `cbor:"3,keyasint,omitempty"`
	TracingSessionID SessionID           `cbor:"4,keyasint,omitempty"`
	Ftrace           *FtraceConfig       `cbor:"5,keyasint,omitempty"`
	ProcessStats     *ProcessStatsConfig `cbor:"6,keyasint,omitempty"`
	InodeFile        *InodeFileConfig    `cbor:"7,keyasint,omitempty"`
	SysStats         *SysStatsConfig     `cbor:"8,keyasint,omitempty"`
}

// TraceWriter serialises trace packets into the shared-memory buffer it was
// created for. Implementations are not safe for concurrent use; all writes
// happen on the task runner.
type TraceWriter interface {
	// WritePacket appends one serialised trace packet.
	WritePacket(payload []byte) error

	// Flush commits all buffered packets to the shared memory arena and
	// invokes cb once the commit is durable. A nil cb is allowed.
	Flush(cb func())

	// Close releases the writer. The writer must not be used afterwards.
	Close() error
}

// Endpoint is the producer-side handle to the tracing service, obtained from
// a ConnectFunc. All methods must be called from the task runner.
type Endpoint interface {
	RegisterDataSource(desc *DataSourceDescriptor)
	CreateTraceWriter(buf BufferID) TraceWriter
	NotifyDataSourceStarted(id InstanceID)
	NotifyDataSourceStopped(id InstanceID)
	NotifyFlushComplete(id FlushID)
	ActivateTriggers(triggers []string)

	// Sync invokes cb after all previously issued requests have been
	// processed by the service.
	Sync(cb func())

	// SharedMemorySize returns the size of the shared memory arena granted
	// by the service, or 0 if none has been set up (yet).
	SharedMemorySize() uint64

	// Close tears the connection down. OnDisconnect is not delivered for a
	// locally initiated close.
	Close() error
}

// Producer is the callback interface the service drives. All callbacks are
// invoked on the task runner, never concurrently.
type Producer interface {
	OnConnect()
	OnDisconnect()
	OnTracingSetup()
	SetupDataSource(id InstanceID, cfg *DataSourceConfig)
	StartDataSource(id InstanceID, cfg *DataSourceConfig)
	StopDataSource(id InstanceID)
	Flush(id FlushID, instanceIDs []InstanceID)
	ClearIncrementalState(instanceIDs []InstanceID)
}

// ConnectFunc establishes a connection to the service listening on socket
// and returns the endpoint. Service callbacks are delivered to producer via
// the task runner passed by the caller. The shared-memory hints are
// best-effort requests; the service decides the actual arena geometry.
type ConnectFunc func(socket string, producer Producer, name string,
	runner TaskRunner, scraping SMBScrapingMode,
	shmSizeHint, shmPageSizeHint uint64) (Endpoint, error)

// TaskRunner is the cooperative serial executor the producer core runs on.
type TaskRunner interface {
	PostTask(fn func())
	PostDelayedTask(fn func(), delayMs uint32)
}
