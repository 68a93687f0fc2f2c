// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package producer implements the probed orchestrator: the connection state
// machine towards the tracing service, the catalogue and registry of
// data-source instances, the flush coordinator and the ftrace metadata
// broadcast. Everything in this package runs on the single task runner the
// service callbacks are delivered on.
package producer // import "github.com/probekit/probed/producer"

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/probekit/probed/probes"
	"github.com/probekit/probed/probes/ftrace"
	"github.com/probekit/probed/probes/inodefile"
	"github.com/probekit/probed/probes/metatrace"
	"github.com/probekit/probed/probes/procstats"
	"github.com/probekit/probed/probes/sysstats"
	"github.com/probekit/probed/telemetry"
	"github.com/probekit/probed/tracing"
	"github.com/probekit/probed/watchdog"
)

// State transition diagram:
//
//	                 +----------------------------+
//	                 v                            +
//	NotStarted -> NotConnected -> Connecting -> Connected
//	                 ^              +
//	                 +--------------+
type state int

const (
	stateNotStarted state = iota
	stateNotConnected
	stateConnecting
	stateConnected
)

const (
	initialConnectionBackoffMs = 100
	maxConnectionBackoffMs     = 30 * 1000

	// flushTimeoutMs bounds a flush fan-out. It must stay above
	// ftrace.ControllerFlushTimeoutMs so the controller gets a chance to
	// ack before the forced completion.
	flushTimeoutMs = 1000

	// startGraceMs is the base of the fatal-timer deadline attached to
	// data sources with a bounded trace duration.
	startGraceMs = 5000

	producerName = "probed.producer"
)

// factoryFunc builds one data-source instance. A nil instance with an error
// means the kind is unavailable; setup is logged and dropped, the service
// is not notified.
type factoryFunc func(p *Producer, sessionID tracing.SessionID,
	cfg *tracing.DataSourceConfig) (probes.DataSource, error)

type registeredDataSource struct {
	descriptor *probes.Descriptor
	factory    factoryFunc
}

// allDataSources is the static catalogue. Registration on connect follows
// this order.
var allDataSources = []registeredDataSource{
	{ftrace.SourceDescriptor, (*Producer).createFtrace},
	{inodefile.SourceDescriptor, (*Producer).createInodeFile},
	{metatrace.SourceDescriptor, (*Producer).createMetatrace},
	{procstats.SourceDescriptor, (*Producer).createProcessStats},
	{sysstats.SourceDescriptor, (*Producer).createSysStats},
}

// weakHandle is the self-reference captured by deferred callbacks. A full
// producer restart clears it, turning every callback armed before the
// restart into a no-op.
type weakHandle struct {
	p *Producer
}

var instance *Producer

// GetInstance returns the live producer, or nil outside its lifetime.
func GetInstance() *Producer {
	return instance
}

// Producer is the orchestrator. Not safe for concurrent use; the task
// runner serialises all access.
type Producer struct {
	connect  tracing.ConnectFunc
	watchdog *watchdog.Watchdog

	state               state
	socketName          string
	runner              tracing.TaskRunner
	connectionBackoffMs uint32
	endpoint            tracing.Endpoint

	// dataSources owns the live instances; sessionDataSources groups
	// their ids per session, keyed by descriptor identity, for peer
	// lookup.
	dataSources        map[tracing.InstanceID]probes.DataSource
	sessionDataSources map[tracing.SessionID]map[*probes.Descriptor][]tracing.InstanceID

	// fatalTimers holds the start-deadline timer of instances with a
	// bounded trace duration, destroyed in lockstep with the instance.
	fatalTimers map[tracing.InstanceID]*watchdog.FatalTimer

	// pendingFlushes lists the instances still owing an ack per flush
	// request.
	pendingFlushes map[tracing.FlushID][]tracing.InstanceID

	ftrace *ftrace.Controller
	// ftraceCreationFailed is sticky for the process lifetime: probing
	// restricted tracefs paths again on every setup is pointless.
	ftraceCreationFailed bool

	systemMap *inodefile.SystemMap

	weak *weakHandle

	allDataSourcesRegisteredCb func()

	// Test seams.
	createFtraceController func(runner tracing.TaskRunner,
		observer ftrace.Observer) (*ftrace.Controller, error)
	systemRoot string
}

// New builds the process's producer. At most one may be alive at a time.
func New(connect tracing.ConnectFunc, wd *watchdog.Watchdog) *Producer {
	if instance != nil {
		panic("producer already exists")
	}
	p := &Producer{
		connect:                connect,
		watchdog:               wd,
		createFtraceController: ftrace.Create,
		systemRoot:             "/system",
	}
	p.initState()
	instance = p
	return p
}

func (p *Producer) initState() {
	p.state = stateNotStarted
	p.connectionBackoffMs = initialConnectionBackoffMs
	p.dataSources = make(map[tracing.InstanceID]probes.DataSource)
	p.sessionDataSources = make(map[tracing.SessionID]map[*probes.Descriptor][]tracing.InstanceID)
	p.fatalTimers = make(map[tracing.InstanceID]*watchdog.FatalTimer)
	p.pendingFlushes = make(map[tracing.FlushID][]tracing.InstanceID)
	p.weak = &weakHandle{p: p}
}

// SetAllDataSourcesRegisteredCb installs a one-shot callback fired through
// the endpoint's Sync barrier after the registration burst of the next
// connect. Used by integration harnesses to synchronise with the producer
// being ready.
func (p *Producer) SetAllDataSourcesRegisteredCb(cb func()) {
	p.allDataSourcesRegisteredCb = cb
}

// ConnectWithRetries starts the connection state machine. Only valid once,
// from the initial state; reconnection after that is driven internally.
func (p *Producer) ConnectWithRetries(socket string, runner tracing.TaskRunner) {
	if p.state != stateNotStarted {
		panic("ConnectWithRetries called twice")
	}
	p.state = stateNotConnected
	p.resetConnectionBackoff()
	p.socketName = socket
	p.runner = runner
	p.doConnect()
}

// Close tears the producer down for process shutdown: all instances are
// stopped (before the ftrace controller), the endpoint is closed and the
// singleton slot is released.
func (p *Producer) Close() {
	p.teardown()
	instance = nil
}

// teardown destroys all transient state. The data sources go first so the
// ftrace controller sees no live sources when it is closed.
func (p *Producer) teardown() {
	p.weak.p = nil

	for id, ds := range p.dataSources {
		ds.Stop()
		delete(p.dataSources, id)
	}
	for id, timer := range p.fatalTimers {
		timer.Destroy()
		delete(p.fatalTimers, id)
	}
	if p.ftrace != nil {
		p.ftrace.Close()
		p.ftrace = nil
	}
	if p.endpoint != nil {
		_ = p.endpoint.Close()
		p.endpoint = nil
	}
}

// restart rebuilds the producer from scratch after losing the service while
// connected. Everything transient is destroyed; only the sticky
// ftrace-failure flag and the system inode map survive, and the connection
// is re-established with the original socket and runner.
func (p *Producer) restart() {
	log.Infof("Restarting producer after service disconnect")
	telemetry.Increment(telemetry.AtomProducerRestart)

	socket := p.socketName
	runner := p.runner

	p.teardown()
	p.initState()

	p.ConnectWithRetries(socket, runner)
}

func (p *Producer) doConnect() {
	if p.state != stateNotConnected {
		panic(fmt.Sprintf("connect in state %d", p.state))
	}
	p.state = stateConnecting

	endpoint, err := p.connect(p.socketName, p, producerName, p.runner,
		tracing.SMBScrapingDisabled, tracing.DefaultSharedMemSizeHint,
		tracing.DefaultSharedMemPageSizeHint)
	if err != nil {
		log.Errorf("Failed to connect to %s: %v", p.socketName, err)
		p.OnDisconnect()
		return
	}
	p.endpoint = endpoint
}

func (p *Producer) increaseConnectionBackoff() {
	p.connectionBackoffMs *= 2
	if p.connectionBackoffMs > maxConnectionBackoffMs {
		p.connectionBackoffMs = maxConnectionBackoffMs
	}
}

func (p *Producer) resetConnectionBackoff() {
	p.connectionBackoffMs = initialConnectionBackoffMs
}

// OnConnect builds the descriptors of all statically known data sources
// first and only then registers them in one contiguous burst, so a slow
// descriptor generation never leaves a partial registration observable.
func (p *Producer) OnConnect() {
	p.state = stateConnected
	p.resetConnectionBackoff()
	log.Infof("Connected to the tracing service")

	descs := make([]*tracing.DataSourceDescriptor, len(allDataSources))
	for i, rds := range allDataSources {
		desc := &tracing.DataSourceDescriptor{
			Name:              rds.descriptor.Name,
			WillNotifyOnStart: true,
			WillNotifyOnStop:  true,
		}
		if rds.descriptor.Flags&probes.FlagHandlesIncrementalState != 0 {
			desc.HandlesIncrementalStateClear = true
		}
		if rds.descriptor.FillDescriptor != nil {
			rds.descriptor.FillDescriptor(desc)
		}
		descs[i] = desc
	}

	for _, desc := range descs {
		p.endpoint.RegisterDataSource(desc)
	}

	if p.allDataSourcesRegisteredCb != nil {
		p.endpoint.Sync(p.allDataSourcesRegisteredCb)
	}
}

// OnDisconnect implements the disconnect policy: a full restart when the
// connection was established, backoff-and-retry while it was still being
// set up.
func (p *Producer) OnDisconnect() {
	log.Infof("Disconnected from the tracing service")
	if p.state == stateConnected {
		p.runner.PostTask(func() { p.restart() })
		return
	}

	p.state = stateNotConnected
	delay := p.connectionBackoffMs
	p.increaseConnectionBackoff()
	h := p.weak
	p.runner.PostDelayedTask(func() {
		if h.p == nil {
			return
		}
		h.p.doConnect()
	}, delay)
}

// OnTracingSetup programs the watchdog memory limit from the size of the
// shared memory arena granted by the service.
func (p *Producer) OnTracingSetup() {
	shmSize := p.endpoint.SharedMemorySize()
	if shmSize == 0 {
		return
	}
	p.watchdog.SetMemoryLimit(shmSize+watchdog.DefaultMemorySlack,
		watchdog.DefaultMemoryWindow)
	telemetry.Increment(telemetry.AtomWatchdogMemoryLimit)
}

// SetupDataSource instantiates a data source. Factory failures are logged
// and dropped; the service discovers them through its own timeouts.
func (p *Producer) SetupDataSource(id tracing.InstanceID, cfg *tracing.DataSourceConfig) {
	log.Debugf("SetupDataSource(id=%d, name=%s)", id, cfg.Name)
	if _, dup := p.dataSources[id]; dup {
		log.Errorf("Duplicate setup for data source id=%d", id)
		return
	}
	sessionID := cfg.TracingSessionID
	if sessionID == 0 {
		panic("setup without a tracing session id")
	}

	var ds probes.DataSource
	for _, rds := range allDataSources {
		if rds.descriptor.Name != cfg.Name {
			continue
		}
		var err error
		ds, err = rds.factory(p, sessionID, cfg)
		if err != nil {
			log.Errorf("Failed to create data source %q: %v", cfg.Name, err)
		}
		break
	}
	if ds == nil {
		log.Errorf("Failed to create data source %q", cfg.Name)
		return
	}

	byDesc := p.sessionDataSources[sessionID]
	if byDesc == nil {
		byDesc = make(map[*probes.Descriptor][]tracing.InstanceID)
		p.sessionDataSources[sessionID] = byDesc
	}
	desc := ds.Base().Desc
	byDesc[desc] = append(byDesc[desc], id)
	p.dataSources[id] = ds
}

// StartDataSource transitions an instance to started. Unknown ids are a
// no-op: setup may have failed without the service knowing.
func (p *Producer) StartDataSource(id tracing.InstanceID, cfg *tracing.DataSourceConfig) {
	log.Debugf("StartDataSource(id=%d, name=%s)", id, cfg.Name)
	ds, ok := p.dataSources[id]
	if !ok {
		log.Errorf("Data source id=%d not found", id)
		return
	}
	base := ds.Base()
	if base.Started {
		return
	}
	if cfg.TraceDurationMs != 0 {
		timeout := startGraceMs + 2*cfg.TraceDurationMs
		p.fatalTimers[id] = p.watchdog.CreateFatalTimer(timeout,
			fmt.Sprintf("data source %d did not stop", id))
	}
	base.Started = true
	ds.Start()
	p.endpoint.NotifyDataSourceStarted(id)
}

// StopDataSource destroys an instance and removes it from both registry
// indices. A metatrace instance gets one final empty flush first so the
// flush records of its session peers make it into the trace.
func (p *Producer) StopDataSource(id tracing.InstanceID) {
	log.Infof("Producer stop (id=%d)", id)
	ds, ok := p.dataSources[id]
	if !ok {
		log.Errorf("Cannot stop data source id=%d, not found", id)
		return
	}

	if ds.Base().Desc == metatrace.SourceDescriptor {
		ds.Flush(0, func() {})
	}

	p.endpoint.NotifyDataSourceStopped(id)

	sessionID := ds.Base().SessionID
	if byDesc, ok := p.sessionDataSources[sessionID]; ok {
		desc := ds.Base().Desc
		ids := byDesc[desc]
		for i, otherID := range ids {
			if otherID == id {
				byDesc[desc] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(byDesc[desc]) == 0 {
			delete(byDesc, desc)
		}
		if len(byDesc) == 0 {
			delete(p.sessionDataSources, sessionID)
		}
	}

	ds.Stop()
	delete(p.dataSources, id)
	if timer, armed := p.fatalTimers[id]; armed {
		timer.Destroy()
		delete(p.fatalTimers, id)
	}
}

// Flush fans the request out to every started instance in the list and
// arms the forced-completion deadline. The callbacks hold only a weak
// self-reference: a producer restart mid-flush turns them into no-ops.
func (p *Producer) Flush(flushID tracing.FlushID, ids []tracing.InstanceID) {
	h := p.weak

	// All participants are entered as pending before any of them is asked
	// to flush, so an ack delivered synchronously from ds.Flush cannot
	// complete the request while later instances are still to be asked.
	var queued []tracing.InstanceID
	for _, id := range ids {
		ds, ok := p.dataSources[id]
		if !ok || !ds.Base().Started {
			continue
		}
		p.pendingFlushes[flushID] = append(p.pendingFlushes[flushID], id)
		queued = append(queued, id)
	}

	if len(queued) == 0 {
		p.endpoint.NotifyFlushComplete(flushID)
		return
	}

	for _, id := range queued {
		id := id
		metatrace.Record("flush_fanout", uint64(flushID))
		p.dataSources[id].Flush(flushID, func() {
			if h.p == nil {
				return
			}
			h.p.onDataSourceFlushComplete(flushID, id)
		})
	}

	p.runner.PostDelayedTask(func() {
		if h.p == nil {
			return
		}
		h.p.onFlushTimeout(flushID)
	}, flushTimeoutMs)
}

// onDataSourceFlushComplete accounts one ack and notifies the service when
// it was the last one outstanding for the request.
func (p *Producer) onDataSourceFlushComplete(flushID tracing.FlushID, id tracing.InstanceID) {
	log.Debugf("Flush %d acked by data source %d", flushID, id)
	metatrace.Record("flush_ack", uint64(flushID))

	pending, ok := p.pendingFlushes[flushID]
	if !ok {
		// Forced completion already notified; late acks are dropped.
		return
	}
	for i, pendingID := range pending {
		if pendingID == id {
			pending = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) > 0 {
		p.pendingFlushes[flushID] = pending
		return
	}

	delete(p.pendingFlushes, flushID)
	log.Debugf("All data sources acked flush %d", flushID)
	p.endpoint.NotifyFlushComplete(flushID)
}

// onFlushTimeout forces completion of a request that still has outstanding
// acks when the deadline fires.
func (p *Producer) onFlushTimeout(flushID tracing.FlushID) {
	if _, ok := p.pendingFlushes[flushID]; !ok {
		return
	}
	log.Errorf("Flush(%d) timed out", flushID)
	telemetry.Increment(telemetry.AtomFlushTimeout)
	metatrace.Record("flush_timeout", uint64(flushID))
	delete(p.pendingFlushes, flushID)
	p.endpoint.NotifyFlushComplete(flushID)
}

// ClearIncrementalState delegates to every started instance in the list;
// unknown or not-started ids are skipped.
func (p *Producer) ClearIncrementalState(ids []tracing.InstanceID) {
	for _, id := range ids {
		ds, ok := p.dataSources[id]
		if !ok || !ds.Base().Started {
			continue
		}
		ds.ClearIncrementalState()
	}
}

// ActivateTrigger forwards a trigger to the service. Activation while
// disconnected is recorded and dropped.
func (p *Producer) ActivateTrigger(trigger string) {
	p.runner.PostTask(func() {
		if p.endpoint == nil {
			telemetry.Increment(telemetry.AtomTriggerDropped)
			return
		}
		telemetry.Increment(telemetry.AtomTriggerForwarded)
		p.endpoint.ActivateTriggers([]string{trigger})
	})
}

// metadataSource is implemented by the ftrace data source.
type metadataSource interface {
	Metadata() *ftrace.Metadata
}

// pidConsumer is implemented by the process-stats data source.
type pidConsumer interface {
	OnDemandDumpsEnabled() bool
	OnRenamePids(pids map[int32]struct{})
	OnPids(pids map[int32]struct{})
}

// inodeConsumer is implemented by the inode-file data source.
type inodeConsumer interface {
	OnInodes(pairs map[ftrace.InodeDevice]struct{})
}

// OnFtraceDataWrittenIntoDataSourceBuffers propagates the metadata the
// ftrace data sources accumulated while draining to their session peers.
// Rename pids are delivered before seen pids so a renamed process is
// re-scraped for its command line before it is catalogued. Every ftrace
// data source of a session is processed independently; there can be more
// than one.
func (p *Producer) OnFtraceDataWrittenIntoDataSourceBuffers() {
	for _, byDesc := range p.sessionDataSources {
		ftraceIDs := byDesc[ftrace.SourceDescriptor]
		psIDs := byDesc[procstats.SourceDescriptor]
		inoIDs := byDesc[inodefile.SourceDescriptor]

		for _, ftID := range ftraceIDs {
			ftraceDS := p.dataSources[ftID]
			mds, ok := ftraceDS.(metadataSource)
			if !ok || !ftraceDS.Base().Started {
				continue
			}
			md := mds.Metadata()

			for _, psID := range psIDs {
				psDS := p.dataSources[psID]
				consumer, ok := psDS.(pidConsumer)
				if !ok || !psDS.Base().Started || !consumer.OnDemandDumpsEnabled() {
					continue
				}
				if len(md.RenamePids) > 0 {
					consumer.OnRenamePids(md.RenamePids)
				}
				if len(md.Pids) > 0 {
					consumer.OnPids(md.Pids)
				}
			}

			for _, inoID := range inoIDs {
				inoDS := p.dataSources[inoID]
				consumer, ok := inoDS.(inodeConsumer)
				if !ok || !inoDS.Base().Started {
					continue
				}
				consumer.OnInodes(md.InodeAndDevice)
			}

			md.Clear()
		}
	}
}

func (p *Producer) createFtrace(sessionID tracing.SessionID,
	cfg *tracing.DataSourceConfig) (probes.DataSource, error) {
	// Don't retry after a failed controller creation. This legitimately
	// happens on builds where the tracefs paths are locked down.
	if p.ftraceCreationFailed {
		return nil, fmt.Errorf("ftrace controller creation failed before")
	}

	if p.ftrace == nil {
		controller, err := p.createFtraceController(p.runner, p)
		if err != nil {
			p.ftraceCreationFailed = true
			return nil, fmt.Errorf("failed to create ftrace controller: %w", err)
		}
		controller.DisableAllEvents()
		controller.ClearTrace()
		p.ftrace = controller
	}

	log.Infof("Ftrace setup (target_buf=%d)", cfg.TargetBuffer)
	ds, err := ftrace.NewDataSource(p.ftrace, sessionID, cfg.Ftrace,
		p.endpoint.CreateTraceWriter(cfg.TargetBuffer))
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (p *Producer) createProcessStats(sessionID tracing.SessionID,
	cfg *tracing.DataSourceConfig) (probes.DataSource, error) {
	return procstats.NewDataSource(p.runner, sessionID, cfg.ProcessStats,
		p.endpoint.CreateTraceWriter(cfg.TargetBuffer)), nil
}

func (p *Producer) createInodeFile(sessionID tracing.SessionID,
	cfg *tracing.DataSourceConfig) (probes.DataSource, error) {
	log.Infof("Inode file map setup (target_buf=%d)", cfg.TargetBuffer)
	if p.systemMap == nil {
		m, err := inodefile.BuildSystemMap(p.systemRoot)
		if err != nil {
			log.Errorf("Failed to build system inode map: %v", err)
			m = inodefile.EmptyMap()
		}
		p.systemMap = m
	}
	return inodefile.NewDataSource(sessionID, cfg.InodeFile, p.systemMap,
		p.endpoint.CreateTraceWriter(cfg.TargetBuffer))
}

func (p *Producer) createSysStats(sessionID tracing.SessionID,
	cfg *tracing.DataSourceConfig) (probes.DataSource, error) {
	return sysstats.NewDataSource(p.runner, sessionID, cfg.SysStats,
		p.endpoint.CreateTraceWriter(cfg.TargetBuffer)), nil
}

func (p *Producer) createMetatrace(sessionID tracing.SessionID,
	cfg *tracing.DataSourceConfig) (probes.DataSource, error) {
	return metatrace.NewDataSource(sessionID,
		p.endpoint.CreateTraceWriter(cfg.TargetBuffer)), nil
}
