// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package sysstats periodically snapshots system-wide counters from
// /proc/stat and /proc/meminfo into trace packets.
package sysstats // import "github.com/probekit/probed/probes/sysstats"

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"

	"github.com/probekit/probed/periodiccaller"
	"github.com/probekit/probed/probes"
	"github.com/probekit/probed/stringutil"
	"github.com/probekit/probed/tracing"
)

// meminfoCounters are the meminfo keys advertised in the descriptor and
// included in snapshots.
var meminfoCounters = []string{
	"MemTotal", "MemFree", "MemAvailable", "Buffers", "Cached",
	"SwapTotal", "SwapFree", "Dirty", "Writeback", "AnonPages", "Mapped",
}

// SourceDescriptor is the process-constant descriptor of the sys-stats
// kind.
var SourceDescriptor = &probes.Descriptor{
	Name: "linux.sys_stats",
	FillDescriptor: func(desc *tracing.DataSourceDescriptor) {
		desc.SysStatsSupportedCounters = meminfoCounters
	},
}

const defaultPeriodMs = 1000

// cpuTimes is the per-CPU breakdown from one /proc/stat line, in clock
// ticks.
type cpuTimes struct {
	CpuID   int32  `cbor:"1,keyasint"`
	User    uint64 `cbor:"2,keyasint,omitempty"`
	Nice    uint64 `cbor:"3,keyasint,omitempty"`
	System  uint64 `cbor:"4,keyasint,omitempty"`
	Idle    uint64 `cbor:"5,keyasint,omitempty"`
	IoWait  uint64 `cbor:"6,keyasint,omitempty"`
	Irq     uint64 `cbor:"7,keyasint,omitempty"`
	SoftIrq uint64 `cbor:"8,keyasint,omitempty"`
}

// snapshot is the packet payload of one poll.
type snapshot struct {
	Cpu     []cpuTimes        `cbor:"1,keyasint,omitempty"`
	Meminfo map[string]uint64 `cbor:"2,keyasint,omitempty"`
}

// DataSource polls /proc/stat and /proc/meminfo on the configured cadences.
type DataSource struct {
	probes.SourceBase

	runner tracing.TaskRunner
	writer tracing.TraceWriter
	config tracing.SysStatsConfig

	// procRoot is /proc in production; tests inject a synthetic tree.
	procRoot string

	cancel context.CancelFunc
	stops  []func()
}

// NewDataSource builds a sys-stats instance.
func NewDataSource(runner tracing.TaskRunner, sessionID tracing.SessionID,
	config *tracing.SysStatsConfig, writer tracing.TraceWriter) *DataSource {
	ds := &DataSource{
		runner:   runner,
		writer:   writer,
		procRoot: "/proc",
	}
	if config != nil {
		ds.config = *config
	}
	if ds.config.StatPeriodMs == 0 {
		ds.config.StatPeriodMs = defaultPeriodMs
	}
	if ds.config.MeminfoPeriodMs == 0 {
		ds.config.MeminfoPeriodMs = defaultPeriodMs
	}
	ds.Desc = SourceDescriptor
	ds.SessionID = sessionID
	return ds
}

func (ds *DataSource) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	ds.cancel = cancel

	statPeriod := time.Duration(ds.config.StatPeriodMs) * time.Millisecond
	ds.stops = append(ds.stops, periodiccaller.Start(ctx, statPeriod, func() {
		ds.runner.PostTask(ds.snapshotStat)
	}))

	meminfoPeriod := time.Duration(ds.config.MeminfoPeriodMs) * time.Millisecond
	ds.stops = append(ds.stops, periodiccaller.Start(ctx, meminfoPeriod, func() {
		ds.runner.PostTask(ds.snapshotMeminfo)
	}))
}

func (ds *DataSource) Flush(_ tracing.FlushID, done func()) {
	ds.writer.Flush(done)
}

func (ds *DataSource) Stop() {
	if ds.cancel != nil {
		ds.cancel()
		for _, stop := range ds.stops {
			stop()
		}
		ds.cancel = nil
		ds.stops = nil
	}
	if err := ds.writer.Close(); err != nil {
		log.Debugf("sysstats writer close: %v", err)
	}
}

// ClearIncrementalState is a no-op: snapshots carry no interning.
func (ds *DataSource) ClearIncrementalState() {}

// snapshotStat emits one packet with the per-CPU time breakdown.
func (ds *DataSource) snapshotStat() {
	data, err := os.ReadFile(filepath.Join(ds.procRoot, "stat"))
	if err != nil {
		log.Errorf("Failed to read stat: %v", err)
		return
	}

	var snap snapshot
	for _, line := range strings.Split(stringutil.ByteSlice2String(data), "\n") {
		if !strings.HasPrefix(line, "cpu") || strings.HasPrefix(line, "cpu ") {
			continue
		}
		var fields [9]string
		if n := stringutil.FieldsN(line, fields[:]); n < 8 {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(fields[0], "cpu"), 10, 32)
		if err != nil {
			continue
		}
		var ticks [7]uint64
		for i := range ticks {
			ticks[i], _ = strconv.ParseUint(fields[i+1], 10, 64)
		}
		snap.Cpu = append(snap.Cpu, cpuTimes{
			CpuID: int32(id), User: ticks[0], Nice: ticks[1],
			System: ticks[2], Idle: ticks[3], IoWait: ticks[4],
			Irq: ticks[5], SoftIrq: ticks[6],
		})
	}
	ds.writeSnapshot(&snap)
}

// snapshotMeminfo emits one packet with the advertised meminfo counters in
// kilobytes.
func (ds *DataSource) snapshotMeminfo() {
	data, err := os.ReadFile(filepath.Join(ds.procRoot, "meminfo"))
	if err != nil {
		log.Errorf("Failed to read meminfo: %v", err)
		return
	}

	wanted := make(map[string]struct{}, len(meminfoCounters))
	for _, c := range meminfoCounters {
		wanted[c] = struct{}{}
	}

	snap := snapshot{Meminfo: make(map[string]uint64)}
	for _, line := range strings.Split(stringutil.ByteSlice2String(data), "\n") {
		key, rest, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if _, want := wanted[key]; !want {
			continue
		}
		var fields [3]string
		if n := stringutil.FieldsN(rest, fields[:]); n < 1 {
			continue
		}
		if v, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			snap.Meminfo[key] = v
		}
	}
	ds.writeSnapshot(&snap)
}

func (ds *DataSource) writeSnapshot(snap *snapshot) {
	payload, err := cbor.Marshal(snap)
	if err != nil {
		log.Errorf("Failed to encode sys-stats snapshot: %v", err)
		return
	}
	if err = ds.writer.WritePacket(payload); err != nil {
		log.Errorf("Failed to write sys-stats snapshot: %v", err)
	}
}
