// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package procstats emits process-tree packets scraped from /proc. Besides
// an optional full scan on start and a periodic counter poll, the source
// dumps processes on demand when the ftrace metadata broadcast reports
// newly seen or renamed pids.
package procstats // import "github.com/probekit/probed/probes/procstats"

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

// SourceDescriptor is the process-constant descriptor of the process-stats
// kind.
var SourceDescriptor = &probes.Descriptor{
	Name:  "linux.process_stats",
	Flags: probes.FlagHandlesIncrementalState,
}

// processInfo is one entry of a process-tree packet.
type processInfo struct {
	Pid     int32    `cbor:"1,keyasint"`
	Ppid    int32    `cbor:"2,keyasint,omitempty"`
	Comm    string   `cbor:"3,keyasint,omitempty"`
	Cmdline []string `cbor:"4,keyasint,omitempty"`
}

// processTree is the packet payload for a batch of dumped processes.
type processTree struct {
	Processes []processInfo `cbor:"1,keyasint"`
}

// processCounters is the packet payload of one periodic counter poll.
type processCounters struct {
	Pid      int32  `cbor:"1,keyasint"`
	CpuTicks uint64 `cbor:"2,keyasint,omitempty"`
	RssPages uint64 `cbor:"3,keyasint,omitempty"`
}

// DataSource scrapes /proc. All methods run on the task runner; the
// periodic poll posts itself back onto it.
type DataSource struct {
	probes.SourceBase

	runner tracing.TaskRunner
	writer tracing.TraceWriter
	config tracing.ProcessStatsConfig

	// procRoot is /proc in production; tests inject a synthetic tree.
	procRoot string

	// dumpedPids interns the pids already written this session. Rewound on
	// ClearIncrementalState.
	dumpedPids map[int32]struct{}

	pollCancel context.CancelFunc
	pollStop   func()
}

// NewDataSource builds a process-stats instance.
func NewDataSource(runner tracing.TaskRunner, sessionID tracing.SessionID,
	config *tracing.ProcessStatsConfig, writer tracing.TraceWriter) *DataSource {
	ds := &DataSource{
		runner:     runner,
		writer:     writer,
		procRoot:   "/proc",
		dumpedPids: make(map[int32]struct{}),
	}
	if config != nil {
		ds.config = *config
	}
	ds.Desc = SourceDescriptor
	ds.SessionID = sessionID
	return ds
}

// OnDemandDumpsEnabled reports whether the instance consumes the pid
// metadata broadcast.
func (ds *DataSource) OnDemandDumpsEnabled() bool {
	return !ds.config.DisableOnDemandDumps
}

func (ds *DataSource) Start() {
	if ds.config.ScanAllProcessesOnStart {
		ds.WriteAllProcesses()
	}
	if ds.config.ProcStatsPollMs > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		ds.pollCancel = cancel
		interval := time.Duration(ds.config.ProcStatsPollMs) * time.Millisecond
		ds.pollStop = periodiccaller.Start(ctx, interval, func() {
			ds.runner.PostTask(ds.pollCounters)
		})
	}
}

// OnPids dumps every pid of the set that has not been written yet this
// session.
func (ds *DataSource) OnPids(pids map[int32]struct{}) {
	var batch []processInfo
	for pid := range pids {
		if _, done := ds.dumpedPids[pid]; done {
			continue
		}
		info, err := ds.scrapeProcess(pid)
		if err != nil {
			// The process may be gone already; nothing to record.
			log.Debugf("Failed to scrape pid %d: %v", pid, err)
			continue
		}
		ds.dumpedPids[pid] = struct{}{}
		batch = append(batch, info)
	}
	ds.writeTree(batch)
}

// OnRenamePids invalidates and re-dumps the given pids so the new command
// line is recorded. The broadcast delivers renames before the seen set, so
// the OnPids call that follows finds the re-dumped pids interned and does
// not dump them a second time.
func (ds *DataSource) OnRenamePids(pids map[int32]struct{}) {
	for pid := range pids {
		delete(ds.dumpedPids, pid)
	}
	ds.OnPids(pids)
}

// WriteAllProcesses dumps every process currently visible in /proc.
func (ds *DataSource) WriteAllProcesses() {
	entries, err := os.ReadDir(ds.procRoot)
	if err != nil {
		log.Errorf("Failed to list %s: %v", ds.procRoot, err)
		return
	}
	pids := make(map[int32]struct{}, len(entries))
	for _, e := range entries {
		pid, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		pids[int32(pid)] = struct{}{}
	}
	ds.OnPids(pids)
}

func (ds *DataSource) Flush(_ tracing.FlushID, done func()) {
	ds.writer.Flush(done)
}

func (ds *DataSource) Stop() {
	if ds.pollCancel != nil {
		ds.pollCancel()
		ds.pollStop()
		ds.pollCancel = nil
	}
	if err := ds.writer.Close(); err != nil {
		log.Debugf("procstats writer close: %v", err)
	}
}

// ClearIncrementalState rewinds the interning cache; subsequent OnPids
// calls re-dump everything.
func (ds *DataSource) ClearIncrementalState() {
	ds.dumpedPids = make(map[int32]struct{})
}

func (ds *DataSource) writeTree(batch []processInfo) {
	if len(batch) == 0 {
		return
	}
	payload, err := cbor.Marshal(&processTree{Processes: batch})
	if err != nil {
		log.Errorf("Failed to encode process tree: %v", err)
		return
	}
	if err = ds.writer.WritePacket(payload); err != nil {
		log.Errorf("Failed to write process tree: %v", err)
	}
}

// scrapeProcess reads status and cmdline of one pid.
func (ds *DataSource) scrapeProcess(pid int32) (processInfo, error) {
	dir := filepath.Join(ds.procRoot, strconv.Itoa(int(pid)))

	status, err := os.ReadFile(filepath.Join(dir, "status"))
	if err != nil {
		return processInfo{}, err
	}
	info := processInfo{Pid: pid}
	for _, line := range strings.Split(stringutil.ByteSlice2String(status), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Name":
			info.Comm = value
		case "PPid":
			ppid, err := strconv.ParseInt(value, 10, 32)
			if err == nil {
				info.Ppid = int32(ppid)
			}
		}
	}

	// cmdline is NUL-separated and may be empty for kernel threads.
	if cmdline, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil {
		for _, arg := range strings.Split(string(cmdline), "\x00") {
			if arg != "" {
				info.Cmdline = append(info.Cmdline, arg)
			}
		}
	}

	return info, nil
}

// pollCounters emits one counters packet per interned pid. Runs on the task
// runner.
func (ds *DataSource) pollCounters() {
	for pid := range ds.dumpedPids {
		stat, err := os.ReadFile(
			filepath.Join(ds.procRoot, strconv.Itoa(int(pid)), "stat"))
		if err != nil {
			continue
		}
		var fields [25]string
		if n := stringutil.FieldsN(stringutil.ByteSlice2String(stat), fields[:]); n < 24 {
			continue
		}
		utime, err1 := strconv.ParseUint(fields[13], 10, 64)
		stime, err2 := strconv.ParseUint(fields[14], 10, 64)
		rss, err3 := strconv.ParseUint(fields[23], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		payload, err := cbor.Marshal(&processCounters{
			Pid:      pid,
			CpuTicks: utime + stime,
			RssPages: rss,
		})
		if err != nil {
			continue
		}
		if err = ds.writer.WritePacket(payload); err != nil {
			log.Errorf("Failed to write process counters: %v", err)
			return
		}
	}
}
