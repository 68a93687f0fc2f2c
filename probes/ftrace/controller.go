// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package ftrace drives the kernel tracefs interface. The Controller owns
// the per-CPU pipe readers and multiplexes drained events into the ftrace
// data sources of all live tracing sessions; one Controller exists per
// producer and is created lazily on the first ftrace instance request.
package ftrace // import "github.com/probekit/probed/probes/ftrace"

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"
	"github.com/tklauser/numcpus"
	"golang.org/x/sys/unix"

	"github.com/probekit/probed/periodiccaller"
	"github.com/probekit/probed/tracing"
)

const (
	// ControllerFlushTimeoutMs bounds the time a manual drain may spend
	// reading the per-CPU pipes. The producer's flush deadline must stay
	// above this.
	ControllerFlushTimeoutMs = 500

	defaultDrainPeriodMs = 100

	readBufSize = 64 * 1024
)

// tracefsRoots are probed in order; the debugfs mount is the fallback on
// older kernels.
var tracefsRoots = []string{"/sys/kernel/tracing", "/sys/kernel/debug/tracing"}

// Observer is notified after each batch of drained events has been written
// into the data-source buffers.
type Observer interface {
	OnFtraceDataWrittenIntoDataSourceBuffers()
}

// eventBundle is the packet payload for one drained batch from one CPU.
type eventBundle struct {
	Cpu   uint32   `cbor:"1,keyasint"`
	Lines []string `cbor:"2,keyasint"`
}

// Controller multiplexes tracefs between all ftrace data sources. All
// methods except the internal drain cadence run on the task runner.
type Controller struct {
	root     string
	runner   tracing.TaskRunner
	observer Observer

	dataSources map[*DataSource]struct{}
	readers     []*cpuReader

	drainPeriod  time.Duration
	drainTrigger chan bool
	stopDrain    func()
	drainCancel  context.CancelFunc
}

// Create probes the canonical tracefs mount points and returns a controller
// on the first one that is usable. Failure is expected on restricted
// systems; the caller treats it as sticky.
func Create(runner tracing.TaskRunner, observer Observer) (*Controller, error) {
	for _, root := range tracefsRoots {
		if _, err := os.Stat(filepath.Join(root, "trace")); err != nil {
			continue
		}
		c, err := CreateWithRoot(root, runner, observer)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("no usable tracefs mount found")
}

// CreateWithRoot builds a controller on an explicit tracefs root. Tests use
// it with a synthetic directory tree.
func CreateWithRoot(root string, runner tracing.TaskRunner,
	observer Observer) (*Controller, error) {
	numCPUs, err := numcpus.GetPresent()
	if err != nil {
		return nil, fmt.Errorf("failed to determine CPU count: %w", err)
	}

	readers := make([]*cpuReader, 0, numCPUs)
	for cpu := 0; cpu < numCPUs; cpu++ {
		r, err := newCpuReader(root, cpu)
		if err != nil {
			for _, open := range readers {
				open.close()
			}
			return nil, fmt.Errorf("failed to open per-cpu pipe: %w", err)
		}
		readers = append(readers, r)
	}

	return &Controller{
		root:         root,
		runner:       runner,
		observer:     observer,
		dataSources:  make(map[*DataSource]struct{}),
		readers:      readers,
		drainPeriod:  defaultDrainPeriodMs * time.Millisecond,
		drainTrigger: make(chan bool, 1),
	}, nil
}

// DisableAllEvents turns off every ftrace event. Called once after
// creation so a previous tracer's state does not leak into ours.
func (c *Controller) DisableAllEvents() {
	if err := c.writeFile("events/enable", "0"); err != nil {
		log.Debugf("Failed to disable ftrace events: %v", err)
	}
}

// ClearTrace empties the kernel ring buffer.
func (c *Controller) ClearTrace() {
	if err := c.writeFile("trace", ""); err != nil {
		log.Debugf("Failed to clear trace buffer: %v", err)
	}
}

// AddDataSource registers a data source with the controller and enables the
// events its config names. The drain cadence starts with the first source.
func (c *Controller) AddDataSource(ds *DataSource) error {
	if _, dup := c.dataSources[ds]; dup {
		return fmt.Errorf("data source added twice")
	}
	c.dataSources[ds] = struct{}{}

	for _, event := range ds.config.Events {
		if err := c.writeFile(filepath.Join("events", event, "enable"), "1"); err != nil {
			log.Infof("Failed to enable ftrace event %s: %v", event, err)
		}
	}
	if ds.config.DrainPeriodMs != 0 {
		c.drainPeriod = time.Duration(ds.config.DrainPeriodMs) * time.Millisecond
	}

	if len(c.dataSources) == 1 {
		c.startDrain()
	}
	return nil
}

// RemoveDataSource unregisters a data source. The events it enabled are
// turned off and the drain cadence stops with the last source.
func (c *Controller) RemoveDataSource(ds *DataSource) {
	if _, ok := c.dataSources[ds]; !ok {
		return
	}
	delete(c.dataSources, ds)

	for _, event := range ds.config.Events {
		if err := c.writeFile(filepath.Join("events", event, "enable"), "0"); err != nil {
			log.Debugf("Failed to disable ftrace event %s: %v", event, err)
		}
	}

	if len(c.dataSources) == 0 {
		c.stopDrainLoop()
	}
}

// Flush synchronously drains whatever the per-CPU pipes currently hold and
// invokes done. Runs on the task runner.
func (c *Controller) Flush(done func()) {
	c.process(c.readAll())
	done()
}

// Close releases the per-CPU readers. All data sources must have been
// removed first; the producer guarantees this by destroying instances
// before the controller.
func (c *Controller) Close() {
	if len(c.dataSources) != 0 {
		panic("ftrace controller closed with live data sources")
	}
	c.stopDrainLoop()
	for _, r := range c.readers {
		r.close()
	}
	c.readers = nil
}

func (c *Controller) startDrain() {
	ctx, cancel := context.WithCancel(context.Background())
	c.drainCancel = cancel
	c.stopDrain = periodiccaller.StartWithManualTrigger(ctx, c.drainPeriod,
		c.drainTrigger, func(bool) { c.drainAsync() })
}

func (c *Controller) stopDrainLoop() {
	if c.drainCancel != nil {
		c.drainCancel()
		c.stopDrain()
		c.drainCancel = nil
		c.stopDrain = nil
	}
}

// drainAsync runs on the cadence goroutine: it only touches the pipes and
// posts the buffer writes onto the task runner.
func (c *Controller) drainAsync() {
	batches := c.readAll()
	if len(batches) == 0 {
		return
	}
	c.runner.PostTask(func() { c.process(batches) })
}

type cpuBatch struct {
	cpu   int
	lines []string
}

// readAll performs one non-blocking sweep over all per-CPU pipes, bounded
// by the controller flush timeout.
func (c *Controller) readAll() []cpuBatch {
	deadline := time.Now().Add(ControllerFlushTimeoutMs * time.Millisecond)
	var batches []cpuBatch
	for _, r := range c.readers {
		if time.Now().After(deadline) {
			log.Errorf("ftrace drain exceeded %d ms, dropping remaining CPUs",
				ControllerFlushTimeoutMs)
			break
		}
		if lines := r.readAvailable(); len(lines) > 0 {
			batches = append(batches, cpuBatch{cpu: r.cpu, lines: lines})
		}
	}
	return batches
}

// process writes the drained batches into every started data source,
// harvests metadata from the decoded events and fires the observer. Runs on
// the task runner.
func (c *Controller) process(batches []cpuBatch) {
	if len(batches) == 0 {
		return
	}
	for _, batch := range batches {
		payload, err := cbor.Marshal(&eventBundle{
			Cpu:   uint32(batch.cpu),
			Lines: batch.lines,
		})
		if err != nil {
			log.Errorf("Failed to encode ftrace bundle: %v", err)
			continue
		}

		for ds := range c.dataSources {
			if !ds.Started {
				continue
			}
			if err := ds.writer.WritePacket(payload); err != nil {
				log.Errorf("Failed to write ftrace bundle: %v", err)
			}
			for _, line := range batch.lines {
				if ev, ok := parseEventLine(line); ok {
					harvestMetadata(&ds.metadata, ev)
				}
			}
		}
	}
	c.observer.OnFtraceDataWrittenIntoDataSourceBuffers()
}

func (c *Controller) writeFile(rel, content string) error {
	return os.WriteFile(filepath.Join(c.root, rel), []byte(content), 0o644)
}

// cpuReader wraps one per-CPU trace pipe opened in non-blocking mode.
type cpuReader struct {
	cpu     int
	file    *os.File
	buf     []byte
	pending []byte
}

func newCpuReader(root string, cpu int) (*cpuReader, error) {
	path := filepath.Join(root, "per_cpu", fmt.Sprintf("cpu%d", cpu), "trace_pipe")
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	if err = unix.SetNonblock(int(f.Fd()), true); err != nil {
		f.Close()
		return nil, err
	}
	return &cpuReader{cpu: cpu, file: f, buf: make([]byte, readBufSize)}, nil
}

// readAvailable returns the complete lines currently buffered in the pipe.
// A trailing partial line is kept for the next sweep.
func (r *cpuReader) readAvailable() []string {
	if r.file == nil {
		return nil
	}
	n, err := r.file.Read(r.buf)
	if n <= 0 {
		if err != nil && !isWouldBlock(err) {
			log.Debugf("cpu%d pipe read: %v", r.cpu, err)
		}
		return nil
	}

	data := append(r.pending, r.buf[:n]...)
	var lines []string
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			if i > start {
				lines = append(lines, string(data[start:i]))
			}
			start = i + 1
		}
	}
	r.pending = append(r.pending[:0], data[start:]...)
	return lines
}

func (r *cpuReader) close() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func isWouldBlock(err error) bool {
	for {
		if errno, ok := err.(unix.Errno); ok {
			return errno == unix.EAGAIN
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
}
