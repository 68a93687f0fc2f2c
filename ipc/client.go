// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package ipc // import "github.com/probekit/probed/ipc"

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/probekit/probed/tracing"
)

// Client implements tracing.Endpoint over a unix stream socket. Outbound
// frames are written directly (serialised by a mutex); inbound frames are
// decoded on a reader goroutine and dispatched to the producer on the task
// runner, which keeps the producer single-threaded.
type Client struct {
	producer tracing.Producer
	runner   tracing.TaskRunner

	conn    net.Conn
	writeMu sync.Mutex

	closed atomic.Bool

	// shmSize is written by the reader goroutine (handshake ack, tracing
	// setup) and read from the runner.
	shmSize atomic.Uint64

	syncMu  sync.Mutex
	syncSeq uint64
	syncCbs map[uint64]func()
}

var _ tracing.Endpoint = (*Client)(nil)

// Connect dials the service socket, sends the handshake and starts the
// reader. It satisfies tracing.ConnectFunc. OnConnect is delivered on the
// runner once the service acknowledges the handshake.
func Connect(socket string, producer tracing.Producer, name string,
	runner tracing.TaskRunner, scraping tracing.SMBScrapingMode,
	shmSizeHint, shmPageSizeHint uint64) (tracing.Endpoint, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", socket, err)
	}

	c := &Client{
		producer: producer,
		runner:   runner,
		conn:     conn,
		syncCbs:  make(map[uint64]func()),
	}

	if err = c.send(&frame{
		Type:            frameHandshake,
		ProducerName:    name,
		ScrapingMode:    scraping,
		ShmSizeHint:     shmSizeHint,
		ShmPageSizeHint: shmPageSizeHint,
	}); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) send(f *frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, f)
}

// sendOrDisconnect reports a failed write as a disconnect; the reader loop
// will also notice, but only one of the two paths dispatches.
func (c *Client) sendOrDisconnect(f *frame) {
	if err := c.send(f); err != nil {
		log.Errorf("Failed to write %d frame: %v", f.Type, err)
		c.dispatchDisconnect()
	}
}

func (c *Client) readLoop() {
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			if !c.closed.Load() {
				log.Errorf("Connection to service lost: %v", err)
				c.dispatchDisconnect()
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f *frame) {
	switch f.Type {
	case frameHandshakeAck:
		c.shmSize.Store(f.ShmSize)
		c.runner.PostTask(c.producer.OnConnect)
	case frameTracingSetup:
		if f.ShmSize != 0 {
			c.shmSize.Store(f.ShmSize)
		}
		c.runner.PostTask(c.producer.OnTracingSetup)
	case frameSetupDataSource:
		id, cfg := f.InstanceID, f.Config
		c.runner.PostTask(func() { c.producer.SetupDataSource(id, cfg) })
	case frameStartDataSource:
		id, cfg := f.InstanceID, f.Config
		c.runner.PostTask(func() { c.producer.StartDataSource(id, cfg) })
	case frameStopDataSource:
		id := f.InstanceID
		c.runner.PostTask(func() { c.producer.StopDataSource(id) })
	case frameFlush:
		flushID, ids := f.FlushID, f.InstanceIDs
		c.runner.PostTask(func() { c.producer.Flush(flushID, ids) })
	case frameClearIncremental:
		ids := f.InstanceIDs
		c.runner.PostTask(func() { c.producer.ClearIncrementalState(ids) })
	case frameSyncAck:
		c.syncMu.Lock()
		cb := c.syncCbs[f.SyncID]
		delete(c.syncCbs, f.SyncID)
		c.syncMu.Unlock()
		if cb != nil {
			c.runner.PostTask(cb)
		}
	default:
		log.Errorf("Unexpected frame type %d from service", f.Type)
	}
}

func (c *Client) dispatchDisconnect() {
	if c.closed.Swap(true) {
		return
	}
	c.conn.Close()
	c.runner.PostTask(c.producer.OnDisconnect)
}

func (c *Client) RegisterDataSource(desc *tracing.DataSourceDescriptor) {
	c.sendOrDisconnect(&frame{Type: frameRegisterDataSource, Descriptor: desc})
}

func (c *Client) CreateTraceWriter(buf tracing.BufferID) tracing.TraceWriter {
	return &traceWriter{client: c, buffer: buf}
}

func (c *Client) NotifyDataSourceStarted(id tracing.InstanceID) {
	c.sendOrDisconnect(&frame{Type: frameNotifyStarted, InstanceID: id})
}

func (c *Client) NotifyDataSourceStopped(id tracing.InstanceID) {
	c.sendOrDisconnect(&frame{Type: frameNotifyStopped, InstanceID: id})
}

func (c *Client) NotifyFlushComplete(id tracing.FlushID) {
	c.sendOrDisconnect(&frame{Type: frameNotifyFlushComplete, FlushID: id})
}

func (c *Client) ActivateTriggers(triggers []string) {
	c.sendOrDisconnect(&frame{Type: frameActivateTriggers, Triggers: triggers})
}

// Sync registers cb and round-trips an echo frame; the service answers
// after it has processed everything sent before.
func (c *Client) Sync(cb func()) {
	c.syncMu.Lock()
	c.syncSeq++
	id := c.syncSeq
	c.syncCbs[id] = cb
	c.syncMu.Unlock()

	c.sendOrDisconnect(&frame{Type: frameSync, SyncID: id})
}

// SharedMemorySize returns the arena size granted by the service in the
// handshake ack or in the latest tracing setup that carried one, or 0
// before any was granted.
func (c *Client) SharedMemorySize() uint64 {
	return c.shmSize.Load()
}

// Close shuts the connection down without delivering OnDisconnect.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}
