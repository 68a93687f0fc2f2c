// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probekit/probed/taskrunner"
	"github.com/probekit/probed/tracing"
)

// recordingProducer forwards every callback as a formatted event.
type recordingProducer struct {
	events chan string
}

func newRecordingProducer() *recordingProducer {
	return &recordingProducer{events: make(chan string, 64)}
}

func (p *recordingProducer) OnConnect()      { p.events <- "connect" }
func (p *recordingProducer) OnDisconnect()   { p.events <- "disconnect" }
func (p *recordingProducer) OnTracingSetup() { p.events <- "tracing_setup" }

func (p *recordingProducer) SetupDataSource(id tracing.InstanceID,
	cfg *tracing.DataSourceConfig) {
	p.events <- fmt.Sprintf("setup:%d:%s:%d", id, cfg.Name, cfg.TracingSessionID)
}

func (p *recordingProducer) StartDataSource(id tracing.InstanceID,
	cfg *tracing.DataSourceConfig) {
	p.events <- fmt.Sprintf("start:%d:%s", id, cfg.Name)
}

func (p *recordingProducer) StopDataSource(id tracing.InstanceID) {
	p.events <- fmt.Sprintf("stop:%d", id)
}

func (p *recordingProducer) Flush(id tracing.FlushID, ids []tracing.InstanceID) {
	p.events <- fmt.Sprintf("flush:%d:%v", id, ids)
}

func (p *recordingProducer) ClearIncrementalState(ids []tracing.InstanceID) {
	p.events <- fmt.Sprintf("clear:%v", ids)
}

func (p *recordingProducer) expect(t *testing.T, event string) {
	t.Helper()
	select {
	case got := <-p.events:
		require.Equal(t, event, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event %q", event)
	}
}

// fakeService accepts one producer connection and speaks the frame
// protocol from the service side.
type fakeService struct {
	listener net.Listener
	conn     net.Conn
}

func newFakeService(t *testing.T) (*fakeService, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "probed-ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	socket := filepath.Join(dir, "svc.sock")
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return &fakeService{listener: l}, socket
}

func (s *fakeService) accept(t *testing.T) {
	t.Helper()
	conn, err := s.listener.Accept()
	require.NoError(t, err)
	s.conn = conn
}

func (s *fakeService) read(t *testing.T) *frame {
	t.Helper()
	require.NoError(t, s.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	f, err := readFrame(s.conn)
	require.NoError(t, err)
	return f
}

func (s *fakeService) write(t *testing.T, f *frame) {
	t.Helper()
	require.NoError(t, writeFrame(s.conn, f))
}

func newTestClient(t *testing.T) (*Client, *recordingProducer, *fakeService) {
	t.Helper()
	service, socket := newFakeService(t)
	producer := newRecordingProducer()

	runner := taskrunner.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go runner.Run(ctx)

	endpoint, err := Connect(socket, producer, "probed.producer", runner,
		tracing.SMBScrapingDisabled, tracing.DefaultSharedMemSizeHint,
		tracing.DefaultSharedMemPageSizeHint)
	require.NoError(t, err)
	t.Cleanup(func() { endpoint.Close() })

	service.accept(t)
	hello := service.read(t)
	require.Equal(t, frameHandshake, hello.Type)
	assert.Equal(t, "probed.producer", hello.ProducerName)
	assert.Equal(t, uint64(tracing.DefaultSharedMemSizeHint), hello.ShmSizeHint)
	assert.Equal(t, uint64(tracing.DefaultSharedMemPageSizeHint),
		hello.ShmPageSizeHint)

	return endpoint.(*Client), producer, service
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := &frame{
		Type:        frameFlush,
		FlushID:     42,
		InstanceIDs: []tracing.InstanceID{1, 2},
	}
	require.NoError(t, writeFrame(&buf, in))

	out, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFrameChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, &frame{Type: frameSync, SyncID: 1}))

	raw := buf.Bytes()
	raw[5] ^= 0xff

	_, err := readFrame(bytes.NewReader(raw))
	require.ErrorContains(t, err, "checksum")
}

func TestHandshakeDeliversOnConnect(t *testing.T) {
	client, producer, service := newTestClient(t)

	service.write(t, &frame{Type: frameHandshakeAck, ShmSize: 4 * 1024 * 1024})
	producer.expect(t, "connect")
	assert.Equal(t, uint64(4*1024*1024), client.SharedMemorySize())
}

func TestServiceCallbacksAreDispatched(t *testing.T) {
	_, producer, service := newTestClient(t)
	service.write(t, &frame{Type: frameHandshakeAck})
	producer.expect(t, "connect")

	service.write(t, &frame{Type: frameTracingSetup, ShmSize: 1024})
	producer.expect(t, "tracing_setup")

	service.write(t, &frame{
		Type:       frameSetupDataSource,
		InstanceID: 7,
		Config:     &tracing.DataSourceConfig{Name: "linux.ftrace", TracingSessionID: 3},
	})
	producer.expect(t, "setup:7:linux.ftrace:3")

	service.write(t, &frame{
		Type:       frameStartDataSource,
		InstanceID: 7,
		Config:     &tracing.DataSourceConfig{Name: "linux.ftrace"},
	})
	producer.expect(t, "start:7:linux.ftrace")

	service.write(t, &frame{
		Type: frameFlush, FlushID: 42, InstanceIDs: []tracing.InstanceID{7},
	})
	producer.expect(t, "flush:42:[7]")

	service.write(t, &frame{
		Type: frameClearIncremental, InstanceIDs: []tracing.InstanceID{7},
	})
	producer.expect(t, "clear:[7]")

	service.write(t, &frame{Type: frameStopDataSource, InstanceID: 7})
	producer.expect(t, "stop:7")
}

func TestNotificationsReachService(t *testing.T) {
	client, _, service := newTestClient(t)

	client.RegisterDataSource(&tracing.DataSourceDescriptor{Name: "linux.ftrace"})
	f := service.read(t)
	require.Equal(t, frameRegisterDataSource, f.Type)
	assert.Equal(t, "linux.ftrace", f.Descriptor.Name)

	client.NotifyDataSourceStarted(7)
	f = service.read(t)
	require.Equal(t, frameNotifyStarted, f.Type)
	assert.Equal(t, tracing.InstanceID(7), f.InstanceID)

	client.NotifyFlushComplete(42)
	f = service.read(t)
	require.Equal(t, frameNotifyFlushComplete, f.Type)
	assert.Equal(t, tracing.FlushID(42), f.FlushID)

	client.ActivateTriggers([]string{"start_tracing"})
	f = service.read(t)
	require.Equal(t, frameActivateTriggers, f.Type)
	assert.Equal(t, []string{"start_tracing"}, f.Triggers)
}

func TestSyncRoundTrip(t *testing.T) {
	client, _, service := newTestClient(t)

	done := make(chan struct{})
	client.Sync(func() { close(done) })

	f := service.read(t)
	require.Equal(t, frameSync, f.Type)
	service.write(t, &frame{Type: frameSyncAck, SyncID: f.SyncID})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sync callback did not fire")
	}
}

func TestTraceWriterCommitsOnFlush(t *testing.T) {
	client, _, service := newTestClient(t)

	writer := client.CreateTraceWriter(9)
	require.NoError(t, writer.WritePacket([]byte("pkt-1")))
	require.NoError(t, writer.WritePacket([]byte("pkt-2")))

	flushed := false
	writer.Flush(func() { flushed = true })
	assert.True(t, flushed)

	f := service.read(t)
	require.Equal(t, frameCommit, f.Type)
	assert.Equal(t, tracing.BufferID(9), f.Buffer)
	assert.Equal(t, [][]byte{[]byte("pkt-1"), []byte("pkt-2")}, f.Packets)

	// An empty flush sends nothing; the next frame on the wire is the
	// close-time commit of a new packet.
	writer.Flush(nil)
	require.NoError(t, writer.WritePacket([]byte("pkt-3")))
	require.NoError(t, writer.Close())
	f = service.read(t)
	require.Equal(t, frameCommit, f.Type)
	assert.Equal(t, [][]byte{[]byte("pkt-3")}, f.Packets)

	require.Error(t, writer.WritePacket([]byte("after close")))
}

func TestServiceDisconnectIsReported(t *testing.T) {
	_, producer, service := newTestClient(t)

	service.conn.Close()
	producer.expect(t, "disconnect")
}

func TestLocalCloseSuppressesDisconnect(t *testing.T) {
	client, producer, _ := newTestClient(t)

	require.NoError(t, client.Close())

	select {
	case ev := <-producer.events:
		t.Fatalf("unexpected event %q after local close", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
