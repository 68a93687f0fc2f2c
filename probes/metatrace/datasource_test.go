// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package metatrace

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	packets [][]byte
	flushes int
	closed  bool
}

func (w *captureWriter) WritePacket(p []byte) error {
	w.packets = append(w.packets, append([]byte(nil), p...))
	return nil
}

func (w *captureWriter) Flush(cb func()) {
	w.flushes++
	if cb != nil {
		cb()
	}
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func resetRing() {
	ringMu.Lock()
	ring, dropped = nil, 0
	ringMu.Unlock()
}

func TestFlushDrainsRecordedEvents(t *testing.T) {
	resetRing()
	writer := &captureWriter{}
	ds := NewDataSource(7, writer)

	Record("flush_fanout", 42)
	Record("flush_ack", 42)

	acked := false
	ds.Flush(1, func() { acked = true })

	require.True(t, acked)
	require.Len(t, writer.packets, 1)
	assert.Equal(t, 1, writer.flushes)

	var batch eventBatch
	require.NoError(t, cbor.Unmarshal(writer.packets[0], &batch))
	require.Len(t, batch.Events, 2)
	assert.Equal(t, "flush_fanout", batch.Events[0].Name)
	assert.Equal(t, uint64(42), batch.Events[0].Arg)
	assert.Equal(t, uint64(0), batch.Dropped)

	// The ring is empty now: a second flush writes no packet.
	ds.Flush(2, func() {})
	assert.Len(t, writer.packets, 1)
}

func TestRecordDropsAboveCapacity(t *testing.T) {
	resetRing()
	for i := 0; i < ringCapacity+10; i++ {
		Record("spam", uint64(i))
	}

	events, droppedNow := drain()
	assert.Len(t, events, ringCapacity)
	assert.Equal(t, uint64(10), droppedNow)
}

func TestStopClosesWriter(t *testing.T) {
	resetRing()
	writer := &captureWriter{}
	ds := NewDataSource(7, writer)

	ds.Stop()
	assert.True(t, writer.closed)
}
