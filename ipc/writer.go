// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package ipc // import "github.com/probekit/probed/ipc"

import (
	"fmt"

	"github.com/probekit/probed/tracing"
)

// traceWriter batches packets for one shared-memory buffer and commits
// them to the service on flush. Not safe for concurrent use; the task
// runner serialises all writes.
type traceWriter struct {
	client  *Client
	buffer  tracing.BufferID
	pending [][]byte
	closed  bool
}

var _ tracing.TraceWriter = (*traceWriter)(nil)

func (w *traceWriter) WritePacket(payload []byte) error {
	if w.closed {
		return fmt.Errorf("write on closed trace writer")
	}
	w.pending = append(w.pending, append([]byte(nil), payload...))
	return nil
}

// Flush commits the batched packets. cb fires after the commit frame has
// been handed to the transport.
func (w *traceWriter) Flush(cb func()) {
	if len(w.pending) > 0 {
		w.client.sendOrDisconnect(&frame{
			Type:    frameCommit,
			Buffer:  w.buffer,
			Packets: w.pending,
		})
		w.pending = nil
	}
	if cb != nil {
		cb()
	}
}

// Close commits whatever is still pending and marks the writer unusable.
func (w *traceWriter) Close() error {
	if w.closed {
		return nil
	}
	w.Flush(nil)
	w.closed = true
	return nil
}
