// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc implements the producer side of the wire protocol towards
// the tracing service: a unix stream socket carrying length-prefixed CBOR
// frames with an xxh3 checksum trailer.
package ipc // import "github.com/probekit/probed/ipc"

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/xxh3"

	"github.com/probekit/probed/tracing"
)

// frameType discriminates the messages of the protocol.
type frameType uint32

const (
	// Producer to service.
	frameHandshake frameType = iota + 1
	frameRegisterDataSource
	frameNotifyStarted
	frameNotifyStopped
	frameNotifyFlushComplete
	frameActivateTriggers
	frameSync
	frameCommit

	// Service to producer.
	frameHandshakeAck
	frameTracingSetup
	frameSetupDataSource
	frameStartDataSource
	frameStopDataSource
	frameFlush
	frameClearIncremental
	frameSyncAck
)

// maxFrameSize caps a single frame; anything larger indicates a corrupted
// stream.
const maxFrameSize = 16 * 1024 * 1024

// frame is the single message shape of the protocol; which fields are
// meaningful depends on Type.
type frame struct {
	Type frameType `cbor:"1,keyasint"`

	// Handshake.
	ProducerName    string                  `cbor:"2,keyasint,omitempty"`
	ScrapingMode    tracing.SMBScrapingMode `cbor:"3,keyasint,omitempty"`
	ShmSizeHint     uint64                  `cbor:"4,keyasint,omitempty"`
	ShmPageSizeHint uint64                  `cbor:"5,keyasint,omitempty"`

	// Handshake ack and tracing setup.
	ShmSize uint64 `cbor:"6,keyasint,omitempty"`

	// Registration.
	Descriptor *tracing.DataSourceDescriptor `cbor:"7,keyasint,omitempty"`

	// Data-source lifecycle.
	InstanceID  tracing.InstanceID        `cbor:"8,keyasint,omitempty"`
	InstanceIDs []tracing.InstanceID      `cbor:"9,keyasint,omitempty"`
	Config      *tracing.DataSourceConfig `cbor:"10,keyasint,omitempty"`

	// Flush.
	FlushID tracing.FlushID `cbor:"11,keyasint,omitempty"`

	// Triggers.
	Triggers []string `cbor:"12,keyasint,omitempty"`

	// Sync round trips.
	SyncID uint64 `cbor:"13,keyasint,omitempty"`

	// Packet commit.
	Buffer  tracing.BufferID `cbor:"14,keyasint,omitempty"`
	Packets [][]byte         `cbor:"15,keyasint,omitempty"`
}

// writeFrame encodes f as: 4-byte little-endian payload length, the CBOR
// payload, and an 8-byte xxh3 checksum of the payload.
func writeFrame(w io.Writer, f *frame) error {
	payload, err := cbor.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], xxh3.Hash(payload))

	if _, err = w.Write(header[:]); err != nil {
		return err
	}
	if _, err = w.Write(payload); err != nil {
		return err
	}
	_, err = w.Write(trailer[:])
	return err
}

// readFrame reads and verifies one frame.
func readFrame(r io.Reader) (*frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("oversized frame: %d bytes", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var trailer [8]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return nil, err
	}
	if got, want := xxh3.Hash(payload), binary.LittleEndian.Uint64(trailer[:]); got != want {
		return nil, fmt.Errorf("frame checksum mismatch")
	}

	f := &frame{}
	if err := cbor.Unmarshal(payload, f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return f, nil
}
