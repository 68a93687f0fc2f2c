// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package sysstats

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inlineRunner struct{}

func (inlineRunner) PostTask(fn func())                  { fn() }
func (inlineRunner) PostDelayedTask(fn func(), _ uint32) { fn() }

// captureWriter is locked because the poll cadence posts through the
// inline runner on a ticker goroutine.
type captureWriter struct {
	mu      sync.Mutex
	packets [][]byte
	flushes int
	closed  bool
}

func (w *captureWriter) WritePacket(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.packets = append(w.packets, append([]byte(nil), p...))
	return nil
}

func (w *captureWriter) Flush(cb func()) {
	w.mu.Lock()
	w.flushes++
	w.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (w *captureWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *captureWriter) packetCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.packets)
}

const fakeStat = `cpu  100 2 30 4000 50 6 7 0 0 0
cpu0 60 1 20 2000 30 4 5 0 0 0
cpu1 40 1 10 2000 20 2 2 0 0 0
intr 12345
ctxt 6789
`

const fakeMeminfo = `MemTotal:       16315648 kB
MemFree:         4196096 kB
MemAvailable:   10817324 kB
Buffers:          524288 kB
VmallocTotal:   34359738367 kB
`

func newTestDataSource(t *testing.T) (*DataSource, *captureWriter) {
	t.Helper()
	writer := &captureWriter{}
	ds := NewDataSource(inlineRunner{}, 5, nil, writer)
	ds.procRoot = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ds.procRoot, "stat"),
		[]byte(fakeStat), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ds.procRoot, "meminfo"),
		[]byte(fakeMeminfo), 0o644))
	return ds, writer
}

func TestSnapshotStatParsesPerCpuLines(t *testing.T) {
	ds, writer := newTestDataSource(t)

	ds.snapshotStat()

	require.Len(t, writer.packets, 1)
	var snap snapshot
	require.NoError(t, cbor.Unmarshal(writer.packets[0], &snap))
	require.Len(t, snap.Cpu, 2)

	assert.Equal(t, int32(0), snap.Cpu[0].CpuID)
	assert.Equal(t, uint64(60), snap.Cpu[0].User)
	assert.Equal(t, uint64(20), snap.Cpu[0].System)
	assert.Equal(t, uint64(2000), snap.Cpu[0].Idle)
	assert.Equal(t, int32(1), snap.Cpu[1].CpuID)
}

func TestSnapshotMeminfoFiltersCounters(t *testing.T) {
	ds, writer := newTestDataSource(t)

	ds.snapshotMeminfo()

	require.Len(t, writer.packets, 1)
	var snap snapshot
	require.NoError(t, cbor.Unmarshal(writer.packets[0], &snap))

	assert.Equal(t, uint64(16315648), snap.Meminfo["MemTotal"])
	assert.Equal(t, uint64(4196096), snap.Meminfo["MemFree"])
	// Not in the advertised counter set.
	assert.NotContains(t, snap.Meminfo, "VmallocTotal")
}

func TestStartStopPolls(t *testing.T) {
	ds, writer := newTestDataSource(t)
	ds.config.StatPeriodMs = 1
	ds.config.MeminfoPeriodMs = 1

	ds.Start()
	require.Eventually(t, func() bool { return writer.packetCount() >= 2 },
		5*time.Second, time.Millisecond)
	ds.Stop()
	assert.True(t, writer.closed)
}

func TestFlushCommitsWriter(t *testing.T) {
	ds, writer := newTestDataSource(t)

	acked := false
	ds.Flush(1, func() { acked = true })

	assert.True(t, acked)
	assert.Equal(t, 1, writer.flushes)
}
