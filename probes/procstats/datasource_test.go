// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package procstats

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probekit/probed/tracing"
)

type inlineRunner struct{}

func (inlineRunner) PostTask(fn func())                  { fn() }
func (inlineRunner) PostDelayedTask(fn func(), _ uint32) { fn() }

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

// addFakeProcess lays out status/cmdline/stat for one pid under root.
func addFakeProcess(t *testing.T, root string, pid int32, ppid int32,
	comm string, cmdline ...string) {
	t.Helper()
	dir := filepath.Join(root, fmt.Sprint(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))

	status := fmt.Sprintf("Name:\t%s\nState:\tS (sleeping)\nPPid:\t%d\n", comm, ppid)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"),
		[]byte(status), 0o644))

	var args []byte
	for _, a := range cmdline {
		args = append(args, a...)
		args = append(args, 0)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), args, 0o644))

	stat := fmt.Sprintf("%d (%s) S %d 1 1 0 -1 0 0 0 0 0 7 3 0 0 20 0 1 0 1 1 42",
		pid, comm, ppid)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"),
		[]byte(stat), 0o644))
}

func newTestDataSource(t *testing.T, cfg *tracing.ProcessStatsConfig) (
	*DataSource, *captureWriter, string) {
	t.Helper()
	writer := &captureWriter{}
	ds := NewDataSource(inlineRunner{}, 7, cfg, writer)
	ds.procRoot = t.TempDir()
	return ds, writer, ds.procRoot
}

func decodeTrees(t *testing.T, packets [][]byte) []processInfo {
	t.Helper()
	var all []processInfo
	for _, p := range packets {
		var tree processTree
		require.NoError(t, cbor.Unmarshal(p, &tree))
		all = append(all, tree.Processes...)
	}
	return all
}

func TestOnPidsDumpsProcesses(t *testing.T) {
	ds, writer, root := newTestDataSource(t, nil)
	addFakeProcess(t, root, 100, 1, "bash", "/bin/bash", "-l")
	addFakeProcess(t, root, 101, 100, "sleep", "sleep", "60")

	ds.OnPids(map[int32]struct{}{100: {}, 101: {}})

	procs := decodeTrees(t, writer.packets)
	require.Len(t, procs, 2)
	byPid := map[int32]processInfo{}
	for _, p := range procs {
		byPid[p.Pid] = p
	}
	assert.Equal(t, "bash", byPid[100].Comm)
	assert.Equal(t, int32(1), byPid[100].Ppid)
	assert.Equal(t, []string{"/bin/bash", "-l"}, byPid[100].Cmdline)
	assert.Equal(t, "sleep", byPid[101].Comm)
}

func TestOnPidsInternsAcrossCalls(t *testing.T) {
	ds, writer, root := newTestDataSource(t, nil)
	addFakeProcess(t, root, 100, 1, "bash")

	ds.OnPids(map[int32]struct{}{100: {}})
	ds.OnPids(map[int32]struct{}{100: {}})

	assert.Len(t, writer.packets, 1)
}

func TestOnRenamePidsRedumps(t *testing.T) {
	ds, writer, root := newTestDataSource(t, nil)
	addFakeProcess(t, root, 100, 1, "bash")

	ds.OnPids(map[int32]struct{}{100: {}})
	require.Len(t, writer.packets, 1)

	addFakeProcess(t, root, 100, 1, "zsh")
	ds.OnRenamePids(map[int32]struct{}{100: {}})

	procs := decodeTrees(t, writer.packets[1:])
	require.Len(t, procs, 1)
	assert.Equal(t, "zsh", procs[0].Comm)

	// A subsequent seen-pid broadcast is interned again.
	ds.OnPids(map[int32]struct{}{100: {}})
	assert.Len(t, writer.packets, 2)
}

func TestClearIncrementalStateRewindsInterning(t *testing.T) {
	ds, writer, root := newTestDataSource(t, nil)
	addFakeProcess(t, root, 100, 1, "bash")

	ds.OnPids(map[int32]struct{}{100: {}})
	ds.ClearIncrementalState()
	ds.OnPids(map[int32]struct{}{100: {}})

	assert.Len(t, writer.packets, 2)
}

func TestOnPidsSkipsVanishedProcesses(t *testing.T) {
	ds, writer, _ := newTestDataSource(t, nil)

	ds.OnPids(map[int32]struct{}{4242: {}})

	assert.Empty(t, writer.packets)
	// The vanished pid was not interned; it would be dumped if it showed
	// up again.
	ds.ClearIncrementalState()
}

func TestScanAllProcessesOnStart(t *testing.T) {
	cfg := &tracing.ProcessStatsConfig{ScanAllProcessesOnStart: true}
	ds, writer, root := newTestDataSource(t, cfg)
	addFakeProcess(t, root, 100, 1, "bash")
	addFakeProcess(t, root, 101, 100, "sleep")
	// Non-numeric entries are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys"), 0o755))

	ds.Start()
	defer ds.Stop()

	procs := decodeTrees(t, writer.packets)
	assert.Len(t, procs, 2)
}

func TestPollCountersEmitsStatSamples(t *testing.T) {
	ds, writer, root := newTestDataSource(t, nil)
	addFakeProcess(t, root, 100, 1, "bash")
	ds.OnPids(map[int32]struct{}{100: {}})
	writer.packets = nil

	ds.pollCounters()

	require.Len(t, writer.packets, 1)
	var counters processCounters
	require.NoError(t, cbor.Unmarshal(writer.packets[0], &counters))
	assert.Equal(t, int32(100), counters.Pid)
	assert.Equal(t, uint64(10), counters.CpuTicks)
	assert.Equal(t, uint64(42), counters.RssPages)
}

func TestOnDemandDumpsFlag(t *testing.T) {
	ds, _, _ := newTestDataSource(t, nil)
	assert.True(t, ds.OnDemandDumpsEnabled())

	disabled, _, _ := newTestDataSource(t,
		&tracing.ProcessStatsConfig{DisableOnDemandDumps: true})
	assert.False(t, disabled.OnDemandDumpsEnabled())
}

func TestFlushCommitsWriter(t *testing.T) {
	ds, writer, _ := newTestDataSource(t, nil)

	acked := false
	ds.Flush(1, func() { acked = true })

	assert.True(t, acked)
	assert.Equal(t, 1, writer.flushes)
}
