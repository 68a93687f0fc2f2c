// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package watchdog

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestWatchdog returns a watchdog whose abort hook increments a counter
// instead of raising SIGABRT.
func newTestWatchdog(pollingIntervalMs uint32) (*Watchdog, *int) {
	w := New(pollingIntervalMs)
	aborts := 0
	w.abort = func() { aborts++ }
	return w, &aborts
}

func TestMemoryLimitAbortsOnWindowedMean(t *testing.T) {
	w, aborts := newTestWatchdog(1)
	w.SetMemoryLimit(100, 4)

	// The ring spans the 4ms window at 1ms cadence, so it fills on the
	// fourth sample: mean 112.5 > 100.
	for _, rss := range []uint64{50, 80, 120} {
		w.checkMemory(rss)
		assert.Equal(t, 0, *aborts)
	}
	w.checkMemory(200)
	assert.Equal(t, 1, *aborts)
}

func TestMemoryLimitNotExceeded(t *testing.T) {
	w, aborts := newTestWatchdog(1)
	w.SetMemoryLimit(100, 4)

	for _, rss := range []uint64{50, 80, 90, 100, 100, 100} {
		w.checkMemory(rss)
	}
	assert.Equal(t, 0, *aborts)
}

func TestMemoryLimitZeroDisablesCheck(t *testing.T) {
	w, aborts := newTestWatchdog(1)
	w.SetMemoryLimit(0, 0)

	for i := 0; i < 10; i++ {
		w.checkMemory(1 << 40)
	}
	assert.Equal(t, 0, *aborts)
}

func TestCpuLimitAbortsOnWindowedUsage(t *testing.T) {
	w, aborts := newTestWatchdog(1000)
	w.SetCpuLimit(50, 4000)

	// Cumulative tick samples. The full ring spans 3 polling intervals of
	// wall clock; burn twice that much CPU to clearly exceed 50%.
	ticks := uint64(clockTicksPerSecond())
	for i, cpu := range []uint64{0, ticks, 2 * ticks, 6 * ticks} {
		w.checkCpu(cpu)
		if i < 3 {
			assert.Equal(t, 0, *aborts, "sample %d", i)
		}
	}
	assert.Equal(t, 1, *aborts)
}

func TestCpuLimitIdleProcessDoesNotAbort(t *testing.T) {
	w, aborts := newTestWatchdog(1000)
	w.SetCpuLimit(50, 4000)

	for i := 0; i < 10; i++ {
		w.checkCpu(42)
	}
	assert.Equal(t, 0, *aborts)
}

func TestWindowMustBeMultipleOfPollingInterval(t *testing.T) {
	w, _ := newTestWatchdog(30)

	assert.Panics(t, func() { w.SetMemoryLimit(1024, 45) })
	assert.Panics(t, func() { w.SetCpuLimit(10, 45) })
	// Zero limits accept any window.
	assert.NotPanics(t, func() { w.SetMemoryLimit(0, 45) })
	assert.NotPanics(t, func() { w.SetCpuLimit(0, 45) })
}

func TestCpuLimitPercentageRange(t *testing.T) {
	w, _ := newTestWatchdog(30)
	assert.Panics(t, func() { w.SetCpuLimit(101, 30) })
}

func TestParseSelfStat(t *testing.T) {
	stat := "1234 (probed) S 1 1234 1234 0 -1 4194560 1425 0 0 0 " +
		"171 92 0 0 20 0 11 0 4567 179806208 2801 18446744073709551615 " +
		"1 1 0 0 0 0 0 4096 0 0 0 0 17 3 0 0 0 0 0"

	cpuTicks, rssBytes, err := parseSelfStat(stat)
	require.NoError(t, err)
	assert.Equal(t, uint64(171+92), cpuTicks)
	assert.Equal(t, uint64(2801)*uint64(os.Getpagesize()), rssBytes)
}

func TestParseSelfStatShortLine(t *testing.T) {
	_, _, err := parseSelfStat("1234 (probed) S 1")
	require.Error(t, err)
}

func TestWorkerSamplesInjectedStatFile(t *testing.T) {
	statPath := filepath.Join(t.TempDir(), "stat")
	// RSS of 1<<30 pages guarantees the 1-byte limit is exceeded as soon
	// as the window fills.
	line := fmt.Sprintf("1 (x) S 1 1 1 0 -1 0 0 0 0 0 5 5 0 0 20 0 1 0 1 1 %d", 1<<30)
	require.NoError(t, os.WriteFile(statPath, []byte(line), 0o600))

	w := New(1)
	w.statPath = statPath
	aborted := make(chan struct{})
	w.abort = func() {
		select {
		case <-aborted:
		default:
			close(aborted)
		}
	}
	w.SetMemoryLimit(1, 2)
	w.Start()
	defer w.Stop()

	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not trigger on injected stat file")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	w, _ := newTestWatchdog(1000)
	w.statPath = "/proc/self/stat"
	w.Start()
	w.Start()
	w.Stop()
	w.Stop()
}

func TestFatalTimerFires(t *testing.T) {
	w := New(1000)
	fired := make(chan struct{})
	w.abort = func() { close(fired) }

	ft := w.CreateFatalTimer(5, "stop deadline")
	defer ft.Destroy()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("fatal timer did not fire")
	}
}

func TestFatalTimerDestroyDisarms(t *testing.T) {
	w, aborts := newTestWatchdog(1000)

	ft := w.CreateFatalTimer(20, "start deadline")
	ft.Destroy()
	// Destroy is idempotent and nil-safe.
	ft.Destroy()
	(*FatalTimer)(nil).Destroy()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, *aborts)
}
