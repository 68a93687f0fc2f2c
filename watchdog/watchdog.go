// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog guards the producer against runaway resource usage. A
// background worker samples the process's own CPU time and resident memory
// from /proc/self/stat and aborts the process when a sliding-window limit is
// exceeded. The package also provides one-shot fatal timers used to bound
// the duration of individual trace operations.
//
// A resource-limit violation has no safe recovery path, so the only effect
// the watchdog ever has on the rest of the program is SIGABRT.
package watchdog // import "github.com/probekit/probed/watchdog"

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tklauser/go-sysconf"
	"golang.org/x/sys/unix"

	"github.com/probekit/probed/stringutil"
)

const (
	// DefaultPollingInterval is the sampling cadence of the worker.
	DefaultPollingInterval = 30 * 1000 // ms

	// DefaultMemorySlack is added on top of the shared-memory arena size
	// when the producer programs its memory limit on tracing setup.
	DefaultMemorySlack = 32 * 1024 * 1024 // bytes

	// DefaultMemoryWindow is the window over which the memory limit
	// programmed on tracing setup is evaluated.
	DefaultMemoryWindow = 30 * 1000 // ms
)

var (
	instance     *Watchdog
	instanceOnce sync.Once
)

// Watchdog samples /proc/self/stat on a background goroutine and raises
// SIGABRT when the windowed CPU or memory usage exceeds its limits. Limits
// may be (re)programmed at any time; a zero limit disables that check.
type Watchdog struct {
	mu   sync.Mutex
	quit chan struct{}

	pollingIntervalMs uint32
	running           bool

	memoryWindow     windowedRing
	memoryLimitBytes uint64

	cpuWindow   windowedRing
	cpuLimitPct uint32

	// Test seams. statPath defaults to /proc/self/stat, abort to raising
	// SIGABRT against the own process.
	statPath string
	abort    func()
}

// GetInstance returns the process-wide watchdog, creating it with the
// default polling interval on first use.
func GetInstance() *Watchdog {
	instanceOnce.Do(func() {
		instance = New(DefaultPollingInterval)
	})
	return instance
}

// New creates a watchdog with the given polling interval in milliseconds.
// The daemon's main builds its watchdog with New from the configured
// interval; tests use it to run with a short cadence.
func New(pollingIntervalMs uint32) *Watchdog {
	return &Watchdog{
		pollingIntervalMs: pollingIntervalMs,
		statPath:          "/proc/self/stat",
		abort: func() {
			_ = unix.Kill(os.Getpid(), unix.SIGABRT)
		},
	}
}

// Start launches the worker goroutine. Starting is idempotent and only has
// an effect on Linux and Android; elsewhere the watchdog stays inert and
// limit setters are accepted but never enforced.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	if runtime.GOOS != "linux" && runtime.GOOS != "android" {
		return
	}
	w.quit = make(chan struct{})
	w.running = true
	go w.worker(w.quit)
}

// Stop terminates the worker. The worker observes the quit signal on its
// next wake, which Stop forces immediately.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.quit)
	w.running = false
}

// SetMemoryLimit programs the resident-memory limit in bytes, evaluated as
// the mean over windowMs. A zero limit disables the check. windowMs must be
// a multiple of the polling interval and at least one interval wide.
func (w *Watchdog) SetMemoryLimit(bytes uint64, windowMs uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if bytes != 0 && !isMultipleOf(windowMs, w.pollingIntervalMs) {
		panic(fmt.Sprintf("watchdog: memory window %dms is not a multiple of "+
			"the %dms polling interval", windowMs, w.pollingIntervalMs))
	}

	capacity := 0
	if bytes != 0 {
		capacity = int(windowMs / w.pollingIntervalMs)
	}
	w.memoryWindow.reset(capacity)
	w.memoryLimitBytes = bytes
}

// SetCpuLimit programs the CPU usage limit in percent over windowMs. A zero
// percentage disables the check. windowMs must be a multiple of the polling
// interval and at least one interval wide.
func (w *Watchdog) SetCpuLimit(percentage uint32, windowMs uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if percentage > 100 {
		panic(fmt.Sprintf("watchdog: CPU limit %d%% out of range", percentage))
	}
	if percentage != 0 && !isMultipleOf(windowMs, w.pollingIntervalMs) {
		panic(fmt.Sprintf("watchdog: CPU window %dms is not a multiple of "+
			"the %dms polling interval", windowMs, w.pollingIntervalMs))
	}

	capacity := 0
	if percentage != 0 {
		capacity = int(windowMs / w.pollingIntervalMs)
	}
	w.cpuWindow.reset(capacity)
	w.cpuLimitPct = percentage
}

func (w *Watchdog) worker(quit chan struct{}) {
	statFile, err := os.Open(w.statPath)
	if err != nil {
		log.Errorf("Failed to open stat file to enforce resource limits: %v", err)
		return
	}
	defer statFile.Close()

	interval := time.Duration(w.pollingIntervalMs) * time.Millisecond
	buf := make([]byte, 512)
	for {
		select {
		case <-quit:
			return
		case <-time.After(interval):
		}

		if _, err = statFile.Seek(0, 0); err != nil {
			log.Errorf("Failed to rewind stat file: %v", err)
			return
		}
		n, err := statFile.Read(buf)
		if err != nil {
			log.Errorf("Failed to read stat file to enforce resource limits: %v", err)
			return
		}

		cpuTime, rssBytes, err := parseSelfStat(string(buf[:n]))
		if err != nil {
			log.Errorf("Failed to parse stat file: %v", err)
			return
		}

		w.mu.Lock()
		w.checkMemory(rssBytes)
		w.checkCpu(cpuTime)
		w.mu.Unlock()
	}
}

// parseSelfStat extracts the cumulative CPU time in clock ticks
// (utime+stime, fields 14 and 15) and the resident set size in bytes
// (field 24, in pages) from a /proc/self/stat line.
func parseSelfStat(stat string) (cpuTicks, rssBytes uint64, err error) {
	var fields [25]string
	if n := stringutil.FieldsN(stat, fields[:]); n < 24 {
		return 0, 0, fmt.Errorf("short stat line: %d fields", n)
	}

	utime, err := strconv.ParseUint(fields[13], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad utime %q: %w", fields[13], err)
	}
	stime, err := strconv.ParseUint(fields[14], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad stime %q: %w", fields[14], err)
	}
	rssPages, err := strconv.ParseUint(fields[23], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad rss %q: %w", fields[23], err)
	}

	return utime + stime, rssPages * uint64(os.Getpagesize()), nil
}

// checkMemory pushes the RSS sample and aborts once the windowed mean
// exceeds the limit. Caller holds w.mu.
func (w *Watchdog) checkMemory(rssBytes uint64) {
	if w.memoryLimitBytes == 0 {
		return
	}
	if w.memoryWindow.push(rssBytes) {
		if mean := w.memoryWindow.mean(); mean > float64(w.memoryLimitBytes) {
			log.Errorf("Memory watchdog trigger. Memory window of %f bytes is "+
				"above the %d bytes limit.", mean, w.memoryLimitBytes)
			w.abort()
		}
	}
}

// checkCpu pushes the cumulative CPU-tick sample and aborts once the usage
// percentage over the window exceeds the limit. Caller holds w.mu.
//
// The window wall-clock spans size-1 polling intervals: the samples are
// cumulative, so the first one in a full ring is the baseline and only the
// intervals between samples count.
func (w *Watchdog) checkCpu(cpuTime uint64) {
	if w.cpuLimitPct == 0 {
		return
	}
	if w.cpuWindow.push(cpuTime) {
		differenceTicks := w.cpuWindow.newestWhenFull() - w.cpuWindow.oldestWhenFull()
		windowMs := uint32(w.cpuWindow.size()-1) * w.pollingIntervalMs
		windowTicks := float64(windowMs) / 1000.0 * float64(clockTicksPerSecond())
		percentage := float64(differenceTicks) / windowTicks * 100
		if percentage > float64(w.cpuLimitPct) {
			log.Errorf("CPU watchdog trigger. %f%% CPU use is above the %d%% "+
				"CPU limit.", percentage, w.cpuLimitPct)
			w.abort()
		}
	}
}

func clockTicksPerSecond() int64 {
	ticks, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil {
		// USER_HZ has been 100 on every Linux since 2.6.
		return 100
	}
	return ticks
}

func isMultipleOf(number, divisor uint32) bool {
	return number >= divisor && number%divisor == 0
}
