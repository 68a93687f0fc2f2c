// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package watchdog // import "github.com/probekit/probed/watchdog"

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// FatalTimer is a one-shot timer that aborts the process unless destroyed
// before its deadline. It bounds the duration of individual trace
// operations; the reason string names the operation for post-mortem
// analysis.
//
// Go timers run on the monotonic clock. Destroy is nil-safe and idempotent,
// so a FatalTimer whose ownership has been handed off can be dropped
// without disarming anything.
type FatalTimer struct {
	timer  *time.Timer
	reason string
}

// CreateFatalTimer arms a timer that aborts the process after ms
// milliseconds unless Destroy is called first.
func (w *Watchdog) CreateFatalTimer(ms uint32, reason string) *FatalTimer {
	ft := &FatalTimer{reason: reason}
	ft.timer = time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		log.Errorf("Fatal timer %q expired after %d ms, aborting", reason, ms)
		w.abort()
	})
	return ft
}

// Destroy disarms the timer. Destroying an already destroyed or nil timer
// is a no-op.
func (t *FatalTimer) Destroy() {
	if t == nil || t.timer == nil {
		return
	}
	t.timer.Stop()
	t.timer = nil
}
