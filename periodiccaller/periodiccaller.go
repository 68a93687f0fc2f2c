// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodiccaller runs callbacks on a fixed cadence until their
// context is canceled. The ftrace controller drains its per-CPU readers
// through it and the sys-stats source takes its snapshots with it.
package periodiccaller // import "github.com/probekit/probed/periodiccaller"

import (
	"context"
	"time"
)

// Start invokes callback every interval until ctx is canceled. The returned
// function stops the cadence early.
func Start(ctx context.Context, interval time.Duration, callback func()) func() {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback()
			case <-ctx.Done():
				return
			}
		}
	}()

	return ticker.Stop
}

// StartWithManualTrigger is like Start, but additionally invokes callback
// whenever a value is received on trigger. The callback argument reports
// whether the invocation was manually triggered.
func StartWithManualTrigger(ctx context.Context, interval time.Duration, trigger chan bool,
	callback func(manualTrigger bool)) func() {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback(false)
			case <-trigger:
				callback(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	return ticker.Stop
}
