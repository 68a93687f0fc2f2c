// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskrunner provides the single-threaded cooperative executor the
// producer core runs on. Everything the service drives into the producer and
// everything the data sources do happens on one runner goroutine, so none of
// the orchestrator state needs locking.
package taskrunner // import "github.com/probekit/probed/taskrunner"

import (
	"context"
	"sync"
	"time"
)

// Runner executes posted tasks in order on a single goroutine. Delayed tasks
// re-enter the queue when their timer fires; they never run concurrently
// with immediate tasks.
type Runner struct {
	mu     sync.Mutex
	queue  []func()
	wakeup chan struct{}

	// timers tracks armed delay timers so Run can stop them on exit.
	timers map[*time.Timer]struct{}
}

// New returns a Runner. Nothing executes until Run is called.
func New() *Runner {
	return &Runner{
		wakeup: make(chan struct{}, 1),
		timers: make(map[*time.Timer]struct{}),
	}
}

// PostTask enqueues fn to run after all previously posted tasks.
func (r *Runner) PostTask(fn func()) {
	r.mu.Lock()
	r.queue = append(r.queue, fn)
	r.mu.Unlock()

	select {
	case r.wakeup <- struct{}{}:
	default:
	}
}

// PostDelayedTask enqueues fn to run no earlier than delayMs milliseconds
// from now. Each delayed task has its own timer, so tasks whose deadlines
// coincide may enter the queue in either order.
func (r *Runner) PostDelayedTask(fn func(), delayMs uint32) {
	var t *time.Timer
	t = time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
		r.mu.Lock()
		delete(r.timers, t)
		r.mu.Unlock()
		r.PostTask(fn)
	})

	r.mu.Lock()
	r.timers[t] = struct{}{}
	r.mu.Unlock()
}

// Run drains the queue until ctx is canceled. It must be called exactly
// once; all tasks execute on the calling goroutine.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			for t := range r.timers {
				t.Stop()
			}
			r.timers = map[*time.Timer]struct{}{}
			r.queue = nil
			r.mu.Unlock()
			return
		case <-r.wakeup:
			r.drain()
		}
	}
}

// RunUntilIdle synchronously executes all currently runnable tasks. It is
// meant for tests that want deterministic stepping without a goroutine.
func (r *Runner) RunUntilIdle() {
	r.drain()
}

func (r *Runner) drain() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		fn := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		fn()
	}
}
