// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package taskrunner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostTaskOrdering(t *testing.T) {
	r := New()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		r.PostTask(func() { got = append(got, i) })
	}
	r.RunUntilIdle()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestTasksPostedFromTasksRunInOrder(t *testing.T) {
	r := New()

	var got []string
	r.PostTask(func() {
		got = append(got, "outer")
		r.PostTask(func() { got = append(got, "inner") })
	})
	r.PostTask(func() { got = append(got, "second") })
	r.RunUntilIdle()

	assert.Equal(t, []string{"outer", "second", "inner"}, got)
}

func TestPostDelayedTask(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var ran atomic.Bool
	r.PostDelayedTask(func() {
		ran.Store(true)
		close(done)
	}, 10)

	go r.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task did not run")
	}
	require.True(t, ran.Load())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}
