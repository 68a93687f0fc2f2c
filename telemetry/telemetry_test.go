// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncrementAndGet(t *testing.T) {
	Reset()

	assert.Equal(t, uint64(0), Get(AtomTriggerDropped))
	Increment(AtomTriggerDropped)
	Increment(AtomTriggerDropped)
	Increment(AtomFlushTimeout)

	assert.Equal(t, uint64(2), Get(AtomTriggerDropped))
	assert.Equal(t, uint64(1), Get(AtomFlushTimeout))
	assert.Equal(t, uint64(0), Get(AtomTriggerForwarded))

	Reset()
	assert.Equal(t, uint64(0), Get(AtomTriggerDropped))
}
