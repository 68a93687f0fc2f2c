// Copyright The probed Authors
// SPDX-License-Identifier: Apache-2.0

package watchdog // import "github.com/probekit/probed/watchdog"

// windowedRing is a fixed-capacity circular buffer of uint64 samples used to
// evaluate resource usage over a sliding time window. A capacity of zero
// disables the ring; push is then a no-op returning false.
//
// mean, newestWhenFull and oldestWhenFull are only meaningful once push has
// returned true at least once.
type windowedRing struct {
	buffer   []uint64
	position int
	filled   bool
}

// push appends sample and reports whether the ring has wrapped at least
// once, i.e. whether the window is fully populated.
func (r *windowedRing) push(sample uint64) bool {
	if len(r.buffer) == 0 {
		return false
	}
	r.buffer[r.position] = sample
	r.position = (r.position + 1) % len(r.buffer)
	r.filled = r.filled || r.position == 0
	return r.filled
}

// mean returns the arithmetic mean over the whole allocated capacity.
// Unwritten slots count as zero, which is why callers gate on push having
// returned true.
func (r *windowedRing) mean() float64 {
	var total uint64
	for _, v := range r.buffer {
		total += v
	}
	return float64(total) / float64(len(r.buffer))
}

// newestWhenFull returns the most recently pushed sample.
func (r *windowedRing) newestWhenFull() uint64 {
	return r.buffer[(r.position+len(r.buffer)-1)%len(r.buffer)]
}

// oldestWhenFull returns the sample about to be overwritten next, which in a
// full ring is the oldest one.
func (r *windowedRing) oldestWhenFull() uint64 {
	return r.buffer[r.position]
}

// size returns the ring capacity.
func (r *windowedRing) size() int {
	return len(r.buffer)
}

// reset discards all samples and reallocates the ring with a new capacity.
func (r *windowedRing) reset(capacity int) {
	r.position = 0
	r.filled = false
	if capacity == 0 {
		r.buffer = nil
		return
	}
	r.buffer = make([]uint64, capacity)
}
