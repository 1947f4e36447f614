// Package ring implements the fixed-capacity, single-producer/single-consumer
// float-sample ring buffer used to absorb jitter on the audio receive path.
// One Ring exists per remote audio source; the socket reader is the sole
// producer and the mixer is the sole consumer.
package ring

import "sync/atomic"

// MinCapacity is the smallest allowed ring capacity (spec: N >= 16384).
const MinCapacity = 16384

// DefaultJitterThreshold is the typical pre-fill threshold J.
const DefaultJitterThreshold = 2048

// Ring is a bounded SPSC float32 sample queue with jitter pre-fill.
//
// writeIndex and readIndex are monotonically increasing counts (not masked);
// the buffer position is writeIndex/readIndex mod len(data). They are
// accessed with atomic load/store using acquire/release ordering so that
// samples written before an index publish are visible to the consumer after
// it observes the new index, without additional locking.
type Ring struct {
	data []float32
	mask uint64

	writeIndex atomic.Uint64
	readIndex  atomic.Uint64

	filledOnce atomic.Bool
	threshold  uint64
}

// New allocates a Ring with the given capacity (rounded up to the next
// power of two, floored at MinCapacity) and jitter threshold J. A
// jitterThreshold <= 0 selects DefaultJitterThreshold.
func New(capacity int, jitterThreshold int) *Ring {
	capacity = nextPow2(max(capacity, MinCapacity))
	if jitterThreshold <= 0 {
		jitterThreshold = DefaultJitterThreshold
	}
	if jitterThreshold > capacity {
		jitterThreshold = capacity
	}
	return &Ring{
		data:      make([]float32, capacity),
		mask:      uint64(capacity - 1),
		threshold: uint64(jitterThreshold),
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Capacity returns N, the fixed backing size.
func (r *Ring) Capacity() int {
	return len(r.data)
}

// AvailableRead returns the number of samples currently available to read.
func (r *Ring) AvailableRead() int {
	w := r.writeIndex.Load()
	rd := r.readIndex.Load()
	return int(w - rd)
}

// AvailableWrite returns free capacity for writing.
func (r *Ring) AvailableWrite() int {
	return len(r.data) - r.AvailableRead()
}

// Write copies up to min(len(samples), AvailableWrite()) samples into the
// ring and returns how many were actually written. It never blocks; excess
// samples beyond capacity are dropped (overflow policy: drop, never
// overwrite unread data).
func (r *Ring) Write(samples []float32) int {
	if len(samples) == 0 {
		return 0
	}
	avail := r.AvailableWrite()
	n := len(samples)
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}

	w := r.writeIndex.Load()
	start := int(w & r.mask)
	cap := len(r.data)

	first := cap - start
	if first > n {
		first = n
	}
	copy(r.data[start:start+first], samples[:first])
	if rest := n - first; rest > 0 {
		copy(r.data[0:rest], samples[first:first+rest])
	}

	// Publish the new write index after the samples are visible (release).
	r.writeIndex.Store(w + uint64(n))
	return n
}

// Read copies up to min(len(out), AvailableRead()) samples into out and
// returns the count actually read. Reads return 0 until the jitter pre-fill
// condition (filledOnce) is satisfied. A read that drains the buffer
// completely re-arms pre-fill for the next cycle. A zero-length out returns
// 0 without side effects.
func (r *Ring) Read(out []float32) int {
	if len(out) == 0 {
		return 0
	}

	avail := r.AvailableRead()
	if !r.filledOnce.Load() {
		if uint64(avail) < r.threshold {
			return 0
		}
		r.filledOnce.Store(true)
	}

	n := len(out)
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}

	rd := r.readIndex.Load()
	start := int(rd & r.mask)
	cap := len(r.data)

	first := cap - start
	if first > n {
		first = n
	}
	copy(out[:first], r.data[start:start+first])
	if rest := n - first; rest > 0 {
		copy(out[first:first+rest], r.data[0:rest])
	}

	r.readIndex.Store(rd + uint64(n))

	// Fully drained: re-enter pre-fill on the next stall.
	if r.AvailableRead() == 0 {
		r.filledOnce.Store(false)
	}
	return n
}
