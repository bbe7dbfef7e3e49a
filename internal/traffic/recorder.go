// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package traffic

import (
	"sync"

	"github.com/tomtom215/excubitor/internal/metrics"
)

// Recorder is the bounded queue between the request path and the batch
// pipeline. Record never blocks: when the queue is at capacity the oldest
// record is dropped to make room, and the drop is counted. Drain snapshots
// and empties the queue atomically.
type Recorder struct {
	mu       sync.Mutex
	buf      []Record
	head     int
	size     int
	capacity int

	threshold int
	notify    chan struct{}

	dropped uint64
}

// NewRecorder creates a recorder with the given capacity. threshold, when
// positive, makes the recorder signal C() as soon as the queue holds that
// many records.
func NewRecorder(capacity, threshold int) *Recorder {
	if capacity < 1 {
		capacity = 1
	}
	return &Recorder{
		buf:       make([]Record, capacity),
		capacity:  capacity,
		threshold: threshold,
		notify:    make(chan struct{}, 1),
	}
}

// Record enqueues an observation. It never blocks and never fails; at
// capacity the oldest record is evicted first.
func (r *Recorder) Record(rec Record) {
	r.mu.Lock()
	if r.size == r.capacity {
		// Evict the oldest
		r.head = (r.head + 1) % r.capacity
		r.size--
		r.dropped++
		metrics.RecorderDropped.Inc()
	}
	r.buf[(r.head+r.size)%r.capacity] = rec
	r.size++
	size := r.size
	r.mu.Unlock()

	metrics.RecorderRecorded.Inc()
	metrics.RecorderQueueDepth.Set(float64(size))

	if r.threshold > 0 && size >= r.threshold {
		// Non-blocking: a pending signal already covers this batch
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
}

// Drain atomically removes and returns all queued records in arrival
// order. Records enqueued during a drain land in the next batch.
func (r *Recorder) Drain() []Record {
	r.mu.Lock()
	if r.size == 0 {
		r.mu.Unlock()
		return nil
	}

	out := make([]Record, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%r.capacity]
	}
	r.head = 0
	r.size = 0
	r.mu.Unlock()

	metrics.RecorderQueueDepth.Set(0)
	return out
}

// Len returns the current queue depth.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped returns the total number of evicted records.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// C signals when the queue has reached the configured threshold. The
// channel has capacity one; consumers drain regardless of how many
// records arrived after the signal.
func (r *Recorder) C() <-chan struct{} {
	return r.notify
}
