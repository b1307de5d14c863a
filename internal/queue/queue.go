// Package queue implements the per-stream FIFO of compressed units that sits
// between the demux reader (producer) and a decode pipeline (consumer).
package queue

import (
	"sync"

	"github.com/zsiec/duet/internal/media"
)

// DefaultWatermark is the queue length below which the reader is asked to
// fetch more units for a stream.
const DefaultWatermark = 3

// Queue is a mutex-guarded FIFO of compressed units with an end-of-stream
// sentinel. Push never blocks and never rejects; the size limit is advisory
// and enforced by the producer through LowWatermark.
type Queue struct {
	mu        sync.Mutex
	units     []*media.Unit
	watermark int
	eosQueued bool // sentinel pushed
	eos       bool // sentinel popped
}

// New creates a Queue. A watermark <= 0 selects DefaultWatermark.
func New(watermark int) *Queue {
	if watermark <= 0 {
		watermark = DefaultWatermark
	}
	return &Queue{watermark: watermark}
}

// Push appends u to the tail. Pushing nil enqueues the end-of-stream
// sentinel; units pushed after the sentinel are released immediately.
func (q *Queue) Push(u *media.Unit) {
	q.mu.Lock()
	if q.eosQueued {
		q.mu.Unlock()
		u.Release()
		return
	}
	if u == nil {
		q.eosQueued = true
	}
	q.units = append(q.units, u)
	q.mu.Unlock()
}

// Pop removes and returns the head unit. It returns (nil, false) when the
// queue is empty or once the sentinel has been consumed; use EOS to tell
// the two apart.
func (q *Queue) Pop() (*media.Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.eos || len(q.units) == 0 {
		return nil, false
	}
	u := q.units[0]
	q.units[0] = nil
	q.units = q.units[1:]
	if u == nil {
		q.eos = true
		return nil, false
	}
	return u, true
}

// EOS reports whether the sentinel has been popped.
func (q *Queue) EOS() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eos
}

// Len returns the number of queued entries, sentinel included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.units)
}

// LowWatermark reports whether the producer should read more units for
// this stream. It is always false once the sentinel has been pushed.
func (q *Queue) LowWatermark() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.eosQueued && len(q.units) < q.watermark
}

// Drain releases every queued unit and returns how many were swept. The
// sentinel, if still queued, is discarded and the queue is left at EOS.
func (q *Queue) Drain() int {
	q.mu.Lock()
	units := q.units
	q.units = nil
	q.eosQueued = true
	q.eos = true
	q.mu.Unlock()

	n := 0
	for _, u := range units {
		if u != nil {
			u.Release()
			n++
		}
	}
	return n
}
