package recorder

import (
	"sync"
	"time"
)

// Default queue capacities, roughly two seconds of media: 60 video
// frames at 30 fps, 200 audio packets at 10-20 ms per packet.
const (
	DefaultVideoQueueCapacity = 60
	DefaultAudioQueueCapacity = 200
)

// BoundedFrameQueue is a fixed-capacity FIFO between one track reader
// and the encode loop. When full, Put evicts the single oldest frame
// before admitting the new one: for live recording, recency beats
// completeness, since an old frame delivered late is worse than a
// dropped frame. Put never blocks; Get blocks up to a timeout so the
// consumer can poll several queues cooperatively.
type BoundedFrameQueue struct {
	mu            sync.Mutex
	ch            chan *Frame
	capacity      int
	queuedBytes   int64
	dropped       uint64
	totalEnqueued uint64
}

// NewBoundedFrameQueue creates a queue with the given capacity.
// Non-positive capacities fall back to the video default.
func NewBoundedFrameQueue(capacity int) *BoundedFrameQueue {
	if capacity <= 0 {
		capacity = DefaultVideoQueueCapacity
	}
	return &BoundedFrameQueue{
		ch:       make(chan *Frame, capacity),
		capacity: capacity,
	}
}

// Put admits f, evicting the oldest queued frame first if the queue is
// full. Returns false when an eviction occurred.
func (q *BoundedFrameQueue) Put(f *Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.totalEnqueued++
	admitted := true
	select {
	case q.ch <- f:
	default:
		select {
		case old := <-q.ch:
			q.queuedBytes -= int64(old.Size())
			q.dropped++
			admitted = false
		default:
		}
		q.ch <- f
	}
	q.queuedBytes += int64(f.Size())
	return admitted
}

// Get returns the oldest queued frame, blocking up to timeout. Returns
// nil on timeout.
func (q *BoundedFrameQueue) Get(timeout time.Duration) *Frame {
	var f *Frame
	if timeout <= 0 {
		select {
		case f = <-q.ch:
		default:
			return nil
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case f = <-q.ch:
		case <-timer.C:
			return nil
		}
	}
	q.mu.Lock()
	q.queuedBytes -= int64(f.Size())
	q.mu.Unlock()
	return f
}

// Size returns the number of queued frames.
func (q *BoundedFrameQueue) Size() int { return len(q.ch) }

// IsFull reports whether the queue is at capacity.
func (q *BoundedFrameQueue) IsFull() bool { return len(q.ch) == q.capacity }

// Capacity returns the fixed capacity.
func (q *BoundedFrameQueue) Capacity() int { return q.capacity }

// QueuedBytes returns the payload bytes currently queued.
func (q *BoundedFrameQueue) QueuedBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedBytes
}

// Dropped returns the number of frames evicted by overflow.
func (q *BoundedFrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// TotalEnqueued returns the number of Put calls.
func (q *BoundedFrameQueue) TotalEnqueued() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalEnqueued
}

// Clear discards all queued frames.
func (q *BoundedFrameQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case <-q.ch:
		default:
			q.queuedBytes = 0
			return
		}
	}
}
