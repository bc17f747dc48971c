package vision

import "sync"

// FrameStats counts buffer traffic since the last reset. Mutated only
// while holding the buffer lock.
type FrameStats struct {
	Captured     int64   `json:"captured"`      // frames accepted by Put
	Dropped      int64   `json:"dropped"`       // frames evicted before being read
	Processed    int64   `json:"processed"`     // successful Latest reads
	AvgOccupancy float64 `json:"avg_occupancy"` // mean buffer size sampled after each Put
}

// FrameBuffer is a bounded latest-frame cache with drop-oldest
// semantics. The ingest source calls Put, the control loop calls
// Latest; neither blocks beyond the copy under the lock. With capacity
// 1 every Put over an unread frame counts a drop (last write wins).
type FrameBuffer struct {
	mu       sync.Mutex
	frames   []Frame // oldest first, len <= capacity
	capacity int

	captured     int64
	dropped      int64
	processed    int64
	occupancySum int64
	occupancyN   int64
}

// NewFrameBuffer creates a buffer with the given capacity. Capacity
// below 1 is raised to 1.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameBuffer{
		frames:   make([]Frame, 0, capacity),
		capacity: capacity,
	}
}

// Put copies the frame into the buffer, evicting the oldest entry when
// at capacity. It never blocks and never fails. The payload copy is
// taken before the lock so the critical section holds only the evict
// and append.
func (b *FrameBuffer) Put(frame Frame) {
	in := frame.Copy()

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) >= b.capacity {
		copy(b.frames, b.frames[1:])
		b.frames[len(b.frames)-1] = in
		b.dropped++
	} else {
		b.frames = append(b.frames, in)
	}
	b.captured++
	b.occupancySum += int64(len(b.frames))
	b.occupancyN++
}

// Latest returns a copy of the most recent frame, or false if the
// buffer is empty. Reading does not consume the entry.
func (b *FrameBuffer) Latest() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return Frame{}, false
	}
	b.processed++
	return b.frames[len(b.frames)-1].Copy(), true
}

// IsEmpty reports whether the buffer holds no frames.
func (b *FrameBuffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames) == 0
}

// Size returns the number of buffered frames.
func (b *FrameBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Capacity returns the configured bound.
func (b *FrameBuffer) Capacity() int {
	return b.capacity
}

// Stats returns a snapshot of the traffic counters.
func (b *FrameBuffer) Stats() FrameStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := FrameStats{
		Captured:  b.captured,
		Dropped:   b.dropped,
		Processed: b.processed,
	}
	if b.occupancyN > 0 {
		s.AvgOccupancy = float64(b.occupancySum) / float64(b.occupancyN)
	}
	return s
}

// ResetStats zeroes the counters. Buffered frames are untouched.
func (b *FrameBuffer) ResetStats() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.captured = 0
	b.dropped = 0
	b.processed = 0
	b.occupancySum = 0
	b.occupancyN = 0
}
