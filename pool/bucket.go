// File: pool/bucket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed-size buffer class backed by a lock-free free list.

package pool

import (
	"sync/atomic"

	"github.com/momentics/wsengine/internal/concurrency"
)

// bucket hands out buffers of exactly size bytes of capacity.
type bucket struct {
	size int
	free *concurrency.LockFreeQueue[*Buffer]

	allocated atomic.Uint64
	reused    atomic.Uint64
	returned  atomic.Uint64
	dropped   atomic.Uint64
	doubles   atomic.Uint64
}

func newBucket(size, freeCap int) *bucket {
	return &bucket{
		size: size,
		free: concurrency.NewLockFreeQueue[*Buffer](freeCap),
	}
}

// take returns a buffer with logical length n and a release counter of 1.
func (b *bucket) take(n int) *Buffer {
	buf, ok := b.free.Dequeue()
	if ok {
		b.reused.Add(1)
	} else {
		buf = &Buffer{data: make([]byte, b.size), bucket: b}
		b.allocated.Add(1)
	}
	buf.n = n
	buf.releases.Store(1)
	return buf
}

// put recycles buf. When the free list is full the array is left to the GC.
func (b *bucket) put(buf *Buffer) {
	b.returned.Add(1)
	if !b.free.Enqueue(buf) {
		b.dropped.Add(1)
	}
}

func (b *bucket) stats() BucketStats {
	return BucketStats{
		Size:      b.size,
		Free:      b.free.Len(),
		Allocated: b.allocated.Load(),
		Reused:    b.reused.Load(),
		Returned:  b.returned.Load(),
		Dropped:   b.dropped.Load(),

		DoubleReleases: b.doubles.Load(),
	}
}
