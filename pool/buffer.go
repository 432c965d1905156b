// File: pool/buffer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync/atomic"

	"github.com/momentics/wsengine/api"
)

// Buffer is an ownership-counted handle over a fixed-capacity byte array.
// Placing a Buffer on a queue moves ownership: the sender must not touch it
// afterwards, and whoever ends up holding it calls Release exactly once.
type Buffer struct {
	data     []byte
	n        int
	bucket   *bucket // nil for unpooled buffers
	releases atomic.Int32
}

// NewUnpooled wraps a fresh array of n bytes that never returns to a pool.
// Used for opt-in large messages above the largest bucket.
func NewUnpooled(n int) *Buffer {
	b := &Buffer{data: make([]byte, n), n: n}
	b.releases.Store(1)
	return b
}

// Bytes returns the logical contents. The slice aliases pooled memory and is
// only valid until the caller's Release.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Len returns the logical length.
func (b *Buffer) Len() int { return b.n }

// Cap returns the capacity of the underlying array (the bucket size).
func (b *Buffer) Cap() int { return len(b.data) }

// Pooled reports whether the buffer returns to a bucket on release.
func (b *Buffer) Pooled() bool { return b.bucket != nil }

// SetLen changes the logical length. n must not exceed Cap.
func (b *Buffer) SetLen(n int) {
	if n < 0 || n > len(b.data) {
		panic("pool: buffer length out of range")
	}
	b.n = n
}

// CopyFrom sets the contents to p. p must fit in Cap.
func (b *Buffer) CopyFrom(p []byte) {
	b.SetLen(len(p))
	copy(b.data, p)
}

// SetRequiredReleases declares how many independent Release calls must occur
// before the buffer is recycled. It must be called by the sole owner, before
// the buffer is fanned out to n recipients.
func (b *Buffer) SetRequiredReleases(n int) error {
	if n < 1 {
		return api.ErrInvalidArgument.WithMessage("required releases must be >= 1")
	}
	if !b.releases.CompareAndSwap(1, int32(n)) {
		return api.ErrInvalidArgument.WithMessage("required releases set on a shared or released buffer")
	}
	return nil
}

// Release drops one reference. The final release returns the array to its
// bucket. Releasing more often than required yields api.ErrDoubleRelease and
// leaves the buffer untouched.
func (b *Buffer) Release() error {
	for {
		cur := b.releases.Load()
		if cur <= 0 {
			if b.bucket != nil {
				b.bucket.doubles.Add(1)
			}
			return api.ErrDoubleRelease
		}
		if b.releases.CompareAndSwap(cur, cur-1) {
			if cur == 1 && b.bucket != nil {
				b.bucket.put(b)
			}
			return nil
		}
	}
}

// PendingReleases returns how many releases are still outstanding.
func (b *Buffer) PendingReleases() int {
	return int(b.releases.Load())
}
