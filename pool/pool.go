// File: pool/pool.go
// Package pool implements log-spaced size-class buffer pooling.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"math"
	"sort"

	"github.com/momentics/wsengine/api"
)

// Config describes the bucket layout.
type Config struct {
	Buckets          int `mapstructure:"buckets"`
	Smallest         int `mapstructure:"smallest"`
	Largest          int `mapstructure:"largest"`
	FreeListCapacity int `mapstructure:"free_list_capacity"`
}

// DefaultConfig returns a layout tuned for small game messages up to 16 KiB.
func DefaultConfig() Config {
	return Config{
		Buckets:          16,
		Smallest:         16,
		Largest:          16 * 1024,
		FreeListCapacity: 1024,
	}
}

// Pool hands out Buffers from exponentially spaced buckets.
// Safe for concurrent use by any number of goroutines.
type Pool struct {
	sizes   []int
	buckets []*bucket
}

// BucketStats is a snapshot of one bucket.
type BucketStats struct {
	Size      int
	Free      int
	Allocated uint64
	Reused    uint64
	Returned  uint64
	Dropped   uint64
	// DoubleReleases counts Release calls on an already recycled buffer.
	DoubleReleases uint64
}

// Stats is a snapshot of the whole pool.
type Stats struct {
	Buckets        []BucketStats
	InUse          int64
	DoubleReleases uint64
}

// BucketSizes computes size[i] = ceil(smallest * e^(i*ln(largest/smallest)/(count-1))).
// Sizes that rounding would collapse onto their predecessor are bumped by one
// to keep the sequence strictly increasing; the last size is pinned to largest
// unless the bump already passed it.
func BucketSizes(count, smallest, largest int) ([]int, error) {
	switch {
	case count < 2:
		return nil, api.ErrConfig.WithMessage("pool: bucket count must be >= 2").WithContext("buckets", count)
	case smallest < 1:
		return nil, api.ErrConfig.WithMessage("pool: smallest size must be >= 1").WithContext("smallest", smallest)
	case largest < smallest:
		return nil, api.ErrConfig.WithMessage("pool: largest size must be >= smallest").WithContext("largest", largest)
	case count > largest-smallest+1:
		return nil, api.ErrConfig.WithMessage("pool: more buckets than distinct sizes in range").
			WithContext("buckets", count).WithContext("range", largest-smallest+1)
	}

	sizes := make([]int, count)
	step := math.Log(float64(largest)/float64(smallest)) / float64(count-1)
	for i := range sizes {
		size := int(math.Ceil(float64(smallest) * math.Exp(float64(i)*step)))
		switch {
		case i == 0:
			size = smallest
		case i == count-1 && largest > sizes[i-1]:
			size = largest
		case size <= sizes[i-1]:
			size = sizes[i-1] + 1
		}
		sizes[i] = size
	}
	return sizes, nil
}

// New builds a pool from cfg. Invalid layouts fail with api.ErrConfig.
func New(cfg Config) (*Pool, error) {
	sizes, err := BucketSizes(cfg.Buckets, cfg.Smallest, cfg.Largest)
	if err != nil {
		return nil, err
	}
	freeCap := cfg.FreeListCapacity
	if freeCap <= 0 {
		freeCap = DefaultConfig().FreeListCapacity
	}
	p := &Pool{sizes: sizes, buckets: make([]*bucket, len(sizes))}
	for i, size := range sizes {
		p.buckets[i] = newBucket(size, freeCap)
	}
	return p, nil
}

// Take returns a buffer of logical length n from the smallest bucket whose
// size is at least n. Requests above the largest bucket fail with
// api.ErrResourceExhausted; nothing is truncated.
func (p *Pool) Take(n int) (*Buffer, error) {
	if n < 0 {
		return nil, api.ErrInvalidArgument.WithMessage("pool: negative size")
	}
	i := sort.SearchInts(p.sizes, n)
	if i == len(p.sizes) {
		return nil, api.ErrResourceExhausted.
			WithMessage("pool: requested size exceeds largest bucket").
			WithContext("requested", n).
			WithContext("largest", p.Largest())
	}
	return p.buckets[i].take(n), nil
}

// Sizes returns a copy of the bucket sizes.
func (p *Pool) Sizes() []int {
	out := make([]int, len(p.sizes))
	copy(out, p.sizes)
	return out
}

// Largest returns the capacity of the largest bucket.
func (p *Pool) Largest() int { return p.sizes[len(p.sizes)-1] }

// Smallest returns the capacity of the smallest bucket.
func (p *Pool) Smallest() int { return p.sizes[0] }

// Stats exposes allocation and reuse counters for observability.
func (p *Pool) Stats() Stats {
	st := Stats{Buckets: make([]BucketStats, len(p.buckets))}
	for i, b := range p.buckets {
		bs := b.stats()
		st.Buckets[i] = bs
		st.InUse += int64(bs.Allocated+bs.Reused) - int64(bs.Returned)
		st.DoubleReleases += bs.DoubleReleases
	}
	return st
}
