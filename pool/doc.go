// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pooled byte buffers for wsengine. Buffers are grouped into size buckets
// spaced exponentially between a smallest and a largest size, so the many
// small messages typical of game traffic land in fine-grained classes while
// rare large ones share a few coarse classes. Every Buffer carries an atomic
// release counter; it goes back to its bucket only when the counter hits zero,
// which lets one buffer fan out to N connections without copies.
package pool
