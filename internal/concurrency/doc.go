// Package concurrency
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cross-thread handoff primitives for wsengine:
//   - LockFreeQueue: bounded MPMC queue (sequence-numbered cells), used for
//     buffer pool free lists that many receive/send workers hit at once.
//   - Queue: unbounded FIFO with an edge-triggered wake signal, used for the
//     per-connection outbound queues and the shared inbound envelope queue.
package concurrency
