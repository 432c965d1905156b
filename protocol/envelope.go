// File: protocol/envelope.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Events handed from connection goroutines to the host.

package protocol

import (
	"github.com/momentics/wsengine/internal/concurrency"
	"github.com/momentics/wsengine/pool"
)

// EventKind tags an Envelope.
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventData
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Envelope is one inbound event. Buffer is set only for EventData and Err
// only for EventError.
type Envelope struct {
	Kind   EventKind
	ConnID int
	Buffer *pool.Buffer
	Err    error
}

// Inbound is the queue shared by every connection of one server or client.
type Inbound = concurrency.Queue[Envelope]

// NewInbound creates an empty inbound queue.
func NewInbound() *Inbound { return concurrency.NewQueue[Envelope]() }

// Callbacks receive drained envelopes on the draining goroutine. The data
// slice passed to OnData is only valid until OnData returns. A failed
// release of a Data buffer, such as a double release by the host, is
// reported through OnError.
type Callbacks struct {
	OnConnect    func(id int)
	OnData       func(id int, data []byte)
	OnDisconnect func(id int)
	OnError      func(id int, err error)
}

// Drain dispatches up to limit envelopes from q (all queued if limit <= 0)
// and returns how many were handled. keepGoing, when set, is consulted before
// each envelope. Data buffers are released after their callback returns.
func Drain(q *Inbound, limit int, cb Callbacks, keepGoing func() bool) int {
	handled := 0
	for limit <= 0 || handled < limit {
		if keepGoing != nil && !keepGoing() {
			break
		}
		env, ok := q.TryPop()
		if !ok {
			break
		}
		handled++
		dispatch(env, cb)
	}
	return handled
}

func dispatch(env Envelope, cb Callbacks) {
	switch env.Kind {
	case EventConnected:
		if cb.OnConnect != nil {
			cb.OnConnect(env.ConnID)
		}
	case EventData:
		defer releaseData(env, cb)
		if cb.OnData != nil {
			cb.OnData(env.ConnID, env.Buffer.Bytes())
		}
	case EventDisconnected:
		if cb.OnDisconnect != nil {
			cb.OnDisconnect(env.ConnID)
		}
	case EventError:
		if cb.OnError != nil {
			cb.OnError(env.ConnID, env.Err)
		}
	}
}

func releaseData(env Envelope, cb Callbacks) {
	if err := env.Buffer.Release(); err != nil && cb.OnError != nil {
		cb.OnError(env.ConnID, err)
	}
}
