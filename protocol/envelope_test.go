// File: protocol/envelope_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/pool"
)

func TestDrainDispatchesAndReleases(t *testing.T) {
	p, err := pool.New(pool.DefaultConfig())
	require.NoError(t, err)
	q := NewInbound()

	buf, err := p.Take(3)
	require.NoError(t, err)
	copy(buf.Bytes(), "abc")
	boom := errors.New("boom")

	q.Push(Envelope{Kind: EventConnected, ConnID: 7})
	q.Push(Envelope{Kind: EventData, ConnID: 7, Buffer: buf})
	q.Push(Envelope{Kind: EventError, ConnID: 7, Err: boom})
	q.Push(Envelope{Kind: EventDisconnected, ConnID: 7})

	var got []string
	cb := Callbacks{
		OnConnect: func(id int) { got = append(got, "connect") },
		OnData: func(id int, data []byte) {
			assert.Equal(t, 1, buf.PendingReleases(), "released before callback")
			got = append(got, "data:"+string(data))
		},
		OnError:      func(id int, err error) { assert.Same(t, boom, err); got = append(got, "error") },
		OnDisconnect: func(id int) { got = append(got, "disconnect") },
	}
	assert.Equal(t, 4, Drain(q, 0, cb, nil))
	assert.Equal(t, []string{"connect", "data:abc", "error", "disconnect"}, got)
	assert.Equal(t, 0, buf.PendingReleases())
	assert.Equal(t, int64(0), p.Stats().InUse)
}

func TestDrainBounds(t *testing.T) {
	q := NewInbound()
	for i := 0; i < 10; i++ {
		q.Push(Envelope{Kind: EventConnected, ConnID: i})
	}

	var ids []int
	cb := Callbacks{OnConnect: func(id int) { ids = append(ids, id) }}
	assert.Equal(t, 3, Drain(q, 3, cb, nil))
	assert.Equal(t, []int{0, 1, 2}, ids)

	budget := 2
	n := Drain(q, 100, cb, func() bool { budget--; return budget >= 0 })
	assert.Equal(t, 2, n)
	assert.Equal(t, 5, q.Len())

	assert.Equal(t, 5, Drain(q, 0, Callbacks{}, nil), "nil callbacks still consume")
	assert.Equal(t, 0, Drain(q, 0, cb, nil))
}

func TestDrainReleasesWithoutDataCallback(t *testing.T) {
	p, err := pool.New(pool.DefaultConfig())
	require.NoError(t, err)
	q := NewInbound()
	buf, err := p.Take(8)
	require.NoError(t, err)
	q.Push(Envelope{Kind: EventData, ConnID: 1, Buffer: buf})

	Drain(q, 1, Callbacks{}, nil)
	assert.Equal(t, 0, buf.PendingReleases())
}

func TestDrainReportsFailedRelease(t *testing.T) {
	p, err := pool.New(pool.DefaultConfig())
	require.NoError(t, err)
	q := NewInbound()
	buf, err := p.Take(8)
	require.NoError(t, err)
	q.Push(Envelope{Kind: EventData, ConnID: 4, Buffer: buf})

	var reported []error
	cb := Callbacks{
		// The host wrongly releases a buffer it does not own.
		OnData:  func(int, []byte) { require.NoError(t, buf.Release()) },
		OnError: func(id int, err error) { assert.Equal(t, 4, id); reported = append(reported, err) },
	}
	assert.Equal(t, 1, Drain(q, 0, cb, nil))
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], api.ErrDoubleRelease)
	assert.Equal(t, uint64(1), p.Stats().DoubleReleases)
}
