// File: api/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared API-level type declarations and constants.

package api

// ConnState enumerates the lifecycle of a WebSocket connection:
// Created → Handshaking → Open → Closing → Closed.
type ConnState int32

const (
	StateCreated ConnState = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NoConnID marks a connection that has not completed its handshake.
const NoConnID = -1

// ClientConnID is the id carried by envelopes of a client handle's connection.
const ClientConnID = 0
