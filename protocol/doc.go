// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Implements the wsengine WebSocket engine (RFC 6455 subset).
//
// Includes:
//   - Stateless frame codec: header validation, length decoding, masking
//   - Minimal GET-upgrade handshake for server and client roles
//   - Connection with one receive and one send goroutine over pooled buffers
//   - Envelope queue drained by the host on its own schedule
//
// Only binary messages are carried. Extensions and subprotocols are not
// negotiated.
package protocol
