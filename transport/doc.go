// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stream setup collaborators for wsengine: TLS configuration for the server
// and client roles. Socket level listener setup lives in transport/tcp.
package transport
