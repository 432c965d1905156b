// File: protocol/handshake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Minimal RFC 6455 opening handshake without net/http. The server accepts a
// GET upgrade carrying Sec-WebSocket-Key and answers with a fixed 101
// template; the client sends the matching request and checks the accept value.

package protocol

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/momentics/wsengine/api"
)

const (
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketAccept = "Sec-WebSocket-Accept"

	// DefaultHandshakeBufferSize bounds the request or response head.
	DefaultHandshakeBufferSize = 4096

	clientKeyLen = 16
)

const responseTemplate = "HTTP/1.1 101 Switching Protocols\r\n" +
	"Connection: Upgrade\r\n" +
	"Upgrade: websocket\r\n" +
	"Sec-WebSocket-Accept: %s\r\n\r\n"

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// NewClientKey returns a base64 encoded random 16-byte key.
func NewClientKey() (string, error) {
	var raw [clientKeyLen]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", api.ErrInternal.WithError(err)
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// ServerHandshake reads an upgrade request from br and writes the 101
// response to w. At most limit bytes of request head are accepted. Nothing is
// written back on failure. br must be kept for subsequent frame reads since it
// may already buffer the first frames.
func ServerHandshake(br *bufio.Reader, w io.Writer, limit int) (string, error) {
	var method [3]byte
	if _, err := io.ReadFull(br, method[:]); err != nil {
		return "", handshakeErr("read request line", err)
	}
	if string(method[:]) != "GET" {
		return "", api.ErrHandshake.WithMessage("request is not a GET")
	}

	hr := headReader{br: br, budget: limit - len(method)}
	if _, err := hr.line(); err != nil {
		return "", handshakeErr("read request line", err)
	}
	var key string
	for {
		line, err := hr.line()
		if err != nil {
			return "", handshakeErr("read request headers", err)
		}
		if line == "" {
			break
		}
		if name, value, ok := splitHeader(line); ok && key == "" &&
			strings.EqualFold(name, HeaderSecWebSocketKey) {
			key = value
		}
	}
	if key == "" {
		return "", api.ErrHandshake.WithMessage("missing " + HeaderSecWebSocketKey)
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != clientKeyLen {
		return "", api.ErrHandshake.WithMessage("malformed " + HeaderSecWebSocketKey).WithContext("key", key)
	}

	if _, err := fmt.Fprintf(w, responseTemplate, AcceptKey(key)); err != nil {
		return "", handshakeErr("write response", err)
	}
	return key, nil
}

// ClientHandshake sends an upgrade request for host and path with key, then
// reads the response head from br (at most limit bytes) and verifies the
// accept value.
func ClientHandshake(br *bufio.Reader, w io.Writer, host, path, key string, limit int) error {
	if path == "" {
		path = "/"
	}
	req := "GET " + path + " HTTP/1.1\r\n" +
		"Host: " + host + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		HeaderSecWebSocketKey + ": " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := io.WriteString(w, req); err != nil {
		return handshakeErr("write request", err)
	}

	hr := headReader{br: br, budget: limit}
	status, err := hr.line()
	if err != nil {
		return handshakeErr("read status line", err)
	}
	if f := strings.Fields(status); len(f) < 2 || f[1] != "101" {
		return api.ErrHandshake.WithMessage("unexpected status").WithContext("status", status)
	}
	var accept string
	for {
		line, err := hr.line()
		if err != nil {
			return handshakeErr("read response headers", err)
		}
		if line == "" {
			break
		}
		if name, value, ok := splitHeader(line); ok && strings.EqualFold(name, HeaderSecWebSocketAccept) {
			accept = value
		}
	}
	if accept != AcceptKey(key) {
		return api.ErrHandshake.WithMessage("accept value mismatch").WithContext("accept", accept)
	}
	return nil
}

// headReader reads CRLF terminated lines within a byte budget.
type headReader struct {
	br     *bufio.Reader
	budget int
}

var errHeadTooLarge = errors.New("handshake head exceeds buffer size")

func (h *headReader) line() (string, error) {
	raw, err := h.br.ReadSlice('\n')
	h.budget -= len(raw)
	switch {
	case errors.Is(err, bufio.ErrBufferFull), h.budget < 0:
		return "", errHeadTooLarge
	case errors.Is(err, io.EOF):
		return "", io.ErrUnexpectedEOF
	case err != nil:
		return "", err
	}
	return strings.TrimRight(string(raw), "\r\n"), nil
}

func splitHeader(line string) (name, value string, ok bool) {
	name, value, ok = strings.Cut(line, ":")
	return strings.TrimSpace(name), strings.TrimSpace(value), ok
}

func handshakeErr(stage string, err error) error {
	return api.ErrHandshake.WithMessage(stage + ": " + err.Error()).WithError(err)
}
