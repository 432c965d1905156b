// File: protocol/constants.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WebSocket wire protocol constants.

package protocol

const (
	OpcodeContinuation byte = 0x0
	OpcodeText         byte = 0x1
	OpcodeBinary       byte = 0x2
	OpcodeClose        byte = 0x8
	OpcodePing         byte = 0x9
	OpcodePong         byte = 0xA

	// Bit masks
	FinBit     byte = 0x80
	RsvBits    byte = 0x70
	OpcodeBits byte = 0x0F
	MaskBit    byte = 0x80
	LengthBits byte = 0x7F

	// Length markers in the low 7 bits of the second header byte.
	ExtendedLengthMarker = 126
	LongLengthMarker     = 127

	MinHeaderLen      = 2
	ExtendedLengthLen = 2
	LongLengthLen     = 8
	MaskKeyLen        = 4
	// MaxHeaderLen covers a 64-bit length and a mask key.
	MaxHeaderLen = MinHeaderLen + LongLengthLen + MaskKeyLen

	MaxControlPayloadLen = 125
	MaxExtendedLength    = 0xFFFF

	WebSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
)
