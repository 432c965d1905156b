// File: protocol/frame_codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stateless frame header codec and payload masking. Callers read the wire
// in three steps: MinHeaderLen bytes, then HeaderLen-MinHeaderLen extended
// length bytes, then the mask key when Header.Masked.

package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"math"

	"github.com/momentics/wsengine/api"
)

// Header is a decoded and validated frame header.
type Header struct {
	Fin    bool
	Opcode byte
	Masked bool
	Length int
}

// IsControl reports whether the opcode is close, ping or pong.
func (h Header) IsControl() bool { return h.Opcode&0x8 != 0 }

// NeedsExtendedLength reports whether a 16-bit length follows the first two bytes.
func NeedsExtendedLength(hdr []byte) bool {
	return hdr[1]&LengthBits == ExtendedLengthMarker
}

// NeedsLongLength reports whether a 64-bit length follows the first two bytes.
func NeedsLongLength(hdr []byte) bool {
	return hdr[1]&LengthBits == LongLengthMarker
}

// HeaderLen returns the header size up to, not including, the mask key.
func HeaderLen(hdr []byte) int {
	switch {
	case NeedsExtendedLength(hdr):
		return MinHeaderLen + ExtendedLengthLen
	case NeedsLongLength(hdr):
		return MinHeaderLen + LongLengthLen
	default:
		return MinHeaderLen
	}
}

// PayloadLength decodes the 7, 16 or 64 bit payload length. hdr must hold
// at least HeaderLen(hdr) bytes.
func PayloadLength(hdr []byte) uint64 {
	switch {
	case NeedsExtendedLength(hdr):
		return uint64(binary.BigEndian.Uint16(hdr[MinHeaderLen:]))
	case NeedsLongLength(hdr):
		return binary.BigEndian.Uint64(hdr[MinHeaderLen:])
	default:
		return uint64(hdr[1] & LengthBits)
	}
}

// ValidateHeader decodes hdr and rejects anything this engine does not accept:
// reserved bits, a mask bit that does not match expectMask, an opcode that is
// not allowed in the current fragmentation state, a fragmented control frame,
// a zero length, or a length above maxLength. Lengths that do not fit an int
// fail instead of wrapping.
func ValidateHeader(hdr []byte, maxLength int, expectMask, continuationExpected bool) (Header, error) {
	if len(hdr) < MinHeaderLen || len(hdr) < HeaderLen(hdr) {
		return Header{}, api.ErrProtocol.WithMessage("truncated frame header")
	}
	h := Header{
		Fin:    hdr[0]&FinBit != 0,
		Opcode: hdr[0] & OpcodeBits,
		Masked: hdr[1]&MaskBit != 0,
	}
	if hdr[0]&RsvBits != 0 {
		return h, api.ErrProtocol.WithMessage("reserved bits set")
	}
	if h.Masked != expectMask {
		return h, api.ErrProtocol.WithMessage("mask bit does not match peer role").
			WithContext("masked", h.Masked)
	}

	switch h.Opcode {
	case OpcodeBinary:
		if continuationExpected {
			return h, api.ErrProtocol.WithMessage("new message started inside a fragmented message")
		}
	case OpcodeContinuation:
		if !continuationExpected {
			return h, api.ErrProtocol.WithMessage("continuation frame without a fragmented message")
		}
	case OpcodeClose, OpcodePing, OpcodePong:
		if !h.Fin {
			return h, api.ErrProtocol.WithMessage("fragmented control frame")
		}
	default:
		return h, api.ErrProtocol.WithMessage("unsupported opcode").WithContext("opcode", h.Opcode)
	}

	n := PayloadLength(hdr)
	switch {
	case n == 0:
		return h, api.ErrProtocol.WithMessage("zero-length frame")
	case n > math.MaxInt:
		return h, api.ErrMessageTooLarge.WithMessage("frame length exceeds addressable size").
			WithContext("length", n)
	case n > uint64(maxLength):
		return h, api.ErrMessageTooLarge.WithMessage("frame length exceeds limit").
			WithContext("length", n).WithContext("limit", maxLength)
	case h.IsControl() && n > MaxControlPayloadLen:
		return h, api.ErrProtocol.WithMessage("control frame too long").WithContext("length", n)
	}
	h.Length = int(n)
	return h, nil
}

// ToggleMask XORs length bytes of src starting at srcOffset into dst at
// dstOffset with key[(maskOffset+i)%4]. The same call masks and unmasks.
// src and dst may be the same slice when the offsets are equal.
func ToggleMask(src []byte, srcOffset int, dst []byte, dstOffset int, length int, key [MaskKeyLen]byte, maskOffset int) {
	s := src[srcOffset : srcOffset+length]
	d := dst[dstOffset : dstOffset+length]
	for i := range s {
		d[i] = s[i] ^ key[(maskOffset+i)&3]
	}
}

// EncodeHeader writes a final-frame header for a payload of length bytes into
// dst and returns the number of bytes written. dst must hold MaxHeaderLen
// bytes. When masked, key follows the length field.
func EncodeHeader(dst []byte, opcode byte, length int, masked bool, key [MaskKeyLen]byte) int {
	dst[0] = FinBit | opcode&OpcodeBits
	var maskBit byte
	if masked {
		maskBit = MaskBit
	}

	n := MinHeaderLen
	switch {
	case length < ExtendedLengthMarker:
		dst[1] = maskBit | byte(length)
	case length <= MaxExtendedLength:
		dst[1] = maskBit | ExtendedLengthMarker
		binary.BigEndian.PutUint16(dst[n:], uint16(length))
		n += ExtendedLengthLen
	default:
		dst[1] = maskBit | LongLengthMarker
		binary.BigEndian.PutUint64(dst[n:], uint64(length))
		n += LongLengthLen
	}
	if masked {
		n += copy(dst[n:], key[:])
	}
	return n
}

// NewMaskKey returns a fresh random mask key.
func NewMaskKey() ([MaskKeyLen]byte, error) {
	var key [MaskKeyLen]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, api.ErrInternal.WithError(err)
	}
	return key, nil
}
