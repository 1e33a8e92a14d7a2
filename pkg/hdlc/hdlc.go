// Package hdlc implements the HDLC byte-stuffing framing shared by the
// Qualcomm Diag and Spreadtrum Diag/FDL engines, plus the Spreadtrum
// type/length/payload/checksum envelope layered on top of it.
package hdlc

import (
	"github.com/barnettlynn/flashcore/internal/protoerr"
	"github.com/barnettlynn/flashcore/pkg/crc"
)

const (
	// Flag delimits the start and end of a frame.
	Flag byte = 0x7E
	// Escape marks the byte that follows as an escaped payload byte.
	Escape byte = 0x7D
	// EscapeXOR is XORed with an escaped byte to recover its original value.
	EscapeXOR byte = 0x20
)

// EscapeBytes replaces any Flag or Escape byte found in data with an
// Escape/XORed pair, leaving every other byte untouched.
func EscapeBytes(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if b == Flag || b == Escape {
			out = append(out, Escape, b^EscapeXOR)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// Unescape reverses EscapeBytes.
func Unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	escaped := false
	for _, b := range data {
		switch {
		case escaped:
			out = append(out, b^EscapeXOR)
			escaped = false
		case b == Escape:
			escaped = true
		default:
			out = append(out, b)
		}
	}
	return out
}

// Encode wraps data in Flag bytes, optionally appending a little-endian
// CRC-16/CCITT before escaping.
func Encode(data []byte, useCRC bool) []byte {
	payload := data
	if useCRC {
		c := crc.CCITT(data)
		payload = append(append([]byte{}, data...), byte(c&0xFF), byte(c>>8))
	}

	escaped := EscapeBytes(payload)
	out := make([]byte, 0, len(escaped)+2)
	out = append(out, Flag)
	out = append(out, escaped...)
	out = append(out, Flag)
	return out
}

// Decode strips any leading/trailing run of Flag bytes, unescapes the
// remainder, and — if validateCRC is set — splits off and checks a
// trailing little-endian CRC-16/CCITT.
func Decode(frame []byte, validateCRC bool) ([]byte, error) {
	start, end := 0, len(frame)-1
	for start < len(frame) && frame[start] == Flag {
		start++
	}
	for end > start && frame[end] == Flag {
		end--
	}
	if start > end {
		return nil, protoerr.New(protoerr.KindMalformedPacket, "hdlc", "frame contains no content between flags")
	}

	unescaped := Unescape(frame[start : end+1])

	if !validateCRC {
		return unescaped, nil
	}
	if len(unescaped) < 2 {
		return nil, protoerr.New(protoerr.KindMalformedPacket, "hdlc", "frame too short to carry a CRC")
	}

	payload := unescaped[:len(unescaped)-2]
	received := uint16(unescaped[len(unescaped)-2]) | uint16(unescaped[len(unescaped)-1])<<8
	computed := crc.CCITT(payload)
	if received != computed {
		return nil, protoerr.New(protoerr.KindChecksumMismatch, "hdlc", "CRC-16/CCITT mismatch")
	}
	return payload, nil
}

// ExtractFrames returns every maximal run of bytes between consecutive
// Flag bytes that has non-empty content. Back-to-back flags delimit
// adjacent frames rather than an empty one.
func ExtractFrames(data []byte) [][]byte {
	var frames [][]byte
	start := -1
	for i, b := range data {
		if b != Flag {
			continue
		}
		if start >= 0 && i-start > 1 {
			frames = append(frames, data[start:i+1])
		}
		start = i
	}
	return frames
}
