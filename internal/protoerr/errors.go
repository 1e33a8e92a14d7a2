// Package protoerr defines the typed error kinds every flashcore engine
// raises. Callers discriminate failures with the Is* helpers instead of
// string matching or sentinel values, and can still unwrap to the
// underlying transport/parse cause with errors.As.
package protoerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the error taxonomy entries engines raise.
type Kind int

const (
	// KindTransport covers a short read, a partial write, or a closed stream.
	KindTransport Kind = iota
	// KindProtocol covers an unexpected command/opcode or a status not
	// allowed in the current state.
	KindProtocol
	// KindEchoMismatch covers a BROM echo byte that does not match what was sent.
	KindEchoMismatch
	// KindChecksumMismatch covers an HDLC CRC, Spreadtrum sum, or MTK checksum disagreement.
	KindChecksumMismatch
	// KindMalformedPacket covers an absurd or self-contradictory length field.
	KindMalformedPacket
	// KindAuthenticationFailed covers SLA key/cert/signing/device-rejection failures.
	KindAuthenticationFailed
	// KindKeyLoadFailed covers a PEM parse failure or a non-RSA private key.
	KindKeyLoadFailed
	// KindInvalidInput covers an out-of-range item ID, malformed IMEI, or bad path.
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport error"
	case KindProtocol:
		return "protocol error"
	case KindEchoMismatch:
		return "echo mismatch"
	case KindChecksumMismatch:
		return "checksum mismatch"
	case KindMalformedPacket:
		return "malformed packet"
	case KindAuthenticationFailed:
		return "authentication failed"
	case KindKeyLoadFailed:
		return "key load failed"
	case KindInvalidInput:
		return "invalid input"
	default:
		return "unknown protocol error"
	}
}

// Error is the single typed error flashcore engines return, carrying a
// Kind for classification and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Proto   string // protocol name, e.g. "sahara", "brom", "sla"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Proto != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %s: %v", e.Proto, e.Kind, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s: %s: %s", e.Proto, e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, proto, message string) *Error {
	return &Error{Kind: kind, Proto: proto, Message: message}
}

// Wrap builds an *Error wrapping cause, annotated with errors.Wrap so the
// cause chain keeps a stack trace for debugging.
func Wrap(kind Kind, proto, message string, cause error) *Error {
	return &Error{Kind: kind, Proto: proto, Message: message, Cause: errors.Wrap(cause, message)}
}

// IsTransportError reports whether err (or any error it wraps) is a transport failure.
func IsTransportError(err error) bool { return isKind(err, KindTransport) }

// IsProtocolError reports whether err (or any error it wraps) is a protocol violation.
func IsProtocolError(err error) bool { return isKind(err, KindProtocol) }

// IsEchoMismatch reports whether err (or any error it wraps) is a BROM echo mismatch.
func IsEchoMismatch(err error) bool { return isKind(err, KindEchoMismatch) }

// IsChecksumMismatch reports whether err (or any error it wraps) is a checksum failure.
func IsChecksumMismatch(err error) bool { return isKind(err, KindChecksumMismatch) }

// IsMalformedPacket reports whether err (or any error it wraps) is a malformed-packet failure.
func IsMalformedPacket(err error) bool { return isKind(err, KindMalformedPacket) }

// IsAuthenticationFailed reports whether err (or any error it wraps) is an SLA authentication failure.
func IsAuthenticationFailed(err error) bool { return isKind(err, KindAuthenticationFailed) }

// IsKeyLoadFailed reports whether err (or any error it wraps) is a key-load failure.
func IsKeyLoadFailed(err error) bool { return isKind(err, KindKeyLoadFailed) }

// IsInvalidInput reports whether err (or any error it wraps) is an invalid-input failure.
func IsInvalidInput(err error) bool { return isKind(err, KindInvalidInput) }

func isKind(err error, kind Kind) bool {
	var pe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			pe = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return pe != nil && pe.Kind == kind
}
