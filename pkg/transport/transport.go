// Package transport defines the byte-stream contract every protocol engine
// talks to, plus a concrete adapter over a real serial port. Engines take
// a Transport by reference for their lifetime and treat it as an unframed
// byte stream; all framing is the engine's job.
package transport

import "time"

// Transport is the capability set the core needs from a physical link. It
// is the only polymorphism the engines require: one concrete adapter for
// production use, fakes in tests.
type Transport interface {
	// Write sends buf and returns the number of bytes actually written.
	// A partial write is allowed; the caller decides whether to retry.
	Write(buf []byte) (int, error)

	// Read reads up to len(p) bytes, blocking no longer than timeout. It
	// may return fewer than len(p) bytes (including zero) without error
	// when the timeout elapses before the link produces more data.
	Read(p []byte, timeout time.Duration) (int, error)

	// ReadExact reads exactly len(p) bytes or returns a short count with
	// an error once timeout elapses. Callers that need every byte to
	// interpret a packet use this instead of Read.
	ReadExact(p []byte, timeout time.Duration) (int, error)

	// Close releases the underlying link. Reads in flight are cut short
	// and surface as a short read from the caller's perspective.
	Close() error
}
