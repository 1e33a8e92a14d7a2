package transport

import (
	"fmt"
	"time"
)

// Fake is an in-memory Transport for engine tests: Write appends to Sent,
// Read/ReadExact drain from a pre-loaded Inbox. It never blocks and
// ignores the timeout argument: Read on an empty Inbox returns zero bytes
// without error, and ReadExact reports any short read as an error.
type Fake struct {
	Inbox  []byte
	Sent   []byte
	Closed bool

	// FailReadAfter, if >= 0, causes the (FailReadAfter+1)-th ReadExact
	// call to return a short read regardless of Inbox contents, for
	// exercising TransportError paths deterministically.
	FailReadAfter int
	readCalls     int
}

// NewFake builds a Fake pre-loaded with inbox as the bytes a device would
// have sent, with short-read injection disabled.
func NewFake(inbox []byte) *Fake {
	return &Fake{Inbox: inbox, FailReadAfter: -1}
}

func (f *Fake) Write(buf []byte) (int, error) {
	f.Sent = append(f.Sent, buf...)
	return len(buf), nil
}

func (f *Fake) Read(p []byte, timeout time.Duration) (int, error) {
	n := copy(p, f.Inbox)
	f.Inbox = f.Inbox[n:]
	return n, nil
}

func (f *Fake) ReadExact(p []byte, timeout time.Duration) (int, error) {
	f.readCalls++
	if f.FailReadAfter >= 0 && f.readCalls > f.FailReadAfter {
		n := copy(p, f.Inbox)
		return n, fmt.Errorf("fake: injected short read, got %d/%d bytes", n, len(p))
	}
	if len(f.Inbox) < len(p) {
		n := copy(p, f.Inbox)
		f.Inbox = nil
		return n, fmt.Errorf("fake: short read, got %d/%d bytes", n, len(p))
	}
	n := copy(p, f.Inbox)
	f.Inbox = f.Inbox[n:]
	return n, nil
}

func (f *Fake) Close() error {
	f.Closed = true
	return nil
}
