package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialTransport wraps a real serial port as a Transport, for talking to
// an actual device. Tests exercise engines against fakes instead; this
// adapter exists so the module is runnable, not only testable.
type SerialTransport struct {
	port serial.Port
	name string
}

// OpenSerial opens portName at baud and wraps it as a Transport.
func OpenSerial(portName string, baud int) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	return &SerialTransport{port: port, name: portName}, nil
}

// Write implements Transport.
func (s *SerialTransport) Write(buf []byte) (int, error) {
	return s.port.Write(buf)
}

// Read implements Transport, applying timeout as the port's read deadline
// before issuing a single Read call.
func (s *SerialTransport) Read(p []byte, timeout time.Duration) (int, error) {
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return 0, fmt.Errorf("set read timeout on %s: %w", s.name, err)
	}
	return s.port.Read(p)
}

// ReadExact reads len(p) bytes, re-issuing reads against the remaining
// slice until the timeout budget is exhausted or the buffer fills.
func (s *SerialTransport) ReadExact(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	total := 0
	for total < len(p) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return total, fmt.Errorf("read exact on %s: timed out with %d/%d bytes", s.name, total, len(p))
		}
		n, err := s.Read(p[total:], remaining)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("read exact on %s: timed out with %d/%d bytes", s.name, total, len(p))
		}
	}
	return total, nil
}

// Close implements Transport.
func (s *SerialTransport) Close() error {
	return s.port.Close()
}
