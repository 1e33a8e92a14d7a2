// Package sprddiag implements the Spreadtrum/Unisoc Diag command protocol:
// single-byte command types framed over HDLC (transcode enabled by
// default), each response carrying a cmd/status echo ahead of its data.
package sprddiag

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/barnettlynn/flashcore/internal/config"
	"github.com/barnettlynn/flashcore/internal/protoerr"
	"github.com/barnettlynn/flashcore/pkg/hdlc"
	"github.com/barnettlynn/flashcore/pkg/transport"
)

const proto = "sprddiag"

// Command identifies a Spreadtrum Diag command by its single-byte type.
type Command uint8

const (
	CmdConnect     Command = 0x00
	CmdReadNV      Command = 0x01
	CmdWriteNV     Command = 0x02
	CmdReadIMEI    Command = 0x03
	CmdWriteIMEI   Command = 0x04
	CmdReadVersion Command = 0x05
	CmdReadPhase   Command = 0x06
	CmdReset       Command = 0x0A
	CmdPowerOff    Command = 0x0B
	CmdReadChipID  Command = 0x0C
)

const respOK = 0x00

// maxFrameSize caps a single response read; Spreadtrum frames do not
// exceed this in practice.
const maxFrameSize = 0x2800

// PhaseCheck holds the decoded factory phase-check response.
type PhaseCheck struct {
	SN      string
	Station string
	Flags   uint32
	Passed  bool
}

// Engine drives one Spreadtrum Diag conversation over a transport for its
// lifetime.
type Engine struct {
	t         transport.Transport
	timings   config.SprdDiagTimings
	log       *logrus.Entry
	transcode bool
}

// NewEngine builds a Spreadtrum Diag engine over t with HDLC transcoding
// enabled (the default mode; disabled only after an explicit
// disable-transcode request from the FDL layer). log may be nil.
func NewEngine(t transport.Transport, timings config.SprdDiagTimings, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{t: t, timings: timings, log: log.WithField("proto", proto), transcode: true}
}

// SetTranscode toggles HDLC byte-stuffing, used by the FDL controller after
// a disable-transcode command switches the link to raw binary mode.
func (e *Engine) SetTranscode(enabled bool) { e.transcode = enabled }

func (e *Engine) send(cmd Command, payload []byte) error {
	frame := hdlc.SprdEncode(uint16(cmd), payload, e.transcode)
	n, err := e.t.Write(frame)
	if err != nil {
		return protoerr.Wrap(protoerr.KindTransport, proto, "write command frame", err)
	}
	if n != len(frame) {
		return protoerr.New(protoerr.KindTransport, proto, fmt.Sprintf("short write: %d of %d bytes", n, len(frame)))
	}
	return nil
}

// recv reads one response frame and splits it into its status byte and
// trailing data, per the cmd|status|data response layout.
func (e *Engine) recv() (status byte, data []byte, err error) {
	buf := make([]byte, maxFrameSize)
	n, rerr := e.t.Read(buf, e.timings.Response())
	if rerr != nil || n == 0 {
		return 0, nil, protoerr.New(protoerr.KindTransport, proto, "diag response timeout")
	}

	frame, derr := hdlc.SprdDecode(buf[:n], e.transcode)
	if derr != nil {
		return 0, nil, protoerr.Wrap(protoerr.KindMalformedPacket, proto, "decode diag response", derr)
	}
	if len(frame.Payload) < 1 {
		return 0, nil, protoerr.New(protoerr.KindMalformedPacket, proto, "diag response missing status byte")
	}
	return frame.Payload[0], frame.Payload[1:], nil
}

func (e *Engine) sendAndCheck(cmd Command, payload []byte) ([]byte, error) {
	if err := e.send(cmd, payload); err != nil {
		return nil, err
	}
	status, data, err := e.recv()
	if err != nil {
		return nil, err
	}
	if status != respOK {
		return nil, protoerr.New(protoerr.KindProtocol, proto, fmt.Sprintf("command 0x%02X failed, status=0x%02X", cmd, status))
	}
	return data, nil
}

// Connect performs the initial handshake, the prerequisite for every other
// Diag command.
func (e *Engine) Connect() error {
	_, err := e.sendAndCheck(CmdConnect, nil)
	return err
}

func beItemID(item uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, item)
	return buf
}

// ReadNV reads the raw bytes stored under item.
func (e *Engine) ReadNV(item uint16) ([]byte, error) {
	return e.sendAndCheck(CmdReadNV, beItemID(item))
}

// WriteNV writes data under item.
func (e *Engine) WriteNV(item uint16, data []byte) error {
	payload := append(beItemID(item), data...)
	_, err := e.sendAndCheck(CmdWriteNV, payload)
	return err
}

// ReadIMEI reads the IMEI stored for simSlot.
func (e *Engine) ReadIMEI(simSlot uint8) ([]byte, error) {
	return e.sendAndCheck(CmdReadIMEI, []byte{simSlot})
}

// WriteIMEI writes imei for simSlot.
func (e *Engine) WriteIMEI(simSlot uint8, imei []byte) error {
	payload := append([]byte{simSlot}, imei...)
	_, err := e.sendAndCheck(CmdWriteIMEI, payload)
	return err
}

// ReadVersion reads the device's firmware version string.
func (e *Engine) ReadVersion() (string, error) {
	data, err := e.sendAndCheck(CmdReadVersion, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\x00"), nil
}

// ReadChipID reads the raw chip identity bytes.
func (e *Engine) ReadChipID() ([]byte, error) {
	return e.sendAndCheck(CmdReadChipID, nil)
}

const phaseCheckBodyLen = 24 + 8 + 4 + 1

func trimLatin1(b []byte) string {
	return strings.TrimRight(strings.TrimSpace(string(b)), "\x00")
}

// ReadPhaseCheck reads the factory phase-check record: a 24-byte serial
// number, an 8-byte station name, a big-endian flag word, and a
// pass/fail byte.
func (e *Engine) ReadPhaseCheck() (*PhaseCheck, error) {
	data, err := e.sendAndCheck(CmdReadPhase, nil)
	if err != nil {
		return nil, err
	}
	if len(data) < phaseCheckBodyLen {
		return nil, protoerr.New(protoerr.KindMalformedPacket, proto, fmt.Sprintf("phase-check body %d bytes, want %d", len(data), phaseCheckBodyLen))
	}

	return &PhaseCheck{
		SN:      trimLatin1(data[0:24]),
		Station: trimLatin1(data[24:32]),
		Flags:   binary.BigEndian.Uint32(data[32:36]),
		Passed:  data[36] != 0,
	}, nil
}

// Reset issues a normal reset. No response is expected.
func (e *Engine) Reset() error {
	return e.send(CmdReset, nil)
}

// PowerOff issues a power-off command. No response is expected.
func (e *Engine) PowerOff() error {
	return e.send(CmdPowerOff, nil)
}
