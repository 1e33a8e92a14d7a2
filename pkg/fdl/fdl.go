// Package fdl implements the Spreadtrum/Unisoc FDL controller: the boot
// ROM handshake, FDL1/FDL2 stage download and execution, and the
// partition/IMEI/version operations exposed once a stage is running.
// Once FDL2 executes, IMEI, version, reset and power-off reuse the same
// Diag command set pkg/sprddiag already implements.
package fdl

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/barnettlynn/flashcore/internal/config"
	"github.com/barnettlynn/flashcore/internal/protoerr"
	"github.com/barnettlynn/flashcore/pkg/chipdb"
	"github.com/barnettlynn/flashcore/pkg/hdlc"
	"github.com/barnettlynn/flashcore/pkg/sprddiag"
	"github.com/barnettlynn/flashcore/pkg/transport"
)

const proto = "fdl"

// Stage is where in the FDL1/FDL2 bring-up sequence the controller is.
type Stage int

const (
	StageNone Stage = iota
	StageFDL1
	StageFDL2
)

func (s Stage) String() string {
	switch s {
	case StageFDL1:
		return "FDL1"
	case StageFDL2:
		return "FDL2"
	default:
		return "None"
	}
}

// bslCommand identifies a download-stage command. These occupy their own
// command space, distinct from pkg/sprddiag's, because the device only
// understands them before a Diag-capable stage is running.
type bslCommand uint16

const (
	cmdConnect        bslCommand = 0x00
	cmdStartData      bslCommand = 0x01
	cmdMidstData      bslCommand = 0x02
	cmdEndData        bslCommand = 0x03
	cmdExecData       bslCommand = 0x04
	cmdChangeBaud     bslCommand = 0x09
	cmdReadPartitions bslCommand = 0x0D
	cmdWritePartition bslCommand = 0x0E
	cmdReadPartition  bslCommand = 0x0F
	cmdErasePartition bslCommand = 0x10
)

const respOK = 0x00

// maxDataChunk bounds a single MIDST_DATA payload; boot ROM receive
// buffers on this chip family are small.
const maxDataChunk = 528

const maxFrameSize = 0x2800

const handshakeMaxAttempts = 50

// PartitionInfo describes one entry in the device's partition table.
type PartitionInfo struct {
	Name string
	Size uint64
}

// Controller drives the Spreadtrum boot ROM handshake and FDL1/FDL2
// bring-up, then delegates IMEI/version/reset/power-off to an embedded
// Diag engine once a stage is executing.
type Controller struct {
	t         transport.Transport
	timings   config.SprdDiagTimings
	log       *logrus.Entry
	transcode bool

	stage        Stage
	pendingStage Stage
	chip         chipdb.SprdChip

	diag *sprddiag.Engine
}

// NewController builds an FDL controller over t. log may be nil.
func NewController(t transport.Transport, timings config.SprdDiagTimings, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		t:         t,
		timings:   timings,
		log:       log.WithField("proto", proto),
		transcode: true,
		diag:      sprddiag.NewEngine(t, timings, log),
	}
}

// CurrentStage reports where the bring-up sequence is.
func (c *Controller) CurrentStage() Stage { return c.stage }

// ChipInfo returns the chip identity learned during Connect. Before a
// successful Connect it is the zero-value "unknown" record.
func (c *Controller) ChipInfo() chipdb.SprdChip { return c.chip }

// DisableTranscode switches the link out of HDLC byte-stuffing mode, the
// step the original service takes immediately before an FDL2 binary
// transfer.
func (c *Controller) DisableTranscode() {
	c.transcode = false
	c.diag.SetTranscode(false)
}

func (c *Controller) send(cmd bslCommand, payload []byte) error {
	frame := hdlc.SprdEncode(uint16(cmd), payload, c.transcode)
	n, err := c.t.Write(frame)
	if err != nil {
		return protoerr.Wrap(protoerr.KindTransport, proto, "write command frame", err)
	}
	if n != len(frame) {
		return protoerr.New(protoerr.KindTransport, proto, fmt.Sprintf("short write: %d of %d bytes", n, len(frame)))
	}
	return nil
}

func (c *Controller) recv() (status byte, data []byte, err error) {
	buf := make([]byte, maxFrameSize)
	n, rerr := c.t.Read(buf, c.timings.Response())
	if rerr != nil || n == 0 {
		return 0, nil, protoerr.New(protoerr.KindTransport, proto, "fdl response timeout")
	}

	frame, derr := hdlc.SprdDecode(buf[:n], c.transcode)
	if derr != nil {
		return 0, nil, protoerr.Wrap(protoerr.KindMalformedPacket, proto, "decode fdl response", derr)
	}
	if len(frame.Payload) < 1 {
		return 0, nil, protoerr.New(protoerr.KindMalformedPacket, proto, "fdl response missing status byte")
	}
	return frame.Payload[0], frame.Payload[1:], nil
}

func (c *Controller) sendAndCheck(cmd bslCommand, payload []byte) ([]byte, error) {
	if err := c.send(cmd, payload); err != nil {
		return nil, err
	}
	status, data, err := c.recv()
	if err != nil {
		return nil, err
	}
	if status != respOK {
		return nil, protoerr.New(protoerr.KindProtocol, proto, fmt.Sprintf("command 0x%02X failed, status=0x%02X", cmd, status))
	}
	return data, nil
}

// Handshake pings the boot ROM with the HDLC flag byte until it echoes
// one back, establishing byte sync before the first Connect.
func (c *Controller) Handshake() error {
	for attempt := 0; attempt < handshakeMaxAttempts; attempt++ {
		if _, err := c.t.Write([]byte{hdlc.Flag}); err != nil {
			return protoerr.Wrap(protoerr.KindTransport, proto, "write handshake sync byte", err)
		}
		resp := make([]byte, 1)
		n, err := c.t.ReadExact(resp, c.timings.Response())
		if err == nil && n == 1 && resp[0] == hdlc.Flag {
			c.log.WithField("attempt", attempt+1).Info("fdl handshake complete")
			return nil
		}
		time.Sleep(c.timings.Poll())
	}
	return protoerr.New(protoerr.KindTransport, proto, fmt.Sprintf("handshake failed after %d attempts", handshakeMaxAttempts))
}

// Connect completes the boot ROM handshake and records the chip identity
// the device reports, so a later FDL2 download can pick its load address
// instead of relying on a zero chip id.
func (c *Controller) Connect() error {
	data, err := c.sendAndCheck(cmdConnect, nil)
	if err != nil {
		return err
	}
	if len(data) >= 2 {
		c.chip = chipdb.LookupSprd(binary.BigEndian.Uint16(data))
		c.log.WithField("chip", c.chip.Name).Info("connected to spreadtrum boot rom")
	}
	return nil
}

func be32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// DownloadFdl streams data to addr as a START_DATA/MIDST_DATA.../END_DATA
// sequence. The stage is recorded as pending and committed by the next
// successful ExecData.
func (c *Controller) DownloadFdl(data []byte, addr uint32, stage Stage) error {
	start := append(be32(addr), be32(uint32(len(data)))...)
	if _, err := c.sendAndCheck(cmdStartData, start); err != nil {
		return protoerr.Wrap(protoerr.KindProtocol, proto, "start data", err)
	}

	for offset := 0; offset < len(data); offset += maxDataChunk {
		end := offset + maxDataChunk
		if end > len(data) {
			end = len(data)
		}
		if _, err := c.sendAndCheck(cmdMidstData, data[offset:end]); err != nil {
			return protoerr.Wrap(protoerr.KindProtocol, proto, fmt.Sprintf("midst data at offset %d", offset), err)
		}
	}

	if _, err := c.sendAndCheck(cmdEndData, nil); err != nil {
		return protoerr.Wrap(protoerr.KindProtocol, proto, "end data", err)
	}

	c.pendingStage = stage
	return nil
}

// ExecData jumps to addr. When this commits the FDL2 stage, the
// controller re-handshakes and reconnects before returning, per the
// device's own stage transition: FDL2 takes over the link and needs a
// fresh sync.
func (c *Controller) ExecData(addr uint32) error {
	if _, err := c.sendAndCheck(cmdExecData, be32(addr)); err != nil {
		return protoerr.Wrap(protoerr.KindProtocol, proto, "exec data", err)
	}
	c.stage = c.pendingStage

	if c.stage == StageFDL2 {
		if err := c.Handshake(); err != nil {
			return protoerr.Wrap(protoerr.KindProtocol, proto, "fdl2 re-handshake", err)
		}
		if err := c.Connect(); err != nil {
			return protoerr.Wrap(protoerr.KindProtocol, proto, "fdl2 re-connect", err)
		}
	}
	return nil
}

// ChangeBaudRate asks the device to switch its UART to bps. It does not
// reconfigure the local transport; the transport contract this module
// targets has no such hook, so the caller is responsible for matching
// the host-side baud rate afterward.
func (c *Controller) ChangeBaudRate(bps uint32) error {
	_, err := c.sendAndCheck(cmdChangeBaud, be32(bps))
	return err
}

func encodeName(name string) []byte {
	b := []byte(name)
	out := make([]byte, 2+len(b))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(b)))
	copy(out[2:], b)
	return out
}

// ReadPartitions returns the device's partition table.
func (c *Controller) ReadPartitions() ([]PartitionInfo, error) {
	data, err := c.sendAndCheck(cmdReadPartitions, nil)
	if err != nil {
		return nil, err
	}

	var partitions []PartitionInfo
	for len(data) >= 2 {
		nameLen := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < nameLen+8 {
			break
		}
		name := string(data[:nameLen])
		data = data[nameLen:]
		size := binary.BigEndian.Uint64(data[:8])
		data = data[8:]
		partitions = append(partitions, PartitionInfo{Name: name, Size: size})
	}
	return partitions, nil
}

// WritePartition writes data to the named partition from its start.
func (c *Controller) WritePartition(name string, data []byte) error {
	payload := append(encodeName(name), data...)
	_, err := c.sendAndCheck(cmdWritePartition, payload)
	return err
}

// ReadPartition reads length bytes from the named partition starting at
// offset.
func (c *Controller) ReadPartition(name string, offset, length uint64) ([]byte, error) {
	payload := encodeName(name)
	tail := make([]byte, 16)
	binary.BigEndian.PutUint64(tail[0:8], offset)
	binary.BigEndian.PutUint64(tail[8:16], length)
	payload = append(payload, tail...)
	return c.sendAndCheck(cmdReadPartition, payload)
}

// ErasePartition erases the named partition.
func (c *Controller) ErasePartition(name string) error {
	_, err := c.sendAndCheck(cmdErasePartition, encodeName(name))
	return err
}

// ReadImei reads the IMEI for simSlot via the Diag command set.
func (c *Controller) ReadImei(simSlot uint8) ([]byte, error) { return c.diag.ReadIMEI(simSlot) }

// WriteImei writes imei for simSlot via the Diag command set.
func (c *Controller) WriteImei(simSlot uint8, imei []byte) error {
	return c.diag.WriteIMEI(simSlot, imei)
}

// GetVersion reads the running stage's firmware version string.
func (c *Controller) GetVersion() (string, error) { return c.diag.ReadVersion() }

// NormalReset reboots the device normally.
func (c *Controller) NormalReset() error { return c.diag.Reset() }

// PowerOff powers the device off.
func (c *Controller) PowerOff() error { return c.diag.PowerOff() }
