// Package sahara implements the Qualcomm EDL-mode Sahara protocol: the
// Hello handshake, the version-branched Command-mode identity read, and
// server-pull image upload. Every exchange is a framed little-endian
// packet; the four-step Execute dance is the only place two packets are
// exchanged per logical operation.
package sahara

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/barnettlynn/flashcore/internal/config"
	"github.com/barnettlynn/flashcore/internal/protoerr"
	"github.com/barnettlynn/flashcore/pkg/chipdb"
	"github.com/barnettlynn/flashcore/pkg/transport"
)

const proto = "sahara"

// Command identifies a Sahara packet by its 32-bit command word.
type Command uint32

const (
	CmdHello              Command = 0x01
	CmdHelloResponse      Command = 0x02
	CmdReadData           Command = 0x03
	CmdEndImageTransfer   Command = 0x04
	CmdDone               Command = 0x05
	CmdDoneResponse       Command = 0x06
	CmdReset              Command = 0x07
	CmdResetResponse      Command = 0x08
	CmdCommandReady       Command = 0x0B
	CmdSwitchMode         Command = 0x0C
	CmdExecute            Command = 0x0D
	CmdExecuteData        Command = 0x0E
	CmdExecuteResponse    Command = 0x0F
	CmdReadData64         Command = 0x12
	CmdResetStateMachine  Command = 0x13
)

// Mode identifies the Sahara protocol mode carried in Hello/HelloResponse.
type Mode uint32

const (
	ModeImageTransferPending  Mode = 0x0
	ModeImageTransferComplete Mode = 0x1
	ModeMemDebug              Mode = 0x2
	ModeCommand               Mode = 0x3
)

// ExecCommand identifies a Command-mode identity sub-read issued through
// the Execute/ExecuteData/ExecuteResponse dance.
type ExecCommand uint32

const (
	ExecSerialNumRead ExecCommand = 0x01
	ExecMsmHwIdRead   ExecCommand = 0x02
	ExecOemPkHashRead ExecCommand = 0x03
	ExecSblInfoRead   ExecCommand = 0x06
	ExecSblSwVersion  ExecCommand = 0x07
	ExecPblSwVersion  ExecCommand = 0x08 // never issued; some devices fail the handshake after it
	ExecChipIdV3Read  ExecCommand = 0x0A
)

const (
	hostVersion    = 2
	hostMinVersion = 1
	maxPKHashLen   = 48
)

// DeviceInfo collects everything the Sahara handshake and identity read
// learn about the attached device.
type DeviceInfo struct {
	SaharaVersion    uint32
	MinVersion       uint32
	Mode             Mode
	Serial           uint32
	PKHash           []byte
	MSMID            uint32
	OEMID            uint16
	ModelID          uint16
	HWIDHex          string
	SBLVersion       uint32
	ChipName         string
	ChipInfoRead     bool
}

// Engine drives one Sahara conversation over a transport for its
// lifetime. It is not safe for concurrent use: the protocol is strictly
// sequenced and holds the transport exclusively during an operation.
type Engine struct {
	t       transport.Transport
	timings config.SaharaTimings
	log     *logrus.Entry

	deviceVersion   uint32
	currentMode     Mode
	skipCommandMode bool
}

// NewEngine builds a Sahara engine over t. log may be nil, in which case
// a standard logrus entry tagged with the protocol name is used.
func NewEngine(t transport.Transport, timings config.SaharaTimings, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		t:           t,
		timings:     timings,
		log:         log.WithField("proto", proto),
		currentMode: ModeImageTransferPending,
	}
}

// readPacket reads one framed Sahara packet: an 8-byte header followed by
// length-8 more bytes, if any.
func (e *Engine) readPacket(timeout time.Duration) ([]byte, error) {
	header := make([]byte, 8)
	if _, err := e.t.ReadExact(header, timeout); err != nil {
		return nil, protoerr.Wrap(protoerr.KindTransport, proto, "read packet header", err)
	}

	length := binary.LittleEndian.Uint32(header[4:8])
	if length < 8 {
		return nil, protoerr.New(protoerr.KindMalformedPacket, proto, fmt.Sprintf("packet length %d shorter than header", length))
	}
	remaining := length - 8
	if remaining == 0 {
		return header, nil
	}
	if int(remaining) > e.timings.MaxBodyBytes {
		return nil, protoerr.New(protoerr.KindMalformedPacket, proto, fmt.Sprintf("packet body %d bytes exceeds limit", remaining))
	}

	body := make([]byte, remaining)
	if _, err := e.t.ReadExact(body, timeout); err != nil {
		return nil, protoerr.Wrap(protoerr.KindTransport, proto, "read packet body", err)
	}
	return append(header, body...), nil
}

func (e *Engine) sendPacket(buf []byte) error {
	n, err := e.t.Write(buf)
	if err != nil {
		return protoerr.Wrap(protoerr.KindTransport, proto, "write packet", err)
	}
	if n != len(buf) {
		return protoerr.New(protoerr.KindTransport, proto, fmt.Sprintf("short write: %d of %d bytes", n, len(buf)))
	}
	return nil
}

func putHeader(buf []byte, cmd Command, length uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[4:8], length)
}

func buildHelloResponse(mode Mode) []byte {
	buf := make([]byte, 48)
	putHeader(buf, CmdHelloResponse, 48)
	binary.LittleEndian.PutUint32(buf[8:12], hostVersion)
	binary.LittleEndian.PutUint32(buf[12:16], hostMinVersion)
	binary.LittleEndian.PutUint32(buf[16:20], 0) // status = success
	binary.LittleEndian.PutUint32(buf[20:24], uint32(mode))
	return buf
}

func buildSwitchMode(mode Mode) []byte {
	buf := make([]byte, 12)
	putHeader(buf, CmdSwitchMode, 12)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(mode))
	return buf
}

func buildExecute(cmd ExecCommand) []byte {
	buf := make([]byte, 12)
	putHeader(buf, CmdExecute, 12)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(cmd))
	return buf
}

func buildExecuteResponse(cmd ExecCommand) []byte {
	buf := make([]byte, 12)
	putHeader(buf, CmdExecuteResponse, 12)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(cmd))
	return buf
}

func buildDone() []byte {
	buf := make([]byte, 8)
	putHeader(buf, CmdDone, 8)
	return buf
}

func buildReset() []byte {
	buf := make([]byte, 8)
	putHeader(buf, CmdReset, 8)
	return buf
}

func buildResetStateMachine() []byte {
	buf := make([]byte, 8)
	putHeader(buf, CmdResetStateMachine, 8)
	return buf
}

// Handshake waits for Hello, attempts a Command-mode identity read on the
// first Hello if the device is in ImageTransferPending mode, and finally
// sends HelloResponse requesting requestedMode. It returns the identity
// information gathered (zero-valued fields if Command mode was never
// reached).
func (e *Engine) Handshake(requestedMode Mode) (*DeviceInfo, error) {
	hello, err := e.waitHello()
	if err != nil {
		return nil, err
	}

	info := &DeviceInfo{
		SaharaVersion: binary.LittleEndian.Uint32(hello[8:12]),
		MinVersion:    binary.LittleEndian.Uint32(hello[12:16]),
		Mode:          Mode(binary.LittleEndian.Uint32(hello[20:24])),
	}
	e.deviceVersion = info.SaharaVersion
	e.currentMode = info.Mode

	e.log.WithFields(logrus.Fields{"version": info.SaharaVersion, "min_version": info.MinVersion, "mode": info.Mode}).Info("sahara hello received")

	if info.Mode == ModeImageTransferPending {
		if gotInfo, identity, err := e.tryReadChipInfo(); err != nil {
			return nil, err
		} else if gotInfo {
			*info = *identity
			hello2, err := e.readPacket(e.timings.Hello())
			if err != nil {
				return nil, protoerr.Wrap(protoerr.KindProtocol, proto, "no fresh hello after switch-mode", err)
			}
			if Command(binary.LittleEndian.Uint32(hello2[0:4])) != CmdHello {
				return nil, protoerr.New(protoerr.KindProtocol, proto, "expected fresh hello after switch-mode")
			}
			e.currentMode = Mode(binary.LittleEndian.Uint32(hello2[20:24]))
		}
	}

	if err := e.sendPacket(buildHelloResponse(requestedMode)); err != nil {
		return nil, err
	}
	e.currentMode = requestedMode
	return info, nil
}

func (e *Engine) waitHello() ([]byte, error) {
	var last []byte
	for attempt := 0; attempt < e.timings.HelloMaxRetries; attempt++ {
		if attempt > 0 {
			stale := make([]byte, 4096)
			if n, _ := e.t.Read(stale, e.timings.RetryFlush()); n > 0 {
				e.log.WithField("bytes", n).Debug("flushed stale bytes before hello retry")
			}
			time.Sleep(e.timings.RetryGap())
		}

		timeout := e.timings.Read()
		if attempt == 0 {
			timeout = e.timings.Hello()
		}

		pkt, err := e.readPacket(timeout)
		if err == nil && len(pkt) >= 48 && Command(binary.LittleEndian.Uint32(pkt[0:4])) == CmdHello {
			return pkt, nil
		}
		last = pkt
		e.log.WithField("attempt", attempt+1).Warn("hello not received, retrying")
	}
	return nil, protoerr.New(protoerr.KindTransport, proto, fmt.Sprintf("sahara hello not received after %d attempts (last=%d bytes)", e.timings.HelloMaxRetries, len(last)))
}

// tryReadChipInfo requests Command mode and, if the device accepts,
// performs the identity read. It returns gotInfo=false (never an error)
// when the device declines Command mode.
func (e *Engine) tryReadChipInfo() (bool, *DeviceInfo, error) {
	if e.skipCommandMode {
		return false, nil, nil
	}

	if err := e.sendPacket(buildHelloResponse(ModeCommand)); err != nil {
		return false, nil, err
	}

	resp, err := e.readPacket(e.timings.Exec())
	if err != nil {
		e.skipCommandMode = true
		return false, nil, nil
	}

	switch Command(binary.LittleEndian.Uint32(resp[0:4])) {
	case CmdCommandReady:
		info, err := e.readIdentity()
		if err != nil {
			return false, nil, err
		}
		if err := e.sendPacket(buildSwitchMode(ModeImageTransferPending)); err != nil {
			return false, nil, err
		}
		return true, info, nil

	case CmdReadData, CmdReadData64, CmdEndImageTransfer:
		e.skipCommandMode = true
		return false, nil, nil

	default:
		e.skipCommandMode = true
		return false, nil, nil
	}
}

// execute drives one Execute/ExecuteData/ExecuteResponse/raw-data
// exchange and returns the raw response bytes.
func (e *Engine) execute(cmd ExecCommand) ([]byte, error) {
	if err := e.sendPacket(buildExecute(cmd)); err != nil {
		return nil, err
	}

	header := make([]byte, 8)
	if _, err := e.t.ReadExact(header, e.timings.Exec()); err != nil {
		return nil, protoerr.Wrap(protoerr.KindTransport, proto, "read execute-data header", err)
	}
	if Command(binary.LittleEndian.Uint32(header[0:4])) != CmdExecuteData {
		return nil, protoerr.New(protoerr.KindProtocol, proto, "expected ExecuteData response")
	}
	length := binary.LittleEndian.Uint32(header[4:8])
	if length <= 8 {
		return nil, protoerr.New(protoerr.KindMalformedPacket, proto, "execute-data body too short")
	}

	body := make([]byte, length-8)
	if _, err := e.t.ReadExact(body, e.timings.Exec()); err != nil {
		return nil, protoerr.Wrap(protoerr.KindTransport, proto, "read execute-data body", err)
	}
	echoedCmd := ExecCommand(binary.LittleEndian.Uint32(body[0:4]))
	dataLength := binary.LittleEndian.Uint32(body[4:8])
	if echoedCmd != cmd {
		return nil, protoerr.New(protoerr.KindProtocol, proto, fmt.Sprintf("execute-data echoed 0x%02X, expected 0x%02X", echoedCmd, cmd))
	}

	if err := e.sendPacket(buildExecuteResponse(cmd)); err != nil {
		return nil, err
	}

	dataTimeout := e.timings.Exec()
	if dataLength > uint32(e.timings.ExecLargeThreshold) {
		dataTimeout = e.timings.ExecLarge()
	}
	data := make([]byte, dataLength)
	if _, err := e.t.ReadExact(data, dataTimeout); err != nil {
		return nil, protoerr.Wrap(protoerr.KindTransport, proto, "read execute raw data", err)
	}
	return data, nil
}

// readIdentity performs the common serial/PK-hash reads followed by the
// version-branched HWID read. It never issues PblSwVersion (0x08).
func (e *Engine) readIdentity() (*DeviceInfo, error) {
	info := &DeviceInfo{SaharaVersion: e.deviceVersion, ChipInfoRead: true}

	if data, err := e.execute(ExecSerialNumRead); err == nil && len(data) >= 4 {
		info.Serial = binary.LittleEndian.Uint32(data[0:4])
	}

	if data, err := e.execute(ExecOemPkHashRead); err == nil {
		n := len(data)
		if n > maxPKHashLen {
			n = maxPKHashLen
		}
		info.PKHash = append([]byte(nil), data[:n]...)
	}

	if e.deviceVersion < 3 {
		if data, err := e.execute(ExecMsmHwIdRead); err == nil && len(data) >= 8 {
			ParseHWIDV1V2(data, info)
		}
		if data, err := e.execute(ExecSblSwVersion); err == nil && len(data) >= 4 {
			info.SBLVersion = binary.LittleEndian.Uint32(data[0:4])
		}
	} else {
		if data, err := e.execute(ExecChipIdV3Read); err == nil && len(data) >= 44 {
			ParseV3ExtendedInfo(data, info)
		}
		if data, err := e.execute(ExecSblInfoRead); err == nil {
			if len(data) >= 4 {
				info.Serial = binary.LittleEndian.Uint32(data[0:4])
			}
			if len(data) >= 8 {
				info.SBLVersion = binary.LittleEndian.Uint32(data[4:8])
			}
		}
	}

	if info.MSMID != 0 {
		info.ChipName = chipdb.LookupQualcomm(info.MSMID).Name
	}
	return info, nil
}

// ParseHWIDV1V2 decodes a Sahara v1/v2 MsmHwIdRead response (8 LE bytes:
// MSM ID in bits 0-31, OEM ID in bits 32-47, model ID in bits 48-63) and
// formats HWIDHex as "0x" + the full 64-bit value, zero-padded to 16 hex
// digits, uppercased.
func ParseHWIDV1V2(data []byte, info *DeviceInfo) {
	hwid := binary.LittleEndian.Uint64(data[0:8])
	info.MSMID = uint32(hwid & 0xFFFFFFFF)
	info.OEMID = uint16((hwid >> 32) & 0xFFFF)
	info.ModelID = uint16((hwid >> 48) & 0xFFFF)
	info.HWIDHex = fmt.Sprintf("0x%016X", hwid)
}

// ParseV3ExtendedInfo decodes a Sahara v3 ChipIdV3Read response (>=44
// bytes: MSM ID at +36, OEM ID at +40, model ID at +42, with an alternate
// OEM ID at +44 used when the primary is zero) and formats HWIDHex as
// "0x00" + 6 hex digits of MSM + 4 of OEM + 4 of model, uppercased.
func ParseV3ExtendedInfo(data []byte, info *DeviceInfo) {
	msm := binary.LittleEndian.Uint32(data[36:40])
	oem := binary.LittleEndian.Uint16(data[40:42])
	model := binary.LittleEndian.Uint16(data[42:44])

	if oem == 0 && len(data) >= 46 {
		if alt := binary.LittleEndian.Uint16(data[44:46]); alt > 0 && alt < 0x1000 {
			oem = alt
		}
	}

	info.MSMID = msm
	info.OEMID = oem
	info.ModelID = model
	info.HWIDHex = fmt.Sprintf("0x00%06X%04X%04X", msm, oem, model)
}

// UploadLoader serves a programmer image in server-pull mode: the device
// drives the exchange by requesting byte ranges via ReadData/ReadData64
// until it signals EndImageTransfer.
func (e *Engine) UploadLoader(loaderData []byte) error {
	for {
		pkt, err := e.readPacket(e.timings.Read())
		if err != nil {
			return err
		}
		cmd := Command(binary.LittleEndian.Uint32(pkt[0:4]))

		switch cmd {
		case CmdReadData:
			if len(pkt) < 20 {
				return protoerr.New(protoerr.KindMalformedPacket, proto, "ReadData packet too short")
			}
			offset := uint64(binary.LittleEndian.Uint32(pkt[12:16]))
			length := uint64(binary.LittleEndian.Uint32(pkt[16:20]))
			if err := e.writeChunk(loaderData, offset, length); err != nil {
				return err
			}

		case CmdReadData64:
			if len(pkt) < 32 {
				return protoerr.New(protoerr.KindMalformedPacket, proto, "ReadData64 packet too short")
			}
			offset := binary.LittleEndian.Uint64(pkt[16:24])
			length := binary.LittleEndian.Uint64(pkt[24:32])
			if err := e.writeChunk(loaderData, offset, length); err != nil {
				return err
			}

		case CmdEndImageTransfer:
			if len(pkt) < 16 {
				return protoerr.New(protoerr.KindMalformedPacket, proto, "EndImageTransfer packet too short")
			}
			status := binary.LittleEndian.Uint32(pkt[12:16])
			if status != 0 {
				return protoerr.New(protoerr.KindProtocol, proto, fmt.Sprintf("image transfer failed, status=0x%02X", status))
			}
			return e.finishUpload()

		default:
			return protoerr.New(protoerr.KindProtocol, proto, fmt.Sprintf("unexpected command 0x%02X during upload", cmd))
		}
	}
}

func (e *Engine) writeChunk(loaderData []byte, offset, length uint64) error {
	total := uint64(len(loaderData))
	if offset > total || length > total-offset {
		return protoerr.New(protoerr.KindProtocol, proto, fmt.Sprintf("ReadData out of range: offset=%d length=%d total=%d", offset, length, total))
	}
	chunk := loaderData[offset : offset+length]
	n, err := e.t.Write(chunk)
	if err != nil {
		return protoerr.Wrap(protoerr.KindTransport, proto, "write loader chunk", err)
	}
	if n != len(chunk) {
		return protoerr.New(protoerr.KindTransport, proto, fmt.Sprintf("short loader write: %d of %d bytes", n, len(chunk)))
	}
	return nil
}

func (e *Engine) finishUpload() error {
	if err := e.sendPacket(buildDone()); err != nil {
		return err
	}
	resp, err := e.readPacket(e.timings.Read())
	if err != nil {
		return err
	}
	if Command(binary.LittleEndian.Uint32(resp[0:4])) != CmdDoneResponse {
		return protoerr.New(protoerr.KindProtocol, proto, "expected DoneResponse after Done")
	}
	return nil
}

// Reset issues a hard reset (0x07) and waits briefly for ResetResponse,
// succeeding either way: some devices power off before replying.
func (e *Engine) Reset() error {
	if err := e.sendPacket(buildReset()); err != nil {
		return err
	}
	resp, err := e.readPacket(e.timings.Exec())
	if err != nil {
		return nil
	}
	if Command(binary.LittleEndian.Uint32(resp[0:4])) != CmdResetResponse {
		e.log.Warn("reset sent, unexpected response command")
	}
	return nil
}

// ResetStateMachine issues a soft reset (0x13). No response is expected;
// the device resends Hello.
func (e *Engine) ResetStateMachine() error {
	return e.sendPacket(buildResetStateMachine())
}
