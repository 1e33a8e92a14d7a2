// Package brom implements the MediaTek boot-ROM echo protocol: a 4-byte
// bitwise-complement handshake followed by a command stream where every
// host-sent byte or big-endian word is echoed back by the device. DA bulk
// upload is the one exception, sent raw with no echo expected.
package brom

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/barnettlynn/flashcore/internal/config"
	"github.com/barnettlynn/flashcore/internal/protoerr"
	"github.com/barnettlynn/flashcore/pkg/crc"
	"github.com/barnettlynn/flashcore/pkg/transport"
)

const proto = "brom"

// Command identifies a BROM echo-protocol command byte.
type Command byte

const (
	CmdGetHwCode     Command = 0xFD
	CmdGetBlVer      Command = 0xFE
	CmdGetVersion    Command = 0xFF
	CmdGetHwSwVer    Command = 0xFC
	CmdGetHwDict     Command = 0xA1
	CmdSendDa        Command = 0xD7
	CmdJumpDa        Command = 0xD5
	CmdSendCert      Command = 0xE0
	CmdGetMeId       Command = 0xE1
	CmdGetSocId      Command = 0xE7
	CmdGetTargetCfg  Command = 0xD8
	CmdSendAuth      Command = 0xE2
	CmdI2CInit       Command = 0xB0
	CmdPwrInit       Command = 0xC4
	CmdPwrDeinit     Command = 0xC5
	CmdPwrRead16     Command = 0xC6
	CmdPwrWrite16    Command = 0xC7
	CmdRead16        Command = 0xA2
	CmdRead32        Command = 0xD1
	CmdWrite16       Command = 0xA4
	CmdWrite32       Command = 0xD4
)

// Status is a 16-bit BROM status word.
type Status uint16

const (
	StatusOK   Status = 0x0000
	StatusCont Status = 0x0069
)

const (
	watchdogAddr  = 0x10007000
	watchdogValue = 0x22000000
	daBlockSizeCap = 4096
)

// TargetConfig decodes the flag word returned by get_target_config.
type TargetConfig struct {
	ConfigFlags     uint32
	SecureBoot      bool
	SLAEnabled      bool
	DAAEnabled      bool
	SBC             bool
	SLAVersion      uint8
}

// DeviceInfo collects everything get_device_info gathers about the attached
// boot ROM.
type DeviceInfo struct {
	HwCode    uint16
	HwSubCode uint16
	HwVersion uint16
	SwVersion uint16

	// HwSubCodeRaw, HwVersionRaw and SwVersionRaw are the full 32-bit
	// words CMD_GET_HW_SW_VER returns, before the high-16-bits extraction
	// the boot ROM's reply layout is believed to need. Kept alongside the
	// extracted halves so a layout fix against real hardware never needs
	// a re-read of the device.
	HwSubCodeRaw uint32
	HwVersionRaw uint32
	SwVersionRaw uint32

	BlVer      uint8
	IsBromMode bool
	MeID       []byte
	SocID      []byte
	TargetCfg  TargetConfig
}

// Engine drives one BROM conversation over a transport for its lifetime.
// Like every protocol engine here it is strictly sequenced and not safe for
// concurrent use.
type Engine struct {
	t       transport.Transport
	timings config.BromTimings
	log     *logrus.Entry
}

// NewEngine builds a BROM engine over t. log may be nil, in which case a
// standard logrus entry tagged with the protocol name is used.
func NewEngine(t transport.Transport, timings config.BromTimings, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{t: t, timings: timings, log: log.WithField("proto", proto)}
}

var syncBytes = [4]byte{0xA0, 0x0A, 0x50, 0x05}

// Handshake performs the 4-byte bitwise-complement sync. It flushes up to
// 256 stale bytes and retries from scratch on a first-byte mismatch, and
// restarts with a 50ms pause on any later-byte mismatch. It gives up after
// the configured maximum number of attempts.
func (e *Engine) Handshake() error {
	for attempt := 0; attempt < e.timings.HandshakeMaxAttempts; attempt++ {
		flush := make([]byte, 256)
		if n, _ := e.t.Read(flush, e.timings.Flush()); n > 0 {
			e.log.WithField("bytes", n).Debug("flushed stale bytes before handshake attempt")
		}

		if n, err := e.t.Write(syncBytes[0:1]); err != nil || n != 1 {
			return protoerr.Wrap(protoerr.KindTransport, proto, "write handshake sync byte 0", err)
		}
		resp := make([]byte, 1)
		n, err := e.t.ReadExact(resp, e.timings.ByteTimeout())
		if err != nil || n != 1 || resp[0] != ^syncBytes[0] {
			time.Sleep(e.timings.RetryDelay())
			continue
		}

		ok := true
		for k := 1; k < 4; k++ {
			if n, err := e.t.Write(syncBytes[k : k+1]); err != nil || n != 1 {
				return protoerr.Wrap(protoerr.KindTransport, proto, fmt.Sprintf("write handshake sync byte %d", k), err)
			}
			r := make([]byte, 1)
			n, err := e.t.ReadExact(r, e.timings.ByteTimeout())
			if err != nil || n != 1 || r[0] != ^syncBytes[k] {
				e.log.WithFields(logrus.Fields{"position": k, "attempt": attempt + 1}).Warn("handshake byte mismatch, retrying")
				ok = false
				break
			}
		}

		if ok {
			e.log.WithField("attempt", attempt+1).Info("brom handshake complete")
			return nil
		}
		time.Sleep(e.timings.RetryDelay())
	}
	return protoerr.New(protoerr.KindTransport, proto, fmt.Sprintf("handshake failed after %d attempts", e.timings.HandshakeMaxAttempts))
}

// sendCommand writes one command byte and requires it to be echoed back
// exactly; any mismatch is fatal for the session.
func (e *Engine) sendCommand(cmd Command) error {
	if n, err := e.t.Write([]byte{byte(cmd)}); err != nil || n != 1 {
		return protoerr.Wrap(protoerr.KindTransport, proto, "write command", err)
	}
	echo := make([]byte, 1)
	if _, err := e.t.ReadExact(echo, e.timings.Default()); err != nil {
		return protoerr.Wrap(protoerr.KindEchoMismatch, proto, fmt.Sprintf("no echo for command 0x%02X", cmd), err)
	}
	if Command(echo[0]) != cmd {
		return protoerr.New(protoerr.KindEchoMismatch, proto, fmt.Sprintf("command echo mismatch: sent 0x%02X, got 0x%02X", cmd, echo[0]))
	}
	return nil
}

// sendWord writes a big-endian 32-bit word and reads back its echo. A
// mismatch is only logged: the BROM word echo is not load-bearing the way
// the command echo is.
func (e *Engine) sendWord(value uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, value)
	if n, err := e.t.Write(buf); err != nil || n != 4 {
		return protoerr.Wrap(protoerr.KindTransport, proto, "write word", err)
	}
	echo := make([]byte, 4)
	n, err := e.t.ReadExact(echo, e.timings.Default())
	if err != nil || n != 4 {
		e.log.WithField("value", fmt.Sprintf("0x%08X", value)).Warn("no echo for word")
		return nil
	}
	if binary.BigEndian.Uint32(echo) != value {
		e.log.WithFields(logrus.Fields{"sent": fmt.Sprintf("0x%08X", value), "got": fmt.Sprintf("0x%08X", binary.BigEndian.Uint32(echo))}).Warn("word echo mismatch")
	}
	return nil
}

// recvWord reads a big-endian 32-bit word with no echo.
func (e *Engine) recvWord() (uint32, error) {
	buf := make([]byte, 4)
	if _, err := e.t.ReadExact(buf, e.timings.Default()); err != nil {
		return 0, protoerr.Wrap(protoerr.KindTransport, proto, "read word", err)
	}
	return binary.BigEndian.Uint32(buf), nil
}

// readStatus reads a big-endian 16-bit status word.
func (e *Engine) readStatus() (Status, error) {
	buf := make([]byte, 2)
	if _, err := e.t.ReadExact(buf, e.timings.Default()); err != nil {
		return 0, protoerr.Wrap(protoerr.KindTransport, proto, "read status", err)
	}
	return Status(binary.BigEndian.Uint16(buf)), nil
}

// expectStatus reads a status word and fails unless it equals expected.
func (e *Engine) expectStatus(expected Status) error {
	status, err := e.readStatus()
	if err != nil {
		return err
	}
	if status != expected {
		return protoerr.New(protoerr.KindProtocol, proto, fmt.Sprintf("unexpected status 0x%04X, expected 0x%04X", status, expected))
	}
	return nil
}

// echoRead reads size bytes the device sends after echoing its own length
// prefix (get_me_id/get_soc_id/read32).
func (e *Engine) echoRead(size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := e.t.ReadExact(buf, e.timings.Default()); err != nil {
		return nil, protoerr.Wrap(protoerr.KindTransport, proto, "echo read", err)
	}
	return buf, nil
}

// echoWrite sends data and requires the device to send back as many bytes
// as were written, used for certificate and auth payloads. The echoed
// bytes are read but not compared with data.
func (e *Engine) echoWrite(data []byte) error {
	if n, err := e.t.Write(data); err != nil || n != len(data) {
		return protoerr.Wrap(protoerr.KindTransport, proto, "echo write", err)
	}
	echo := make([]byte, len(data))
	n, err := e.t.ReadExact(echo, e.timings.Default())
	if err != nil || n != len(data) {
		return protoerr.Wrap(protoerr.KindTransport, proto, "echo write readback", err)
	}
	return nil
}

// GetHwCode reads the hardware code. The BROM quirk here is that the
// identity word's meaningful value lives in the high 16 bits of the
// returned 32-bit word.
func (e *Engine) GetHwCode() (uint16, error) {
	if err := e.sendCommand(CmdGetHwCode); err != nil {
		return 0, err
	}
	word, err := e.recvWord()
	if err != nil {
		return 0, err
	}
	code := uint16(word >> 16)
	if err := e.expectStatus(StatusOK); err != nil {
		return 0, err
	}
	return code, nil
}

// GetBlVer reads the bootloader-mode byte directly (no high-word quirk):
// 0xFE means BROM mode, any other value is preloader mode.
func (e *Engine) GetBlVer() (uint8, error) {
	if err := e.sendCommand(CmdGetBlVer); err != nil {
		return 0, err
	}
	resp, err := e.echoRead(1)
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

// GetBromVersion reads the BROM version word (high 16 bits of recv_word).
func (e *Engine) GetBromVersion() (uint16, error) {
	if err := e.sendCommand(CmdGetVersion); err != nil {
		return 0, err
	}
	word, err := e.recvWord()
	if err != nil {
		return 0, err
	}
	ver := uint16(word >> 16)
	if err := e.expectStatus(StatusOK); err != nil {
		return 0, err
	}
	return ver, nil
}

// GetTargetConfig reads the device's security configuration flags and
// extracts the SLA version from bits 24-27, flooring a zero nibble to 1.
func (e *Engine) GetTargetConfig() (TargetConfig, error) {
	if err := e.sendCommand(CmdGetTargetCfg); err != nil {
		return TargetConfig{}, err
	}
	flags, err := e.recvWord()
	if err != nil {
		return TargetConfig{}, err
	}
	if err := e.expectStatus(StatusOK); err != nil {
		return TargetConfig{}, err
	}

	cfg := TargetConfig{
		ConfigFlags: flags,
		SecureBoot:  flags&0x01 != 0,
		SLAEnabled:  flags&0x02 != 0,
		DAAEnabled:  flags&0x04 != 0,
		SBC:         flags&0x08 != 0,
	}
	cfg.SLAVersion = uint8((flags >> 24) & 0x0F)
	if cfg.SLAVersion == 0 {
		cfg.SLAVersion = 1
	}
	return cfg, nil
}

func (e *Engine) readLengthPrefixed(cmd Command) ([]byte, error) {
	if err := e.sendCommand(cmd); err != nil {
		return nil, err
	}
	length, err := e.recvWord()
	if err != nil {
		return nil, err
	}
	if length == 0 || length > 256 {
		return nil, protoerr.New(protoerr.KindMalformedPacket, proto, fmt.Sprintf("invalid length %d from 0x%02X", length, cmd))
	}
	data, err := e.echoRead(int(length))
	if err != nil {
		return nil, err
	}
	if err := e.expectStatus(StatusOK); err != nil {
		return nil, err
	}
	return data, nil
}

// GetMeId reads the device's unique ME-ID, a length word followed by 1-256
// bytes.
func (e *Engine) GetMeId() ([]byte, error) { return e.readLengthPrefixed(CmdGetMeId) }

// GetSocId reads the device's SoC-ID, a length word followed by 1-256
// bytes.
func (e *Engine) GetSocId() ([]byte, error) { return e.readLengthPrefixed(CmdGetSocId) }

// DisableWatchdog writes the fixed watchdog-disable value to the
// watchdog-control register. It is always performed as part of
// GetDeviceInfo.
func (e *Engine) DisableWatchdog() error {
	return e.Write32(watchdogAddr, []uint32{watchdogValue})
}

// GetDeviceInfo gathers hw code, bootloader version, watchdog state,
// target config, ME/SoC IDs and the hw/sw version triple in one call,
// matching the order the bring-up sequence always uses.
func (e *Engine) GetDeviceInfo() (*DeviceInfo, error) {
	info := &DeviceInfo{}

	hwCode, err := e.GetHwCode()
	if err != nil {
		return nil, err
	}
	info.HwCode = hwCode

	blVer, err := e.GetBlVer()
	if err != nil {
		return nil, err
	}
	info.BlVer = blVer
	info.IsBromMode = blVer == 0xFE

	if err := e.DisableWatchdog(); err != nil {
		e.log.WithError(err).Warn("disable watchdog failed")
	}

	cfg, err := e.GetTargetConfig()
	if err != nil {
		return nil, err
	}
	info.TargetCfg = cfg

	meID, err := e.GetMeId()
	if err != nil {
		return nil, err
	}
	info.MeID = meID

	socID, err := e.GetSocId()
	if err != nil {
		return nil, err
	}
	info.SocID = socID

	if err := e.sendCommand(CmdGetHwSwVer); err == nil {
		if w, err := e.recvWord(); err == nil {
			info.HwSubCodeRaw = w
			info.HwSubCode = uint16(w >> 16)
		}
		if w, err := e.recvWord(); err == nil {
			info.HwVersionRaw = w
			info.HwVersion = uint16(w >> 16)
		}
		if w, err := e.recvWord(); err == nil {
			info.SwVersionRaw = w
			info.SwVersion = uint16(w >> 16)
		}
		if err := e.expectStatus(StatusOK); err != nil {
			e.log.WithError(err).Warn("hw/sw version status check failed")
		}
	}

	return info, nil
}

// SendDa uploads a Download Agent image: command, three big-endian
// parameter words (load address, size, signature length), CONT, the
// payload streamed raw in blocks of the configured DA block size (at most
// 4KiB) with no echo, then a device checksum
// compared against the local MTK checksum.
func (e *Engine) SendDa(data []byte, loadAddr, sigLen uint32) error {
	if err := e.sendCommand(CmdSendDa); err != nil {
		return err
	}
	if err := e.sendWord(loadAddr); err != nil {
		return err
	}
	if err := e.sendWord(uint32(len(data))); err != nil {
		return err
	}
	if err := e.sendWord(sigLen); err != nil {
		return err
	}
	if err := e.expectStatus(StatusCont); err != nil {
		return err
	}

	blockSize := e.timings.DaBlockSize
	if blockSize <= 0 || blockSize > daBlockSizeCap {
		blockSize = daBlockSizeCap
	}
	for sent := 0; sent < len(data); {
		end := sent + blockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[sent:end]
		n, err := e.t.Write(chunk)
		if err != nil {
			return protoerr.Wrap(protoerr.KindTransport, proto, "write da chunk", err)
		}
		if n != len(chunk) {
			return protoerr.New(protoerr.KindTransport, proto, fmt.Sprintf("short da write: %d of %d bytes", n, len(chunk)))
		}
		sent = end
	}

	localChecksum := crc.MtkChecksum(data)
	devChecksum, err := e.readStatus()
	if err != nil {
		return err
	}
	if uint16(devChecksum) != localChecksum {
		return protoerr.New(protoerr.KindChecksumMismatch, proto, fmt.Sprintf("da checksum mismatch: local=0x%04X remote=0x%04X", localChecksum, devChecksum))
	}
	return e.expectStatus(StatusOK)
}

// JumpDa jumps execution to a previously uploaded DA at addr.
func (e *Engine) JumpDa(addr uint32) error {
	if err := e.sendCommand(CmdJumpDa); err != nil {
		return err
	}
	if err := e.sendWord(addr); err != nil {
		return err
	}
	return e.expectStatus(StatusOK)
}

func (e *Engine) sendLengthPrefixedPayload(cmd Command, data []byte) error {
	if err := e.sendCommand(cmd); err != nil {
		return err
	}
	if err := e.sendWord(uint32(len(data))); err != nil {
		return err
	}
	if err := e.expectStatus(StatusCont); err != nil {
		return err
	}
	if err := e.echoWrite(data); err != nil {
		return err
	}
	return e.expectStatus(StatusOK)
}

// SendCert sends a security certificate to the device ahead of SLA
// authentication.
func (e *Engine) SendCert(certData []byte) error {
	return e.sendLengthPrefixedPayload(CmdSendCert, certData)
}

// SendAuth sends the RSA-SHA256 signature completing SLA authentication.
func (e *Engine) SendAuth(authData []byte) error {
	return e.sendLengthPrefixedPayload(CmdSendAuth, authData)
}

// Read32 reads count 32-bit words starting at addr.
func (e *Engine) Read32(addr, count uint32) ([]byte, error) {
	if err := e.sendCommand(CmdRead32); err != nil {
		return nil, err
	}
	if err := e.sendWord(addr); err != nil {
		return nil, err
	}
	if err := e.sendWord(count); err != nil {
		return nil, err
	}
	if err := e.expectStatus(StatusCont); err != nil {
		return nil, err
	}
	result, err := e.echoRead(int(count) * 4)
	if err != nil {
		return nil, err
	}
	if err := e.expectStatus(StatusOK); err != nil {
		return nil, err
	}
	return result, nil
}

// Write32 writes values as consecutive 32-bit words starting at addr.
func (e *Engine) Write32(addr uint32, values []uint32) error {
	if err := e.sendCommand(CmdWrite32); err != nil {
		return err
	}
	if err := e.sendWord(addr); err != nil {
		return err
	}
	if err := e.sendWord(uint32(len(values))); err != nil {
		return err
	}
	if err := e.expectStatus(StatusCont); err != nil {
		return err
	}
	for _, v := range values {
		if err := e.sendWord(v); err != nil {
			return err
		}
	}
	return e.expectStatus(StatusOK)
}

// I2CInit initializes the I2C bus the PMIC sits on.
func (e *Engine) I2CInit() error {
	if err := e.sendCommand(CmdI2CInit); err != nil {
		return err
	}
	return e.expectStatus(StatusOK)
}

// PwrInit initializes PMIC access.
func (e *Engine) PwrInit() error {
	if err := e.sendCommand(CmdPwrInit); err != nil {
		return err
	}
	return e.expectStatus(StatusOK)
}

// PwrDeinit releases PMIC access.
func (e *Engine) PwrDeinit() error {
	if err := e.sendCommand(CmdPwrDeinit); err != nil {
		return err
	}
	return e.expectStatus(StatusOK)
}

// PwrRead16 reads a 16-bit PMIC register at addr.
func (e *Engine) PwrRead16(addr uint16) (uint16, error) {
	if err := e.sendCommand(CmdPwrRead16); err != nil {
		return 0, err
	}
	if err := e.sendWord(uint32(addr)); err != nil {
		return 0, err
	}
	word, err := e.recvWord()
	if err != nil {
		return 0, err
	}
	if err := e.expectStatus(StatusOK); err != nil {
		return 0, err
	}
	return uint16(word), nil
}

// PwrWrite16 writes a 16-bit PMIC register at addr.
func (e *Engine) PwrWrite16(addr, value uint16) error {
	if err := e.sendCommand(CmdPwrWrite16); err != nil {
		return err
	}
	if err := e.sendWord(uint32(addr)); err != nil {
		return err
	}
	if err := e.sendWord(uint32(value)); err != nil {
		return err
	}
	return e.expectStatus(StatusOK)
}
