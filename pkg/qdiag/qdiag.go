// Package qdiag implements the Qualcomm Diag protocol: HDLC+CRC-16/CCITT
// framed commands for NV item access, IMEI read/write, device info, EFS2
// file access, and a QCN-style bulk NV dump.
package qdiag

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/barnettlynn/flashcore/internal/config"
	"github.com/barnettlynn/flashcore/internal/protoerr"
	"github.com/barnettlynn/flashcore/pkg/hdlc"
	"github.com/barnettlynn/flashcore/pkg/transport"
)

const proto = "qdiag"

// Command identifies a Diag command by its single-byte opcode.
type Command uint8

const (
	CmdVerno   Command = 0x00
	CmdNvRead  Command = 0x26
	CmdNvWrite Command = 0x27
	CmdSpc     Command = 0x41
	CmdPasswd  Command = 0x46
	CmdSubsys  Command = 0x4B
	CmdDload   Command = 0x3A
	CmdReboot  Command = 0x29
)

// Well-known NV items.
const (
	NvESN      uint16 = 0
	NvSPC      uint16 = 85
	NvBandPref uint16 = 441
	NvIMEI     uint16 = 550
	NvMEID     uint16 = 4678
	NvOEMLock  uint16 = 7121
	NvLTEBand  uint16 = 65633
)

const nvDataSize = 128
const fsSubsys = 0x13

// nvStatusDone is the only NV status code that counts as success.
const nvStatusDone uint16 = 0

// Engine drives one Qualcomm Diag conversation over a transport.
type Engine struct {
	t       transport.Transport
	timings config.QDiagTimings
	log     *logrus.Entry
	spcOK   bool
}

// DeviceInfo holds the fields readable without SPC unlock.
type DeviceInfo struct {
	CompDate  string
	CompTime  string
	SwVersion string
	ModelID   uint8
	ESN       string
	MEID      string
}

// ImeiPair holds the two IMEI slots NV 550/551 store.
type ImeiPair struct {
	Imei1 string
	Imei2 string
}

// QcnRecord is one (item, data) pair from a bulk NV dump.
type QcnRecord struct {
	Item uint16
	Data []byte
}

// NewEngine builds a Qualcomm Diag engine over t. log may be nil.
func NewEngine(t transport.Transport, timings config.QDiagTimings, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{t: t, timings: timings, log: log.WithField("proto", proto)}
}

// exchange HDLC-encodes payload, writes it, and polls for a decoded
// response frame until timings.Response() elapses.
func (e *Engine) exchange(payload []byte) ([]byte, error) {
	frame := hdlc.Encode(payload, true)
	n, err := e.t.Write(frame)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindTransport, proto, "write diag command", err)
	}
	if n != len(frame) {
		return nil, protoerr.New(protoerr.KindTransport, proto, fmt.Sprintf("short write: %d of %d bytes", n, len(frame)))
	}
	return e.poll()
}

func (e *Engine) poll() ([]byte, error) {
	var buffer []byte
	chunk := make([]byte, e.timings.PollChunkBytes)
	poll := e.timings.Poll()

	for elapsed := time.Duration(0); elapsed < e.timings.Response(); elapsed += poll {
		n, err := e.t.Read(chunk, poll)
		if err == nil && n > 0 {
			buffer = append(buffer, chunk[:n]...)
			frames := hdlc.ExtractFrames(buffer)
			if len(frames) > 0 {
				decoded, derr := hdlc.Decode(frames[0], true)
				if derr == nil {
					return decoded, nil
				}
			}
		}
	}
	return nil, protoerr.New(protoerr.KindTransport, proto, "diag response timeout")
}

// Connect sends VERNO as a connectivity probe.
func (e *Engine) Connect() error {
	resp, err := e.exchange([]byte{byte(CmdVerno)})
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != byte(CmdVerno) {
		return protoerr.New(protoerr.KindProtocol, proto, "unexpected diag response to VERNO")
	}
	return nil
}

// SendSpc unlocks the device with a 6-digit Service Programming Code,
// right-padded with '0' to 6 characters.
func (e *Engine) SendSpc(code string) error {
	if len(code) > 6 {
		code = code[:6]
	}
	spc := []byte(code)
	for len(spc) < 6 {
		spc = append(spc, '0')
	}

	payload := append([]byte{byte(CmdSpc)}, spc...)
	resp, err := e.exchange(payload)
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[0] != byte(CmdSpc) || resp[1] != 1 {
		return protoerr.New(protoerr.KindAuthenticationFailed, proto, "spc rejected")
	}
	e.spcOK = true
	return nil
}

// SendPassword submits an 8-byte zero-padded security password.
func (e *Engine) SendPassword(password string) error {
	pw := make([]byte, 8)
	copy(pw, password)

	payload := append([]byte{byte(CmdPasswd)}, pw...)
	resp, err := e.exchange(payload)
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != 1 {
		return protoerr.New(protoerr.KindAuthenticationFailed, proto, "password rejected")
	}
	e.spcOK = true
	return nil
}

func nvRequest(cmd Command, item uint16, data []byte) []byte {
	req := make([]byte, 1+2+nvDataSize+2)
	req[0] = byte(cmd)
	binary.LittleEndian.PutUint16(req[1:3], item)
	copy(req[3:3+nvDataSize], data)
	return req
}

// ReadNv reads the 128-byte data field stored under item.
func (e *Engine) ReadNv(item uint16) ([]byte, error) {
	resp, err := e.exchange(nvRequest(CmdNvRead, item, nil))
	if err != nil {
		return nil, err
	}
	if len(resp) < 1+2+nvDataSize+2 {
		return nil, protoerr.New(protoerr.KindMalformedPacket, proto, fmt.Sprintf("nv read response %d bytes, want %d", len(resp), 1+2+nvDataSize+2))
	}
	if resp[0] != byte(CmdNvRead) {
		return nil, protoerr.New(protoerr.KindMalformedPacket, proto, "invalid nv read response")
	}
	if respItem := binary.LittleEndian.Uint16(resp[1:3]); respItem != item {
		e.log.WithFields(logrus.Fields{"requested": item, "got": respItem}).Warn("nv item mismatch")
	}
	status := binary.LittleEndian.Uint16(resp[3+nvDataSize : 3+nvDataSize+2])
	if status != nvStatusDone {
		return nil, protoerr.New(protoerr.KindProtocol, proto, fmt.Sprintf("nv read item %d failed, status=%d", item, status))
	}
	return resp[3 : 3+nvDataSize], nil
}

// WriteNv writes data (zero-padded to 128 bytes) under item.
func (e *Engine) WriteNv(item uint16, data []byte) error {
	if !e.spcOK {
		e.log.Warn("spc not unlocked, nv write may fail")
	}
	if len(data) > nvDataSize {
		data = data[:nvDataSize]
	}

	resp, err := e.exchange(nvRequest(CmdNvWrite, item, data))
	if err != nil {
		return err
	}
	if len(resp) < 1+2+nvDataSize+2 {
		return protoerr.New(protoerr.KindMalformedPacket, proto, fmt.Sprintf("nv write response %d bytes, want %d", len(resp), 1+2+nvDataSize+2))
	}
	if resp[0] != byte(CmdNvWrite) {
		return protoerr.New(protoerr.KindMalformedPacket, proto, "invalid nv write response")
	}
	status := binary.LittleEndian.Uint16(resp[3+nvDataSize : 3+nvDataSize+2])
	if status != nvStatusDone {
		return protoerr.New(protoerr.KindProtocol, proto, fmt.Sprintf("nv write item %d failed, status=%d", item, status))
	}
	return nil
}

// encodeImei packs a 14 or 15 digit IMEI as BCD per 3GPP TS 23.003: byte 0
// is the length (8), byte 1 carries the type nibble (0xA) and the first
// digit, and the rest pack two digits per byte. A 15-digit IMEI (the Luhn
// check digit included) fills all 7 remaining bytes exactly; a 14-digit
// IMEI leaves the last nibble padded with 0xF.
func encodeImei(digits string) ([]byte, error) {
	if len(digits) != 14 && len(digits) != 15 {
		return nil, protoerr.New(protoerr.KindInvalidInput, proto, fmt.Sprintf("imei must be 14 or 15 digits, got %d", len(digits)))
	}

	result := make([]byte, 9)
	result[0] = 0x08

	d0, err := digitAt(digits, 0)
	if err != nil {
		return nil, err
	}
	result[1] = 0x0A | (d0 << 4)

	rest := digits[1:]
	for i := 0; i < len(rest); i += 2 {
		byteIdx := i/2 + 2
		lo, err := digitAt(rest, i)
		if err != nil {
			return nil, err
		}
		hi := byte(0x0F)
		if i+1 < len(rest) {
			hi, err = digitAt(rest, i+1)
			if err != nil {
				return nil, err
			}
		}
		result[byteIdx] = lo | (hi << 4)
	}
	return result, nil
}

func digitAt(s string, i int) (byte, error) {
	c := s[i]
	if c < '0' || c > '9' {
		return 0, protoerr.New(protoerr.KindInvalidInput, proto, fmt.Sprintf("non-digit %q in imei", c))
	}
	return c - '0', nil
}

// decodeImei reverses encodeImei.
func decodeImei(data []byte) (string, error) {
	if len(data) < 9 {
		return "", protoerr.New(protoerr.KindMalformedPacket, proto, "imei nv data shorter than 9 bytes")
	}
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(int((data[1] >> 4) & 0x0F)))
	for i := 2; i <= 8; i++ {
		lo := data[i] & 0x0F
		hi := (data[i] >> 4) & 0x0F
		if lo < 10 {
			sb.WriteString(strconv.Itoa(int(lo)))
		}
		if hi < 10 {
			sb.WriteString(strconv.Itoa(int(hi)))
		}
	}
	return sb.String(), nil
}

// ReadImei reads both IMEI slots, NV 550 and 551.
func (e *Engine) ReadImei() (*ImeiPair, error) {
	data1, err := e.ReadNv(NvIMEI)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocol, proto, "read imei1", err)
	}
	imei1, err := decodeImei(data1)
	if err != nil {
		return nil, err
	}

	pair := &ImeiPair{Imei1: imei1}
	if data2, err := e.ReadNv(NvIMEI + 1); err == nil {
		if imei2, err := decodeImei(data2); err == nil {
			pair.Imei2 = imei2
		}
	}
	return pair, nil
}

// WriteImei writes imei1 to NV 550 and, if non-empty, imei2 to NV 551.
func (e *Engine) WriteImei(imei1, imei2 string) error {
	encoded1, err := encodeImei(imei1)
	if err != nil {
		return protoerr.Wrap(protoerr.KindInvalidInput, proto, "encode imei1", err)
	}
	if err := e.WriteNv(NvIMEI, encoded1); err != nil {
		return protoerr.Wrap(protoerr.KindProtocol, proto, "write imei1", err)
	}

	if imei2 == "" {
		return nil
	}
	encoded2, err := encodeImei(imei2)
	if err != nil {
		return protoerr.Wrap(protoerr.KindInvalidInput, proto, "encode imei2", err)
	}
	if err := e.WriteNv(NvIMEI+1, encoded2); err != nil {
		return protoerr.Wrap(protoerr.KindProtocol, proto, "write imei2", err)
	}
	return nil
}

func trimASCII(b []byte) string {
	return strings.TrimRight(strings.TrimSpace(string(b)), "\x00")
}

// GetDeviceInfo reads the VERNO version record plus the ESN and MEID NV
// items.
func (e *Engine) GetDeviceInfo() (*DeviceInfo, error) {
	resp, err := e.exchange([]byte{byte(CmdVerno)})
	if err != nil {
		return nil, err
	}
	info := &DeviceInfo{}
	if len(resp) > 1 {
		body := resp[1:]
		if len(body) >= 46 {
			info.CompDate = trimASCII(body[0:11])
			info.CompTime = trimASCII(body[11:19])
			info.SwVersion = trimASCII(body[38:46])
		}
		if len(body) >= 48 {
			info.ModelID = body[47]
		}
	}

	if esn, err := e.ReadNv(NvESN); err == nil && len(esn) >= 4 {
		info.ESN = fmt.Sprintf("0x%08X", binary.LittleEndian.Uint32(esn))
	}
	if meid, err := e.ReadNv(NvMEID); err == nil && len(meid) >= 7 {
		info.MEID = strings.ToUpper(hex.EncodeToString(meid[:7]))
	}
	return info, nil
}

func subsysHeader(subcmd uint16) []byte {
	h := make([]byte, 4)
	h[0] = byte(CmdSubsys)
	h[1] = fsSubsys
	binary.LittleEndian.PutUint16(h[2:4], subcmd)
	return h
}

// EfsRead opens path read-only over the EFS2 subsystem dispatch, reads it
// in timings.EfsReadChunk-sized chunks until a short read or error, and
// closes it.
func (e *Engine) EfsRead(path string) ([]byte, error) {
	openCmd := subsysHeader(0x0001)
	openCmd = append(openCmd, le32(0)...) // oflag = O_RDONLY
	openCmd = append(openCmd, le32(0)...) // mode
	openCmd = append(openCmd, []byte(path)...)
	openCmd = append(openCmd, 0x00)

	openResp, err := e.exchange(openCmd)
	if err != nil {
		return nil, err
	}
	if len(openResp) < 12 {
		return nil, protoerr.New(protoerr.KindMalformedPacket, proto, "efs open response too short")
	}
	fd := int32(binary.LittleEndian.Uint32(openResp[4:8]))
	efsErrno := int32(binary.LittleEndian.Uint32(openResp[8:12]))
	if fd < 0 || efsErrno != 0 {
		return nil, protoerr.New(protoerr.KindProtocol, proto, fmt.Sprintf("efs open %q failed: fd=%d errno=%d", path, fd, efsErrno))
	}

	chunkSize := uint32(e.timings.EfsReadChunk)
	var data []byte
	for {
		readCmd := subsysHeader(0x0003)
		readCmd = append(readCmd, le32(uint32(fd))...)
		readCmd = append(readCmd, le32(chunkSize)...)
		readCmd = append(readCmd, le32(uint32(len(data)))...)

		readResp, err := e.exchange(readCmd)
		if err != nil {
			return nil, err
		}
		if len(readResp) < 20 {
			break
		}
		bytesRead := int32(binary.LittleEndian.Uint32(readResp[12:16]))
		readErr := int32(binary.LittleEndian.Uint32(readResp[16:20]))
		if bytesRead <= 0 || readErr != 0 {
			break
		}

		available := len(readResp) - 20
		toRead := int(bytesRead)
		if toRead > available {
			toRead = available
		}
		if toRead > 0 {
			data = append(data, readResp[20:20+toRead]...)
		}
		if uint32(bytesRead) < chunkSize {
			break
		}
	}

	closeCmd := subsysHeader(0x0004)
	closeCmd = append(closeCmd, le32(uint32(fd))...)
	_, _ = e.exchange(closeCmd)

	return data, nil
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// ReadQcn dumps every NV item in 0..timings.QcnMaxItem that reads
// successfully.
func (e *Engine) ReadQcn() ([]QcnRecord, error) {
	var records []QcnRecord
	for item := uint16(0); int(item) < e.timings.QcnMaxItem; item++ {
		data, err := e.ReadNv(item)
		if err == nil && len(data) > 0 {
			records = append(records, QcnRecord{Item: item, Data: append([]byte(nil), data...)})
		}
	}
	if len(records) == 0 {
		return nil, protoerr.New(protoerr.KindProtocol, proto, "qcn dump returned no readable nv items")
	}
	return records, nil
}

// SwitchToDownloadMode requests the device drop into EDL/Sahara mode.
func (e *Engine) SwitchToDownloadMode() error {
	resp, err := e.exchange([]byte{byte(CmdDload)})
	if err != nil {
		return err
	}
	if len(resp) == 0 {
		return protoerr.New(protoerr.KindProtocol, proto, "empty response to dload request")
	}
	return nil
}

// Reboot sends a normal mode-reset command. The device disconnects
// afterward, so command delivery rather than a response is the success
// criterion.
func (e *Engine) Reboot() error {
	payload := []byte{byte(CmdReboot), 0x00, 0x00}
	frame := hdlc.Encode(payload, true)
	n, err := e.t.Write(frame)
	if err != nil {
		return protoerr.Wrap(protoerr.KindTransport, proto, "write reboot command", err)
	}
	if n != len(frame) {
		return protoerr.New(protoerr.KindTransport, proto, fmt.Sprintf("short write: %d of %d bytes", n, len(frame)))
	}
	return nil
}
