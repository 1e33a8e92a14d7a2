package brom

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/barnettlynn/flashcore/internal/config"
	"github.com/barnettlynn/flashcore/internal/protoerr"
)

// echoFake is a scripted Transport for the BROM echo protocol: every
// ReadExact call consumes the next entry from queue, and Read (used only
// for the handshake's stale-buffer flush) always reports nothing pending,
// matching a well-behaved scripted device that never sends unsolicited
// bytes.
type echoFake struct {
	queue [][]byte
	sent  []byte
}

func (f *echoFake) Write(buf []byte) (int, error) {
	f.sent = append(f.sent, buf...)
	return len(buf), nil
}

func (f *echoFake) Read(p []byte, timeout time.Duration) (int, error) {
	return 0, nil
}

func (f *echoFake) ReadExact(p []byte, timeout time.Duration) (int, error) {
	if len(f.queue) == 0 {
		return 0, fmt.Errorf("echoFake: no scripted response left for a %d-byte read", len(p))
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	if len(next) != len(p) {
		return 0, fmt.Errorf("echoFake: scripted response length %d != requested %d", len(next), len(p))
	}
	copy(p, next)
	return len(p), nil
}

func (f *echoFake) Close() error { return nil }

func fastTimings() config.BromTimings {
	return config.BromTimings{
		HandshakeByteTimeoutMs: 1,
		HandshakeFlushMs:       1,
		HandshakeRetryDelayMs:  1,
		HandshakeMaxAttempts:   3,
		DefaultTimeoutMs:       1,
		DaBlockSize:            4096,
	}
}

func be32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func be16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

func TestHandshakeSucceedsOnFirstAttempt(t *testing.T) {
	f := &echoFake{queue: [][]byte{{0x5F}, {0xF5}, {0xAF}, {0xFA}}}
	e := NewEngine(f, fastTimings(), nil)

	if err := e.Handshake(); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	want := []byte{0xA0, 0x0A, 0x50, 0x05}
	if string(f.sent) != string(want) {
		t.Fatalf("sent = % X, want % X", f.sent, want)
	}
}

func TestHandshakeRetriesAfterFirstByteMismatch(t *testing.T) {
	f := &echoFake{queue: [][]byte{
		{0x00},                         // first attempt: wrong reply to 0xA0
		{0x5F}, {0xF5}, {0xAF}, {0xFA}, // second attempt succeeds
	}}
	e := NewEngine(f, fastTimings(), nil)

	if err := e.Handshake(); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	// The failed first attempt sends only the leading sync byte (a
	// first-byte mismatch aborts before the remaining three are sent);
	// the successful second attempt sends the full sequence.
	want := []byte{0xA0, 0xA0, 0x0A, 0x50, 0x05}
	if string(f.sent) != string(want) {
		t.Fatalf("sent = % X, want % X", f.sent, want)
	}
}

func TestHandshakeRestartsAfterLaterByteMismatch(t *testing.T) {
	f := &echoFake{queue: [][]byte{
		{0x5F}, {0x00}, // first attempt: byte 0 ok, byte 1 wrong
		{0x5F}, {0xF5}, {0xAF}, {0xFA}, // second attempt succeeds
	}}
	e := NewEngine(f, fastTimings(), nil)

	if err := e.Handshake(); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
}

func TestHandshakeFailsAfterMaxAttempts(t *testing.T) {
	f := &echoFake{}
	timings := fastTimings()
	timings.HandshakeMaxAttempts = 2
	e := NewEngine(f, timings, nil)

	err := e.Handshake()
	if err == nil {
		t.Fatalf("expected Handshake to fail with no scripted responses")
	}
	if !protoerr.IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestGetHwCodeReadsHighWordAndStatus(t *testing.T) {
	f := &echoFake{queue: [][]byte{
		{byte(CmdGetHwCode)},
		be32(0x07260000),
		be16(uint16(StatusOK)),
	}}
	e := NewEngine(f, fastTimings(), nil)

	code, err := e.GetHwCode()
	if err != nil {
		t.Fatalf("GetHwCode() error = %v", err)
	}
	if code != 0x0726 {
		t.Fatalf("GetHwCode() = 0x%04X, want 0x0726", code)
	}
}

func TestGetBlVerReportsBromMode(t *testing.T) {
	f := &echoFake{queue: [][]byte{
		{byte(CmdGetBlVer)},
		{0xFE},
	}}
	e := NewEngine(f, fastTimings(), nil)

	ver, err := e.GetBlVer()
	if err != nil {
		t.Fatalf("GetBlVer() error = %v", err)
	}
	if ver != 0xFE {
		t.Fatalf("GetBlVer() = 0x%02X, want 0xFE", ver)
	}
}

func TestGetTargetConfigExtractsFlagsAndFloorsSlaVersion(t *testing.T) {
	// bit1 (SLA) set, sla-version nibble (bits 24-27) left at zero: must
	// floor to 1 rather than report version 0.
	f := &echoFake{queue: [][]byte{
		{byte(CmdGetTargetCfg)},
		be32(0x00000002),
		be16(uint16(StatusOK)),
	}}
	e := NewEngine(f, fastTimings(), nil)

	cfg, err := e.GetTargetConfig()
	if err != nil {
		t.Fatalf("GetTargetConfig() error = %v", err)
	}
	if !cfg.SLAEnabled || cfg.SecureBoot || cfg.DAAEnabled || cfg.SBC {
		t.Fatalf("unexpected flag decode: %+v", cfg)
	}
	if cfg.SLAVersion != 1 {
		t.Fatalf("SLAVersion = %d, want 1 (floored)", cfg.SLAVersion)
	}
}

func TestGetTargetConfigPreservesExplicitSlaVersion(t *testing.T) {
	f := &echoFake{queue: [][]byte{
		{byte(CmdGetTargetCfg)},
		be32(0x03000002), // nibble bits 24-27 = 3
		be16(uint16(StatusOK)),
	}}
	e := NewEngine(f, fastTimings(), nil)

	cfg, err := e.GetTargetConfig()
	if err != nil {
		t.Fatalf("GetTargetConfig() error = %v", err)
	}
	if cfg.SLAVersion != 3 {
		t.Fatalf("SLAVersion = %d, want 3", cfg.SLAVersion)
	}
}

func TestGetMeIdReadsLengthPrefixedPayload(t *testing.T) {
	meID := []byte("0123456789ABCDEF")
	f := &echoFake{queue: [][]byte{
		{byte(CmdGetMeId)},
		be32(uint32(len(meID))),
		meID,
		be16(uint16(StatusOK)),
	}}
	e := NewEngine(f, fastTimings(), nil)

	got, err := e.GetMeId()
	if err != nil {
		t.Fatalf("GetMeId() error = %v", err)
	}
	if string(got) != string(meID) {
		t.Fatalf("GetMeId() = %q, want %q", got, meID)
	}
}

func TestGetMeIdRejectsZeroLength(t *testing.T) {
	f := &echoFake{queue: [][]byte{
		{byte(CmdGetMeId)},
		be32(0),
	}}
	e := NewEngine(f, fastTimings(), nil)

	if _, err := e.GetMeId(); err == nil || !protoerr.IsMalformedPacket(err) {
		t.Fatalf("expected malformed-packet error for zero-length ME-ID, got %v", err)
	}
}

func TestGetMeIdRejectsOverlongLength(t *testing.T) {
	f := &echoFake{queue: [][]byte{
		{byte(CmdGetMeId)},
		be32(257),
	}}
	e := NewEngine(f, fastTimings(), nil)

	if _, err := e.GetMeId(); err == nil || !protoerr.IsMalformedPacket(err) {
		t.Fatalf("expected malformed-packet error for 257-byte ME-ID, got %v", err)
	}
}

func TestSendDaVerifiesChecksumAndStatus(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	var checksum uint16
	for _, b := range data {
		checksum += uint16(b)
	}

	f := &echoFake{queue: [][]byte{
		{byte(CmdSendDa)},
		be32(0x40000000), // load addr echo
		be32(uint32(len(data))),
		be32(0), // sig len
		be16(uint16(StatusCont)),
		be16(checksum),
		be16(uint16(StatusOK)),
	}}
	e := NewEngine(f, fastTimings(), nil)

	if err := e.SendDa(data, 0x40000000, 0); err != nil {
		t.Fatalf("SendDa() error = %v", err)
	}
}

func TestSendDaFailsOnChecksumMismatch(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	f := &echoFake{queue: [][]byte{
		{byte(CmdSendDa)},
		be32(0x40000000),
		be32(uint32(len(data))),
		be32(0),
		be16(uint16(StatusCont)),
		be16(0xDEAD), // wrong checksum
	}}
	e := NewEngine(f, fastTimings(), nil)

	err := e.SendDa(data, 0x40000000, 0)
	if err == nil || !protoerr.IsChecksumMismatch(err) {
		t.Fatalf("expected checksum-mismatch error, got %v", err)
	}
}

func TestJumpDaExpectsOkStatus(t *testing.T) {
	f := &echoFake{queue: [][]byte{
		{byte(CmdJumpDa)},
		be32(0x40000000),
		be16(uint16(StatusOK)),
	}}
	e := NewEngine(f, fastTimings(), nil)

	if err := e.JumpDa(0x40000000); err != nil {
		t.Fatalf("JumpDa() error = %v", err)
	}
}

func TestReadWrite32RoundTrip(t *testing.T) {
	f := &echoFake{queue: [][]byte{
		{byte(CmdRead32)},
		be32(0x10000000),
		be32(2),
		be16(uint16(StatusCont)),
		append(be32(0xAAAAAAAA), be32(0xBBBBBBBB)...),
		be16(uint16(StatusOK)),
	}}
	e := NewEngine(f, fastTimings(), nil)

	data, err := e.Read32(0x10000000, 2)
	if err != nil {
		t.Fatalf("Read32() error = %v", err)
	}
	if binary.BigEndian.Uint32(data[0:4]) != 0xAAAAAAAA || binary.BigEndian.Uint32(data[4:8]) != 0xBBBBBBBB {
		t.Fatalf("Read32() = % X, unexpected contents", data)
	}
}

func TestDisableWatchdogWritesFixedValue(t *testing.T) {
	f := &echoFake{queue: [][]byte{
		{byte(CmdWrite32)},
		be32(0x10007000),
		be32(1),
		be16(uint16(StatusCont)),
		be32(0x22000000),
		be16(uint16(StatusOK)),
	}}
	e := NewEngine(f, fastTimings(), nil)

	if err := e.DisableWatchdog(); err != nil {
		t.Fatalf("DisableWatchdog() error = %v", err)
	}
}

func TestSendCertEchoesPayload(t *testing.T) {
	cert := []byte("scripted-certificate-bytes")
	f := &echoFake{queue: [][]byte{
		{byte(CmdSendCert)},
		be32(uint32(len(cert))),
		be16(uint16(StatusCont)),
		cert, // echo-write readback
		be16(uint16(StatusOK)),
	}}
	e := NewEngine(f, fastTimings(), nil)

	if err := e.SendCert(cert); err != nil {
		t.Fatalf("SendCert() error = %v", err)
	}
	if string(f.sent[len(f.sent)-len(cert):]) != string(cert) {
		t.Fatalf("expected certificate bytes written raw before echo readback")
	}
}

func TestSendCommandFailsOnEchoMismatch(t *testing.T) {
	f := &echoFake{queue: [][]byte{
		{0x00}, // wrong echo for CmdGetHwCode
	}}
	e := NewEngine(f, fastTimings(), nil)

	if _, err := e.GetHwCode(); err == nil || !protoerr.IsEchoMismatch(err) {
		t.Fatalf("expected echo-mismatch error, got %v", err)
	}
}

func TestGetDeviceInfoGathersFullIdentity(t *testing.T) {
	meID := []byte("ME-ID-0123456789")
	socID := []byte("SOC-ID-0123456789ABCDEF0123456789")
	f := &echoFake{queue: [][]byte{
		// GetHwCode
		{byte(CmdGetHwCode)}, be32(0x07260000), be16(uint16(StatusOK)),
		// GetBlVer
		{byte(CmdGetBlVer)}, {0xFE},
		// DisableWatchdog (Write32)
		{byte(CmdWrite32)}, be32(0x10007000), be32(1), be16(uint16(StatusCont)), be32(0x22000000), be16(uint16(StatusOK)),
		// GetTargetConfig
		{byte(CmdGetTargetCfg)}, be32(0x00000002), be16(uint16(StatusOK)),
		// GetMeId
		{byte(CmdGetMeId)}, be32(uint32(len(meID))), meID, be16(uint16(StatusOK)),
		// GetSocId
		{byte(CmdGetSocId)}, be32(uint32(len(socID))), socID, be16(uint16(StatusOK)),
		// GetHwSwVer
		{byte(CmdGetHwSwVer)}, be32(0x00010000), be32(0x00020000), be32(0x00030000), be16(uint16(StatusOK)),
	}}
	e := NewEngine(f, fastTimings(), nil)

	info, err := e.GetDeviceInfo()
	if err != nil {
		t.Fatalf("GetDeviceInfo() error = %v", err)
	}
	if info.HwCode != 0x0726 || !info.IsBromMode {
		t.Fatalf("unexpected device info: %+v", info)
	}
	if !info.TargetCfg.SLAEnabled || info.TargetCfg.SLAVersion != 1 {
		t.Fatalf("unexpected target config: %+v", info.TargetCfg)
	}
	if string(info.MeID) != string(meID) || string(info.SocID) != string(socID) {
		t.Fatalf("unexpected identity bytes: meID=%q socID=%q", info.MeID, info.SocID)
	}
	if info.HwSubCode != 1 || info.HwVersion != 2 || info.SwVersion != 3 {
		t.Fatalf("unexpected hw/sw version triple: %+v", info)
	}
	if info.HwSubCodeRaw != 0x00010000 || info.HwVersionRaw != 0x00020000 || info.SwVersionRaw != 0x00030000 {
		t.Fatalf("unexpected raw hw/sw version words: %+v", info)
	}
}
