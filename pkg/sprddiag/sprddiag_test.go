package sprddiag

import (
	"encoding/binary"
	"testing"

	"github.com/barnettlynn/flashcore/internal/config"
	"github.com/barnettlynn/flashcore/internal/protoerr"
	"github.com/barnettlynn/flashcore/pkg/hdlc"
	"github.com/barnettlynn/flashcore/pkg/transport"
)

func fastTimings() config.SprdDiagTimings {
	return config.SprdDiagTimings{PollIntervalMs: 1, ResponseTimeoutMs: 1}
}

// respFrame builds the wire bytes for a response to cmd carrying status
// and data, matching what a device would send back.
func respFrame(cmd Command, status byte, data []byte) []byte {
	payload := append([]byte{status}, data...)
	return hdlc.SprdEncode(uint16(cmd), payload, true)
}

func newTestEngine(inbox []byte) (*Engine, *transport.Fake) {
	f := transport.NewFake(inbox)
	return NewEngine(f, fastTimings(), nil), f
}

func TestConnectSendsFrameAndChecksStatus(t *testing.T) {
	e, f := newTestEngine(respFrame(CmdConnect, respOK, nil))

	if err := e.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	frame, err := hdlc.SprdDecode(f.Sent, true)
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	if frame.Type != uint16(CmdConnect) {
		t.Fatalf("sent type = 0x%02X, want 0x%02X", frame.Type, CmdConnect)
	}
	if len(frame.Payload) != 0 {
		t.Fatalf("connect payload = %v, want empty", frame.Payload)
	}
}

func TestConnectSurfacesDeviceError(t *testing.T) {
	e, _ := newTestEngine(respFrame(CmdConnect, 0x01, nil))

	err := e.Connect()
	if err == nil || !protoerr.IsProtocolError(err) {
		t.Fatalf("expected protocol error on non-zero status, got %v", err)
	}
}

func TestReadNVSendsItemIDAndReturnsData(t *testing.T) {
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	e, f := newTestEngine(respFrame(CmdReadNV, respOK, want))

	got, err := e.ReadNV(0x1234)
	if err != nil {
		t.Fatalf("ReadNV() error = %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("ReadNV() data = %v, want %v", got, want)
	}

	frame, err := hdlc.SprdDecode(f.Sent, true)
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	gotItem := binary.BigEndian.Uint16(frame.Payload)
	if gotItem != 0x1234 {
		t.Fatalf("sent item id = 0x%04X, want 0x1234", gotItem)
	}
}

func TestWriteNVSendsItemIDThenData(t *testing.T) {
	e, f := newTestEngine(respFrame(CmdWriteNV, respOK, nil))

	if err := e.WriteNV(0x0042, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("WriteNV() error = %v", err)
	}

	frame, err := hdlc.SprdDecode(f.Sent, true)
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	want := []byte{0x00, 0x42, 0x01, 0x02, 0x03}
	if string(frame.Payload) != string(want) {
		t.Fatalf("sent payload = %v, want %v", frame.Payload, want)
	}
}

func TestReadIMEIPrefixesSimSlot(t *testing.T) {
	imei := []byte("490154203237518")
	e, f := newTestEngine(respFrame(CmdReadIMEI, respOK, imei))

	got, err := e.ReadIMEI(1)
	if err != nil {
		t.Fatalf("ReadIMEI() error = %v", err)
	}
	if string(got) != string(imei) {
		t.Fatalf("ReadIMEI() = %q, want %q", got, imei)
	}

	frame, _ := hdlc.SprdDecode(f.Sent, true)
	if len(frame.Payload) != 1 || frame.Payload[0] != 1 {
		t.Fatalf("sent payload = %v, want [1]", frame.Payload)
	}
}

func TestWriteIMEIPrefixesSimSlot(t *testing.T) {
	imei := []byte("490154203237518")
	e, f := newTestEngine(respFrame(CmdWriteIMEI, respOK, nil))

	if err := e.WriteIMEI(0, imei); err != nil {
		t.Fatalf("WriteIMEI() error = %v", err)
	}

	frame, _ := hdlc.SprdDecode(f.Sent, true)
	if frame.Payload[0] != 0 || string(frame.Payload[1:]) != string(imei) {
		t.Fatalf("sent payload = %v, want [0 %s]", frame.Payload, imei)
	}
}

func TestReadVersionTrimsTrailingNULs(t *testing.T) {
	e, _ := newTestEngine(respFrame(CmdReadVersion, respOK, []byte("BL_1.0.3\x00\x00\x00")))

	got, err := e.ReadVersion()
	if err != nil {
		t.Fatalf("ReadVersion() error = %v", err)
	}
	if got != "BL_1.0.3" {
		t.Fatalf("ReadVersion() = %q, want %q", got, "BL_1.0.3")
	}
}

func TestReadChipIDReturnsRawBytes(t *testing.T) {
	want := []byte{0x88, 0x30, 0x00, 0x01}
	e, _ := newTestEngine(respFrame(CmdReadChipID, respOK, want))

	got, err := e.ReadChipID()
	if err != nil {
		t.Fatalf("ReadChipID() error = %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("ReadChipID() = %v, want %v", got, want)
	}
}

func phaseCheckBody(sn, station string, flags uint32, passed bool) []byte {
	body := make([]byte, phaseCheckBodyLen)
	copy(body[0:24], sn)
	copy(body[24:32], station)
	binary.BigEndian.PutUint32(body[32:36], flags)
	if passed {
		body[36] = 1
	}
	return body
}

func TestReadPhaseCheckParsesFields(t *testing.T) {
	body := phaseCheckBody("SN123456789\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00", "FCT01\x00\x00\x00", 0x0000000F, true)
	e, _ := newTestEngine(respFrame(CmdReadPhase, respOK, body))

	got, err := e.ReadPhaseCheck()
	if err != nil {
		t.Fatalf("ReadPhaseCheck() error = %v", err)
	}
	if got.SN != "SN123456789" {
		t.Fatalf("SN = %q, want %q", got.SN, "SN123456789")
	}
	if got.Station != "FCT01" {
		t.Fatalf("Station = %q, want %q", got.Station, "FCT01")
	}
	if got.Flags != 0x0000000F {
		t.Fatalf("Flags = 0x%08X, want 0x0000000F", got.Flags)
	}
	if !got.Passed {
		t.Fatalf("Passed = false, want true")
	}
}

func TestReadPhaseCheckRejectsShortBody(t *testing.T) {
	e, _ := newTestEngine(respFrame(CmdReadPhase, respOK, []byte{0x01, 0x02}))

	_, err := e.ReadPhaseCheck()
	if err == nil || !protoerr.IsMalformedPacket(err) {
		t.Fatalf("expected malformed-packet error for a short phase-check body, got %v", err)
	}
}

func TestResetSendsFrameWithoutWaitingForResponse(t *testing.T) {
	e, f := newTestEngine(nil)

	if err := e.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	frame, err := hdlc.SprdDecode(f.Sent, true)
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	if frame.Type != uint16(CmdReset) {
		t.Fatalf("sent type = 0x%02X, want 0x%02X", frame.Type, CmdReset)
	}
}

func TestPowerOffSendsFrameWithoutWaitingForResponse(t *testing.T) {
	e, f := newTestEngine(nil)

	if err := e.PowerOff(); err != nil {
		t.Fatalf("PowerOff() error = %v", err)
	}

	frame, err := hdlc.SprdDecode(f.Sent, true)
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	if frame.Type != uint16(CmdPowerOff) {
		t.Fatalf("sent type = 0x%02X, want 0x%02X", frame.Type, CmdPowerOff)
	}
}

func TestRecvFailsOnTransportTimeout(t *testing.T) {
	e, _ := newTestEngine(nil)

	err := e.Connect()
	if err == nil || !protoerr.IsTransportError(err) {
		t.Fatalf("expected transport error on empty inbox, got %v", err)
	}
}
