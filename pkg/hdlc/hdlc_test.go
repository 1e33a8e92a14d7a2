package hdlc

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestEncodeDecodeRoundTripWithCRC(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00},
		{0x7E},
		{0x7D},
		{0x7E, 0x7D, 0x41, 0x42},
		bytes.Repeat([]byte{0x7E, 0x7D}, 50),
	}
	for _, b := range cases {
		encoded := Encode(b, true)
		decoded, err := Decode(encoded, true)
		if err != nil {
			t.Fatalf("Decode(Encode(%v)) returned error: %v", b, err)
		}
		if !bytes.Equal(decoded, b) && !(len(decoded) == 0 && len(b) == 0) {
			t.Fatalf("round trip mismatch: got %v, want %v", decoded, b)
		}
	}
}

func TestEncodeDecodeRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		n := rng.Intn(64)
		b := make([]byte, n)
		rng.Read(b)
		decoded, err := Decode(Encode(b, true), true)
		if err != nil {
			t.Fatalf("round trip %d returned error: %v", i, err)
		}
		if !bytes.Equal(decoded, b) && !(len(decoded) == 0 && len(b) == 0) {
			t.Fatalf("round trip %d mismatch: got %v, want %v", i, decoded, b)
		}
	}
}

func TestEscapeIsIdentityWithoutSpecialBytes(t *testing.T) {
	b := []byte{0x00, 0x01, 0xFF, 0x10, 0x7C, 0x7F}
	if got := EscapeBytes(b); !bytes.Equal(got, b) {
		t.Fatalf("EscapeBytes(%v) = %v, want identity", b, got)
	}
}

func TestUnescapeInvertsEscape(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		n := rng.Intn(64)
		b := make([]byte, n)
		rng.Read(b)
		if got := Unescape(EscapeBytes(b)); !bytes.Equal(got, b) {
			t.Fatalf("Unescape(EscapeBytes(%v)) = %v, want %v", b, got, b)
		}
	}
}

func TestEncodeWithoutCRCMatchesScenarioS3(t *testing.T) {
	input := []byte{0x7E, 0x7D, 0x41, 0x42}
	want := []byte{0x7E, 0x7D, 0x5E, 0x7D, 0x5D, 0x41, 0x42, 0x7E}
	got := Encode(input, false)
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode(use_crc=false) = %v, want %v", got, want)
	}
	decoded, err := Decode(got, false)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if !bytes.Equal(decoded, input) {
		t.Fatalf("Decode recovered %v, want %v", decoded, input)
	}
}

func TestDecodeDetectsChecksumMismatch(t *testing.T) {
	encoded := Encode([]byte("hello"), true)
	encoded[len(encoded)-2] ^= 0xFF // corrupt CRC high byte

	if _, err := Decode(encoded, true); err == nil {
		t.Fatalf("expected ChecksumMismatch for corrupted CRC, got nil")
	}
}

func TestExtractFramesSplitsBackToBackFlags(t *testing.T) {
	stream := []byte{0x7E, 0x01, 0x02, 0x7E, 0x7E, 0x03, 0x7E}
	frames := ExtractFrames(stream)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d: %v", len(frames), frames)
	}
	if !bytes.Equal(frames[0], []byte{0x7E, 0x01, 0x02, 0x7E}) {
		t.Fatalf("unexpected first frame: %v", frames[0])
	}
	if !bytes.Equal(frames[1], []byte{0x7E, 0x03, 0x7E}) {
		t.Fatalf("unexpected second frame: %v", frames[1])
	}
}

func TestSprdEncodeDecodeRoundTripTranscodeOn(t *testing.T) {
	payload := []byte{0x7E, 0x7D, 0x01, 0x02, 0x03}
	encoded := SprdEncode(0x0001, payload, true)

	frame, err := SprdDecode(encoded, true)
	if err != nil {
		t.Fatalf("SprdDecode returned error: %v", err)
	}
	if frame.Type != 0x0001 {
		t.Fatalf("expected type 0x0001, got 0x%04X", frame.Type)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("payload mismatch: got %v, want %v", frame.Payload, payload)
	}
}

func TestSprdEncodeDecodeRoundTripTranscodeOff(t *testing.T) {
	payload := []byte{0x10, 0x20, 0x30}
	encoded := SprdEncode(0x000C, payload, false)

	frame, err := SprdDecode(encoded, false)
	if err != nil {
		t.Fatalf("SprdDecode returned error: %v", err)
	}
	if frame.Type != 0x000C || !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestSprdDecodeRejectsShortFrame(t *testing.T) {
	if _, err := SprdDecode([]byte{0x7E, 0x01, 0x02, 0x7E}, false); err == nil {
		t.Fatalf("expected MalformedPacket for short frame, got nil")
	}
}
