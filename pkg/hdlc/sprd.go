package hdlc

import (
	"github.com/barnettlynn/flashcore/internal/protoerr"
	"github.com/barnettlynn/flashcore/pkg/crc"
)

// SprdFrame is a decoded Spreadtrum type/length/payload/checksum packet.
type SprdFrame struct {
	Type    uint16
	Payload []byte
}

// SprdEncode builds `type_be | length_be | payload | sum_be`, then wraps it
// in Flag bytes, escaping the body first unless transcode is false (the
// mode Spreadtrum devices switch to for raw binary bulk transfer).
func SprdEncode(typ uint16, payload []byte, transcode bool) []byte {
	length := uint16(len(payload))
	inner := make([]byte, 0, 4+len(payload)+2)
	inner = append(inner, byte(typ>>8), byte(typ))
	inner = append(inner, byte(length>>8), byte(length))
	inner = append(inner, payload...)

	sum := crc.SprdSum(inner)
	inner = append(inner, byte(sum>>8), byte(sum))

	body := inner
	if transcode {
		body = EscapeBytes(inner)
	}

	out := make([]byte, 0, len(body)+2)
	out = append(out, Flag)
	out = append(out, body...)
	out = append(out, Flag)
	return out
}

// SprdDecode strips the Flag wrapper, unescapes when transcode is set,
// and parses the type/length/payload header. It returns MalformedPacket
// if the frame is too short or its length field overruns the buffer.
func SprdDecode(data []byte, transcode bool) (SprdFrame, error) {
	content := data
	if len(content) > 0 && content[0] == Flag {
		content = content[1:]
	}
	if len(content) > 0 && content[len(content)-1] == Flag {
		content = content[:len(content)-1]
	}

	if transcode {
		content = Unescape(content)
	}

	if len(content) < 6 {
		return SprdFrame{}, protoerr.New(protoerr.KindMalformedPacket, "sprd-hdlc", "frame shorter than type+length+checksum header")
	}

	typ := uint16(content[0])<<8 | uint16(content[1])
	length := uint16(content[2])<<8 | uint16(content[3])

	if int(4+length+2) > len(content) {
		return SprdFrame{}, protoerr.New(protoerr.KindMalformedPacket, "sprd-hdlc", "length field overruns frame")
	}

	return SprdFrame{Type: typ, Payload: content[4 : 4+length]}, nil
}
