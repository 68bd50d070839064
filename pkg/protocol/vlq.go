package protocol

import "errors"

// ErrTruncated is returned when a VLQ or message runs past the buffer.
var ErrTruncated = errors.New("protocol: truncated message")

// EncodeUint32 appends v using Klipper's variable length quantity scheme.
// Range checks use the signed view while shifts use the raw 32 bits, so
// %u values above 2^31 travel as negative int32 and come back intact.
func EncodeUint32(out *[]byte, v int32) {
	uv := uint32(v)
	sv := v
	if sv >= 0xc000000 || sv < -0x4000000 {
		*out = append(*out, byte(((uv>>28)&0x7f)|0x80))
	}
	if sv >= 0x180000 || sv < -0x80000 {
		*out = append(*out, byte(((uv>>21)&0x7f)|0x80))
	}
	if sv >= 0x3000 || sv < -0x1000 {
		*out = append(*out, byte(((uv>>14)&0x7f)|0x80))
	}
	if sv >= 0x60 || sv < -0x20 {
		*out = append(*out, byte(((uv>>7)&0x7f)|0x80))
	}
	*out = append(*out, byte(uv&0x7f))
}

// DecodeUint32 reads one VLQ starting at pos and returns the value and
// the position after it.
func DecodeUint32(buf []byte, pos int) (int32, int, error) {
	if pos >= len(buf) {
		return 0, pos, ErrTruncated
	}
	c := buf[pos]
	pos++
	v := int32(c & 0x7f)
	if (c & 0x60) == 0x60 {
		v |= -0x20
	}
	for (c & 0x80) != 0 {
		if pos >= len(buf) {
			return 0, pos, ErrTruncated
		}
		c = buf[pos]
		pos++
		v = (v << 7) | int32(c&0x7f)
	}
	return v, pos, nil
}
