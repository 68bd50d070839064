package protocol

import "testing"

func TestVLQ_Roundtrip(t *testing.T) {
	vals := []int32{
		0, 1, 31, 32, 33, 95, 96, 97, 127, 128, 129,
		0x1fff, 0x2000, 0x2001,
		-1, -31, -32, -33, -4095, -4096, -4097,
		0x7fffffff, -0x80000000,
	}
	for _, v := range vals {
		out := []byte{}
		EncodeUint32(&out, v)
		got, pos, err := DecodeUint32(out, 0)
		if err != nil {
			t.Fatalf("DecodeUint32(%v): %v", out, err)
		}
		if pos != len(out) {
			t.Fatalf("DecodeUint32 consumed %d/%d for %d", pos, len(out), v)
		}
		if got != v {
			t.Fatalf("roundtrip %d -> %v -> %d", v, out, got)
		}
	}
}

func TestVLQ_KnownEncodings(t *testing.T) {
	cases := []struct {
		v    int32
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{32, []byte{0x20}},
		{96, []byte{0x80, 0x60}},
		{-1, []byte{0x7f}},
		{-32, []byte{0x60}},
	}
	for _, tc := range cases {
		out := []byte{}
		EncodeUint32(&out, tc.v)
		if string(out) != string(tc.want) {
			t.Fatalf("EncodeUint32(%d)=%v want %v", tc.v, out, tc.want)
		}
	}
}

func TestVLQ_Truncated(t *testing.T) {
	if _, _, err := DecodeUint32([]byte{0x80}, 0); err != ErrTruncated {
		t.Fatalf("err=%v want ErrTruncated", err)
	}
	if _, _, err := DecodeUint32(nil, 0); err != ErrTruncated {
		t.Fatalf("err=%v want ErrTruncated", err)
	}
}

func TestVLQ_UnsignedAboveInt32(t *testing.T) {
	// clocks past 2^31 are sent as %u and must survive the signed view
	var clock uint32 = 0x9abcdef0
	out := []byte{}
	EncodeUint32(&out, int32(clock))
	got, _, err := DecodeUint32(out, 0)
	if err != nil {
		t.Fatalf("DecodeUint32: %v", err)
	}
	if uint32(got) != clock {
		t.Fatalf("got %#x want %#x", uint32(got), clock)
	}
}
