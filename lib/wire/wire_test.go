package wire

import (
	"bytes"
	"testing"
)

// S1: Encode PackedInt32 for 63, 64, -1, -64, -65, 2^31-1, -2^31.
func TestPackedInt32SeedScenario(t *testing.T) {
	cases := []struct {
		v      int32
		nBytes int
	}{
		{63, 1},
		{64, 2},
		{-1, 1},
		{-64, 1},
		{-65, 2},
		{1<<31 - 1, 5},
		{-(1 << 31), 5},
	}
	for _, c := range cases {
		w, buf := NewAppendWriter()
		w.WritePackedInt32(c.v)
		if err := w.Error(); err != nil {
			t.Fatalf("encode %d: %v", c.v, err)
		}
		if len(buf.Bytes()) != c.nBytes {
			t.Errorf("encode %d: got %d bytes, want %d (%x)", c.v, len(buf.Bytes()), c.nBytes, buf.Bytes())
		}
		r := NewReader(bytes.NewReader(buf.Bytes()))
		got := r.ReadPackedInt32()
		if err := r.Error(); err != nil {
			t.Fatalf("decode %d: %v", c.v, err)
		}
		if got != c.v {
			t.Errorf("round trip %d: got %d", c.v, got)
		}
	}
}

// Invariant 6: PackedInt32 round-trip for all 32-bit n, sampled; and length
// is 1 byte for |n| < 64, <=5 bytes otherwise.
func TestPackedInt32RoundTripSampled(t *testing.T) {
	samples := []int32{0, 1, -1, 32, -32, 63, -63, -64, 64, -65, 65,
		1000, -1000, 1 << 20, -(1 << 20), 1<<31 - 1, -(1 << 31), 12345678}
	for _, n := range samples {
		w, buf := NewAppendWriter()
		w.WritePackedInt32(n)
		encLen := len(buf.Bytes())
		if n > -64 && n < 64 {
			if encLen != 1 {
				t.Errorf("%d: expected 1-byte encoding, got %d", n, encLen)
			}
		} else if encLen > 5 {
			t.Errorf("%d: expected <=5-byte encoding, got %d", n, encLen)
		}
		r := NewReader(bytes.NewReader(buf.Bytes()))
		got := r.ReadPackedInt32()
		if got != n {
			t.Errorf("round trip %d: got %d", n, got)
		}
	}
}

func TestPackedInt64RoundTrip(t *testing.T) {
	samples := []int64{0, 1, -1, 63, -64, 1 << 40, -(1 << 40), 1<<62 - 1, -(1 << 62)}
	for _, n := range samples {
		w, buf := NewAppendWriter()
		w.WritePackedInt64(n)
		r := NewReader(bytes.NewReader(buf.Bytes()))
		got := r.ReadPackedInt64()
		if got != n {
			t.Errorf("round trip %d: got %d", n, got)
		}
	}
}

func TestRawInt128RoundTrip(t *testing.T) {
	cases := []struct{ lo, hi uint64 }{
		{0, 0},
		{1, 0},
		{^uint64(0), ^uint64(0)}, // -1
		{0, 1},
		{^uint64(0), 0},
	}
	for _, c := range cases {
		w, buf := NewAppendWriter()
		w.WriteRawInt128(c.lo, c.hi)
		r := NewReader(bytes.NewReader(buf.Bytes()))
		lo, hi, err := r.ReadRawInt128()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if lo != c.lo || hi != c.hi {
			t.Errorf("round trip {%d,%d}: got {%d,%d}", c.lo, c.hi, lo, hi)
		}
	}
}

// S2: String "héllo" (UTF-8, 6 bytes) round trip.
func TestStringSeedScenario(t *testing.T) {
	const s = "héllo"
	if len(s) != 6 {
		t.Fatalf("test fixture wrong, len=%d", len(s))
	}
	w, buf := NewAppendWriter()
	w.WriteString(s)
	if err := w.Error(); err != nil {
		t.Fatalf("encode: %v", err)
	}

	r := NewReader(bytes.NewReader(buf.Bytes()))
	n := r.ReadPackedInt32()
	if n != 6 {
		t.Fatalf("length prefix = %d, want 6", n)
	}
	rest := buf.Bytes()[1:]
	if !bytes.Equal(rest, []byte(s)) {
		t.Errorf("payload mismatch: got %x want %x", rest, []byte(s))
	}

	r2 := NewReader(bytes.NewReader(buf.Bytes()))
	got, ok := r2.ReadString()
	if !ok || got != s {
		t.Errorf("decoded string = %q, ok=%v, want %q", got, ok, s)
	}
}

func TestNullStringDistinctFromEmpty(t *testing.T) {
	w, buf := NewAppendWriter()
	w.WriteNullString()
	r := NewReader(bytes.NewReader(buf.Bytes()))
	s, ok := r.ReadString()
	if ok || s != "" {
		t.Errorf("null string decoded as ok=%v s=%q, want ok=false", ok, s)
	}

	w2, buf2 := NewAppendWriter()
	w2.WriteString("")
	r2 := NewReader(bytes.NewReader(buf2.Bytes()))
	s2, ok2 := r2.ReadString()
	if !ok2 || s2 != "" {
		t.Errorf("empty string decoded as ok=%v s=%q, want ok=true, \"\"", ok2, s2)
	}
}

func TestMalformedUTF8(t *testing.T) {
	w, buf := NewAppendWriter()
	w.WritePackedInt32(1)
	w.WriteRaw([]byte{0xff})
	r := NewReader(bytes.NewReader(buf.Bytes()))
	_, ok := r.ReadString()
	if ok {
		t.Fatal("expected decode failure for malformed UTF-8")
	}
	if !IsInvalidEncoding(r.Error()) {
		t.Errorf("expected InvalidEncoding, got %v", r.Error())
	}
}

func TestMissingContinuationByte(t *testing.T) {
	// A lead byte with the continuation bit set but nothing following.
	r := NewReader(bytes.NewReader([]byte{firstContBit}))
	r.ReadPackedInt32()
	if !IsInvalidEncoding(r.Error()) && r.Error() == nil {
		t.Fatal("expected an error for truncated packed int")
	}
}

func TestFixedWidthBigEndian(t *testing.T) {
	w, buf := NewAppendWriter()
	w.WriteUint32(0x01020304)
	if got := buf.Bytes(); !bytes.Equal(got, []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("uint32 not big-endian: %x", got)
	}

	w2, buf2 := NewAppendWriter()
	w2.WriteUint64(0x0102030405060708)
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if got := buf2.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("uint64 not big-endian: %x", got)
	}
}

func TestFloat64RoundTrip(t *testing.T) {
	for _, f := range []float64{0, 1.5, -1.5, 3.14159265, -0.0} {
		w, buf := NewAppendWriter()
		w.WriteFloat64(f)
		r := NewReader(bytes.NewReader(buf.Bytes()))
		if got := r.ReadFloat64(); got != f {
			t.Errorf("float round trip %v: got %v", f, got)
		}
	}
}
