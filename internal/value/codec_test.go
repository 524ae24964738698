package value_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/slotvm/slotd/internal/oid"
	"github.com/slotvm/slotd/internal/value"
)

func sample() []value.Value {
	return []value.Value{
		value.I32(-7),
		value.I64(1 << 40),
		value.F32(3.25),
		value.F64(-1.5e100),
		value.U128(oid.Uint128{Hi: 0x0102030405060708, Lo: 0x090a0b0c0d0e0f10}),
		value.String("hello, 世界"),
		value.String(""),
		value.Binary([]byte{0xde, 0xad, 0xbe, 0xef}),
		value.Program([]byte{0x00, 0x61, 0x73, 0x6d}),
		value.IdKey(oid.New()),
		value.Err(value.BadType),
		value.Vector(),
		value.Vector(value.I32(1), value.String("a"), value.Vector(value.I32(2), value.I32(3))),
	}
}

func TestRoundTrip(t *testing.T) {
	for _, v := range sample() {
		v := v
		t.Run(v.Kind().String(), func(t *testing.T) {
			decoded, err := value.Decode(value.Encode(v))
			require.NoError(t, err)
			if !v.Equal(decoded) {
				t.Fatalf("round trip mismatch: %v != %v", v, decoded)
			}
		})
	}
}

func TestRoundTripVersioned(t *testing.T) {
	for _, v := range sample() {
		decoded, err := value.DecodeVersioned(value.EncodeVersioned(v))
		require.NoError(t, err)
		require.True(t, v.Equal(decoded), "round trip mismatch: %v != %v", v, decoded)
	}
}

func TestEqualStructural(t *testing.T) {
	a := value.Vector(value.I32(1), value.String("x"))
	b := value.Vector(value.I32(1), value.String("x"))
	require.True(t, a.Equal(b))

	c := value.Vector(value.I32(1), value.String("y"))
	require.False(t, a.Equal(c))
}

func TestDecodeTruncated(t *testing.T) {
	full := value.Encode(value.String("truncate me"))
	for n := 0; n < len(full); n++ {
		_, err := value.Decode(full[:n])
		require.Error(t, err, "expected error decoding %d of %d bytes", n, len(full))
	}
}

func TestDecodeVectorLengthBomb(t *testing.T) {
	// A vector tag claiming 0xFFFFFFFF elements with nothing behind it
	// must fail without allocating anywhere near that many elements.
	buf := []byte{byte(value.KindVector), 0xff, 0xff, 0xff, 0xff}
	_, err := value.Decode(buf)
	require.Error(t, err)
}

func TestDecodeBadTag(t *testing.T) {
	_, err := value.Decode([]byte{0xfe})
	require.Error(t, err)
}

func TestDecodeEmptyTrailing(t *testing.T) {
	buf := append(value.Encode(value.I32(1)), 0x00)
	_, err := value.Decode(buf)
	require.Error(t, err)
}

func TestCmpDiffOnMismatch(t *testing.T) {
	vs, err := value.Decode(value.Encode(value.Vector(value.I32(1), value.I32(2))))
	require.NoError(t, err)
	elems, ok := vs.VectorVal()
	require.True(t, ok)
	want := []int32{1, 2}
	got := make([]int32, len(elems))
	for i, e := range elems {
		n, ok := e.I32Val()
		require.True(t, ok)
		got[i] = n
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("vector elements mismatch (-want +got):\n%s", diff)
	}
}
