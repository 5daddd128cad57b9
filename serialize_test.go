package cptrie

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	for _, bits := range []ValueBits{ValueBits16, ValueBits32} {
		t.Run(bits.String(), func(t *testing.T) {
			b := buildSample(t)
			frozen, err := b.Freeze(bits)
			require.NoError(t, err)

			buf := frozen.Serialize()
			loaded, err := FromBytes(buf)
			require.NoError(t, err)

			require.Equal(t, frozen.ValueBits(), loaded.ValueBits())
			require.Equal(t, frozen.HighStart(), loaded.HighStart())
			require.Equal(t, frozen.IndexLength(), loaded.IndexLength())
			require.Equal(t, frozen.DataLength(), loaded.DataLength())

			for c := rune(-2); c < unicodeLimit+2; c++ {
				if want, got := frozen.Get(c), loaded.Get(c); got != want {
					t.Fatalf("Get(%#x) = %d, want %d", c, got, want)
				}
			}

			// Re-serializing reproduces the buffer bit for bit.
			require.Empty(t, cmp.Diff(buf, loaded.Serialize()))
		})
	}
}

func TestSerializeHeaderLayout(t *testing.T) {
	b := NewBuilder(5, 0xbad)
	frozen, err := b.Freeze(ValueBits16)
	require.NoError(t, err)

	buf := frozen.Serialize()
	require.Equal(t, []byte("Tri3"), buf[0:4])

	options := binary.LittleEndian.Uint32(buf[4:8])
	require.Equal(t, uint32(ValueBits16), options&0xfff)
	// The null data block sits at data offset 0; stored with dataMove.
	require.Equal(t, uint32(bmpIndexLength), options>>12)

	require.Equal(t, uint16(bmpIndexLength), binary.LittleEndian.Uint16(buf[8:10]))
	require.Equal(t, uint16(frozen.DataLength()>>indexShift), binary.LittleEndian.Uint16(buf[10:12]))
	require.Equal(t, uint16(noIndex2NullOffset), binary.LittleEndian.Uint16(buf[12:14]))
	require.Equal(t, uint16(0), binary.LittleEndian.Uint16(buf[14:16]))
	require.Equal(t, uint32(5), binary.LittleEndian.Uint32(buf[16:20]))
	require.Equal(t, uint32(0xbad), binary.LittleEndian.Uint32(buf[20:24]))

	require.Len(t, buf, headerLength+2*frozen.IndexLength()+2*frozen.DataLength())
}

func TestFromBytesErrors(t *testing.T) {
	b := NewBuilder(0, 0xbad)
	require.NoError(t, b.Set(0x41, 7))
	frozen, err := b.Freeze(ValueBits16)
	require.NoError(t, err)
	good := frozen.Serialize()

	corrupt := func(mutate func(buf []byte) []byte) []byte {
		c := append([]byte(nil), good...)
		return mutate(c)
	}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"short header", good[:16]},
		{"bad signature", corrupt(func(buf []byte) []byte {
			buf[0] = 'X'
			return buf
		})},
		{"bad width code", corrupt(func(buf []byte) []byte {
			buf[4] = 9
			return buf
		})},
		{"truncated payload", good[:len(good)-3]},
		{"index below BMP length", corrupt(func(buf []byte) []byte {
			binary.LittleEndian.PutUint16(buf[8:10], 0x100)
			return buf
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromBytes(tt.buf)
			require.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}

func TestSerializeDeterminism(t *testing.T) {
	// Two different build sequences for the same logical mapping.
	a := NewBuilder(0, 0xbad)
	require.NoError(t, a.SetRange(0x41, 0x5a, 1, true))
	require.NoError(t, a.SetRange(0x660, 0x66f, 2, true))
	require.NoError(t, a.SetRange(0x1f600, 0x1f64f, 3, true))

	b := NewBuilder(0, 0xbad)
	for c := rune(0x1f64f); c >= 0x1f600; c-- {
		require.NoError(t, b.Set(c, 3))
	}
	for c := rune(0x66f); c >= 0x660; c-- {
		require.NoError(t, b.Set(c, 2))
	}
	for c := rune(0x5a); c >= 0x41; c-- {
		require.NoError(t, b.Set(c, 1))
	}

	frozenA, err := a.Freeze(ValueBits16)
	require.NoError(t, err)
	frozenB, err := b.Freeze(ValueBits16)
	require.NoError(t, err)

	require.Empty(t, cmp.Diff(frozenA.Serialize(), frozenB.Serialize()))
}

func TestSerializeSingleValueDiff(t *testing.T) {
	freeze := func(v uint32) []byte {
		b := NewBuilder(0, 0xbad)
		require.NoError(t, b.Set(0x1234, v))
		frozen, err := b.Freeze(ValueBits16)
		require.NoError(t, err)
		return frozen.Serialize()
	}

	buf7 := freeze(7)
	buf9 := freeze(9)
	require.Len(t, buf9, len(buf7))

	// Identical structure: only the bytes holding the value differ.
	trie, err := FromBytes(buf7)
	require.NoError(t, err)
	dataStart := headerLength + 2*trie.IndexLength()

	var diffs []int
	for i := range buf7 {
		if buf7[i] != buf9[i] {
			diffs = append(diffs, i)
		}
	}
	require.NotEmpty(t, diffs)
	require.LessOrEqual(t, len(diffs), 2)
	for _, i := range diffs {
		require.GreaterOrEqual(t, i, dataStart)
	}

	loaded9, err := FromBytes(buf9)
	require.NoError(t, err)
	require.Equal(t, uint32(7), trie.Get(0x1234))
	require.Equal(t, uint32(9), loaded9.Get(0x1234))
}
