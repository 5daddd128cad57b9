package cptrie

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Serialized format, little-endian:
//
//	| Offset | Size | Field                                             |
//	|      0 |    4 | signature "Tri3"                                  |
//	|      4 |    4 | options: [31:12] null data offset, [11:0] width   |
//	|      8 |    2 | indexLength                                       |
//	|     10 |    2 | dataLength >> indexShift                          |
//	|     12 |    2 | index2NullOffset                                  |
//	|     14 |    2 | highStart >> shift1                               |
//	|     16 |    4 | highValue                                         |
//	|     20 |    4 | errorValue                                        |
//
// followed by indexLength uint16 index entries and dataLength values of the
// frozen width. BMP index entries store dataMove + offset unshifted;
// supplementary entries store (dataMove + offset) >> indexShift.
const (
	trieSignature = "Tri3"
	headerLength  = 24
)

// Serialize emits the trie as one contiguous buffer in the format above.
func (t *Trie) Serialize() []byte {
	size := headerLength + 2*len(t.index)
	if t.valueBits == ValueBits16 {
		size += 2 * int(t.dataLength)
	} else {
		size += 4 * int(t.dataLength)
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))

	storedNull := uint32(noDataNullOffset)
	if t.dataNullOffset != noDataNullOffset {
		storedNull = uint32(t.dataMove + t.dataNullOffset)
	}

	_, _ = buf.WriteString(trieSignature)
	_ = binary.Write(buf, binary.LittleEndian, storedNull<<12|uint32(t.valueBits))
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(t.index)))
	_ = binary.Write(buf, binary.LittleEndian, uint16(t.dataLength>>indexShift))
	_ = binary.Write(buf, binary.LittleEndian, t.index2NullOffset)
	_ = binary.Write(buf, binary.LittleEndian, uint16(t.highStart>>shift1))
	_ = binary.Write(buf, binary.LittleEndian, t.highValue)
	_ = binary.Write(buf, binary.LittleEndian, t.errorValue)
	_ = binary.Write(buf, binary.LittleEndian, t.index)
	if t.valueBits == ValueBits16 {
		_ = binary.Write(buf, binary.LittleEndian, t.data16)
	} else {
		_ = binary.Write(buf, binary.LittleEndian, t.data32)
	}
	return buf.Bytes()
}

// FromBytes reconstructs a frozen trie from a buffer produced by Serialize.
func FromBytes(buf []byte) (*Trie, error) {
	if len(buf) < headerLength {
		return nil, fmt.Errorf("buffer too short for header: %w", ErrInvalidFormat)
	}
	if string(buf[0:4]) != trieSignature {
		return nil, fmt.Errorf("bad signature %q: %w", buf[0:4], ErrInvalidFormat)
	}

	options := binary.LittleEndian.Uint32(buf[4:8])
	code := options & 0xfff
	if code != uint32(ValueBits16) && code != uint32(ValueBits32) {
		return nil, fmt.Errorf("unknown value width code %d: %w", code, ErrInvalidFormat)
	}
	bits := ValueBits(code)

	indexLength := int(binary.LittleEndian.Uint16(buf[8:10]))
	dataLength := int32(binary.LittleEndian.Uint16(buf[10:12])) << indexShift
	index2NullOffset := binary.LittleEndian.Uint16(buf[12:14])
	highStart := int32(binary.LittleEndian.Uint16(buf[14:16])) << shift1
	highValue := binary.LittleEndian.Uint32(buf[16:20])
	errorValue := binary.LittleEndian.Uint32(buf[20:24])

	if indexLength < bmpIndexLength {
		return nil, fmt.Errorf("index length %#x below BMP index length: %w", indexLength, ErrInvalidFormat)
	}
	if highStart > unicodeLimit {
		return nil, fmt.Errorf("high start %#x out of range: %w", highStart, ErrInvalidFormat)
	}

	size := headerLength + 2*indexLength
	if bits == ValueBits16 {
		size += 2 * int(dataLength)
	} else {
		size += 4 * int(dataLength)
	}
	if len(buf) < size {
		return nil, fmt.Errorf("buffer length %d below %d: %w", len(buf), size, ErrInvalidFormat)
	}

	t := &Trie{
		valueBits:        bits,
		index:            make([]uint16, indexLength),
		dataLength:       dataLength,
		highStart:        highStart,
		highValue:        highValue,
		errorValue:       errorValue,
		index2NullOffset: index2NullOffset,
	}
	if bits == ValueBits16 {
		t.dataMove = int32(indexLength)
	}

	pos := headerLength
	for i := range t.index {
		t.index[i] = binary.LittleEndian.Uint16(buf[pos:])
		pos += 2
	}
	if bits == ValueBits16 {
		t.data16 = make([]uint16, dataLength)
		for i := range t.data16 {
			t.data16[i] = binary.LittleEndian.Uint16(buf[pos:])
			pos += 2
		}
	} else {
		t.data32 = make([]uint32, dataLength)
		for i := range t.data32 {
			t.data32[i] = binary.LittleEndian.Uint32(buf[pos:])
			pos += 4
		}
	}

	t.dataNullOffset = noDataNullOffset
	if storedNull := int32(options >> 12); storedNull != noDataNullOffset {
		t.dataNullOffset = storedNull - t.dataMove
	}
	return t, nil
}
