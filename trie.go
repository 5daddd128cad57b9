package cptrie

// Trie is the frozen, immutable form. It is safe for concurrent readers.
//
// A BMP lookup is single-indirect: the stored index entry already includes
// dataMove, so it addresses the data directly. A supplementary lookup walks
// index-1 to an index-2 block whose entries are interpreted left-shifted by
// indexShift, which is what lets the 16-bit index address a data array
// larger than 64K entries.
type Trie struct {
	valueBits ValueBits

	index  []uint16
	data16 []uint16
	data32 []uint32

	dataLength int32

	// indexLength for 16-bit tries (index and data share the 16-bit offset
	// space), 0 for 32-bit tries.
	dataMove int32

	highStart  int32
	highValue  uint32
	errorValue uint32

	// Offset of the null data block without dataMove, or noDataNullOffset.
	dataNullOffset int32

	index2NullOffset uint16
}

// ValueBits returns the storage width the trie was frozen with.
func (t *Trie) ValueBits() ValueBits { return t.valueBits }

// HighStart returns the first code point of the uniform high region.
func (t *Trie) HighStart() rune { return rune(t.highStart) }

// HighValue returns the value of every code point at or above HighStart.
func (t *Trie) HighValue() uint32 { return t.highValue }

// ErrorValue returns the value reported for out-of-range lookups.
func (t *Trie) ErrorValue() uint32 { return t.errorValue }

// IndexLength returns the number of 16-bit index entries.
func (t *Trie) IndexLength() int { return len(t.index) }

// DataLength returns the number of data values.
func (t *Trie) DataLength() int { return int(t.dataLength) }

// dataIndex resolves a code point below highStart to its data position.
func (t *Trie) dataIndex(c int32) int32 {
	if c < bmpLimit {
		return int32(t.index[c>>shift2]) + c&dataMask - t.dataMove
	}
	i1 := bmpIndexLength - omittedBMPIndex1Length + c>>shift1
	i2 := int32(t.index[i1]) + c>>shift2&index2Mask
	return int32(t.index[i2])<<indexShift + c&dataMask - t.dataMove
}

func (t *Trie) valueAt(pos int32) uint32 {
	if t.valueBits == ValueBits16 {
		return uint32(t.data16[pos])
	}
	return t.data32[pos]
}

// Get returns the value mapped to c, errorValue when c is outside
// [0, 0x10FFFF].
func (t *Trie) Get(c rune) uint32 {
	if c < 0 || c > maxUnicode {
		return t.errorValue
	}
	if int32(c) >= t.highStart {
		return t.highValue
	}
	return t.valueAt(t.dataIndex(int32(c)))
}

// GetRange returns the last code point end such that all code points in
// [start, end] map to the same (filtered) value, and that value. It returns
// end == -1 when start is outside [0, 0x10FFFF].
func (t *Trie) GetRange(start rune, filter ValueFilter) (rune, uint32) {
	if start < 0 || start > maxUnicode {
		return -1, 0
	}
	high := applyFilter(filter, t.highValue)
	if int32(start) >= t.highStart {
		return maxUnicode, high
	}

	value := applyFilter(filter, t.Get(start))
	c := int32(start)
	for c < t.highStart {
		blockLimit := (c | dataMask) + 1
		pos := t.dataIndex(c)
		for ; c < blockLimit; c, pos = c+1, pos+1 {
			if applyFilter(filter, t.valueAt(pos)) != value {
				return rune(c - 1), value
			}
		}
	}
	if high == value {
		return maxUnicode, value
	}
	return rune(t.highStart - 1), value
}
