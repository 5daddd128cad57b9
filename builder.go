// Package cptrie builds and reads compact, immutable tries mapping every
// Unicode code point in [0, 0x10FFFF] to a 16- or 32-bit property value.
//
// A Builder is filled with Set/SetRange calls, then frozen exactly once into
// a Trie: a densely packed two-level index plus a deduplicated data array,
// suitable for fast read-only lookup and binary serialization.
//
// Serialized layout (little-endian):
//
//	| signature "Tri3"        (4) |
//	| options                 (4) |  bits 31:12 null data offset, 11:0 width
//	| indexLength             (2) |
//	| dataLength >> 2         (2) |
//	| index2NullOffset        (2) |
//	| highStart >> 10         (2) |
//	| highValue               (4) |
//	| errorValue              (4) |
//	| index: indexLength x uint16 |
//	| data: dataLength values     |
package cptrie

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Builder is the mutable form of the trie. It is not safe for concurrent
// use. After Freeze it stays readable but rejects mutation.
type Builder struct {
	initialValue uint32
	errorValue   uint32

	// Smallest code point not yet materialized; blocks at and above it read
	// as initialValue. Always a multiple of dataBlockLength while mutable.
	highStart int32

	// Uniform value of the high region, determined during freeze.
	highValue uint32

	// Exclusive limit of the code points covered by data compaction, set
	// during freeze: highStart, but at least bmpLimit.
	suppHighStart int32

	// One entry per dataBlockLength code points. The index slot is
	// polymorphic over the block state in the flags slot.
	flags []uint8
	index []uint32

	data       []uint32
	dataLength int32

	frozen     *Trie
	frozenBits ValueBits
	closed     bool

	log *logrus.Logger
}

// NewBuilder returns an empty mutable trie. Every code point reads as
// initialValue; out-of-range lookups read as errorValue.
func NewBuilder(initialValue, errorValue uint32) *Builder {
	return &Builder{
		initialValue: initialValue,
		errorValue:   errorValue,
		flags:        make([]uint8, totalBlockCount),
		index:        make([]uint32, totalBlockCount),
		data:         make([]uint32, initialDataLength),
	}
}

// SetLogger attaches a logger for debug-level compaction statistics.
// The builder is silent without one.
func (b *Builder) SetLogger(log *logrus.Logger) {
	b.log = log
}

// IsFrozen reports whether Freeze has completed on this builder.
func (b *Builder) IsFrozen() bool {
	return b.frozen != nil
}

// Close releases the builder's arrays and any frozen trie reference.
// Afterwards mutators, Clone and Freeze fail, and every in-range code point
// reads as initialValue.
func (b *Builder) Close() {
	b.flags = nil
	b.index = nil
	b.data = nil
	b.frozen = nil
	b.highStart = 0
	b.closed = true
}

// Clone returns a deep copy of a mutable builder.
func (b *Builder) Clone() (*Builder, error) {
	if b.closed {
		return nil, fmt.Errorf("clone: builder is closed: %w", ErrIllegalArgument)
	}
	if b.IsFrozen() {
		return nil, fmt.Errorf("clone of a frozen trie: %w", ErrIllegalArgument)
	}

	c := &Builder{
		initialValue: b.initialValue,
		errorValue:   b.errorValue,
		highStart:    b.highStart,
		flags:        make([]uint8, totalBlockCount),
		index:        make([]uint32, totalBlockCount),
		data:         make([]uint32, len(b.data)),
		dataLength:   b.dataLength,
		log:          b.log,
	}
	copy(c.flags[:b.highStart>>shift2], b.flags)
	copy(c.index[:b.highStart>>shift2], b.index)
	copy(c.data, b.data)
	return c, nil
}

func (b *Builder) flagOf(i int32) uint8 {
	return b.flags[i] & blockStateMask
}

func (b *Builder) setState(i int32, state uint8) {
	b.flags[i] = b.flags[i]&^blockStateMask | state
}

// ensureHighStart materializes blocks so that c lies below highStart.
func (b *Builder) ensureHighStart(c int32) {
	if c < b.highStart {
		return
	}
	limit := (c>>shift2 + 1) << shift2
	for i := b.highStart >> shift2; i < limit>>shift2; i++ {
		b.flags[i] = blockAllSame
		b.index[i] = b.initialValue
	}
	b.highStart = limit
}

// allocDataBlock reserves a fresh block-sized run in the data array, growing
// it along the 16K -> 128K -> 0x110000 ladder.
func (b *Builder) allocDataBlock() (int32, error) {
	newTop := b.dataLength + dataBlockLength
	if int(newTop) > len(b.data) {
		var capacity int
		switch len(b.data) {
		case initialDataLength:
			capacity = mediumDataLength
		case mediumDataLength:
			capacity = maxDataLength
		default:
			return -1, fmt.Errorf("data array exceeds %#x entries: %w", maxDataLength, ErrMemoryAllocation)
		}
		grown := make([]uint32, capacity)
		copy(grown, b.data[:b.dataLength])
		b.data = grown
	}
	offset := b.dataLength
	b.dataLength = newTop
	return offset, nil
}

// getDataBlock returns the data offset of the block containing c, converting
// an all-same block to a mixed one if needed.
func (b *Builder) getDataBlock(c int32) (int32, error) {
	i := c >> shift2
	if b.flagOf(i) == blockMixed {
		return int32(b.index[i]), nil
	}

	offset, err := b.allocDataBlock()
	if err != nil {
		return -1, err
	}
	value := b.index[i]
	for j := int32(0); j < dataBlockLength; j++ {
		b.data[offset+j] = value
	}
	b.setState(i, blockMixed)
	b.index[i] = uint32(offset)
	return offset, nil
}

// Set maps the single code point c to v.
func (b *Builder) Set(c rune, v uint32) error {
	if c < 0 || c > maxUnicode {
		return fmt.Errorf("code point %#x out of range: %w", c, ErrIllegalArgument)
	}
	if b.closed || b.IsFrozen() {
		return fmt.Errorf("set on a frozen trie: %w", ErrNoWritePermission)
	}

	b.ensureHighStart(int32(c))
	offset, err := b.getDataBlock(int32(c))
	if err != nil {
		return err
	}
	b.data[offset+int32(c)&dataMask] = v
	return nil
}

// fillBlock writes v into the slots [first, limit) of the mixed block at
// dataOffset. With overwrite false only slots still holding initialValue
// are replaced.
func (b *Builder) fillBlock(dataOffset, first, limit int32, v uint32, overwrite bool) {
	for j := first; j < limit; j++ {
		if overwrite || b.data[dataOffset+j] == b.initialValue {
			b.data[dataOffset+j] = v
		}
	}
}

// SetRange maps every code point in [start, end] (inclusive) to v. With
// overwrite false only code points still mapped to initialValue change.
func (b *Builder) SetRange(start, end rune, v uint32, overwrite bool) error {
	if start < 0 || start > maxUnicode || end < 0 || end > maxUnicode || start > end {
		return fmt.Errorf("range %#x..%#x: %w", start, end, ErrIllegalArgument)
	}
	if b.closed || b.IsFrozen() {
		return fmt.Errorf("setRange on a frozen trie: %w", ErrNoWritePermission)
	}
	if !overwrite && v == b.initialValue {
		return nil
	}

	b.ensureHighStart(int32(end))

	c := int32(start)
	limit := int32(end) + 1

	// Partial first block.
	if c&dataMask != 0 {
		offset, err := b.getDataBlock(c)
		if err != nil {
			return err
		}
		nextBlock := c&^dataMask + dataBlockLength
		if nextBlock > limit {
			b.fillBlock(offset, c&dataMask, limit&dataMask, v, overwrite)
			return nil
		}
		b.fillBlock(offset, c&dataMask, dataBlockLength, v, overwrite)
		c = nextBlock
	}

	// Whole blocks.
	for c+dataBlockLength <= limit {
		i := c >> shift2
		if b.flagOf(i) == blockAllSame {
			if overwrite || b.index[i] == b.initialValue {
				b.index[i] = v
			}
		} else {
			b.fillBlock(int32(b.index[i]), 0, dataBlockLength, v, overwrite)
		}
		c += dataBlockLength
	}

	// Partial last block.
	if c < limit {
		offset, err := b.getDataBlock(c)
		if err != nil {
			return err
		}
		b.fillBlock(offset, 0, limit&dataMask, v, overwrite)
	}
	return nil
}

// Get returns the value mapped to c, errorValue when c is outside
// [0, 0x10FFFF]. Works on both mutable and frozen builders.
func (b *Builder) Get(c rune) uint32 {
	if c < 0 || c > maxUnicode {
		return b.errorValue
	}
	if b.frozen != nil {
		return b.frozen.Get(c)
	}
	if int32(c) >= b.highStart {
		return b.initialValue
	}
	i := int32(c) >> shift2
	if b.flagOf(i) == blockAllSame {
		return b.index[i]
	}
	return b.data[int32(b.index[i])+int32(c)&dataMask]
}

// ValueFilter post-processes values during GetRange; runs are measured on
// the filtered values. A nil filter compares raw values.
type ValueFilter func(value uint32) uint32

func applyFilter(filter ValueFilter, v uint32) uint32 {
	if filter == nil {
		return v
	}
	return filter(v)
}

// GetRange returns the last code point end such that all code points in
// [start, end] map to the same (filtered) value, and that value. It returns
// end == -1 when start is outside [0, 0x10FFFF].
func (b *Builder) GetRange(start rune, filter ValueFilter) (rune, uint32) {
	if start < 0 || start > maxUnicode {
		return -1, 0
	}
	if b.frozen != nil {
		return b.frozen.GetRange(start, filter)
	}

	tail := applyFilter(filter, b.initialValue)
	if int32(start) >= b.highStart {
		return maxUnicode, tail
	}

	value := applyFilter(filter, b.Get(start))
	c := int32(start)
	for c < b.highStart {
		i := c >> shift2
		if b.flagOf(i) == blockAllSame {
			if applyFilter(filter, b.index[i]) != value {
				return rune(c - 1), value
			}
			c = (i + 1) << shift2
			continue
		}
		offset := int32(b.index[i])
		blockLimit := (i + 1) << shift2
		for ; c < blockLimit; c++ {
			if applyFilter(filter, b.data[offset+c&dataMask]) != value {
				return rune(c - 1), value
			}
		}
	}
	if tail == value {
		return maxUnicode, value
	}
	return rune(b.highStart - 1), value
}
